package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// SegmentMagic identifies a Kimberlite segment file (spec §6: Magic "KMBR").
var SegmentMagic = [4]byte{'K', 'M', 'B', 'R'}

// SegmentVersion is the on-disk segment format version.
const SegmentVersion = 1

// segmentHeaderSize is magic(4) + version(1) + number(8).
const segmentHeaderSize = 4 + 1 + 8

// Segment is one contiguous, append-only file of chained records.
type Segment struct {
	Number StreamID // re-used as a generic dense numeric type; segments are per-stream.
	dir    string
	f      *os.File
	size   int64
	sealed bool
}

func segmentPath(dir string, number uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.seg", number))
}

// CreateSegment creates and opens a new, empty segment file numbered
// number within dir, writing its header.
func CreateSegment(dir string, number uint64) (*Segment, error) {
	var path = segmentPath(dir, number)
	var f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	var header [segmentHeaderSize]byte
	copy(header[0:4], SegmentMagic[:])
	header[4] = SegmentVersion
	binary.BigEndian.PutUint64(header[5:13], number)
	if _, err = f.Write(header[:]); err != nil {
		f.Close()
		return nil, err
	}
	return &Segment{Number: StreamID(number), dir: dir, f: f, size: segmentHeaderSize}, nil
}

// OpenSegment opens an existing segment file for reading and appending,
// validating its header.
func OpenSegment(dir string, number uint64) (*Segment, error) {
	var path = segmentPath(dir, number)
	var f, err = os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	var header [segmentHeaderSize]byte
	if _, err = f.ReadAt(header[:], 0); err != nil {
		f.Close()
		return nil, err
	}
	if [4]byte(header[0:4]) != SegmentMagic {
		f.Close()
		return nil, &StorageError{Kind: ErrCorruptSegment, Message: "bad segment magic"}
	}
	if header[4] != SegmentVersion {
		f.Close()
		return nil, &StorageError{Kind: ErrCorruptSegment, Message: "unsupported segment version"}
	}
	var stat, statErr = f.Stat()
	if statErr != nil {
		f.Close()
		return nil, statErr
	}
	return &Segment{Number: StreamID(number), dir: dir, f: f, size: stat.Size()}, nil
}

// Size returns the current byte length of the segment file.
func (s *Segment) Size() int64 { return s.size }

// Path returns the segment's file path.
func (s *Segment) Path() string { return segmentPath(s.dir, uint64(s.Number)) }

// AppendRecord writes rec at the segment's current end, returning its
// starting byte position.
func (s *Segment) AppendRecord(rec *Record) (int64, error) {
	if s.sealed {
		return 0, &StorageError{Kind: ErrInvalidArgument, Message: "segment is sealed"}
	}
	var pos = s.size
	if _, err := s.f.Seek(pos, 0); err != nil {
		return 0, err
	}
	var n, err = rec.Encode(s.f)
	if err != nil {
		return 0, err
	}
	s.size += int64(n)
	return pos, nil
}

// Sync fsyncs the segment file.
func (s *Segment) Sync() error { return s.f.Sync() }

// Seal marks the segment read-only; no further AppendRecord calls may
// succeed. Sealed segments are what pkg/storage/cache.go holds as
// reference-counted, memory-mapped immutable byte handles.
func (s *Segment) Seal() { s.sealed = true }

// Sealed reports whether the segment has been sealed.
func (s *Segment) Sealed() bool { return s.sealed }

// Truncate truncates the segment to size bytes, used by recovery to drop a
// corrupt tail (spec §4.2 Recovery).
func (s *Segment) Truncate(size int64) error {
	if err := s.f.Truncate(size); err != nil {
		return err
	}
	s.size = size
	return nil
}

// ReadAt reads one record starting at byte position pos, returning the
// record and the byte length it occupied on disk.
func (s *Segment) ReadAt(pos int64) (*Record, int, error) {
	var sr = io.NewSectionReader(s.f, pos, s.size-pos)
	return DecodeRecord(sr)
}

// Iterate walks records forward from byte position from until the segment
// end or fn returns false. fn is called with each record's starting byte
// position. On a corrupt (CRC or truncated) record, iteration stops and
// the byte position of the corrupt record is returned as the valid tail
// boundary.
func (s *Segment) Iterate(from int64, fn func(pos int64, rec *Record) bool) (validTo int64, err error) {
	var pos = from
	for pos < s.size {
		var rec, n, decErr = s.ReadAt(pos)
		if decErr != nil {
			return pos, decErr
		}
		if !fn(pos, rec) {
			return pos + int64(n), nil
		}
		pos += int64(n)
	}
	return pos, nil
}

// Close closes the underlying file handle.
func (s *Segment) Close() error { return s.f.Close() }
