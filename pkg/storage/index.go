package storage

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/google/btree"
)

// IndexMagic identifies a Kimberlite index WAL file (spec §6: "KIDX").
var IndexMagic = [4]byte{'K', 'I', 'D', 'X'}

// IndexVersion is the on-disk index WAL format version.
const IndexVersion = 1

// indexEntry maps one stream offset to its physical location: which
// segment holds it, and the byte position within that segment.
//
// The distilled spec describes the index WAL as per-segment pairs of
// (offset, byte_position). Kimberlite's Index spans every segment of a
// stream so that a verified read can walk forward across a segment
// boundary without a second lookup structure; this is documented as an
// implementation decision in DESIGN.md. The WAL's magic, version, and
// per-record CRC32 framing are exactly as specified.
type indexEntry struct {
	Offset    Offset
	Segment   uint64
	BytePos   int64
}

func lessIndexEntry(a, b indexEntry) bool { return a.Offset < b.Offset }

// Index is a stream's Offset -> physical location mapping: a compacted,
// ordered in-memory structure (backed by google/btree for O(log n) lookup,
// matching spec §4.2's "sorted array sized for O(log n) lookup") plus the
// append-only WAL that makes inserts durable between compactions.
type Index struct {
	tree *btree.BTreeG[indexEntry]
	wal  *os.File
	path string
}

// OpenIndex opens (creating if absent) the index WAL at path and replays
// it to rebuild the in-memory tree.
func OpenIndex(path string) (*Index, error) {
	var idx = &Index{tree: btree.NewG(btreeDegreeIndex, lessIndexEntry), path: path}

	var existed = true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		existed = false
	}

	var f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	idx.wal = f

	if existed {
		if err := idx.replay(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		var header [4 + 1]byte
		copy(header[0:4], IndexMagic[:])
		header[4] = IndexVersion
		if _, err := f.Write(header[:]); err != nil {
			f.Close()
			return nil, err
		}
	}
	return idx, nil
}

const btreeDegreeIndex = 32

func (idx *Index) replay() error {
	if _, err := idx.wal.Seek(0, 0); err != nil {
		return err
	}
	var header [4 + 1]byte
	if _, err := io.ReadFull(idx.wal, header[:]); err != nil {
		return err
	}
	if [4]byte(header[0:4]) != IndexMagic {
		return &StorageError{Kind: ErrCorruptSegment, Message: "bad index WAL magic"}
	}

	for {
		var e, _, err = readIndexRecord(idx.wal)
		if err == io.EOF {
			break
		} else if err != nil {
			// A torn tail write is recovered by simply stopping here: the
			// index never exceeds the log, and any gap this leaves is
			// rebuilt by the engine's recovery scan.
			break
		}
		idx.tree.ReplaceOrInsert(e)
	}
	// Leave the file position at EOF for further appends.
	if _, err := idx.wal.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

func readIndexRecord(r io.Reader) (indexEntry, int, error) {
	var buf [8 + 8 + 8 + 4]byte
	var n, err = io.ReadFull(r, buf[:])
	if err != nil {
		return indexEntry{}, n, err
	}
	var content = buf[:24]
	var wantCRC = binary.BigEndian.Uint32(buf[24:28])
	if crc32.Checksum(content, crcTable) != wantCRC {
		return indexEntry{}, n, &StorageError{Kind: ErrCorruptRecord, Message: "index record CRC mismatch"}
	}
	var e indexEntry
	e.Offset = Offset(binary.BigEndian.Uint64(content[0:8]))
	e.Segment = binary.BigEndian.Uint64(content[8:16])
	e.BytePos = int64(binary.BigEndian.Uint64(content[16:24]))
	return e, n, nil
}

// Insert durably appends one (offset -> segment, byte_position) mapping to
// the WAL and updates the in-memory tree. The WAL write is always synced
// by the caller's chosen FsyncPolicy via Sync; Insert itself only buffers
// into the OS write-back cache.
func (idx *Index) Insert(e indexEntry) error {
	var buf [8 + 8 + 8 + 4]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.Offset))
	binary.BigEndian.PutUint64(buf[8:16], e.Segment)
	binary.BigEndian.PutUint64(buf[16:24], uint64(e.BytePos))
	var crc = crc32.Checksum(buf[0:24], crcTable)
	binary.BigEndian.PutUint32(buf[24:28], crc)

	if _, err := idx.wal.Write(buf[:]); err != nil {
		return err
	}
	idx.tree.ReplaceOrInsert(e)
	return nil
}

// Sync fsyncs the index WAL.
func (idx *Index) Sync() error { return idx.wal.Sync() }

// Lookup returns the exact entry for offset, if present.
func (idx *Index) Lookup(offset Offset) (indexEntry, bool) {
	return idx.tree.Get(indexEntry{Offset: offset})
}

// Floor returns the entry with the greatest Offset <= offset, if any. It's
// the anchor-selection primitive behind checkpoint-relative verified reads
// and MVCC "AS OF POSITION" queries (spec §3, §8 invariant 9).
func (idx *Index) Floor(offset Offset) (indexEntry, bool) {
	var found indexEntry
	var ok bool
	idx.tree.DescendLessOrEqual(indexEntry{Offset: offset}, func(e indexEntry) bool {
		found, ok = e, true
		return false
	})
	return found, ok
}

// Len reports the number of entries currently indexed.
func (idx *Index) Len() int { return idx.tree.Len() }

// Compact atomically rewrites the WAL to hold exactly the current
// in-memory tree's entries (temp file + fsync + rename), collapsing any
// history of superseded inserts. Spec §4.2: "On compaction, replaced
// atomically (temp + fsync + rename) with a sorted array."
func (idx *Index) Compact() error {
	var tmp = idx.path + ".compact-tmp"
	var f, err = os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	var header [4 + 1]byte
	copy(header[0:4], IndexMagic[:])
	header[4] = IndexVersion
	if _, err = f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}

	var writeErr error
	idx.tree.Ascend(func(e indexEntry) bool {
		var buf [8 + 8 + 8 + 4]byte
		binary.BigEndian.PutUint64(buf[0:8], uint64(e.Offset))
		binary.BigEndian.PutUint64(buf[8:16], e.Segment)
		binary.BigEndian.PutUint64(buf[16:24], uint64(e.BytePos))
		binary.BigEndian.PutUint32(buf[24:28], crc32.Checksum(buf[0:24], crcTable))
		if _, writeErr = f.Write(buf[:]); writeErr != nil {
			return false
		}
		return true
	})
	if writeErr != nil {
		f.Close()
		os.Remove(tmp)
		return writeErr
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}

	if err = idx.wal.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp, idx.path); err != nil {
		return err
	}
	idx.wal, err = os.OpenFile(idx.path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	if _, err = idx.wal.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

// Close closes the index WAL file.
func (idx *Index) Close() error { return idx.wal.Close() }

func indexPath(dir string) string { return filepath.Join(dir, "index.kidx") }
