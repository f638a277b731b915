package storage

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sort"
)

// CheckpointMagic identifies a Kimberlite checkpoint file (spec §6: "KCKP").
var CheckpointMagic = [4]byte{'K', 'C', 'K', 'P'}

// CheckpointVersion is the on-disk checkpoint format version.
const CheckpointVersion = 1

// Checkpoint is one anchor: at Offset, the stream's hash chain has
// accumulated to Hash. A verified read need only replay forward from the
// nearest preceding checkpoint, not from genesis -- the O(k) rather than
// O(n) bound spec §3 and §8 invariant 11 require.
type Checkpoint struct {
	Offset Offset
	Hash   DualHash
}

// CheckpointStore holds a stream's checkpoints in ascending Offset order
// and persists them as a single "KCKP" file: magic, version, count, then
// count * (offset_u64, hash_sha256[32], hash_blake3[32]), CRC32-protected
// as one unit (spec §6).
type CheckpointStore struct {
	path        string
	checkpoints []Checkpoint
}

// OpenCheckpointStore loads the checkpoint file at path, or starts empty if
// it doesn't yet exist.
func OpenCheckpointStore(path string) (*CheckpointStore, error) {
	var cs = &CheckpointStore{path: path}
	var f, err = os.Open(path)
	if os.IsNotExist(err) {
		return cs, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	var all, readErr = io.ReadAll(f)
	if readErr != nil {
		return nil, readErr
	}
	if len(all) == 0 {
		return cs, nil
	}
	if len(all) < 4+1+4+4 {
		return nil, &StorageError{Kind: ErrCorruptSegment, Message: "checkpoint file truncated"}
	}
	if [4]byte(all[0:4]) != CheckpointMagic {
		return nil, &StorageError{Kind: ErrCorruptSegment, Message: "bad checkpoint magic"}
	}
	if all[4] != CheckpointVersion {
		return nil, &StorageError{Kind: ErrCorruptSegment, Message: "unsupported checkpoint version"}
	}
	var count = binary.BigEndian.Uint32(all[5:9])
	var body = all[9 : len(all)-4]
	var wantCRC = binary.BigEndian.Uint32(all[len(all)-4:])
	if crc32.Checksum(all[:len(all)-4], crcTable) != wantCRC {
		return nil, &StorageError{Kind: ErrCorruptRecord, Message: "checkpoint file CRC mismatch"}
	}
	if uint32(len(body)) != count*72 {
		return nil, &StorageError{Kind: ErrCorruptSegment, Message: "checkpoint count/length mismatch"}
	}

	cs.checkpoints = make([]Checkpoint, 0, count)
	for i := uint32(0); i < count; i++ {
		var rec = body[i*72 : (i+1)*72]
		var c Checkpoint
		c.Offset = Offset(binary.BigEndian.Uint64(rec[0:8]))
		copy(c.Hash.SHA256[:], rec[8:40])
		copy(c.Hash.BLAKE3[:], rec[40:72])
		cs.checkpoints = append(cs.checkpoints, c)
	}
	return cs, nil
}

// Add records a new checkpoint and persists the full store atomically
// (temp file + fsync + rename).
func (cs *CheckpointStore) Add(c Checkpoint) error {
	cs.checkpoints = append(cs.checkpoints, c)
	sort.Slice(cs.checkpoints, func(i, j int) bool { return cs.checkpoints[i].Offset < cs.checkpoints[j].Offset })
	return cs.persist()
}

func (cs *CheckpointStore) persist() error {
	var body = make([]byte, 0, 9+len(cs.checkpoints)*72+4)
	body = append(body, CheckpointMagic[:]...)
	body = append(body, CheckpointVersion)
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(cs.checkpoints)))
	body = append(body, countBuf[:]...)

	for _, c := range cs.checkpoints {
		var rec [72]byte
		binary.BigEndian.PutUint64(rec[0:8], uint64(c.Offset))
		copy(rec[8:40], c.Hash.SHA256[:])
		copy(rec[40:72], c.Hash.BLAKE3[:])
		body = append(body, rec[:]...)
	}
	var crc = crc32.Checksum(body, crcTable)
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc)
	body = append(body, crcBuf[:]...)

	var tmp = cs.path + ".tmp"
	var f, err = os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err = f.Write(body); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, cs.path)
}

// Floor returns the latest checkpoint at or before offset, if any.
func (cs *CheckpointStore) Floor(offset Offset) (Checkpoint, bool) {
	var idx = sort.Search(len(cs.checkpoints), func(i int) bool {
		return cs.checkpoints[i].Offset > offset
	})
	if idx == 0 {
		return Checkpoint{}, false
	}
	return cs.checkpoints[idx-1], true
}

// Latest returns the most recently recorded checkpoint, if any.
func (cs *CheckpointStore) Latest() (Checkpoint, bool) {
	if len(cs.checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return cs.checkpoints[len(cs.checkpoints)-1], true
}

// All returns every checkpoint in ascending offset order. The returned
// slice must not be mutated by the caller.
func (cs *CheckpointStore) All() []Checkpoint { return cs.checkpoints }
