package storage

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
)

// Record is a single persisted, immutable event (spec §3).
type Record struct {
	PrevHash  DualHash
	Tenant    TenantID
	Stream    StreamID
	Offset    Offset
	Timestamp int64 // nanoseconds; an input, never read from the host clock.
	Payload   []byte
	Hash      DualHash
}

// crcTable is the IEEE CRC32 table, matching spec §3's "per-record CRC32".
var crcTable = crc32.MakeTable(crc32.IEEE)

// encodeRest returns the canonical encoding of every Record field except
// PrevHash and Hash -- the "rest_of_record" input to the hash recurrence
// h = H(prev_hash || canonical_encoding(rest_of_record)).
func (r *Record) encodeRest() []byte {
	var buf bytes.Buffer
	buf.Grow(8 + 8 + 8 + 8 + 4 + len(r.Payload))
	var scratch [8]byte

	binary.BigEndian.PutUint64(scratch[:], uint64(r.Tenant))
	buf.Write(scratch[:])
	binary.BigEndian.PutUint64(scratch[:], uint64(r.Stream))
	buf.Write(scratch[:])
	binary.BigEndian.PutUint64(scratch[:], uint64(r.Offset))
	buf.Write(scratch[:])
	binary.BigEndian.PutUint64(scratch[:], uint64(r.Timestamp))
	buf.Write(scratch[:])
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(r.Payload)))
	buf.Write(scratch[:4])
	buf.Write(r.Payload)

	return buf.Bytes()
}

// Seal computes and sets r.Hash from r.PrevHash and r's other fields. It
// must be called before Encode.
func (r *Record) Seal() {
	r.Hash = computeDualHash(r.PrevHash, r.encodeRest())
}

// Encode appends r's length-prefixed, CRC-protected on-disk encoding to w.
// r.Hash must already be set (via Seal).
func (r *Record) Encode(w io.Writer) (int, error) {
	var body bytes.Buffer
	body.Write(r.PrevHash.SHA256[:])
	body.Write(r.PrevHash.BLAKE3[:])
	body.Write(r.encodeRest())
	body.Write(r.Hash.SHA256[:])
	body.Write(r.Hash.BLAKE3[:])

	var content = body.Bytes()
	var crc = crc32.Checksum(content, crcTable)

	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(content)))
	binary.BigEndian.PutUint32(header[4:8], crc)

	var n int
	var nn, err = w.Write(header[:])
	n += nn
	if err != nil {
		return n, err
	}
	nn, err = w.Write(content)
	n += nn
	return n, err
}

// DecodeRecord reads one length-prefixed record from r, validating its
// CRC32. It does not verify the hash chain -- that's the caller's
// responsibility (verified reads anchor on a checkpoint and replay forward,
// see engine.go).
func DecodeRecord(r io.Reader) (*Record, int, error) {
	var header [8]byte
	var n int
	var nn, err = io.ReadFull(r, header[:])
	n += nn
	if err != nil {
		return nil, n, err
	}
	var length = binary.BigEndian.Uint32(header[0:4])
	var wantCRC = binary.BigEndian.Uint32(header[4:8])

	var content = make([]byte, length)
	nn, err = io.ReadFull(r, content)
	n += nn
	if err != nil {
		return nil, n, err
	}

	if crc32.Checksum(content, crcTable) != wantCRC {
		return nil, n, &StorageError{Kind: ErrCorruptRecord, Message: "CRC32 mismatch"}
	}

	if len(content) < 64+8+8+8+8+4+64 {
		return nil, n, &StorageError{Kind: ErrCorruptRecord, Message: "record content too short"}
	}

	var rec Record
	copy(rec.PrevHash.SHA256[:], content[0:32])
	copy(rec.PrevHash.BLAKE3[:], content[32:64])
	rec.Tenant = TenantID(binary.BigEndian.Uint64(content[64:72]))
	rec.Stream = StreamID(binary.BigEndian.Uint64(content[72:80]))
	rec.Offset = Offset(binary.BigEndian.Uint64(content[80:88]))
	rec.Timestamp = int64(binary.BigEndian.Uint64(content[88:96]))
	var payloadLen = binary.BigEndian.Uint32(content[96:100])

	var want = 100 + int(payloadLen) + 64
	if len(content) != want {
		return nil, n, &StorageError{Kind: ErrCorruptRecord, Message: "record payload length mismatch"}
	}
	rec.Payload = append([]byte(nil), content[100:100+payloadLen]...)
	copy(rec.Hash.SHA256[:], content[100+payloadLen:100+payloadLen+32])
	copy(rec.Hash.BLAKE3[:], content[100+payloadLen+32:100+payloadLen+64])

	return &rec, n, nil
}

// VerifyChain reports whether r's Hash correctly chains from prev.
func (r *Record) VerifyChain(prev DualHash) bool {
	return r.PrevHash == prev && computeDualHash(prev, r.encodeRest()).Verify(r.Hash)
}
