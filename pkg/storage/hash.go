package storage

import (
	"crypto/sha256"

	"github.com/zeebo/blake3"
)

// ChainHash is a 32-byte cryptographic digest: the unit of hash-chain
// linkage between records (spec §3).
type ChainHash [32]byte

// DualHash carries both the primary (SHA-256) and fast secondary (BLAKE3)
// digest of the same input. Both are computed and checked (spec §3); an
// attacker able to forge one but not the other is still detected.
type DualHash struct {
	SHA256 ChainHash
	BLAKE3 ChainHash
}

// ZeroHash is the conventional prev_hash of the first record in a stream.
var ZeroHash DualHash

// computeDualHash hashes prevHash || rest with both digest families,
// exactly matching the spec's recurrence
// "hash = H(prev_hash || canonical_encoding(rest_of_record))".
func computeDualHash(prev DualHash, rest []byte) DualHash {
	var sh = sha256.New()
	sh.Write(prev.SHA256[:])
	sh.Write(rest)
	var out DualHash
	copy(out.SHA256[:], sh.Sum(nil))

	var bh = blake3.New()
	bh.Write(prev.BLAKE3[:])
	bh.Write(rest)
	copy(out.BLAKE3[:], bh.Sum(nil))

	return out
}

// Verify reports whether got matches want on both digest families.
func (got DualHash) Verify(want DualHash) bool {
	return got.SHA256 == want.SHA256 && got.BLAKE3 == want.BLAKE3
}
