package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
)

// Encryption at rest is built directly on the standard library's crypto
// packages rather than a pack dependency: crypto/aes and
// crypto/cipher are Go's own constant-time, audited AES-GCM implementation,
// and none of the retrieved example repos import a third-party AEAD
// package to replace it -- vendoring one here would trade a reviewed stdlib
// primitive for an unreviewed one with no grounding in the corpus. See
// DESIGN.md.

// sealedOverhead is the GCM authentication tag length appended to every
// sealed payload.
const sealedOverhead = 16

// deriveNonce builds the per-record AES-GCM nonce from the record's
// physical position, matching spec §3's "nonce derived from position":
// segment number in the high 4 bytes, byte offset within the segment in
// the low 8 bytes, truncated to the 12-byte GCM nonce size.
func deriveNonce(segment uint64, bytePos int64) [12]byte {
	var nonce [12]byte
	binary.BigEndian.PutUint32(nonce[0:4], uint32(segment))
	binary.BigEndian.PutUint64(nonce[4:12], uint64(bytePos))
	return nonce
}

// TenantKey is a tenant-scoped AES-256 key. Keyring is responsible for
// zeroing the underlying array on release.
type TenantKey [32]byte

// gcmFor constructs an AES-256-GCM AEAD from key.
func gcmFor(key TenantKey) (cipher.AEAD, error) {
	var block, err = aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// SealPayload encrypts plaintext into a newly allocated slice under key,
// leaving plaintext unmodified, using a nonce derived
// from (segment, bytePos) so that no nonce is ever reused for a given key
// (spec §3). The returned ciphertext includes the GCM authentication tag;
// that tag is folded into the record's hash input by virtue of being part
// of the encrypted Payload that encodeRest hashes.
func SealPayload(key TenantKey, segment uint64, bytePos int64, plaintext []byte) ([]byte, error) {
	var aead, err = gcmFor(key)
	if err != nil {
		return nil, err
	}
	var nonce = deriveNonce(segment, bytePos)
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// OpenPayload decrypts and authenticates ciphertext under key using the
// nonce derived from (segment, bytePos).
func OpenPayload(key TenantKey, segment uint64, bytePos int64, ciphertext []byte) ([]byte, error) {
	var aead, err = gcmFor(key)
	if err != nil {
		return nil, err
	}
	var nonce = deriveNonce(segment, bytePos)
	var plaintext, openErr = aead.Open(nil, nonce[:], ciphertext, nil)
	if openErr != nil {
		return nil, &StorageError{Kind: ErrHashMismatch, Message: "payload authentication failed", Cause: openErr}
	}
	return plaintext, nil
}
