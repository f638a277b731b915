package vopr

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"os"
)

// bundleMagic identifies a Kimberlite VOPR failure bundle on disk (spec
// §6: ".kmb files, magic \"KVPR\"").
var bundleMagic = [4]byte{'K', 'V', 'P', 'R'}

// bundleVersion is the on-disk bundle format version.
const bundleVersion = 1

// FailureBundle captures everything needed to deterministically replay a
// simulation run that hit an invariant violation: the scenario's seed and
// configuration is sufficient, since the whole point of the single-
// threaded, seeded-RNG scheduler is that the same inputs always produce
// the same event sequence (spec §4.4's "--check-determinism" contract).
type FailureBundle struct {
	Scenario  ScenarioConfig
	Violation InvariantResult
	FailedAt  VirtualTime
	Coverage  Summary
}

func init() {
	gob.Register(ScenarioConfig{})
}

// Save writes b to path in the .kmb format: a 4-byte magic, a 1-byte
// version, a 4-byte big-endian payload length, then a gob-encoded
// FailureBundle.
func (b *FailureBundle) Save(path string) error {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(b); err != nil {
		return fmt.Errorf("vopr: encode failure bundle: %w", err)
	}

	var f, err = os.Create(path)
	if err != nil {
		return fmt.Errorf("vopr: create bundle file: %w", err)
	}
	defer f.Close()

	var header [9]byte
	copy(header[0:4], bundleMagic[:])
	header[4] = bundleVersion
	binary.BigEndian.PutUint32(header[5:9], uint32(payload.Len()))
	if _, err := f.Write(header[:]); err != nil {
		return err
	}
	_, err = f.Write(payload.Bytes())
	return err
}

// LoadFailureBundle reads and validates a .kmb file written by Save.
func LoadFailureBundle(path string) (*FailureBundle, error) {
	var f, err = os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vopr: open bundle file: %w", err)
	}
	defer f.Close()

	var header [9]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return nil, fmt.Errorf("vopr: read bundle header: %w", err)
	}
	if !bytes.Equal(header[0:4], bundleMagic[:]) {
		return nil, fmt.Errorf("vopr: not a failure bundle (bad magic)")
	}
	if header[4] != bundleVersion {
		return nil, fmt.Errorf("vopr: unsupported bundle version %d", header[4])
	}
	var length = binary.BigEndian.Uint32(header[5:9])

	var payload = make([]byte, length)
	if _, err := io.ReadFull(f, payload); err != nil {
		return nil, fmt.Errorf("vopr: read bundle payload: %w", err)
	}

	var b FailureBundle
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&b); err != nil {
		return nil, fmt.Errorf("vopr: decode bundle payload: %w", err)
	}
	return &b, nil
}
