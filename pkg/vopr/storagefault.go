package vopr

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kimberlitedb/kimberlite/pkg/vsr"
)

// segmentHeaderSize mirrors pkg/storage's unexported constant (magic(4) +
// version(1) + number(8)): a storage fault must never truncate into the
// header, or the segment becomes unopenable rather than merely
// torn-tailed, which is a different (and less interesting) failure mode.
const segmentHeaderSize = 13

// streamDirName mirrors pkg/storage.Engine.streamDir's naming scheme, so
// fault injection can locate a replica's on-disk segment files without
// pkg/storage needing to export its private layout.
func streamDirName(streamID uint64) string {
	return fmt.Sprintf("stream-%016x", streamID)
}

func segmentFileName(number uint64) string {
	return fmt.Sprintf("%020d.seg", number)
}

// StorageFaultKind names one disk-level fault (spec §4.4: "virtual storage
// fault injection: write reordering, partial writes, crash semantics,
// silent corruption").
type StorageFaultKind int

const (
	FaultTornTailWrite StorageFaultKind = iota
	FaultBitFlip
	FaultFullCrash
)

func (k StorageFaultKind) String() string {
	switch k {
	case FaultTornTailWrite:
		return "torn_tail_write"
	case FaultBitFlip:
		return "bit_flip"
	case FaultFullCrash:
		return "full_crash"
	default:
		return "unknown"
	}
}

// StorageFaultInjector applies disk-level faults to a harness's on-disk
// segments by closing its replica (releasing the engine's exclusive
// flock), mutating bytes directly on a segment file, and reopening a
// fresh *vsr.Replica rooted at the same directory -- exactly the sequence
// a real process crash-and-restart produces, which is what lets
// pkg/storage's own crash-recovery path (torn-tail truncation on reopen)
// do the same work here that it does in production.
type StorageFaultInjector struct {
	rng *RNG
}

// NewStorageFaultInjector builds an injector drawing all randomness from
// rng, so a fixed seed reproduces exactly which bytes get corrupted.
func NewStorageFaultInjector(rng *RNG) *StorageFaultInjector {
	return &StorageFaultInjector{rng: rng}
}

// Inject applies kind to one segment file of streamID within h's storage,
// then restarts h's replica in place and re-registers the new replica
// with the simulation's Network, since the old registration's
// HandleMessage is bound to the old *vsr.Replica value.
func (inj *StorageFaultInjector) Inject(sim *Simulation, h *ReplicaHarness, streamID uint64, kind StorageFaultKind) error {
	if err := h.Replica.Close(); err != nil {
		return fmt.Errorf("vopr: close replica %d before fault injection: %w", h.ID, err)
	}

	var dir = filepath.Join(h.DataDir, streamDirName(streamID))
	var segPath, findErr = latestSegment(dir)
	if findErr == nil {
		switch kind {
		case FaultTornTailWrite:
			if err := tornTailTruncate(segPath, inj.rng); err != nil {
				return err
			}
		case FaultBitFlip:
			if err := flipRandomBit(segPath, inj.rng); err != nil {
				return err
			}
		case FaultFullCrash:
			// A clean crash with no torn write: nothing further to corrupt,
			// the restart below already models the crash/restart itself.
		}
	}
	sim.coverage.recordFault(kind.String())

	var replica, err = vsr.NewReplica(h.cfg)
	if err != nil {
		return fmt.Errorf("vopr: restart replica %d after fault injection: %w", h.ID, err)
	}
	h.Replica = replica
	h.justRestarted = true
	sim.network.Register(h.ID, replica)
	return nil
}

func latestSegment(dir string) (string, error) {
	var entries, err = os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var best string
	var bestNum uint64
	var found bool
	for _, e := range entries {
		var n uint64
		if _, scanErr := fmt.Sscanf(e.Name(), "%020d.seg", &n); scanErr != nil {
			continue
		}
		if !found || n >= bestNum {
			bestNum, best, found = n, e.Name(), true
		}
	}
	if !found {
		return "", fmt.Errorf("vopr: no segment files in %s", dir)
	}
	return filepath.Join(dir, best), nil
}

// tornTailTruncate simulates a crash mid-write by cutting the last few
// bytes off the file -- pkg/storage's own recovery path is expected to
// detect and discard this incomplete tail record on reopen.
func tornTailTruncate(path string, rng *RNG) error {
	var fi, err = os.Stat(path)
	if err != nil {
		return err
	}
	if fi.Size() <= segmentHeaderSize {
		return nil
	}
	var cut = int64(1 + rng.Intn(8))
	var newSize = fi.Size() - cut
	if newSize < segmentHeaderSize {
		newSize = segmentHeaderSize
	}
	return os.Truncate(path, newSize)
}

// flipRandomBit simulates silent on-disk corruption (bit rot, a
// misdirected write) at a random byte past the segment header; this is
// expected to be caught by the hash-chain/CRC check on read, not by crash
// recovery.
func flipRandomBit(path string, rng *RNG) error {
	var fi, err = os.Stat(path)
	if err != nil {
		return err
	}
	if fi.Size() <= segmentHeaderSize {
		return nil
	}
	var f, openErr = os.OpenFile(path, os.O_RDWR, 0o644)
	if openErr != nil {
		return openErr
	}
	defer f.Close()

	var offset = segmentHeaderSize + rng.Intn(int(fi.Size()-segmentHeaderSize))
	var b = make([]byte, 1)
	if _, err := f.ReadAt(b, int64(offset)); err != nil {
		return err
	}
	b[0] ^= byte(1 << uint(rng.Intn(8)))
	_, err = f.WriteAt(b, int64(offset))
	return err
}
