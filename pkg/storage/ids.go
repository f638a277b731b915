// Package storage implements Kimberlite's append-only segmented log: a
// hash-chained, CRC-protected record stream with a checkpoint-anchored
// verified-read path, encryption at rest, and crash recovery.
//
// Storage is a leaf component (spec §2 dataflow): it has no dependency on
// pkg/kernel. It knows nothing of Commands or Effects, only of streams,
// records, and bytes. The VSR replica (pkg/vsr) is the glue that turns a
// kernel StorageAppend effect into a call against this package.
package storage

import "fmt"

// TenantID identifies the tenant that owns a stream, for key scoping only.
type TenantID uint64

// StreamID identifies a stream. Storage does not interpret it beyond using
// it to name the stream's on-disk directory.
type StreamID uint64

// Offset is a stream-local logical record position.
type Offset uint64

func (s StreamID) String() string { return fmt.Sprintf("%016x", uint64(s)) }

func (t TenantID) String() string { return fmt.Sprintf("%016x", uint64(t)) }

// FsyncPolicy governs how aggressively append_batch forces durability.
type FsyncPolicy int

const (
	// FsyncAlways fsyncs the segment (and, if rotated, the new segment and
	// the index WAL) before returning. Used by the replica for
	// acknowledgement to the primary, and by the primary before marking an
	// op durable (spec §4.2 Durability policy).
	FsyncAlways FsyncPolicy = iota
	// FsyncBatch defers fsync until the next checkpoint (taken every
	// checkpointEvery records, or by an explicit Checkpoint call) or
	// segment rotation.
	FsyncBatch
	// FsyncAsync never blocks the caller on fsync; durability is best-effort
	// until the next checkpoint.
	FsyncAsync
)

// SegmentCap is the default maximum size of one segment file before it is
// sealed and rotated (spec §3: "capped at ~256 MiB").
const SegmentCap = 256 << 20

// DefaultCheckpointInterval is the default number of records between
// persisted checkpoints (spec §3: "every K records (K tunable, default
// 1000)").
const DefaultCheckpointInterval = 1000
