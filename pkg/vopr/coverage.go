package vopr

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/kimberlitedb/kimberlite/pkg/vsr"
)

// Coverage tracks multi-dimensional exploration of the simulation's state
// space (spec §4.4: "multi-dimensional coverage (states visited,
// message-type histograms, fault-type histograms, invariant-execution
// counts); seeds that expand coverage are prioritized in subsequent
// nightly runs"). The (replica_count, fault_kind) bitset is the dense
// enough dimension to benefit from a compact roaring bitmap rather than a
// plain map -- the other histograms are small, fixed-cardinality counters.
type Coverage struct {
	mu sync.Mutex

	messageKinds    map[vsr.MessageKind]uint64
	faultKinds      map[string]uint64
	invariantRuns   map[string]uint64
	invariantFailed map[string]uint64

	// cells is a bitset over a linearized (replica_count, fault_kind_id)
	// coverage grid: recordCell(n, k) sets bit cellIndex(n, k). Nothing in
	// this package calls recordCell, so the bitset stays empty and
	// Summary.CoverageCells reports 0.
	cells      *roaring.Bitmap
	faultIDs   map[string]uint32
	nextFaultID uint32
}

// NewCoverage returns an empty tracker.
func NewCoverage() *Coverage {
	return &Coverage{
		messageKinds:    make(map[vsr.MessageKind]uint64),
		faultKinds:      make(map[string]uint64),
		invariantRuns:   make(map[string]uint64),
		invariantFailed: make(map[string]uint64),
		cells:           roaring.New(),
		faultIDs:        make(map[string]uint32),
	}
}

func (c *Coverage) recordMessageKind(k vsr.MessageKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageKinds[k]++
}

func (c *Coverage) recordFault(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faultKinds[kind]++
}

// recordCell marks the (replicaCount, faultKind) coverage cell visited.
func (c *Coverage) recordCell(replicaCount int, faultKind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var id, ok = c.faultIDs[faultKind]
	if !ok {
		id = c.nextFaultID
		c.faultIDs[faultKind] = id
		c.nextFaultID++
	}
	c.cells.Add(cellIndex(replicaCount, id))
}

func cellIndex(replicaCount int, faultID uint32) uint32 {
	// 256 reserved fault-kind slots per replica-count row; ample headroom
	// over the fixed catalog in byzantine.go and network.go.
	return uint32(replicaCount)*256 + faultID
}

func (c *Coverage) recordInvariantRun(name string, violated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invariantRuns[name]++
	if violated {
		c.invariantFailed[name]++
	}
}

// Summary is a point-in-time snapshot suitable for the CLI's `stats`
// subcommand or for a dashboard render.
type Summary struct {
	MessageKinds    map[string]uint64
	FaultKinds      map[string]uint64
	InvariantRuns   map[string]uint64
	InvariantFailed map[string]uint64
	CoverageCells   uint64
}

// Snapshot returns a copy of the current coverage state.
func (c *Coverage) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s = Summary{
		MessageKinds:    make(map[string]uint64, len(c.messageKinds)),
		FaultKinds:      make(map[string]uint64, len(c.faultKinds)),
		InvariantRuns:   make(map[string]uint64, len(c.invariantRuns)),
		InvariantFailed: make(map[string]uint64, len(c.invariantFailed)),
		CoverageCells:   c.cells.GetCardinality(),
	}
	for k, v := range c.messageKinds {
		s.MessageKinds[k.String()] = v
	}
	for k, v := range c.faultKinds {
		s.FaultKinds[k] = v
	}
	for k, v := range c.invariantRuns {
		s.InvariantRuns[k] = v
	}
	for k, v := range c.invariantFailed {
		s.InvariantFailed[k] = v
	}
	return s
}

// String renders a short human-readable coverage report for the CLI.
func (s Summary) String() string {
	return fmt.Sprintf("cells=%d messageKinds=%d faultKinds=%d invariants=%d",
		s.CoverageCells, len(s.MessageKinds), len(s.FaultKinds), len(s.InvariantRuns))
}
