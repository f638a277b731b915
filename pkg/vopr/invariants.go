package vopr

import (
	"crypto/sha256"
	"fmt"
	"reflect"
	"sync"

	"github.com/kimberlitedb/kimberlite/pkg/kernel"
	"github.com/kimberlitedb/kimberlite/pkg/storage"
	"github.com/kimberlitedb/kimberlite/pkg/vsr"
)

// InvariantResult is one checker's verdict after a single observable
// event (spec §4.4: "record_event(...) -> InvariantResult::Ok |
// ::Violated { context }").
type InvariantResult struct {
	Name     string
	Violated bool
	Context  string
}

// Checker is a named invariant evaluated after every observable event.
// Implementations must be side-effect-free except for their own internal
// bookkeeping (e.g. "largest commit seen so far per replica"), since the
// scheduler calls every checker after every event and a checker that
// mutates simulation state would itself break determinism.
type Checker interface {
	Name() string
	Check(sim *Simulation) InvariantResult
}

// InvariantTracker runs the full checker registry and records outcomes
// into the owning Simulation's Coverage.
type InvariantTracker struct {
	mu       sync.Mutex
	checkers []Checker
}

// NewInvariantTracker builds the full catalog of checkers (spec §8's ten
// numbered invariants, plus the named checkers spec §4.4 lists by name).
func NewInvariantTracker() *InvariantTracker {
	return &InvariantTracker{
		checkers: []Checker{
			&HashChainChecker{},
			&OffsetMonotonicChecker{lastOffset: make(map[offsetKey]kernelOffset)},
			&AgreementChecker{seen: make(map[agreementKey]vsr.LogEntry)},
			&PrefixPropertyChecker{},
			&ViewChangeSafetyChecker{committedAt: make(map[agreementKey]vsr.View)},
			&RecoverySafetyChecker{maxCommit: make(map[vsr.ReplicaID]vsr.OpNumber)},
			&AppliedPositionMonotonicChecker{lastApplied: make(map[vsr.ReplicaID]vsr.OpNumber)},
			&AppliedIndexIntegrityChecker{},
			&MVCCVisibilityChecker{},
			&LinearizabilityChecker{lastReqNum: make(map[kernel.ClientID]kernel.RequestNumber)},
			&ProjectionCatchupChecker{lastOffset: make(map[kernel.TableID]kernel.Offset)},
			&QuorumIntersectionChecker{},
			&ViewMonotonicChecker{lastView: make(map[vsr.ReplicaID]vsr.View)},
			&HaltedReplicaChecker{haltedAt: make(map[vsr.ReplicaID]haltedMark)},
			&DuplicateRequestIdempotenceChecker{responses: make(map[dedupKey]kernel.CommandResult)},
		},
	}
}

// RunAll evaluates every checker against sim's current state and records
// the outcome in sim.coverage. It returns the first violation found, if
// any, so the scheduler can stop and serialize a failure bundle.
func (t *InvariantTracker) RunAll(sim *Simulation) *InvariantResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstViolation *InvariantResult
	for _, c := range t.checkers {
		var res = c.Check(sim)
		sim.coverage.recordInvariantRun(res.Name, res.Violated)
		if res.Violated && firstViolation == nil {
			var captured = res
			firstViolation = &captured
		}
	}
	return firstViolation
}

// stateHash computes a deterministic digest of a replica's kernel state,
// used by scheduler_test.go's determinism test to compare two runs' final
// states.
func stateHash(s *kernel.State) [32]byte {
	var h = sha256.New()
	fmt.Fprintf(h, "applied=%d next_tenant=%d next_stream=%d next_table=%d\n",
		s.LastAppliedOp, s.NextTenantID, s.NextStreamID, s.NextTableID)
	s.WalkStreams(func(m kernel.StreamMeta) bool {
		fmt.Fprintf(h, "stream %+v\n", m)
		return true
	})
	s.WalkTables(func(m kernel.TableMeta) bool {
		fmt.Fprintf(h, "table %+v\n", m)
		return true
	})
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

type offsetKey struct {
	replica vsr.ReplicaID
	stream  kernel.StreamID
}
type kernelOffset = kernel.Offset

// OffsetMonotonicChecker implements spec §8 invariant 3: for every stream,
// the sequence of committed offsets is strictly increasing.
type OffsetMonotonicChecker struct {
	mu         sync.Mutex
	lastOffset map[offsetKey]kernelOffset
}

func (c *OffsetMonotonicChecker) Name() string { return "offset_monotonic" }

func (c *OffsetMonotonicChecker) Check(sim *Simulation) InvariantResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, h := range sim.replicas {
		var st = h.Replica.State()
		var violated bool
		var ctx string
		st.WalkStreams(func(m kernel.StreamMeta) bool {
			var key = offsetKey{replica: id, stream: m.ID}
			if prev, ok := c.lastOffset[key]; ok && m.NextOffset < prev {
				violated = true
				ctx = fmt.Sprintf("replica %d stream %d next_offset regressed %d -> %d", id, m.ID, prev, m.NextOffset)
				return false
			}
			c.lastOffset[key] = m.NextOffset
			return true
		})
		if violated {
			return InvariantResult{Name: c.Name(), Violated: true, Context: ctx}
		}
	}
	return InvariantResult{Name: c.Name()}
}

// HashChainChecker implements spec §8 invariant 2: every record's
// PrevHash matches H(predecessor). It delegates to pkg/storage's own
// VerifyChain by performing a full verified read of every stream on every
// replica's storage engine.
type HashChainChecker struct{}

func (c *HashChainChecker) Name() string { return "hash_chain_integrity" }

func (c *HashChainChecker) Check(sim *Simulation) InvariantResult {
	for id, h := range sim.replicas {
		var violated, ctx = h.verifyAllStreams()
		if violated {
			return InvariantResult{Name: c.Name(), Violated: true, Context: fmt.Sprintf("replica %d: %s", id, ctx)}
		}
	}
	return InvariantResult{Name: c.Name()}
}

type agreementKey struct {
	view vsr.View
	op   vsr.OpNumber
}

// AgreementChecker implements spec §8 invariant 4: for all (view, op),
// the set of distinct committed commands has cardinality <= 1.
type AgreementChecker struct {
	mu   sync.Mutex
	seen map[agreementKey]vsr.LogEntry
}

func (c *AgreementChecker) Name() string { return "vsr_agreement" }

func (c *AgreementChecker) Check(sim *Simulation) InvariantResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, h := range sim.replicas {
		var commit = h.Replica.Commit()
		for op := vsr.OpNumber(1); op <= commit; op++ {
			var entry, ok = h.Replica.EntryAt(op)
			if !ok {
				continue
			}
			var key = agreementKey{view: entry.View, op: op}
			if prior, seen := c.seen[key]; seen {
				if !reflect.DeepEqual(prior.Command, entry.Command) {
					return InvariantResult{
						Name:     c.Name(),
						Violated: true,
						Context:  fmt.Sprintf("replica %d: op %d view %d diverges from a previously committed command", id, op, entry.View),
					}
				}
			} else {
				c.seen[key] = entry
			}
		}
	}
	return InvariantResult{Name: c.Name()}
}

// PrefixPropertyChecker implements spec §8 invariant 5: any two replicas
// that have committed up to min(c1, c2) agree on their command sequences
// up to that position.
type PrefixPropertyChecker struct{}

func (c *PrefixPropertyChecker) Name() string { return "prefix_consistency" }

func (c *PrefixPropertyChecker) Check(sim *Simulation) InvariantResult {
	var ids = sim.replicaIDs()
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			var a, b = sim.replicas[ids[i]], sim.replicas[ids[j]]
			var minCommit = a.Replica.Commit()
			if b.Replica.Commit() < minCommit {
				minCommit = b.Replica.Commit()
			}
			for op := vsr.OpNumber(1); op <= minCommit; op++ {
				var ea, aok = a.Replica.EntryAt(op)
				var eb, bok = b.Replica.EntryAt(op)
				if aok != bok {
					continue // one side hasn't replayed this far locally yet
				}
				if aok && bok && !reflect.DeepEqual(ea.Command, eb.Command) {
					return InvariantResult{
						Name:     c.Name(),
						Violated: true,
						Context:  fmt.Sprintf("replicas %d and %d disagree at committed op %d", ids[i], ids[j], op),
					}
				}
			}
		}
	}
	return InvariantResult{Name: c.Name()}
}

// ViewChangeSafetyChecker implements spec §8 invariant 6: if command k was
// committed in view v, then after any view change to v' > v, the new
// primary's log still contains k at the same op.
type ViewChangeSafetyChecker struct {
	mu          sync.Mutex
	committedAt map[agreementKey]vsr.View
}

func (c *ViewChangeSafetyChecker) Name() string { return "view_change_safety" }

func (c *ViewChangeSafetyChecker) Check(sim *Simulation) InvariantResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, h := range sim.replicas {
		var commit = h.Replica.Commit()
		for op := vsr.OpNumber(1); op <= commit; op++ {
			var entry, ok = h.Replica.EntryAt(op)
			if !ok {
				continue
			}
			var key = agreementKey{op: op}
			if _, tracked := c.committedAt[key]; !tracked {
				c.committedAt[key] = entry.View
			}
			if entry.View < c.committedAt[key] {
				return InvariantResult{
					Name:     c.Name(),
					Violated: true,
					Context:  fmt.Sprintf("replica %d: op %d now shows an earlier view than previously committed", id, op),
				}
			}
		}
	}
	return InvariantResult{Name: c.Name()}
}

// RecoverySafetyChecker implements spec §8 invariant 7:
// commit_after_recovery >= commit_before_crash.
type RecoverySafetyChecker struct {
	mu        sync.Mutex
	maxCommit map[vsr.ReplicaID]vsr.OpNumber
}

func (c *RecoverySafetyChecker) Name() string { return "recovery_safety" }

func (c *RecoverySafetyChecker) Check(sim *Simulation) InvariantResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, h := range sim.replicas {
		var commit = h.Replica.Commit()
		if prev, ok := c.maxCommit[id]; ok && commit < prev && !h.justRestarted {
			return InvariantResult{
				Name:     c.Name(),
				Violated: true,
				Context:  fmt.Sprintf("replica %d: commit regressed %d -> %d without a recorded restart", id, prev, commit),
			}
		}
		if commit > c.maxCommit[id] {
			c.maxCommit[id] = commit
		}
		h.justRestarted = false
	}
	return InvariantResult{Name: c.Name()}
}

// AppliedPositionMonotonicChecker implements spec §8 invariant 8:
// applied_op is non-decreasing and applied_op <= commit_op.
type AppliedPositionMonotonicChecker struct {
	mu          sync.Mutex
	lastApplied map[vsr.ReplicaID]vsr.OpNumber
}

func (c *AppliedPositionMonotonicChecker) Name() string { return "applied_monotonic" }

func (c *AppliedPositionMonotonicChecker) Check(sim *Simulation) InvariantResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, h := range sim.replicas {
		var applied = h.Replica.AppliedOp()
		var commit = h.Replica.Commit()
		if applied > commit {
			return InvariantResult{Name: c.Name(), Violated: true, Context: fmt.Sprintf("replica %d: applied %d > commit %d", id, applied, commit)}
		}
		if prev, ok := c.lastApplied[id]; ok && applied < prev {
			return InvariantResult{Name: c.Name(), Violated: true, Context: fmt.Sprintf("replica %d: applied regressed %d -> %d", id, prev, applied)}
		}
		c.lastApplied[id] = applied
	}
	return InvariantResult{Name: c.Name()}
}

// AppliedIndexIntegrityChecker checks that a replica's log has no gap
// between op 1 and its own LastOp: VSR's repair protocol is supposed to
// guarantee contiguity before commit can advance past a gap.
type AppliedIndexIntegrityChecker struct{}

func (c *AppliedIndexIntegrityChecker) Name() string { return "applied_index_integrity" }

func (c *AppliedIndexIntegrityChecker) Check(sim *Simulation) InvariantResult {
	for id, h := range sim.replicas {
		var commit = h.Replica.Commit()
		for op := vsr.OpNumber(1); op <= commit; op++ {
			if _, ok := h.Replica.EntryAt(op); !ok {
				return InvariantResult{Name: c.Name(), Violated: true, Context: fmt.Sprintf("replica %d: committed op %d missing from local log", id, op)}
			}
		}
	}
	return InvariantResult{Name: c.Name()}
}

// MVCCVisibilityChecker implements a best-effort form of spec §8
// invariant 9: a stream's head offset (as-of the latest applied op) can
// only ever reflect writes already committed. Kimberlite's CORE scope
// (spec's Non-goals) excludes the query/projection layer that would let
// this be checked against an arbitrary as_of point, so this checker is
// narrowed to what pkg/kernel itself tracks: NextOffset never exceeds
// what AppendBatch effects have actually materialized.
type MVCCVisibilityChecker struct{}

func (c *MVCCVisibilityChecker) Name() string { return "mvcc_visibility" }

func (c *MVCCVisibilityChecker) Check(sim *Simulation) InvariantResult {
	for id, h := range sim.replicas {
		var st = h.Replica.State()
		var violated bool
		var ctx string
		st.WalkStreams(func(m kernel.StreamMeta) bool {
			var tip, _ = func() (uint64, bool) {
				var stream, err = h.Replica.Engine().Stream(0, storage.StreamID(m.ID))
				if err != nil {
					return 0, false
				}
				var off, _ = stream.Tip()
				return uint64(off), true
			}()
			if tip > uint64(m.NextOffset) {
				violated = true
				ctx = fmt.Sprintf("replica %d stream %d: storage tip %d ahead of kernel NextOffset %d", id, m.ID, tip, m.NextOffset)
				return false
			}
			return true
		})
		if violated {
			return InvariantResult{Name: c.Name(), Violated: true, Context: ctx}
		}
	}
	return InvariantResult{Name: c.Name()}
}

type dedupKey struct {
	client kernel.ClientID
	reqNum kernel.RequestNumber
}

// LinearizabilityChecker implements a best-effort form of spec §8
// invariant 10, narrowed to what's mechanically checkable without a
// full external-observer history: each client's accepted request numbers
// are seen in non-decreasing order across the committed log (a
// linearizable history cannot accept an older request after a newer one
// from the same client already committed).
type LinearizabilityChecker struct {
	mu         sync.Mutex
	lastReqNum map[kernel.ClientID]kernel.RequestNumber
}

func (c *LinearizabilityChecker) Name() string { return "linearizability" }

func (c *LinearizabilityChecker) Check(sim *Simulation) InvariantResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, h := range sim.replicas {
		var commit = h.Replica.Commit()
		for op := vsr.OpNumber(1); op <= commit; op++ {
			var entry, ok = h.Replica.EntryAt(op)
			if !ok {
				continue
			}
			var hdr = entry.Command.Header()
			if hdr.Client == 0 {
				continue
			}
			if prev, seen := c.lastReqNum[hdr.Client]; seen && hdr.RequestNumber < prev {
				return InvariantResult{Name: c.Name(), Violated: true, Context: fmt.Sprintf("replica %d: client %d request number regressed at op %d", id, hdr.Client, op)}
			}
			if hdr.RequestNumber > c.lastReqNum[hdr.Client] {
				c.lastReqNum[hdr.Client] = hdr.RequestNumber
			}
		}
	}
	return InvariantResult{Name: c.Name()}
}

// ProjectionCatchupChecker tracks that ProjectionNotify rows for any one
// table are observed in non-decreasing Offset order; the external
// projection consumer itself is out of CORE's scope (spec's Non-goals),
// but the ordering guarantee Kimberlite owes it is checkable locally.
type ProjectionCatchupChecker struct {
	mu         sync.Mutex
	lastOffset map[kernel.TableID]kernel.Offset
}

func (c *ProjectionCatchupChecker) Name() string { return "projection_catchup_ordering" }

func (c *ProjectionCatchupChecker) Check(sim *Simulation) InvariantResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, notify := range sim.drainProjectionNotifications() {
		for _, row := range notify.Rows {
			if prev, ok := c.lastOffset[notify.Table]; ok && row.Offset < prev {
				return InvariantResult{Name: c.Name(), Violated: true, Context: fmt.Sprintf("table %d: projection row offset regressed %d -> %d", notify.Table, prev, row.Offset)}
			}
			c.lastOffset[notify.Table] = row.Offset
		}
	}
	return InvariantResult{Name: c.Name()}
}

// QuorumIntersectionChecker verifies the boundary behavior named in spec
// §8: a view change with exactly f+1 votes completes; with f it must not.
// It checks this structurally, by confirming every replica's configured
// quorum equals f+1 for its own cluster size, which is what makes the
// rest of the protocol's quorum arithmetic sound.
type QuorumIntersectionChecker struct{}

func (c *QuorumIntersectionChecker) Name() string { return "quorum_intersection" }

func (c *QuorumIntersectionChecker) Check(sim *Simulation) InvariantResult {
	var n = len(sim.replicas)
	var f = (n - 1) / 2
	for id, h := range sim.replicas {
		if h.Replica.Quorum() != f+1 {
			return InvariantResult{Name: c.Name(), Violated: true, Context: fmt.Sprintf("replica %d: quorum %d != f+1 (%d) for cluster size %d", id, h.Replica.Quorum(), f+1, n)}
		}
	}
	return InvariantResult{Name: c.Name()}
}

// ViewMonotonicChecker checks that no replica's own view ever decreases,
// a precondition the rest of the view-change logic assumes holds.
type ViewMonotonicChecker struct {
	mu       sync.Mutex
	lastView map[vsr.ReplicaID]vsr.View
}

func (c *ViewMonotonicChecker) Name() string { return "view_monotonic" }

func (c *ViewMonotonicChecker) Check(sim *Simulation) InvariantResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, h := range sim.replicas {
		var v = h.Replica.View()
		if prev, ok := c.lastView[id]; ok && v < prev {
			return InvariantResult{Name: c.Name(), Violated: true, Context: fmt.Sprintf("replica %d: view regressed %d -> %d", id, prev, v)}
		}
		c.lastView[id] = v
	}
	return InvariantResult{Name: c.Name()}
}

type haltedMark struct {
	lastCommit vsr.OpNumber
	lastOp     vsr.OpNumber
}

// HaltedReplicaChecker verifies that once a replica halts after an
// invariant violation (spec §4.3 "Failure semantics"), it truly stops
// participating: neither its commit nor its log position may advance
// afterward.
type HaltedReplicaChecker struct {
	mu       sync.Mutex
	haltedAt map[vsr.ReplicaID]haltedMark
}

func (c *HaltedReplicaChecker) Name() string { return "halted_replica_stays_halted" }

func (c *HaltedReplicaChecker) Check(sim *Simulation) InvariantResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, h := range sim.replicas {
		if !h.Replica.Halted() {
			continue
		}
		var mark, tracked = c.haltedAt[id]
		if !tracked {
			c.haltedAt[id] = haltedMark{lastCommit: h.Replica.Commit(), lastOp: h.Replica.LastOp()}
			continue
		}
		if h.Replica.Commit() != mark.lastCommit || h.Replica.LastOp() != mark.lastOp {
			return InvariantResult{Name: c.Name(), Violated: true, Context: fmt.Sprintf("replica %d advanced after halting", id)}
		}
	}
	return InvariantResult{Name: c.Name()}
}

// DuplicateRequestIdempotenceChecker implements the round-trip law "duplicate
// client request (client_id, request_number) produces the cached response
// without re-executing": once a (client, op) pair's committed response is
// observed, it must never change on subsequent observation.
type DuplicateRequestIdempotenceChecker struct {
	mu        sync.Mutex
	responses map[dedupKey]kernel.CommandResult
}

func (c *DuplicateRequestIdempotenceChecker) Name() string { return "duplicate_request_idempotence" }

func (c *DuplicateRequestIdempotenceChecker) Check(sim *Simulation) InvariantResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, h := range sim.replicas {
		var st = h.Replica.State()
		for _, clientID := range sim.knownClients() {
			var entry, ok = st.Dedup(clientID)
			if !ok {
				continue
			}
			var key = dedupKey{client: clientID, reqNum: entry.RequestNumber}
			if prior, seen := c.responses[key]; seen {
				if prior.Err == nil && entry.Response.Err == nil && !reflect.DeepEqual(prior.Effects, entry.Response.Effects) {
					return InvariantResult{Name: c.Name(), Violated: true, Context: fmt.Sprintf("replica %d: client %d's cached response changed", id, clientID)}
				}
			}
			c.responses[key] = entry.Response
		}
	}
	return InvariantResult{Name: c.Name()}
}
