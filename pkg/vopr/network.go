package vopr

import (
	"context"
	"sync"

	"github.com/kimberlitedb/kimberlite/pkg/vsr"
)

// NetworkFaultPolicy configures the kinds of network misbehavior
// FaultInjector may apply to a message before scheduling its delivery
// (spec §4.4: "a FaultInjector applies drops, delays, reorders,
// partitions, and duplications according to a configured policy").
type NetworkFaultPolicy struct {
	DropProbability      float64
	DuplicateProbability float64
	MinDelay             VirtualTime
	MaxDelay             VirtualTime
	// ReorderJitter widens MaxDelay's draw per-message independently, so
	// two messages sent back-to-back can still arrive out of send order
	// without a dedicated "reorder" knob: the delay distribution itself
	// produces reordering.
	ReorderJitter VirtualTime
}

// DefaultNetworkFaultPolicy applies no faults: every message is delivered
// exactly once, after MinDelay.
var DefaultNetworkFaultPolicy = NetworkFaultPolicy{MinDelay: 1, MaxDelay: 1}

// Network is a virtual network implementing vsr.Transport: instead of a
// real socket, Send/Broadcast schedule a MessageArrival Event on the
// owning Simulation's EventQueue at a fault-injector-chosen future virtual
// time, possibly dropped, duplicated, or reordered relative to send order.
type Network struct {
	sim *Simulation

	mu         sync.Mutex
	policy     NetworkFaultPolicy
	handlers   map[vsr.ReplicaID]vsr.MessageHandler
	partitions map[vsr.ReplicaID]int // replica -> partition group; absent = ungrouped (no partition active)
	byzantine  *ByzantineMutator
	recorder   *TimelineRecorder
}

// NewNetwork constructs a Network bound to sim, applying policy to every
// message it schedules until ApplyPolicy changes it mid-run (e.g. a
// scenario escalating fault intensity partway through).
func NewNetwork(sim *Simulation, policy NetworkFaultPolicy) *Network {
	return &Network{
		sim:        sim,
		policy:     policy,
		handlers:   make(map[vsr.ReplicaID]vsr.MessageHandler),
		partitions: make(map[vsr.ReplicaID]int),
	}
}

// SetByzantineMutator installs (or, with nil, removes) adversarial message
// mutation on this network; absent a mutator, every delivered message is
// exactly what its sender produced save for the configured loss/delay/
// duplication policy.
func (n *Network) SetByzantineMutator(m *ByzantineMutator) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.byzantine = m
}

// Register associates id with the handler (normally a *ReplicaHarness)
// that receives messages addressed to it.
func (n *Network) Register(id vsr.ReplicaID, h vsr.MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

// ApplyPolicy replaces the active fault policy.
func (n *Network) ApplyPolicy(p NetworkFaultPolicy) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.policy = p
}

// Partition splits replicas into isolated groups identified by the index
// into groups; replicas in different groups can no longer reach each
// other until Heal is called. A replica not mentioned in groups is left
// in whichever partition (or lack of one) it previously had.
func (n *Network) Partition(groups [][]vsr.ReplicaID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for gi, group := range groups {
		for _, id := range group {
			n.partitions[id] = gi
		}
	}
}

// Heal clears every active partition, restoring full connectivity.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitions = make(map[vsr.ReplicaID]int)
}

func (n *Network) partitioned(a, b vsr.ReplicaID) bool {
	var ga, aok = n.partitions[a]
	var gb, bok = n.partitions[b]
	if !aok || !bok {
		return false
	}
	return ga != gb
}

// Send implements vsr.Transport. It never blocks and never returns a
// delivery error for a dropped message -- a dropped message is a normal,
// silent outcome in VSR, exactly as real UDP-like unreliable delivery
// would behave (spec §4.4's virtual network models loss, not failure).
func (n *Network) Send(ctx context.Context, to vsr.ReplicaID, msg vsr.Message) error {
	n.deliverOneOrMore(msg.Sender, to, msg)
	return nil
}

// Broadcast implements vsr.Transport, independently fault-injecting the
// per-destination copy of msg (a dropped broadcast to one peer doesn't
// imply the others were dropped too).
func (n *Network) Broadcast(ctx context.Context, self vsr.ReplicaID, msg vsr.Message) {
	n.mu.Lock()
	var targets = make([]vsr.ReplicaID, 0, len(n.handlers))
	for id := range n.handlers {
		if id != self {
			targets = append(targets, id)
		}
	}
	n.mu.Unlock()
	for _, to := range targets {
		n.deliverOneOrMore(self, to, msg)
	}
}

func (n *Network) deliverOneOrMore(from, to vsr.ReplicaID, msg vsr.Message) {
	n.mu.Lock()
	var policy = n.policy
	var partitioned = n.partitioned(from, to)
	var handler, ok = n.handlers[to]
	var byzantine = n.byzantine
	n.mu.Unlock()

	if !ok || partitioned {
		n.sim.coverage.recordFault("drop")
		return
	}
	if n.sim.rng.Bool(policy.DropProbability) {
		n.sim.coverage.recordFault("drop")
		return
	}
	if byzantine != nil {
		var mutated, kind = byzantine.Apply(msg)
		if kind != MutateNone {
			n.sim.coverage.recordFault(kind.String())
		}
		msg = mutated
	}

	n.scheduleDelivery(handler, from, to, msg, policy)
	if n.sim.rng.Bool(policy.DuplicateProbability) {
		n.sim.coverage.recordFault("duplicate")
		n.scheduleDelivery(handler, from, to, msg, policy)
	}
}

func (n *Network) scheduleDelivery(handler vsr.MessageHandler, from, to vsr.ReplicaID, msg vsr.Message, policy NetworkFaultPolicy) {
	var base = policy.MinDelay
	var jitterMax = policy.MaxDelay + policy.ReorderJitter
	var delay = n.sim.rng.Duration(base, jitterMax)
	var tiebreaker = n.sim.rng.Int63()

	n.sim.queue.Push(&Event{
		Time:       n.sim.clock + delay,
		Tiebreaker: uint64(tiebreaker),
		Kind:       EventMessageArrival,
		Deliver: func(sim *Simulation) {
			sim.coverage.recordMessageKind(msg.Kind)
			if n.recorder != nil {
				n.recorder.record(TimelineEntry{Time: sim.clock, From: from, To: to, Kind: msg.Kind})
			}
			handler.HandleMessage(msg, from)
			sim.checkInvariantsAfter(to)
		},
	})
}
