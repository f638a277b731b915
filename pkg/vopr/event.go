// Package vopr implements Kimberlite's deterministic simulation harness: a
// single-threaded, event-driven scheduler that drives a virtual cluster of
// pkg/vsr replicas through adversarial network, storage, and Byzantine
// faults, checking invariants after every observable event.
package vopr

import "container/heap"

// VirtualTime is the simulation's own clock; it never reads the host's
// wall clock (spec §4.4: "There is no preemption, no real clocks").
type VirtualTime uint64

// EventKind discriminates what triggered a scheduler step.
type EventKind int

const (
	EventMessageArrival EventKind = iota
	EventTimerFire
	EventWorkloadTick
	EventFaultInjection
)

func (k EventKind) String() string {
	switch k {
	case EventMessageArrival:
		return "MessageArrival"
	case EventTimerFire:
		return "TimerFire"
	case EventWorkloadTick:
		return "WorkloadTick"
	case EventFaultInjection:
		return "FaultInjection"
	default:
		return "Unknown"
	}
}

// Event is one entry in the scheduler's virtual event queue, totally
// ordered by (VirtualTime, Sequence, Tiebreaker) per spec §5 so that two
// runs seeded identically produce an identical delivery order even when
// two events share a virtual timestamp.
type Event struct {
	Time       VirtualTime
	Sequence   uint64
	Tiebreaker uint64
	Kind       EventKind

	// Deliver executes the event's effect against the running Simulation.
	// It is set by whichever subsystem enqueued the event (network.go,
	// workload.go).
	Deliver func(sim *Simulation)
}

// eventHeap is a container/heap.Interface over []*Event ordered by the
// (Time, Sequence, Tiebreaker) tuple.
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].Time != h[j].Time {
		return h[i].Time < h[j].Time
	}
	if h[i].Sequence != h[j].Sequence {
		return h[i].Sequence < h[j].Sequence
	}
	return h[i].Tiebreaker < h[j].Tiebreaker
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x interface{}) { *h = append(*h, x.(*Event)) }

func (h *eventHeap) Pop() interface{} {
	var old = *h
	var n = len(old)
	var e = old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// EventQueue is the scheduler's virtual event queue: a heap.Interface
// wrapper that also assigns each pushed event its Sequence, so insertion
// order alone breaks ties between same-virtual-time events from different
// sources without the caller needing to track a counter itself.
type EventQueue struct {
	h       eventHeap
	nextSeq uint64
}

// NewEventQueue returns an empty, ready-to-use queue.
func NewEventQueue() *EventQueue {
	var q = &EventQueue{}
	heap.Init(&q.h)
	return q
}

// Push schedules e for delivery at e.Time, stamping its Sequence.
func (q *EventQueue) Push(e *Event) {
	e.Sequence = q.nextSeq
	q.nextSeq++
	heap.Push(&q.h, e)
}

// Pop removes and returns the smallest-ordered event, or nil if empty.
func (q *EventQueue) Pop() *Event {
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Event)
}

// Len reports how many events remain queued.
func (q *EventQueue) Len() int { return q.h.Len() }
