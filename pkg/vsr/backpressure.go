package vsr

import "github.com/pkg/errors"

// PendingQueue bounds how many client requests a primary will hold
// in-flight (received but not yet committed) at once. The bound is sized
// by Little's Law: concurrency = arrival_rate * latency, so a primary
// that knows its target commit latency and peak arrival rate can cap
// queue depth without either starving the pipeline or accumulating
// unbounded memory during a slow view change.
type PendingQueue struct {
	capacity int
	items    []kernelRequest
}

// kernelRequest is a client request awaiting assignment of an op number.
type kernelRequest struct {
	client kernelClientID
	reqNum uint64
	raw    RequestPayload
}

type kernelClientID = uint64

// NewPendingQueue constructs a queue that rejects pushes once capacity
// requests are outstanding.
func NewPendingQueue(capacity int) *PendingQueue {
	return &PendingQueue{capacity: capacity}
}

// Push enqueues req, or returns an error if the queue is full.
func (q *PendingQueue) Push(req RequestPayload) error {
	if len(q.items) >= q.capacity {
		return errors.Errorf("vsr: pending queue at capacity (%d)", q.capacity)
	}
	q.items = append(q.items, kernelRequest{client: uint64(req.Client), reqNum: uint64(req.ReqNum), raw: req})
	return nil
}

// Pop removes and returns the oldest pending request, if any.
func (q *PendingQueue) Pop() (RequestPayload, bool) {
	if len(q.items) == 0 {
		return RequestPayload{}, false
	}
	var r = q.items[0]
	q.items = q.items[1:]
	return r.raw, true
}

// Len reports the number of requests currently queued.
func (q *PendingQueue) Len() int { return len(q.items) }
