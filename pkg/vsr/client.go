package vsr

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/kimberlitedb/kimberlite/pkg/kernel"
)

// pendingResult is the outcome of one client command, delivered once the
// primary's Replica.Config.OnCommit fires for it.
type pendingResult struct {
	result kernel.CommandResult
	err    error
}

// Client gives request/response ergonomics on top of Replica.SubmitRequest,
// which itself only enqueues a Prepare and returns. Client correlates the
// (ClientID, RequestNumber) pair it submitted with the eventual commit via
// a channel registered before submission, so callers can block for the
// durable result the way an RPC client expects to.
type Client struct {
	id kernel.ClientID

	mu      sync.Mutex
	nextReq kernel.RequestNumber
	pending map[kernel.RequestNumber]chan pendingResult
}

// NewClient constructs a Client identified by id. The kernel does not
// check that id was registered with RegisterClient; request
// de-duplication keys on id either way.
func NewClient(id kernel.ClientID) *Client {
	return &Client{id: id, pending: make(map[kernel.RequestNumber]chan pendingResult)}
}

// OnCommit is wired into Config.OnCommit on whichever Replica this Client
// submits through (normally the one it believes is primary).
func (c *Client) OnCommit(client kernel.ClientID, reqNum kernel.RequestNumber, result kernel.CommandResult, err error) {
	if client != c.id {
		return
	}
	c.mu.Lock()
	var ch, ok = c.pending[reqNum]
	if ok {
		delete(c.pending, reqNum)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	ch <- pendingResult{result: result, err: err}
}

// Submit assigns the next request number for this client, builds cmd via
// build (so its Header can carry the assigned number), submits it to
// replica, and blocks until that request commits, the context is
// cancelled, or the replica rejects it as not-primary (in which case the
// caller is expected to retry against whichever replica it next believes
// is primary -- VSR gives no redirect hint beyond that rejection).
func (c *Client) Submit(ctx context.Context, replica *Replica, build func(h kernel.Header) kernel.Command) (kernel.CommandResult, error) {
	c.mu.Lock()
	c.nextReq++
	var reqNum = c.nextReq
	var ch = make(chan pendingResult, 1)
	c.pending[reqNum] = ch
	c.mu.Unlock()

	var cmd = build(kernel.Header{Client: c.id, RequestNumber: reqNum})
	var immediate, submitErr = replica.SubmitRequest(ctx, c.id, reqNum, cmd)
	if submitErr != nil {
		c.mu.Lock()
		delete(c.pending, reqNum)
		c.mu.Unlock()
		return kernel.CommandResult{}, submitErr
	}
	if immediate != nil {
		// A dedup hit on an already-committed request number: SubmitRequest
		// replayed the cached response synchronously, and OnCommit will
		// never fire for this reqNum.
		c.mu.Lock()
		delete(c.pending, reqNum)
		c.mu.Unlock()
		return *immediate, nil
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, reqNum)
		c.mu.Unlock()
		return kernel.CommandResult{}, errors.Wrap(ctx.Err(), "vsr: client submit cancelled")
	}
}

// Fire assigns the next request number and submits cmd like Submit does,
// but returns as soon as SubmitRequest has enqueued it, without waiting
// for the eventual commit. It exists for callers that themselves run on
// the single thread driving commit delivery (VOPR's workload generator),
// for which blocking on Submit's channel would deadlock the very event
// loop that needs to run in order to unblock it.
func (c *Client) Fire(ctx context.Context, replica *Replica, build func(h kernel.Header) kernel.Command) (kernel.RequestNumber, error) {
	c.mu.Lock()
	c.nextReq++
	var reqNum = c.nextReq
	c.mu.Unlock()

	var cmd = build(kernel.Header{Client: c.id, RequestNumber: reqNum})
	var _, err = replica.SubmitRequest(ctx, c.id, reqNum, cmd)
	return reqNum, err
}
