package vsr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kimberlitedb/kimberlite/pkg/kernel"
)

// testTransport is an in-process Transport that delivers messages directly
// to registered handlers on their own goroutine, the way a real network
// transport would deliver asynchronously relative to the sender.
type testTransport struct {
	handlers map[ReplicaID]MessageHandler
}

func newTestTransport() *testTransport {
	return &testTransport{handlers: make(map[ReplicaID]MessageHandler)}
}

func (t *testTransport) register(id ReplicaID, h MessageHandler) {
	t.handlers[id] = h
}

func (t *testTransport) Send(ctx context.Context, to ReplicaID, msg Message) error {
	var h, ok = t.handlers[to]
	if !ok {
		return nil
	}
	go h.HandleMessage(msg, msg.Sender)
	return nil
}

func (t *testTransport) Broadcast(ctx context.Context, self ReplicaID, msg Message) {
	for id, h := range t.handlers {
		if id == self {
			continue
		}
		go h.HandleMessage(msg, msg.Sender)
	}
}

func newSingleReplica(t *testing.T, onCommit func(kernel.ClientID, kernel.RequestNumber, kernel.CommandResult, error)) (*Replica, *testTransport) {
	t.Helper()
	var transport = newTestTransport()
	var r, err = NewReplica(Config{
		Self:       1,
		Peers:      []ReplicaID{1},
		ClusterKey: []byte("test-cluster-key"),
		DataDir:    t.TempDir(),
		Transport:  transport,
		OnCommit:   onCommit,
	})
	require.NoError(t, err)
	transport.register(1, r)
	t.Cleanup(func() { r.Close() })
	return r, transport
}

func newThreeReplicaCluster(t *testing.T) ([]*Replica, *testTransport) {
	t.Helper()
	var transport = newTestTransport()
	var replicas = make([]*Replica, 3)
	for i := 0; i < 3; i++ {
		var id = ReplicaID(i + 1)
		var r, err = NewReplica(Config{
			Self:       id,
			Peers:      []ReplicaID{1, 2, 3},
			ClusterKey: []byte("test-cluster-key"),
			DataDir:    t.TempDir(),
			Transport:  transport,
		})
		require.NoError(t, err)
		transport.register(id, r)
		replicas[i] = r
	}
	t.Cleanup(func() {
		for _, r := range replicas {
			r.Close()
		}
	})
	return replicas, transport
}

func TestSingleReplicaSubmitAndCommit(t *testing.T) {
	var replica, _ = newSingleReplica(t, nil)
	var client = NewClient(7)
	replica.cfg.OnCommit = client.OnCommit

	var ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var result, err = client.Submit(ctx, replica, func(h kernel.Header) kernel.Command {
		return kernel.CreateTenant{H: h, Name: "acme"}
	})
	require.NoError(t, err)
	require.Len(t, result.Effects, 2)
	require.Equal(t, OpNumber(1), replica.Commit())
}

func TestDuplicateRequestReplaysCachedResponse(t *testing.T) {
	var replica, _ = newSingleReplica(t, nil)
	var ctx = context.Background()

	var first, err = replica.SubmitRequest(ctx, kernel.ClientID(3), kernel.RequestNumber(1), kernel.CreateTenant{Name: "acme"})
	require.NoError(t, err)
	require.Nil(t, first) // not a dedup hit yet; result arrives via commit, not the return value

	require.Eventually(t, func() bool { return replica.Commit() == OpNumber(1) }, 2*time.Second, 5*time.Millisecond)

	var replayed, replayErr = replica.SubmitRequest(ctx, kernel.ClientID(3), kernel.RequestNumber(1), kernel.CreateTenant{Name: "acme"})
	require.NoError(t, replayErr)
	require.NotNil(t, replayed)
	require.Equal(t, OpNumber(1), replica.LastOp()) // no new op assigned for the replay
}

func TestStaleRequestNumberRejected(t *testing.T) {
	var replica, _ = newSingleReplica(t, nil)
	var ctx = context.Background()

	var _, err = replica.SubmitRequest(ctx, kernel.ClientID(3), kernel.RequestNumber(5), kernel.CreateTenant{Name: "acme"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return replica.Commit() == OpNumber(1) }, 2*time.Second, 5*time.Millisecond)

	var _, staleErr = replica.SubmitRequest(ctx, kernel.ClientID(3), kernel.RequestNumber(2), kernel.CreateTenant{Name: "acme"})
	require.Error(t, staleErr)
	var perr, ok = staleErr.(*ProtocolError)
	require.True(t, ok)
	require.Equal(t, ErrDuplicateRequest, perr.Kind)
}

func TestNonPrimaryRejectsSubmit(t *testing.T) {
	var replicas, _ = newThreeReplicaCluster(t)
	// Replica 1 is primary for view 0 (primaryFor picks Peers[view % n]).
	var backup = replicas[1]

	var _, err = backup.SubmitRequest(context.Background(), kernel.ClientID(1), kernel.RequestNumber(1), kernel.CreateTenant{Name: "acme"})
	require.Error(t, err)
	var perr, ok = err.(*ProtocolError)
	require.True(t, ok)
	require.Equal(t, ErrNotPrimary, perr.Kind)
}

func TestThreeReplicaClusterReplicatesCommit(t *testing.T) {
	var replicas, _ = newThreeReplicaCluster(t)
	var primary = replicas[0]

	var _, err = primary.SubmitRequest(context.Background(), kernel.ClientID(1), kernel.RequestNumber(1), kernel.CreateTenant{Name: "acme"})
	require.NoError(t, err)

	for _, r := range replicas {
		require.Eventually(t, func() bool { return r.Commit() == OpNumber(1) }, 2*time.Second, 5*time.Millisecond)
	}
}

// unrecognizedCommand implements kernel.Command but isn't one of the
// concrete types kernel.dispatch's switch handles. It exists only to drive
// that switch's "unreachable" default case, which is the one place the
// kernel panics with an InvariantViolation instead of returning an error --
// exercising the replica's halt/crash-dump path without fabricating one.
type unrecognizedCommand struct{ H kernel.Header }

func (c unrecognizedCommand) Kind() kernel.CommandKind { return kernel.CommandKind(-1) }
func (c unrecognizedCommand) Header() kernel.Header    { return c.H }

func TestRejectedCommandDoesNotHaltReplica(t *testing.T) {
	var replica, _ = newSingleReplica(t, nil)
	var client = NewClient(9)
	replica.cfg.OnCommit = client.OnCommit

	var ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// An AppendBatch against a stream that was never created is an
	// ordinary, reachable rejection (errStreamNotFound) -- ordinary callers
	// can trigger it just by racing a DropStream, so it comes back as a
	// business-level CommandResult.Err rather than a submission failure,
	// and the replica must keep serving requests after it.
	var result, err = client.Submit(ctx, replica, func(h kernel.Header) kernel.Command {
		return kernel.AppendBatch{H: h, Stream: 999, Events: nil}
	})
	require.NoError(t, err)
	require.Error(t, result.Err)

	replica.mu.Lock()
	var halted = replica.halted
	replica.mu.Unlock()
	require.False(t, halted)

	var _, err2 = client.Submit(ctx, replica, func(h kernel.Header) kernel.Command {
		return kernel.CreateTenant{H: h, Name: "acme"}
	})
	require.NoError(t, err2)
}

func TestHaltsAfterInvariantViolation(t *testing.T) {
	var replica, _ = newSingleReplica(t, nil)
	var client = NewClient(9)
	replica.cfg.OnCommit = client.OnCommit

	var ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// A command kernel.dispatch doesn't recognize trips its "unreachable"
	// requiref, which panics with a kernel.InvariantViolation -- a genuine
	// kernel bug, not a business-rule rejection -- and must halt the replica.
	var _, err = client.Submit(ctx, replica, func(h kernel.Header) kernel.Command {
		return unrecognizedCommand{H: h}
	})
	require.Error(t, err)

	require.Eventually(t, func() bool {
		replica.mu.Lock()
		defer replica.mu.Unlock()
		return replica.halted
	}, 2*time.Second, 5*time.Millisecond)

	var _, haltedErr = replica.SubmitRequest(ctx, kernel.ClientID(9), kernel.RequestNumber(2), kernel.CreateTenant{Name: "x"})
	require.Error(t, haltedErr)
}

func TestBadMACQuarantinesSender(t *testing.T) {
	var replica, _ = newSingleReplica(t, nil)

	var forged = Message{
		Kind:   KindPing,
		Sender: ReplicaID(42),
		MAC:    [32]byte{0xFF}, // not a valid HMAC for this payload under any key
	}
	replica.HandleMessage(forged, ReplicaID(42))

	require.True(t, replica.demerits.Quarantined(ReplicaID(42)))
}

func TestViewChangeElectsNewPrimary(t *testing.T) {
	var replicas, _ = newThreeReplicaCluster(t)

	// Simulate replica 2 and 3 both timing out on the view-0 primary and
	// independently triggering a view change to view 1; primaryFor(1) is
	// Peers[1] = replica 2.
	replicas[1].mu.Lock()
	replicas[1].triggerViewChangeLocked()
	replicas[1].mu.Unlock()

	replicas[2].mu.Lock()
	replicas[2].triggerViewChangeLocked()
	replicas[2].mu.Unlock()

	require.Eventually(t, func() bool {
		return replicas[1].Status() == StatusNormal && replicas[1].View() == View(1)
	}, 2*time.Second, 5*time.Millisecond)
}

// TestRestartReplaysOrdinaryRejectionWithoutFailing pins down the fix to
// replayLocalLog: a persisted entry that ordinarily rejects (here,
// AppendBatch against a stream that was already dropped before restart)
// must not abort startup. It is the same deterministic *kernel.KernelError
// every replica would recompute, not evidence this replica's log diverged.
func TestRestartReplaysOrdinaryRejectionWithoutFailing(t *testing.T) {
	var dataDir = t.TempDir()
	var transport = newTestTransport()

	var r, err = NewReplica(Config{
		Self:       1,
		Peers:      []ReplicaID{1},
		ClusterKey: []byte("test-cluster-key"),
		DataDir:    dataDir,
		Transport:  transport,
	})
	require.NoError(t, err)
	transport.register(1, r)

	var client = NewClient(1)
	r.cfg.OnCommit = client.OnCommit

	var ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Committed while the replica is live: an AppendBatch against a stream
	// number nothing ever created, an ordinary rejection.
	var result, submitErr = client.Submit(ctx, r, func(h kernel.Header) kernel.Command {
		return kernel.AppendBatch{H: h, Stream: 999, Events: nil}
	})
	require.NoError(t, submitErr)
	require.Error(t, result.Err)

	require.NoError(t, r.Close())

	var transport2 = newTestTransport()
	var r2, restartErr = NewReplica(Config{
		Self:       1,
		Peers:      []ReplicaID{1},
		ClusterKey: []byte("test-cluster-key"),
		DataDir:    dataDir,
		Transport:  transport2,
	})
	require.NoError(t, restartErr)
	defer r2.Close()
	transport2.register(1, r2)

	require.False(t, r2.Halted())
	require.Equal(t, r.Commit(), r2.Commit())
}

// TestBackpressureRejectsOverCapacity pins the PendingQueue wiring down: a
// primary whose backups never acknowledge (quorum can never close) must
// reject new submissions once PendingCapacity prepared-but-uncommitted
// requests have piled up, rather than growing the queue without bound.
func TestBackpressureRejectsOverCapacity(t *testing.T) {
	// Three-replica cluster, but only replica 1 is registered with the
	// transport -- Prepare broadcasts go nowhere, so no PrepareOk ever
	// returns and quorum (2 of 3) never closes. Every submitted request
	// sits prepared-but-uncommitted in replica 1's pending queue forever.
	var transport = newTestTransport()
	var r, err = NewReplica(Config{
		Self:            1,
		Peers:           []ReplicaID{1, 2, 3},
		ClusterKey:      []byte("test-cluster-key"),
		DataDir:         t.TempDir(),
		Transport:       transport,
		PendingCapacity: 2,
	})
	require.NoError(t, err)
	transport.register(1, r)

	var ctx = context.Background()

	var _, err1 = r.SubmitRequest(ctx, kernel.ClientID(1), kernel.RequestNumber(1), kernel.CreateTenant{Name: "a"})
	require.NoError(t, err1)
	var _, err2 = r.SubmitRequest(ctx, kernel.ClientID(2), kernel.RequestNumber(1), kernel.CreateTenant{Name: "b"})
	require.NoError(t, err2)

	var _, err3 = r.SubmitRequest(ctx, kernel.ClientID(3), kernel.RequestNumber(1), kernel.CreateTenant{Name: "c"})
	require.Error(t, err3)
	var perr, ok = err3.(*ProtocolError)
	require.True(t, ok)
	require.Equal(t, ErrBackpressure, perr.Kind)

	require.Equal(t, OpNumber(0), r.Commit()) // quorum never closed; nothing committed
}
