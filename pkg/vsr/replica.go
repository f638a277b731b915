package vsr

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/trace"

	"github.com/kimberlitedb/kimberlite/pkg/kernel"
	"github.com/kimberlitedb/kimberlite/pkg/storage"
)

// Status is a replica's current position in the VSR state machine (spec
// §4.3: "Normal | ViewChanging | Recovering").
type Status int

const (
	StatusNormal Status = iota
	StatusViewChanging
	StatusRecovering
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "Normal"
	case StatusViewChanging:
		return "ViewChanging"
	case StatusRecovering:
		return "Recovering"
	default:
		return "Unknown"
	}
}

// logStreamID is the storage stream reserved for the replica's own VSR
// operation log, distinct from the data streams the kernel's effects
// write into.
const logStreamID = storage.StreamID(0)

// repairBudgetRecords bounds how many log entries one RepairResponse may
// carry, per spec §4.3 "bounded by a per-request budget".
const repairBudgetRecords = 4096

// Config configures a new Replica.
type Config struct {
	Self       ReplicaID
	Peers      []ReplicaID // all replica IDs, including Self
	ClusterKey []byte
	DataDir    string
	Transport  Transport

	// CheckpointEvery overrides pkg/storage's default checkpoint interval
	// (records between checkpoints); 0 keeps that default.
	CheckpointEvery int

	// OnCommit, if set, is invoked synchronously whenever this replica
	// (acting as primary for the request that produced it) commits and
	// applies an entry originating from a local client submission.
	OnCommit func(client kernel.ClientID, reqNum kernel.RequestNumber, result kernel.CommandResult, err error)

	// PendingCapacity bounds how many client requests this replica will
	// hold prepared-but-not-yet-committed at once while acting as primary
	// (backpressure.go's PendingQueue). 0 disables the bound.
	PendingCapacity int
}

// Replica is one member of a Kimberlite VSR cluster.
type Replica struct {
	cfg Config

	mu sync.Mutex

	status Status
	view   View
	lastOp OpNumber
	commit OpNumber

	// halted is set once applying a committed command panics with a
	// kernel.InvariantViolation -- a detected bug in the kernel itself, not
	// an ordinary business-rule rejection (those return a *kernel.KernelError
	// and never halt anything). A halted replica stops participating; it is
	// recovered by peers, not by continuing to process messages locally.
	halted bool

	lastNormalView View
	log            map[OpNumber]LogEntry

	state *kernel.State

	engine    *storage.Engine
	logStream *storage.Stream

	pendingOks map[OpNumber]map[ReplicaID]bool
	quorum     int

	// pending bounds in-flight (prepared, not yet committed) client
	// requests while this replica is primary; nil when PendingCapacity is 0.
	pending *PendingQueue

	demerits *DemeritTracker

	// view-change bookkeeping, owned here and manipulated by viewchange.go
	svcVotes map[View]map[ReplicaID]bool
	dvc      map[View]map[ReplicaID]DoViewChangePayload

	// recovery bookkeeping, owned here and manipulated by recovery.go
	recoveryNonce     uint64
	recoveryResponses map[uint64]map[ReplicaID]recoveryVote
}

// recoveryVote pairs a RecoveryResponse with the view it was sent under,
// since the payload itself doesn't carry the sender's view.
type recoveryVote struct {
	View    View
	Payload RecoveryResponsePayload
}

// NewReplica opens the replica's storage directory, replays every
// persisted log entry to rebuild kernel state (no superblock is read), and
// returns a Replica ready to participate in the cluster
// (spec §4.3 "Recovery" covers the network-assisted path for a replica
// that can't catch up purely from its own disk; this constructor handles
// the cheaper, fully-local resume).
func NewReplica(cfg Config) (*Replica, error) {
	var eng, err = storage.Open(cfg.DataDir, storage.EngineOptions{
		Fsync:           storage.FsyncAlways,
		CheckpointEvery: cfg.CheckpointEvery,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vsr: open storage engine")
	}
	var logStream, streamErr = eng.Stream(0, logStreamID)
	if streamErr != nil {
		eng.Close()
		return nil, errors.Wrap(streamErr, "vsr: open operation log stream")
	}

	var n = len(cfg.Peers)
	var f = (n - 1) / 2

	var r = &Replica{
		cfg:               cfg,
		log:               make(map[OpNumber]LogEntry),
		state:             kernel.NewState(),
		engine:            eng,
		logStream:         logStream,
		pendingOks:        make(map[OpNumber]map[ReplicaID]bool),
		quorum:            f + 1,
		demerits:          NewDemeritTracker(),
		svcVotes:          make(map[View]map[ReplicaID]bool),
		dvc:               make(map[View]map[ReplicaID]DoViewChangePayload),
		recoveryResponses: make(map[uint64]map[ReplicaID]recoveryVote),
	}
	if cfg.PendingCapacity > 0 {
		r.pending = NewPendingQueue(cfg.PendingCapacity)
	}

	if err := r.replayLocalLog(); err != nil {
		eng.Close()
		return nil, err
	}
	return r, nil
}

// replayLocalLog reads every entry already durable in logStream and
// rebuilds r.log, r.lastOp, and the kernel state up through r.commit. It
// reads no superblock: r.commit is set to r.lastOp, so every
// locally-persisted entry is treated as both prepared and committed.
func (r *Replica) replayLocalLog() error {
	var tip, _ = r.logStream.Tip()
	if tip == 0 {
		return nil
	}
	var recs, err = r.logStream.ReadFrom(0, tip-1)
	if err != nil {
		return errors.Wrap(err, "vsr: replay operation log")
	}
	for _, rec := range recs {
		var entry, decErr = decodeLogEntry(rec.Payload)
		if decErr != nil {
			return errors.Wrap(decErr, "vsr: decode persisted log entry")
		}
		r.log[entry.Op] = entry
		if entry.Op > r.lastOp {
			r.lastOp = entry.Op
		}
		if entry.View > r.lastNormalView {
			r.lastNormalView = entry.View
		}
	}
	// Until told otherwise by a superblock, assume every persisted entry
	// committed -- this replica cannot have persisted an op that its
	// primary did not already consider safe to prepare.
	r.commit = r.lastOp
	for op := OpNumber(1); op <= r.commit; op++ {
		if entry, ok := r.log[op]; ok {
			// An ordinary *kernel.KernelError here is just the same
			// deterministic business-rule rejection this op produced the
			// first time it was applied -- not evidence this replica's log
			// has diverged from what actually committed. Only a panicking
			// kernel.InvariantViolation means replay itself found a genuine
			// bug, and that alone should abort startup.
			var newState, _, applyErr, fatal = r.applyAndRecoverLocked(entry)
			if fatal {
				return applyErr
			}
			r.state = newState.WithAppliedOp(kernel.OpNumber(op))
		}
	}
	return nil
}

func (r *Replica) isPrimary() bool {
	return r.cfg.Self == r.primaryFor(r.view)
}

func (r *Replica) primaryFor(v View) ReplicaID {
	var n = len(r.cfg.Peers)
	if n == 0 {
		return r.cfg.Self
	}
	return r.cfg.Peers[int(v)%n]
}

func (r *Replica) persistEntry(e LogEntry) error {
	var data, err = encodeLogEntry(e)
	if err != nil {
		return err
	}
	var _, appendErr = r.logStream.AppendBatch([][]byte{data}, 0)
	return appendErr
}

// SubmitRequest is called (by the client-facing shell) with a newly
// arrived client command. It deduplicates against the kernel's own
// request cache, and if this replica is the current primary and not
// duplicate, assigns the next op, persists and broadcasts Prepare. It
// does not block for quorum; the eventual commit result reaches the
// caller via Config.OnCommit.
func (r *Replica) SubmitRequest(ctx context.Context, client kernel.ClientID, reqNum kernel.RequestNumber, cmd kernel.Command) (*kernel.CommandResult, error) {
	var tr = trace.New("vsr.replica", "SubmitRequest")
	defer tr.Finish()
	ctx = trace.NewContext(ctx, tr)
	addTrace(ctx, "client=%d reqNum=%d cmd=%T", client, reqNum, cmd)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.halted {
		addTrace(ctx, "rejected: replica halted")
		return nil, protoErr(ErrWrongStatus, "replica has halted after an invariant violation")
	}
	if r.status != StatusNormal {
		addTrace(ctx, "rejected: status=%s", r.status)
		return nil, protoErr(ErrWrongStatus, "replica is not in Normal status")
	}
	if !r.isPrimary() {
		addTrace(ctx, "rejected: not primary for view=%d", r.view)
		return nil, protoErr(ErrNotPrimary, "replica is not the current view's primary")
	}

	if client != 0 {
		if cached, ok := r.state.Dedup(client); ok {
			if cached.RequestNumber == reqNum {
				addTrace(ctx, "replayed cached response for reqNum=%d", reqNum)
				return &cached.Response, nil
			}
			if cached.RequestNumber > reqNum {
				addTrace(ctx, "rejected: stale reqNum=%d (have %d)", reqNum, cached.RequestNumber)
				return nil, protoErr(ErrDuplicateRequest, "stale request number")
			}
		}
	}

	if r.pending != nil {
		if pushErr := r.pending.Push(RequestPayload{Client: client, ReqNum: reqNum, Command: cmd}); pushErr != nil {
			addTrace(ctx, "rejected: %v", pushErr)
			return nil, protoErr(ErrBackpressure, pushErr.Error())
		}
	}

	var op = r.lastOp + 1
	var entry = LogEntry{Op: op, View: r.view, Command: cmd}
	if err := r.persistEntry(entry); err != nil {
		return nil, errors.Wrap(err, "vsr: persist prepared entry")
	}
	r.log[op] = entry
	r.lastOp = op
	r.pendingOks[op] = map[ReplicaID]bool{r.cfg.Self: true}

	var msg = Sign(Message{
		Kind:    KindPrepare,
		View:    r.view,
		Op:      op,
		Commit:  r.commit,
		Sender:  r.cfg.Self,
		Payload: PreparePayload{Entry: entry},
	}, r.cfg.ClusterKey)

	addTrace(ctx, "prepared op=%d view=%d", op, r.view)
	r.cfg.Transport.Broadcast(ctx, r.cfg.Self, msg)
	r.maybeAdvanceCommitLocked(op)
	return nil, nil
}

// HandleMessage dispatches an inbound message to the appropriate handler.
// It satisfies the MessageHandler interface transports deliver against.
func (r *Replica) HandleMessage(msg Message, from ReplicaID) {
	if len(r.cfg.ClusterKey) > 0 && !Verify(msg, r.cfg.ClusterKey) {
		r.demerits.Record(from, demeritThreshold)
		log.WithFields(log.Fields{"sender": from, "kind": msg.Kind}).Warn("vsr: dropping message with invalid MAC")
		return
	}
	if r.demerits.Quarantined(from) {
		log.WithField("sender", from).Debug("vsr: dropping message from quarantined sender")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.halted {
		return
	}

	if msg.View > r.view {
		r.snapForwardLocked(msg.View)
	}

	switch msg.Kind {
	case KindPrepare:
		r.handlePrepareLocked(msg, from)
	case KindPrepareOk:
		r.handlePrepareOkLocked(msg, from)
	case KindCommit:
		r.handleCommitLocked(msg, from)
	case KindStartViewChange:
		r.handleStartViewChangeLocked(msg, from)
	case KindDoViewChange:
		r.handleDoViewChangeLocked(msg, from)
	case KindStartView:
		r.handleStartViewLocked(msg, from)
	case KindRecovery:
		r.handleRecoveryLocked(msg, from)
	case KindRecoveryResponse:
		r.handleRecoveryResponseLocked(msg, from)
	case KindRepairRequest:
		r.handleRepairRequestLocked(msg, from)
	case KindRepairResponse:
		r.handleRepairResponseLocked(msg, from)
	case KindPing:
		r.handlePingLocked(msg, from)
	case KindPong:
		// Liveness only; nothing to update beyond the view snap-forward above.
	case KindReconfiguration:
		log.Debug("vsr: reconfiguration messages are not yet supported; ignoring")
	}
}

func (r *Replica) handlePrepareLocked(msg Message, from ReplicaID) {
	if r.status != StatusNormal {
		return
	}
	var payload, ok = msg.Payload.(PreparePayload)
	if !ok {
		return
	}
	if msg.Op != r.lastOp+1 {
		if msg.Op > r.lastOp+1 {
			r.sendRepairRequestLocked(from, r.lastOp+1, msg.Op-1)
		}
		return
	}

	if err := r.persistEntry(payload.Entry); err != nil {
		log.WithError(err).Error("vsr: failed to persist prepared entry")
		return
	}
	r.log[msg.Op] = payload.Entry
	r.lastOp = msg.Op
	if payload.Entry.View > r.lastNormalView {
		r.lastNormalView = payload.Entry.View
	}

	var reply = Sign(Message{
		Kind:   KindPrepareOk,
		View:   r.view,
		Op:     msg.Op,
		Commit: r.commit,
		Sender: r.cfg.Self,
	}, r.cfg.ClusterKey)
	r.cfg.Transport.Send(context.Background(), from, reply)

	if msg.Commit > r.commit {
		r.advanceCommitToLocked(msg.Commit)
	}
}

func (r *Replica) handlePrepareOkLocked(msg Message, from ReplicaID) {
	if !r.isPrimary() {
		return
	}
	if r.pendingOks[msg.Op] == nil {
		r.pendingOks[msg.Op] = make(map[ReplicaID]bool)
	}
	r.pendingOks[msg.Op][from] = true
	r.maybeAdvanceCommitLocked(msg.Op)
}

// maybeAdvanceCommitLocked checks whether op (and, transitively, any
// earlier uncommitted op) has reached quorum, committing contiguously.
func (r *Replica) maybeAdvanceCommitLocked(op OpNumber) {
	for next := r.commit + 1; next <= r.lastOp; next++ {
		if len(r.pendingOks[next]) < r.quorum {
			break
		}
		r.advanceCommitToLocked(next)
	}
	_ = op
}

func (r *Replica) advanceCommitToLocked(target OpNumber) {
	for next := r.commit + 1; next <= target; next++ {
		var entry, ok = r.log[next]
		if !ok {
			break // gap; repair will close it before commit can advance further
		}
		var result, err = r.applyCommittedLocked(entry)
		r.commit = next
		delete(r.pendingOks, next)
		if r.pending != nil && entry.Command.Header().Client != 0 {
			r.pending.Pop() // frees the admission slot this op occupied while prepared
		}
		if r.isPrimary() && r.cfg.OnCommit != nil && entry.Command.Header().Client != 0 {
			r.cfg.OnCommit(entry.Command.Header().Client, entry.Command.Header().RequestNumber, result, err)
		}
		if r.halted {
			return // applyCommittedLocked already wrote a crash dump and halted
		}
	}
}

// applyCommittedLocked runs the kernel over entry's command and
// materializes its effects into the storage engine. Per kernel.Apply's own
// contract, an ordinary returned error (e.g. OffsetMismatch) is a normal
// business-rule rejection, not a divergence risk: every replica applying
// the same committed command deterministically produces the same
// *kernel.KernelError, so it is cached into CommandResult.Err like any
// other result. Only a panicking kernel.InvariantViolation -- a detected
// bug in the kernel itself -- is fatal; applyAndRecoverLocked converts
// that panic into a halt plus an on-disk crash dump instead.
func (r *Replica) applyCommittedLocked(entry LogEntry) (kernel.CommandResult, error) {
	var newState, effects, err, fatal = r.applyAndRecoverLocked(entry)
	if fatal {
		r.halted = true
		log.WithError(err).Error("vsr: halting replica after invariant violation")
		return kernel.CommandResult{}, err
	}
	// newState is r.state unchanged when err != nil (kernel.Apply's own
	// contract: "on the first error, the original state is returned
	// unmodified"), so WithAppliedOp is still correct to call here -- this
	// op is committed and processed either way, just with an error outcome.
	r.state = newState.WithAppliedOp(kernel.OpNumber(entry.Op))
	if err != nil {
		if cached, ok := r.state.Dedup(entry.Command.Header().Client); ok {
			return cached.Response, nil
		}
		if ke, ok := err.(*kernel.KernelError); ok {
			return kernel.CommandResult{Err: ke}, nil
		}
		return kernel.CommandResult{}, err
	}

	for _, eff := range effects {
		if sa, ok := eff.(kernel.StorageAppend); ok {
			var st, streamErr = r.engine.Stream(0, storage.StreamID(sa.Stream))
			if streamErr != nil {
				log.WithError(streamErr).Error("vsr: open data stream for effect application")
				continue
			}
			if _, appendErr := st.AppendBatch(sa.Events, 0); appendErr != nil {
				log.WithError(appendErr).Error("vsr: persist storage-append effect")
			}
		}
	}

	if cached, ok := r.state.Dedup(entry.Command.Header().Client); ok {
		return cached.Response, nil
	}
	return kernel.CommandResult{Effects: effects}, nil
}

func (r *Replica) handleCommitLocked(msg Message, from ReplicaID) {
	if msg.Commit > r.commit {
		r.advanceCommitToLocked(msg.Commit)
	}
}

func (r *Replica) handlePingLocked(msg Message, from ReplicaID) {
	var payload, ok = msg.Payload.(PingPayload)
	if !ok {
		return
	}
	var reply = Sign(Message{Kind: KindPong, View: r.view, Sender: r.cfg.Self, Payload: PongPayload{Nonce: payload.Nonce}}, r.cfg.ClusterKey)
	r.cfg.Transport.Send(context.Background(), from, reply)
}

// Tick drives timeout-based transitions: primary heartbeats, backup
// primary-timeout detection (viewchange.go), and recovery retries
// (recovery.go). cmd/kimberlited calls it once per wall-clock tick
// interval; pkg/vopr's simulation does not call it.
func (r *Replica) Tick(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.halted {
		return
	}

	switch r.status {
	case StatusNormal:
		if r.isPrimary() {
			var heartbeat = Sign(Message{Kind: KindCommit, View: r.view, Commit: r.commit, Sender: r.cfg.Self}, r.cfg.ClusterKey)
			r.cfg.Transport.Broadcast(ctx, r.cfg.Self, heartbeat)
		}
	case StatusViewChanging:
		r.tickViewChangeLocked(ctx)
	case StatusRecovering:
		r.tickRecoveryLocked(ctx)
	}
}

// Status, View, LastOp, and Commit report the replica's current position,
// used by the client shell and by VOPR's invariant checkers.
func (r *Replica) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Replica) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

func (r *Replica) LastOp() OpNumber {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastOp
}

func (r *Replica) Commit() OpNumber {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commit
}

// AppliedOp reports the kernel's own LastAppliedOp, used by VOPR's
// AppliedPositionMonotonicChecker to verify applied_op never regresses
// and never exceeds Commit() (spec §8 invariant 8).
func (r *Replica) AppliedOp() OpNumber {
	r.mu.Lock()
	defer r.mu.Unlock()
	return OpNumber(r.state.LastAppliedOp)
}

// State returns the replica's current kernel state snapshot, read-only:
// callers must not mutate anything reachable through it. Used by VOPR's
// invariant checkers (MVCC visibility, state-hash comparison for
// agreement/prefix/determinism checks) and never by replica.go itself.
func (r *Replica) State() *kernel.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// EntryAt returns the log entry this replica holds at op, whether merely
// prepared or already committed, for cross-replica comparison by VOPR's
// AgreementChecker and PrefixPropertyChecker.
func (r *Replica) EntryAt(op OpNumber) (LogEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var e, ok = r.log[op]
	return e, ok
}

// Engine returns the replica's storage engine, read-only: callers must not
// write through it. Used by VOPR's MVCCVisibilityChecker and
// HashChainChecker to cross-check storage state against kernel state.
func (r *Replica) Engine() *storage.Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine
}

// Halted reports whether this replica has stopped participating after an
// invariant violation (spec §4.3 "Failure semantics"), used by VOPR's
// HaltedReplicaChecker.
func (r *Replica) Halted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halted
}

// Quorum reports the replica's configured f+1 quorum size, used by VOPR's
// QuorumIntersectionChecker.
func (r *Replica) Quorum() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quorum
}

// Close releases the replica's storage engine.
func (r *Replica) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.Close()
}
