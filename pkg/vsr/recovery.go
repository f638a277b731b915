package vsr

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// BeginRecovery transitions the replica into Recovering and broadcasts
// Recovery{nonce} (spec §4.3 Recovery steps 1-2), for a replica whose
// local log may be behind its peers (e.g. it was down long enough that its
// last known view is stale). NewReplica and cmd/kimberlited do not call
// it; a replica started by them relies on replayLocalLog alone.
func (r *Replica) BeginRecovery(ctx context.Context, nonce uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusRecovering
	r.recoveryNonce = nonce
	r.recoveryResponses[nonce] = make(map[ReplicaID]recoveryVote)

	var msg = Sign(Message{Kind: KindRecovery, Sender: r.cfg.Self, Payload: RecoveryPayload{Nonce: nonce}}, r.cfg.ClusterKey)
	r.cfg.Transport.Broadcast(ctx, r.cfg.Self, msg)
}

func (r *Replica) handleRecoveryLocked(msg Message, from ReplicaID) {
	if r.status != StatusNormal {
		return
	}
	var payload, ok = msg.Payload.(RecoveryPayload)
	if !ok {
		return
	}

	var missing []LogEntry
	for op := OpNumber(1); op <= r.lastOp; op++ {
		if e, has := r.log[op]; has {
			missing = append(missing, e)
		}
	}

	var reply = Sign(Message{
		Kind:   KindRecoveryResponse,
		View:   r.view,
		Commit: r.commit,
		Sender: r.cfg.Self,
		Payload: RecoveryResponsePayload{
			Nonce: payload.Nonce,
			Log:   missing,
		},
	}, r.cfg.ClusterKey)
	r.cfg.Transport.Send(context.Background(), from, reply)
}

func (r *Replica) handleRecoveryResponseLocked(msg Message, from ReplicaID) {
	if r.status != StatusRecovering {
		return
	}
	var payload, ok = msg.Payload.(RecoveryResponsePayload)
	if !ok || payload.Nonce != r.recoveryNonce {
		return
	}
	if r.recoveryResponses[payload.Nonce] == nil {
		r.recoveryResponses[payload.Nonce] = make(map[ReplicaID]recoveryVote)
	}
	r.recoveryResponses[payload.Nonce][from] = recoveryVote{View: msg.View, Payload: payload}

	if len(r.recoveryResponses[payload.Nonce]) < r.quorum {
		return
	}

	// Select the response from the peer at the highest view (spec §4.3
	// Recovery step 4).
	var best recoveryVote
	var haveBest bool
	for _, vote := range r.recoveryResponses[payload.Nonce] {
		if !haveBest || vote.View > best.View {
			best = vote
			haveBest = true
		}
	}

	r.adoptLogLocked(best.Payload.Log)
	r.view = best.View
	r.status = StatusNormal
	delete(r.recoveryResponses, payload.Nonce)

	log.WithFields(log.Fields{"replica": r.cfg.Self, "view": r.view, "commit": r.commit}).
		Info("vsr: recovery complete, re-entering Normal")
}

// tickRecoveryLocked re-broadcasts the in-flight Recovery message in case
// the initial round was partially lost.
func (r *Replica) tickRecoveryLocked(ctx context.Context) {
	var msg = Sign(Message{Kind: KindRecovery, Sender: r.cfg.Self, Payload: RecoveryPayload{Nonce: r.recoveryNonce}}, r.cfg.ClusterKey)
	r.cfg.Transport.Broadcast(ctx, r.cfg.Self, msg)
}
