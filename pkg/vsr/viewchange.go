package vsr

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// snapForwardLocked is invoked whenever a message carries a view greater
// than this replica's own: rather than ignore the message (spec §4.3
// "A replica receiving a message from a future view snaps forward"), the
// replica adopts the new view, clears in-flight PrepareOk bookkeeping
// (which no longer means anything under the new view), and -- if it isn't
// already mid-change -- starts its own view change so it converges rather
// than silently trailing.
func (r *Replica) snapForwardLocked(newView View) {
	r.view = newView
	r.pendingOks = make(map[OpNumber]map[ReplicaID]bool)
	if r.status == StatusNormal {
		r.beginViewChangeLocked(newView)
	}
}

// beginViewChangeLocked moves the replica into ViewChanging and broadcasts
// StartViewChange for view v (spec §4.3 view change step 1).
func (r *Replica) beginViewChangeLocked(v View) {
	r.status = StatusViewChanging
	r.view = v
	if r.svcVotes[v] == nil {
		r.svcVotes[v] = make(map[ReplicaID]bool)
	}
	r.svcVotes[v][r.cfg.Self] = true

	var msg = Sign(Message{Kind: KindStartViewChange, View: v, Sender: r.cfg.Self}, r.cfg.ClusterKey)
	r.cfg.Transport.Broadcast(context.Background(), r.cfg.Self, msg)
}

// triggerViewChangeLocked is called when this replica itself detects a
// stalled primary (via Tick) and must initiate the change, rather than
// reacting to an already-advanced view from a peer.
func (r *Replica) triggerViewChangeLocked() {
	r.beginViewChangeLocked(r.view + 1)
}

func (r *Replica) handleStartViewChangeLocked(msg Message, from ReplicaID) {
	if msg.View < r.view {
		return
	}
	if msg.View > r.view || r.status != StatusViewChanging {
		r.status = StatusViewChanging
		r.view = msg.View
	}
	if r.svcVotes[msg.View] == nil {
		r.svcVotes[msg.View] = make(map[ReplicaID]bool)
	}
	r.svcVotes[msg.View][from] = true
	r.svcVotes[msg.View][r.cfg.Self] = true

	if len(r.svcVotes[msg.View]) < r.quorum {
		return
	}

	// Quorum of StartViewChange reached: send our log to the prospective
	// new primary (spec §4.3 view change step 2).
	var entries = r.orderedLogLocked()
	var dvc = Sign(Message{
		Kind:   KindDoViewChange,
		View:   msg.View,
		Commit: r.commit,
		Sender: r.cfg.Self,
		Payload: DoViewChangePayload{
			Log:            entries,
			LastNormalView: r.lastNormalView,
		},
	}, r.cfg.ClusterKey)
	r.cfg.Transport.Send(context.Background(), r.primaryFor(msg.View), dvc)
}

func (r *Replica) orderedLogLocked() []LogEntry {
	var entries = make([]LogEntry, 0, len(r.log))
	for op := OpNumber(1); op <= r.lastOp; op++ {
		if e, ok := r.log[op]; ok {
			entries = append(entries, e)
		}
	}
	return entries
}

func (r *Replica) handleDoViewChangeLocked(msg Message, from ReplicaID) {
	if msg.View < r.view {
		return
	}
	var payload, ok = msg.Payload.(DoViewChangePayload)
	if !ok {
		return
	}
	if r.primaryFor(msg.View) != r.cfg.Self {
		return // only the prospective new primary collects DoViewChange
	}

	if r.dvc[msg.View] == nil {
		r.dvc[msg.View] = make(map[ReplicaID]DoViewChangePayload)
	}
	r.dvc[msg.View][from] = payload
	r.dvc[msg.View][r.cfg.Self] = DoViewChangePayload{Log: r.orderedLogLocked(), LastNormalView: r.lastNormalView}

	if len(r.dvc[msg.View]) < r.quorum {
		return
	}

	// Select the log with the highest last_normal_view, tie-broken by
	// highest op (spec §4.3 view change step 3).
	var bestLog []LogEntry
	var bestNormalView View
	var bestOp OpNumber
	var first = true
	for _, dv := range r.dvc[msg.View] {
		var maxOp OpNumber
		for _, e := range dv.Log {
			if e.Op > maxOp {
				maxOp = e.Op
			}
		}
		if first || dv.LastNormalView > bestNormalView || (dv.LastNormalView == bestNormalView && maxOp > bestOp) {
			bestNormalView = dv.LastNormalView
			bestOp = maxOp
			bestLog = dv.Log
			first = false
		}
	}

	r.adoptLogLocked(bestLog)
	r.view = msg.View
	r.status = StatusNormal
	r.lastNormalView = msg.View
	delete(r.dvc, msg.View)
	delete(r.svcVotes, msg.View)

	var sv = Sign(Message{
		Kind:    KindStartView,
		View:    msg.View,
		Commit:  r.commit,
		Sender:  r.cfg.Self,
		Payload: StartViewPayload{Log: bestLog},
	}, r.cfg.ClusterKey)
	r.cfg.Transport.Broadcast(context.Background(), r.cfg.Self, sv)
}

// adoptLogLocked replaces the in-memory log with entries, persisting any
// that weren't already durable locally, and advances lastOp/commit to
// match (spec §4.3 view change step 4: "Backups adopt the new log (may
// require repair if ahead/behind)").
func (r *Replica) adoptLogLocked(entries []LogEntry) {
	for _, e := range entries {
		if existing, ok := r.log[e.Op]; ok && existing.View >= e.View {
			continue
		}
		r.log[e.Op] = e
		if err := r.persistEntry(e); err != nil {
			log.WithError(err).Error("vsr: failed to persist adopted log entry")
		}
		if e.Op > r.lastOp {
			r.lastOp = e.Op
		}
	}
}

func (r *Replica) handleStartViewLocked(msg Message, from ReplicaID) {
	var payload, ok = msg.Payload.(StartViewPayload)
	if !ok {
		return
	}
	r.adoptLogLocked(payload.Log)
	r.view = msg.View
	r.status = StatusNormal
	r.lastNormalView = msg.View
	delete(r.svcVotes, msg.View)
	if msg.Commit > r.commit {
		r.advanceCommitToLocked(msg.Commit)
	}
}

// tickViewChangeLocked re-broadcasts StartViewChange periodically while
// stuck in ViewChanging, in case the initial broadcast was lost.
func (r *Replica) tickViewChangeLocked(ctx context.Context) {
	var msg = Sign(Message{Kind: KindStartViewChange, View: r.view, Sender: r.cfg.Self}, r.cfg.ClusterKey)
	r.cfg.Transport.Broadcast(ctx, r.cfg.Self, msg)
}
