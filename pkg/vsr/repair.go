package vsr

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// sendRepairRequestLocked asks peer for the log entries in [from, to],
// triggered when this replica observes a Prepare past a gap in its own log
// (spec §4.3 "Repair": "a backup that detects a log gap ... issues
// RepairRequest{from, to} to a peer").
func (r *Replica) sendRepairRequestLocked(peer ReplicaID, from, to OpNumber) {
	if to-from+1 > repairBudgetRecords {
		to = from + repairBudgetRecords - 1
	}
	var msg = Sign(Message{
		Kind:    KindRepairRequest,
		View:    r.view,
		Sender:  r.cfg.Self,
		Payload: RepairRequestPayload{From: from, To: to},
	}, r.cfg.ClusterKey)
	r.cfg.Transport.Send(context.Background(), peer, msg)
}

func (r *Replica) handleRepairRequestLocked(msg Message, from ReplicaID) {
	var payload, ok = msg.Payload.(RepairRequestPayload)
	if !ok {
		return
	}
	var to = payload.To
	if to-payload.From+1 > repairBudgetRecords {
		to = payload.From + repairBudgetRecords - 1
	}

	var entries []LogEntry
	for op := payload.From; op <= to; op++ {
		if e, has := r.log[op]; has {
			entries = append(entries, e)
		}
	}

	var reply = Sign(Message{
		Kind:    KindRepairResponse,
		View:    r.view,
		Sender:  r.cfg.Self,
		Payload: RepairResponsePayload{Entries: entries},
	}, r.cfg.ClusterKey)
	r.cfg.Transport.Send(context.Background(), from, reply)
}

func (r *Replica) handleRepairResponseLocked(msg Message, from ReplicaID) {
	var payload, ok = msg.Payload.(RepairResponsePayload)
	if !ok {
		return
	}
	r.adoptLogLocked(payload.Entries)
	// Repaired entries are merely prepared, not necessarily committed; the
	// commit position still advances only via an explicit Commit or
	// Prepare piggyback (handleCommitLocked, handlePrepareLocked).
	log.WithFields(log.Fields{"replica": r.cfg.Self, "from": from, "entries": len(payload.Entries)}).
		Debug("vsr: applied repair response")
}
