// Package vsr implements Kimberlite's Viewstamped Replication layer: the
// consensus protocol that sequences client requests into a single
// committed log and drives pkg/kernel's Apply over it, persisting the
// result through pkg/storage.
package vsr

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"github.com/kimberlitedb/kimberlite/pkg/kernel"
)

// MessageKind enumerates the 14 replica-to-replica and client-to-replica
// message variants (spec §2 Core entities, §4.3).
type MessageKind uint8

const (
	KindRequest MessageKind = iota
	KindPrepare
	KindPrepareOk
	KindCommit
	KindStartViewChange
	KindDoViewChange
	KindStartView
	KindRecovery
	KindRecoveryResponse
	KindRepairRequest
	KindRepairResponse
	KindPing
	KindPong
	KindReconfiguration
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "Request"
	case KindPrepare:
		return "Prepare"
	case KindPrepareOk:
		return "PrepareOk"
	case KindCommit:
		return "Commit"
	case KindStartViewChange:
		return "StartViewChange"
	case KindDoViewChange:
		return "DoViewChange"
	case KindStartView:
		return "StartView"
	case KindRecovery:
		return "Recovery"
	case KindRecoveryResponse:
		return "RecoveryResponse"
	case KindRepairRequest:
		return "RepairRequest"
	case KindRepairResponse:
		return "RepairResponse"
	case KindPing:
		return "Ping"
	case KindPong:
		return "Pong"
	case KindReconfiguration:
		return "Reconfiguration"
	default:
		return "Unknown"
	}
}

// View is a monotonically advancing view number; view mod n selects the
// primary for that view.
type View uint64

// OpNumber is a replica log position, 1-indexed and contiguous.
type OpNumber uint64

// ReplicaID identifies one member of the cluster. IDs are whatever values
// Config.Peers lists (pkg/vopr and the tests use 1..n); primaryFor indexes
// Peers by view, so IDs need not be dense or start at 0.
type ReplicaID uint32

// LogEntry is one op-numbered slot of a replica's prepared log: the
// command it carries plus the view in which it was originally prepared
// (spec §4.3 view change: "last_normal_view").
type LogEntry struct {
	Op      OpNumber
	View    View
	Command kernel.Command
}

// Message is the envelope every VSR wire message shares: view/op/commit
// plus sender and a fixed payload (spec §2: "{ view, op, commit,
// sender_replica, payload, mac }"). The MAC covers view, op, commit,
// sender and the payload's kind (see signingInput); it does not cover the
// Payload's contents.
type Message struct {
	Kind    MessageKind
	View    View
	Op      OpNumber
	Commit  OpNumber
	Sender  ReplicaID
	Payload Payload
	MAC     [32]byte
}

// Payload is the kind-specific body of a Message. Each concrete payload
// type corresponds to exactly one MessageKind.
type Payload interface {
	messageKind() MessageKind
}

type RequestPayload struct {
	Client  kernel.ClientID
	ReqNum  kernel.RequestNumber
	Command kernel.Command
}

func (RequestPayload) messageKind() MessageKind { return KindRequest }

type PreparePayload struct {
	Entry LogEntry
}

func (PreparePayload) messageKind() MessageKind { return KindPrepare }

type PrepareOkPayload struct{}

func (PrepareOkPayload) messageKind() MessageKind { return KindPrepareOk }

type CommitPayload struct{}

func (CommitPayload) messageKind() MessageKind { return KindCommit }

type StartViewChangePayload struct{}

func (StartViewChangePayload) messageKind() MessageKind { return KindStartViewChange }

type DoViewChangePayload struct {
	Log            []LogEntry
	LastNormalView View
}

func (DoViewChangePayload) messageKind() MessageKind { return KindDoViewChange }

type StartViewPayload struct {
	Log []LogEntry
}

func (StartViewPayload) messageKind() MessageKind { return KindStartView }

type RecoveryPayload struct {
	Nonce uint64
}

func (RecoveryPayload) messageKind() MessageKind { return KindRecovery }

type RecoveryResponsePayload struct {
	Nonce uint64
	Log   []LogEntry // the responder's whole log, ops 1 through its last op
}

func (RecoveryResponsePayload) messageKind() MessageKind { return KindRecoveryResponse }

type RepairRequestPayload struct {
	From OpNumber
	To   OpNumber
}

func (RepairRequestPayload) messageKind() MessageKind { return KindRepairRequest }

type RepairResponsePayload struct {
	Entries []LogEntry
}

func (RepairResponsePayload) messageKind() MessageKind { return KindRepairResponse }

type PingPayload struct{ Nonce uint64 }

func (PingPayload) messageKind() MessageKind { return KindPing }

type PongPayload struct{ Nonce uint64 }

func (PongPayload) messageKind() MessageKind { return KindPong }

type ReconfigurationPayload struct {
	Replicas []ReplicaID
}

func (ReconfigurationPayload) messageKind() MessageKind { return KindReconfiguration }

// signingInput returns the bytes a cluster-wide HMAC is computed over: the
// envelope fields and the payload's kind. It doesn't serialize Payload's
// full structure (codec.go does that for the wire), so the payload's
// contents are not covered; it binds the envelope fields and the kind,
// which is what prevents a replayed message from a different view/op/kind
// from passing verification.
func signingInput(m Message) []byte {
	var buf [8 + 8 + 8 + 4 + 1]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(m.View))
	binary.BigEndian.PutUint64(buf[8:16], uint64(m.Op))
	binary.BigEndian.PutUint64(buf[16:24], uint64(m.Commit))
	binary.BigEndian.PutUint32(buf[24:28], uint32(m.Sender))
	buf[28] = byte(m.Kind)
	return buf[:]
}

// Sign computes and sets m.MAC under clusterKey.
func Sign(m Message, clusterKey []byte) Message {
	var mac = hmac.New(sha256.New, clusterKey)
	mac.Write(signingInput(m))
	copy(m.MAC[:], mac.Sum(nil))
	return m
}

// Verify reports whether m.MAC is valid under clusterKey.
func Verify(m Message, clusterKey []byte) bool {
	var mac = hmac.New(sha256.New, clusterKey)
	mac.Write(signingInput(m))
	var want [32]byte
	copy(want[:], mac.Sum(nil))
	return hmac.Equal(want[:], m.MAC[:])
}
