package vsr

import "context"

// Transport abstracts replica-to-replica message delivery so that
// pkg/vopr can substitute a virtual, fault-injecting network in place of
// grpc_transport.go's production implementation without either side of
// replica.go knowing the difference (spec §4.4: "VOPR drives clusters of
// Replicas through a virtual clock and network").
type Transport interface {
	// Send delivers msg to the given replica, best-effort. Transports
	// never block the caller indefinitely and never retry internally --
	// retry policy belongs to the caller (replica.go's tick-driven
	// resend), since a lost message is an expected, common case in VSR,
	// not an error.
	Send(ctx context.Context, to ReplicaID, msg Message) error

	// Broadcast delivers msg to every replica other than self.
	Broadcast(ctx context.Context, self ReplicaID, msg Message)
}

// MessageHandler is implemented by Replica and invoked by a Transport for
// each inbound message it receives.
type MessageHandler interface {
	HandleMessage(msg Message, from ReplicaID)
}
