package vsr

import (
	"bytes"
	"encoding/gob"

	"github.com/kimberlitedb/kimberlite/pkg/kernel"
)

// Wire encoding uses encoding/gob rather than a schema-generated format.
// The retrieved corpus's wire encodings (gazette's protobuf, erigon's RLP)
// both depend on code generation or a fixed external schema compiler that
// this repository cannot run as part of its own build; gob is the
// standard library's own answer to "serialize an interface-typed sum type
// across a process boundary" and is what every concrete payload and
// command type below registers itself against. See DESIGN.md.
func init() {
	gob.Register(kernel.CreateStream{})
	gob.Register(kernel.DropStream{})
	gob.Register(kernel.AppendBatch{})
	gob.Register(kernel.CreateTable{})
	gob.Register(kernel.DropTable{})
	gob.Register(kernel.CreateTenant{})
	gob.Register(kernel.GrantRole{})
	gob.Register(kernel.RevokeRole{})
	gob.Register(kernel.RecordConsent{})
	gob.Register(kernel.RevokeConsent{})
	gob.Register(kernel.RequestErasure{})
	gob.Register(kernel.AckErasureRepaired{})
	gob.Register(kernel.RegisterClient{})

	gob.Register(RequestPayload{})
	gob.Register(PreparePayload{})
	gob.Register(PrepareOkPayload{})
	gob.Register(CommitPayload{})
	gob.Register(StartViewChangePayload{})
	gob.Register(DoViewChangePayload{})
	gob.Register(StartViewPayload{})
	gob.Register(RecoveryPayload{})
	gob.Register(RecoveryResponsePayload{})
	gob.Register(RepairRequestPayload{})
	gob.Register(RepairResponsePayload{})
	gob.Register(PingPayload{})
	gob.Register(PongPayload{})
	gob.Register(ReconfigurationPayload{})
}

// EncodeMessage serializes m, Payload included, for wire transmission or
// durable log storage.
func EncodeMessage(m Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage deserializes a Message previously produced by EncodeMessage.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// encodeLogEntry serializes a LogEntry for durable persistence in the
// replica's operation log (a reserved storage stream).
func encodeLogEntry(e LogEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeLogEntry(data []byte) (LogEntry, error) {
	var e LogEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return LogEntry{}, err
	}
	return e, nil
}
