// Package kimberlite holds the pieces shared across Kimberlite's binaries
// that don't belong to any one internal layer: the client-facing wire
// envelope and the go-flags configuration surface cmd/kimberlited parses.
package kimberlite

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// EnvelopeMagic identifies a Kimberlite client RPC envelope on the wire
// (spec §6: "Opaque wire envelope"). The spec names a magic field but pins
// no value for it the way it does for storage/checkpoint/index/bundle
// formats ("KMBR"/"KCKP"/"KIDX"/"KVPR"); "KRPC" continues that same
// four-letter, K-prefixed convention (DESIGN.md open question).
var EnvelopeMagic = [4]byte{'K', 'R', 'P', 'C'}

// EnvelopeVersion is the only wire version this build understands.
const EnvelopeVersion byte = 1

var crcTable = crc32.MakeTable(crc32.IEEE)

// OpCode discriminates a request Envelope's payload (spec §6: "Operations
// accepted: CreateStream, AppendBatch ..., ReadEvents, CreateTable, Query
// ..., admin/compliance operations"). OpReadEvents and OpQuery route to
// the storage engine's read path and the projection store, respectively,
// rather than through pkg/kernel.Apply -- the projection store itself is
// an excluded collaborator (spec's Non-goals), so OpQuery is named here
// only as a dispatch target, not implemented.
type OpCode uint16

const (
	OpCreateStream OpCode = iota + 1
	OpDropStream
	OpAppendBatch
	OpReadEvents
	OpCreateTable
	OpDropTable
	OpQuery
	OpCreateTenant
	OpGrantRole
	OpRevokeRole
	OpRecordConsent
	OpRevokeConsent
	OpRequestErasure
	OpAckErasureRepaired
)

func (op OpCode) String() string {
	switch op {
	case OpCreateStream:
		return "CreateStream"
	case OpDropStream:
		return "DropStream"
	case OpAppendBatch:
		return "AppendBatch"
	case OpReadEvents:
		return "ReadEvents"
	case OpCreateTable:
		return "CreateTable"
	case OpDropTable:
		return "DropTable"
	case OpQuery:
		return "Query"
	case OpCreateTenant:
		return "CreateTenant"
	case OpGrantRole:
		return "GrantRole"
	case OpRevokeRole:
		return "RevokeRole"
	case OpRecordConsent:
		return "RecordConsent"
	case OpRevokeConsent:
		return "RevokeConsent"
	case OpRequestErasure:
		return "RequestErasure"
	case OpAckErasureRepaired:
		return "AckErasureRepaired"
	default:
		return fmt.Sprintf("OpCode(%d)", uint16(op))
	}
}

// Envelope is a decoded client→replica request (spec §6): `{ magic,
// version, op_code, correlation_id, auth_token, payload_len, payload,
// crc32 }`. Payload is the op-specific encoded command body; decoding it
// into a concrete pkg/kernel.Command is the framing layer's job (an
// excluded collaborator per spec §6 -- "that's the excluded transport").
type Envelope struct {
	OpCode        OpCode
	CorrelationID uint64
	AuthToken     []byte
	Payload       []byte
}

// Encode renders e as the bit-stable byte layout spec §6 names, computing
// the trailing CRC32 over everything that precedes it.
func (e Envelope) Encode() []byte {
	var authLen = len(e.AuthToken)
	var payloadLen = len(e.Payload)
	var size = 4 + 1 + 2 + 8 + 4 + authLen + 4 + payloadLen
	var buf = make([]byte, size, size+4)

	copy(buf[0:4], EnvelopeMagic[:])
	buf[4] = EnvelopeVersion
	binary.BigEndian.PutUint16(buf[5:7], uint16(e.OpCode))
	binary.BigEndian.PutUint64(buf[7:15], e.CorrelationID)
	binary.BigEndian.PutUint32(buf[15:19], uint32(authLen))
	copy(buf[19:19+authLen], e.AuthToken)
	var payloadOff = 19 + authLen
	binary.BigEndian.PutUint32(buf[payloadOff:payloadOff+4], uint32(payloadLen))
	copy(buf[payloadOff+4:], e.Payload)

	var crc = crc32.Checksum(buf, crcTable)
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc)
	return append(buf, crcBuf[:]...)
}

// DecodeEnvelope parses the layout Encode produces, validating magic,
// version, and trailing CRC32 before returning the decoded fields (spec
// §6: "Replica validates version, auth, crc, and dispatches to kernel
// command" -- auth validation itself belongs to the replica's request
// handler, not to decoding).
func DecodeEnvelope(b []byte) (Envelope, error) {
	if len(b) < 4+1+2+8+4+4+4 {
		return Envelope{}, fmt.Errorf("kimberlite: envelope too short: %d bytes", len(b))
	}
	if [4]byte(b[0:4]) != EnvelopeMagic {
		return Envelope{}, fmt.Errorf("kimberlite: bad envelope magic %q", b[0:4])
	}
	if b[4] != EnvelopeVersion {
		return Envelope{}, fmt.Errorf("kimberlite: unsupported envelope version %d", b[4])
	}

	var wantCRC = binary.BigEndian.Uint32(b[len(b)-4:])
	var body = b[:len(b)-4]
	if crc32.Checksum(body, crcTable) != wantCRC {
		return Envelope{}, fmt.Errorf("kimberlite: envelope CRC mismatch")
	}

	var op = OpCode(binary.BigEndian.Uint16(body[5:7]))
	var correlationID = binary.BigEndian.Uint64(body[7:15])
	var authLen = binary.BigEndian.Uint32(body[15:19])
	if 19+int(authLen) > len(body) {
		return Envelope{}, fmt.Errorf("kimberlite: envelope auth_token length out of range")
	}
	var authToken = append([]byte(nil), body[19:19+authLen]...)
	var payloadOff = 19 + int(authLen)
	if payloadOff+4 > len(body) {
		return Envelope{}, fmt.Errorf("kimberlite: envelope truncated before payload_len")
	}
	var payloadLen = binary.BigEndian.Uint32(body[payloadOff : payloadOff+4])
	var payloadStart = payloadOff + 4
	if payloadStart+int(payloadLen) != len(body) {
		return Envelope{}, fmt.Errorf("kimberlite: envelope payload length mismatch")
	}
	var payload = append([]byte(nil), body[payloadStart:]...)

	return Envelope{
		OpCode:        op,
		CorrelationID: correlationID,
		AuthToken:     authToken,
		Payload:       payload,
	}, nil
}

// Status is the response envelope's outcome discriminator (spec §6:
// "matching correlation_id plus `{ status, payload }` or `{ status,
// error_kind, error_context }`").
type Status uint8

const (
	StatusOK Status = iota
	StatusError
)

// Response is a decoded replica→client reply.
type Response struct {
	CorrelationID uint64
	Status        Status
	Payload       []byte

	// ErrorKind and ErrorContext are populated only when Status is
	// StatusError; ErrorKind is one of pkg/kernel.KernelErrorKind,
	// pkg/storage.StorageErrorKind, or pkg/vsr.ProtocolErrorKind's String()
	// forms (spec §7: "a stable error-kind code and a free-form message
	// with context").
	ErrorKind    string
	ErrorMessage string
	ErrorContext map[string]interface{}
}
