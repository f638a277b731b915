package vsr

import "fmt"

// ProtocolErrorKind enumerates the ways a VSR message or local operation
// can be rejected without being a fatal invariant violation.
type ProtocolErrorKind int

const (
	ErrStaleView ProtocolErrorKind = iota
	ErrLogGap
	ErrNotPrimary
	ErrWrongStatus
	ErrBadMAC
	ErrOffsetMismatch
	ErrDuplicateRequest
	ErrRepairBudgetExceeded
	ErrUnknownSender
	ErrBackpressure
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case ErrStaleView:
		return "StaleView"
	case ErrLogGap:
		return "LogGap"
	case ErrNotPrimary:
		return "NotPrimary"
	case ErrWrongStatus:
		return "WrongStatus"
	case ErrBadMAC:
		return "BadMAC"
	case ErrOffsetMismatch:
		return "OffsetMismatch"
	case ErrDuplicateRequest:
		return "DuplicateRequest"
	case ErrRepairBudgetExceeded:
		return "RepairBudgetExceeded"
	case ErrBackpressure:
		return "Backpressure"
	case ErrUnknownSender:
		return "UnknownSender"
	default:
		return fmt.Sprintf("ProtocolErrorKind(%d)", int(k))
	}
}

// ProtocolError is returned for any non-fatal rejection of a message: the
// sender may be stale, malicious, or simply racing a view change. None of
// these halt the replica (spec §4.3 "Failure semantics").
type ProtocolError struct {
	Kind    ProtocolErrorKind
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("vsr: %s: %s", e.Kind, e.Message)
}

func protoErr(kind ProtocolErrorKind, msg string) *ProtocolError {
	return &ProtocolError{Kind: kind, Message: msg}
}

// InvariantViolation is a fatal error: kernel.Apply panicked with a
// kernel.InvariantViolation while applying a committed (or, during
// startup replay, previously-committed) command -- a detected bug in the
// kernel itself, not an ordinary *kernel.KernelError business rejection.
// It halts the replica (spec §4.3 "Failure semantics").
type InvariantViolation struct {
	Message string
	Cause   error
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("vsr: invariant violation: %s: %v", e.Message, e.Cause)
}

func (e *InvariantViolation) Unwrap() error { return e.Cause }
