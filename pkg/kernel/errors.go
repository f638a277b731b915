package kernel

import "fmt"

// KernelErrorKind enumerates every way apply_committed can fail on a
// well-typed input (spec §4.1). The kernel never panics on such input;
// every reachable failure is one of these.
type KernelErrorKind int

const (
	ErrStreamAlreadyExists KernelErrorKind = iota
	ErrStreamNotFound
	ErrOffsetMismatch
	ErrTenantNotFound
	ErrTenantAlreadyExists
	ErrTableAlreadyExists
	ErrTableNotFound
	ErrPermissionDenied
	ErrConsentMissing
	ErrErasurePending
	ErrDuplicateRequest
	ErrInvalidSchema
	ErrInvalidInput
)

func (k KernelErrorKind) String() string {
	switch k {
	case ErrStreamAlreadyExists:
		return "StreamAlreadyExists"
	case ErrStreamNotFound:
		return "StreamNotFound"
	case ErrOffsetMismatch:
		return "OffsetMismatch"
	case ErrTenantNotFound:
		return "TenantNotFound"
	case ErrTenantAlreadyExists:
		return "TenantAlreadyExists"
	case ErrTableAlreadyExists:
		return "TableAlreadyExists"
	case ErrTableNotFound:
		return "TableNotFound"
	case ErrPermissionDenied:
		return "PermissionDenied"
	case ErrConsentMissing:
		return "ConsentMissing"
	case ErrErasurePending:
		return "ErasurePending"
	case ErrDuplicateRequest:
		return "DuplicateRequest"
	case ErrInvalidSchema:
		return "InvalidSchema"
	case ErrInvalidInput:
		return "InvalidInput"
	default:
		return fmt.Sprintf("KernelErrorKind(%d)", int(k))
	}
}

// KernelError is the uniform error type returned by Apply/ApplyBatch. It
// carries every contextual identifier needed to reproduce the failure
// (spec §4.1: "Every error carries the contextual identifiers needed to
// reproduce").
type KernelError struct {
	Kind    KernelErrorKind
	Message string
	Context map[string]interface{}
}

func (e *KernelError) Error() string {
	if len(e.Context) == 0 {
		return fmt.Sprintf("kernel: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("kernel: %s: %s %v", e.Kind, e.Message, e.Context)
}

func newErr(kind KernelErrorKind, msg string, ctx map[string]interface{}) *KernelError {
	return &KernelError{Kind: kind, Message: msg, Context: ctx}
}

func errStreamAlreadyExists(tenant TenantID, name string) *KernelError {
	return newErr(ErrStreamAlreadyExists, "stream already exists",
		map[string]interface{}{"tenant": tenant, "name": name})
}

func errStreamNotFound(stream StreamID) *KernelError {
	return newErr(ErrStreamNotFound, "stream not found", map[string]interface{}{"stream": stream})
}

func errOffsetMismatch(stream StreamID, expected, actual Offset) *KernelError {
	return newErr(ErrOffsetMismatch, "append offset mismatch", map[string]interface{}{
		"stream": stream, "expected": expected, "actual": actual,
	})
}

func errTenantNotFound(tenant TenantID) *KernelError {
	return newErr(ErrTenantNotFound, "tenant not found", map[string]interface{}{"tenant": tenant})
}

func errTenantAlreadyExists(name string) *KernelError {
	return newErr(ErrTenantAlreadyExists, "tenant already exists", map[string]interface{}{"name": name})
}

func errTableAlreadyExists(tenant TenantID, name string) *KernelError {
	return newErr(ErrTableAlreadyExists, "table already exists",
		map[string]interface{}{"tenant": tenant, "name": name})
}

func errTableNotFound(table TableID) *KernelError {
	return newErr(ErrTableNotFound, "table not found", map[string]interface{}{"table": table})
}

func errPermissionDenied(tenant TenantID, principal string, role Role) *KernelError {
	return newErr(ErrPermissionDenied, "principal lacks required role", map[string]interface{}{
		"tenant": tenant, "principal": principal, "role": role,
	})
}

func errConsentMissing(tenant TenantID, subject, category string) *KernelError {
	return newErr(ErrConsentMissing, "consent not on record", map[string]interface{}{
		"tenant": tenant, "subject": subject, "category": category,
	})
}

func errErasurePending(tenant TenantID, subject string) *KernelError {
	return newErr(ErrErasurePending, "subject has a pending erasure", map[string]interface{}{
		"tenant": tenant, "subject": subject,
	})
}

func errDuplicateRequest(client ClientID, requestNumber RequestNumber) *KernelError {
	return newErr(ErrDuplicateRequest, "stale duplicate request", map[string]interface{}{
		"client": client, "request_number": requestNumber,
	})
}

func errInvalidSchema(reason string) *KernelError {
	return newErr(ErrInvalidSchema, reason, nil)
}

func errInvalidInput(reason string) *KernelError {
	return newErr(ErrInvalidInput, reason, nil)
}
