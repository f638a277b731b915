package storage

import "fmt"

// StorageErrorKind enumerates the ways the storage engine's public
// operations can fail (spec §4.2).
type StorageErrorKind int

const (
	ErrIO StorageErrorKind = iota
	ErrHashMismatch
	ErrOffsetConflict
	ErrCorruptRecord
	ErrCorruptSegment
	ErrNotFound
	ErrAlreadyLocked
	ErrInvalidArgument
)

func (k StorageErrorKind) String() string {
	switch k {
	case ErrIO:
		return "IoError"
	case ErrHashMismatch:
		return "HashMismatch"
	case ErrOffsetConflict:
		return "OffsetConflict"
	case ErrCorruptRecord:
		return "CorruptRecord"
	case ErrCorruptSegment:
		return "CorruptSegment"
	case ErrNotFound:
		return "NotFound"
	case ErrAlreadyLocked:
		return "AlreadyLocked"
	case ErrInvalidArgument:
		return "InvalidArgument"
	default:
		return fmt.Sprintf("StorageErrorKind(%d)", int(k))
	}
}

// StorageError is the uniform error type returned by this package's public
// operations.
type StorageError struct {
	Kind    StorageErrorKind
	Stream  StreamID
	Message string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("storage: %s: stream %s: %s: %v", e.Kind, e.Stream, e.Message, e.Cause)
	}
	return fmt.Sprintf("storage: %s: stream %s: %s", e.Kind, e.Stream, e.Message)
}

func (e *StorageError) Unwrap() error { return e.Cause }

func newStorageErr(kind StorageErrorKind, stream StreamID, msg string, cause error) *StorageError {
	return &StorageError{Kind: kind, Stream: stream, Message: msg, Cause: cause}
}
