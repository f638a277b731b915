// Package kernel implements Kimberlite's deterministic state transition
// function: apply(State, Command) -> (State, []Effect, error).
//
// The kernel is pure. It performs no I/O, reads no clock, and consults no
// source of randomness: every input it cannot derive from (state, command)
// is instead carried as a field of the command. Callers (the VSR replica
// and the VOPR simulator) are responsible for durability, networking, and
// wall-clock time.
package kernel

import "fmt"

// TenantID is a dense, monotonically assigned tenant identifier.
type TenantID uint64

// StreamID is a dense, monotonically assigned stream identifier.
type StreamID uint64

// TableID is a dense, monotonically assigned table identifier.
type TableID uint64

// Offset is a logical position within a stream's event sequence.
type Offset uint64

// ClientID identifies a request-issuing client for de-duplication.
type ClientID uint64

// RequestNumber is a per-client monotonically increasing request sequence.
type RequestNumber uint64

func (t TenantID) String() string { return fmt.Sprintf("tenant:%d", uint64(t)) }
func (s StreamID) String() string { return fmt.Sprintf("stream:%d", uint64(s)) }
func (t TableID) String() string  { return fmt.Sprintf("table:%d", uint64(t)) }

// StreamClass distinguishes the retention / compliance treatment of a stream.
type StreamClass int

const (
	// StreamClassStandard is a regular, erasable event stream.
	StreamClassStandard StreamClass = iota
	// StreamClassAudit is an append-only audit stream; never targeted by erasure.
	StreamClassAudit
	// StreamClassProjectionFeed is a stream whose appends also fan out
	// ProjectionNotify effects to the external projection store.
	StreamClassProjectionFeed
)

func (c StreamClass) String() string {
	switch c {
	case StreamClassStandard:
		return "standard"
	case StreamClassAudit:
		return "audit"
	case StreamClassProjectionFeed:
		return "projection-feed"
	default:
		return fmt.Sprintf("StreamClass(%d)", int(c))
	}
}

// Role is a coarse authority granted to a tenant-scoped principal.
type Role int

const (
	RoleReader Role = iota
	RoleWriter
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleReader:
		return "reader"
	case RoleWriter:
		return "writer"
	case RoleAdmin:
		return "admin"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}
