package kernel

import "sort"

// EffectKind discriminates the concrete type of an Effect.
type EffectKind int

const (
	KindStorageAppend EffectKind = iota
	KindMetadataWrite
	KindAuditRecord
	KindProjectionNotify
)

// effectRank fixes the canonical emission order required by spec §4.1:
// storage writes, then metadata writes, then audit records, then
// projection notifications. Effects of equal rank keep their relative
// handler-emission order (Effects.Canonicalize sorts with sort.SliceStable).
func effectRank(k EffectKind) int { return int(k) }

// Effect is the sealed set of deterministic kernel outputs. The kernel
// never performs the I/O an Effect describes; a shell (the VSR replica, or
// VOPR's replica harness) executes it.
type Effect interface {
	Kind() EffectKind
}

// StorageAppend instructs the shell to durably append Events to Stream,
// whose first assigned offset is FirstOffset.
type StorageAppend struct {
	Stream      StreamID
	Events      [][]byte
	FirstOffset Offset
}

func (StorageAppend) Kind() EffectKind { return KindStorageAppend }

// MetadataWrite instructs the shell to persist an out-of-band metadata
// key/value pair (eg a superblock-adjacent index used by the storage engine
// to avoid rescanning the kernel's own state on restart).
type MetadataWrite struct {
	Key   string
	Value []byte
}

func (MetadataWrite) Kind() EffectKind { return KindMetadataWrite }

// AuditRecord instructs the shell to append a security-relevant event to
// the tenant's audit stream. Emitted for every security-relevant
// transition (spec §4.1).
type AuditRecord struct {
	Tenant  TenantID
	Kind    string
	Context map[string]string
}

func (AuditRecord) Kind() EffectKind { return KindAuditRecord }

// ProjectionRow is one row-level change to be forwarded to the external
// projection store.
type ProjectionRow struct {
	Key    []byte
	Value  []byte
	Offset Offset
}

// ProjectionNotify instructs the shell to deliver Rows to Table's external
// projection consumer. Per spec §9 open questions, delivery is best-effort
// fire-and-forget; the consumer owns its own catchup checkpoint.
type ProjectionNotify struct {
	Table TableID
	Rows  []ProjectionRow
}

func (ProjectionNotify) Kind() EffectKind { return KindProjectionNotify }

// Effects is an ordered list of Effect produced by one command application.
type Effects []Effect

// Canonicalize sorts es in place into the canonical emission order, stably
// preserving relative order among effects of the same kind.
func (es Effects) Canonicalize() {
	sort.SliceStable(es, func(i, j int) bool {
		return effectRank(es[i].Kind()) < effectRank(es[j].Kind())
	})
}
