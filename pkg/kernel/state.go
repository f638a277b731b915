package kernel

import "github.com/google/btree"

// btreeDegree governs the branching factor of every ordered container in
// State. It's not performance-critical at kernel scale; it's chosen once and
// fixed so that btree's internal tie-breaking (and therefore iteration,
// and therefore anything an Effect observes) never varies across builds.
const btreeDegree = 32

// OpNumber is a VSR consensus-log sequence number, carried here because
// State records the last op it has applied (spec §3: "last-applied op").
type OpNumber uint64

// StreamMeta is the authoritative metadata for one stream.
type StreamMeta struct {
	ID         StreamID
	Tenant     TenantID
	Name       string
	Class      StreamClass
	NextOffset Offset
	Dropped    bool
}

// TableMeta is the authoritative metadata for one table.
type TableMeta struct {
	ID      TableID
	Tenant  TenantID
	Name    string
	Schema  string
	Dropped bool
}

// TenantMeta is the authoritative metadata for one tenant.
type TenantMeta struct {
	ID   TenantID
	Name string
}

// RoleBindingKey identifies a (tenant, principal) authority grant.
type RoleBindingKey struct {
	Tenant    TenantID
	Principal string
}

// RoleBinding is the set of roles held by a principal within a tenant.
type RoleBinding struct {
	RoleBindingKey
	Roles map[Role]bool
}

// ConsentKey identifies a (tenant, subject, category) consent record.
type ConsentKey struct {
	Tenant   TenantID
	Subject  string
	Category string
}

// ConsentRecord tracks whether a data subject has granted consent for a category.
type ConsentRecord struct {
	ConsentKey
	Granted   bool
	AsOfNanos int64
}

// ErasureKey identifies a pending or completed erasure of a data subject.
type ErasureKey struct {
	Tenant  TenantID
	Subject string
}

// ErasureMarker records that a subject's data has been (or must be)
// tombstoned. Per spec §9 open questions, applying the tombstone to remote
// peers is a repair-time concern; the kernel only ever records the marker.
type ErasureMarker struct {
	ErasureKey
	RequestedAtOffset Offset
	Repaired          bool
}

// DedupEntry caches the most recent response issued to a client, keyed by
// ClientID, so that a replayed (client_id, request_number) need not
// re-execute (spec §4.3, §8 idempotence law).
type DedupEntry struct {
	Client        ClientID
	RequestNumber RequestNumber
	Response      CommandResult
}

// CommandResult is the deterministic, serializable outcome of applying one
// command: the effects it produced, or the error it failed with. It is
// cached verbatim so that a duplicate request replays bit-identically.
type CommandResult struct {
	Effects []Effect
	Err     *KernelError
}

// State is Kimberlite's full authoritative kernel state. It is immutable:
// every transition is expressed as a builder method that returns a new
// *State sharing unmodified structure with its predecessor (btree's
// copy-on-write Clone), never mutating the receiver.
type State struct {
	streams      *btree.BTreeG[streamEntry]
	tables       *btree.BTreeG[tableEntry]
	tenants      *btree.BTreeG[tenantEntry]
	roleBindings *btree.BTreeG[roleBindingEntry]
	consent      *btree.BTreeG[consentEntry]
	erasure      *btree.BTreeG[erasureEntry]
	dedup        *btree.BTreeG[dedupEntry]

	NextTenantID TenantID
	NextStreamID StreamID
	NextTableID  TableID

	LastAppliedOp OpNumber
}

type streamEntry struct {
	id   StreamID
	meta StreamMeta
}
type tableEntry struct {
	id   TableID
	meta TableMeta
}
type tenantEntry struct {
	id   TenantID
	meta TenantMeta
}
type roleBindingEntry struct {
	key     RoleBindingKey
	binding RoleBinding
}
type consentEntry struct {
	key    ConsentKey
	record ConsentRecord
}
type erasureEntry struct {
	key    ErasureKey
	marker ErasureMarker
}
type dedupEntry struct {
	client ClientID
	entry  DedupEntry
}

func lessStream(a, b streamEntry) bool           { return a.id < b.id }
func lessTable(a, b tableEntry) bool             { return a.id < b.id }
func lessTenant(a, b tenantEntry) bool           { return a.id < b.id }
func lessDedup(a, b dedupEntry) bool             { return a.client < b.client }
func lessRoleBinding(a, b roleBindingEntry) bool {
	if a.key.Tenant != b.key.Tenant {
		return a.key.Tenant < b.key.Tenant
	}
	return a.key.Principal < b.key.Principal
}
func lessConsent(a, b consentEntry) bool {
	if a.key.Tenant != b.key.Tenant {
		return a.key.Tenant < b.key.Tenant
	} else if a.key.Subject != b.key.Subject {
		return a.key.Subject < b.key.Subject
	}
	return a.key.Category < b.key.Category
}
func lessErasure(a, b erasureEntry) bool {
	if a.key.Tenant != b.key.Tenant {
		return a.key.Tenant < b.key.Tenant
	}
	return a.key.Subject < b.key.Subject
}

// NewState returns an empty, genesis kernel State.
func NewState() *State {
	return &State{
		streams:      btree.NewG(btreeDegree, lessStream),
		tables:       btree.NewG(btreeDegree, lessTable),
		tenants:      btree.NewG(btreeDegree, lessTenant),
		roleBindings: btree.NewG(btreeDegree, lessRoleBinding),
		consent:      btree.NewG(btreeDegree, lessConsent),
		erasure:      btree.NewG(btreeDegree, lessErasure),
		dedup:        btree.NewG(btreeDegree, lessDedup),
	}
}

// clone returns a shallow copy of s with every container cheaply
// copy-on-write cloned. Scalar fields are copied by value.
func (s *State) clone() *State {
	var n = *s
	n.streams = s.streams.Clone()
	n.tables = s.tables.Clone()
	n.tenants = s.tenants.Clone()
	n.roleBindings = s.roleBindings.Clone()
	n.consent = s.consent.Clone()
	n.erasure = s.erasure.Clone()
	n.dedup = s.dedup.Clone()
	return &n
}

// WithStream returns a new State with meta inserted or replaced.
func (s *State) WithStream(meta StreamMeta) *State {
	var n = s.clone()
	n.streams.ReplaceOrInsert(streamEntry{id: meta.ID, meta: meta})
	return n
}

// WithTable returns a new State with meta inserted or replaced.
func (s *State) WithTable(meta TableMeta) *State {
	var n = s.clone()
	n.tables.ReplaceOrInsert(tableEntry{id: meta.ID, meta: meta})
	return n
}

// WithTenant returns a new State with meta inserted or replaced.
func (s *State) WithTenant(meta TenantMeta) *State {
	var n = s.clone()
	n.tenants.ReplaceOrInsert(tenantEntry{id: meta.ID, meta: meta})
	return n
}

// WithRoleBinding returns a new State with binding inserted or replaced.
func (s *State) WithRoleBinding(b RoleBinding) *State {
	var n = s.clone()
	n.roleBindings.ReplaceOrInsert(roleBindingEntry{key: b.RoleBindingKey, binding: b})
	return n
}

// WithConsent returns a new State with record inserted or replaced.
func (s *State) WithConsent(r ConsentRecord) *State {
	var n = s.clone()
	n.consent.ReplaceOrInsert(consentEntry{key: r.ConsentKey, record: r})
	return n
}

// WithErasureMarker returns a new State with marker inserted or replaced.
func (s *State) WithErasureMarker(m ErasureMarker) *State {
	var n = s.clone()
	n.erasure.ReplaceOrInsert(erasureEntry{key: m.ErasureKey, marker: m})
	return n
}

// WithDedup returns a new State recording the cached result of a client's
// most recent request.
func (s *State) WithDedup(e DedupEntry) *State {
	var n = s.clone()
	n.dedup.ReplaceOrInsert(dedupEntry{client: e.Client, entry: e})
	return n
}

// WithAppliedOp returns a new State with LastAppliedOp advanced.
func (s *State) WithAppliedOp(op OpNumber) *State {
	var n = s.clone()
	n.LastAppliedOp = op
	return n
}

// WithNextIDs returns a new State with the dense ID counters advanced.
func (s *State) WithNextIDs(tenant TenantID, stream StreamID, table TableID) *State {
	var n = s.clone()
	n.NextTenantID, n.NextStreamID, n.NextTableID = tenant, stream, table
	return n
}

// Stream looks up a stream's metadata by ID.
func (s *State) Stream(id StreamID) (StreamMeta, bool) {
	var e, ok = s.streams.Get(streamEntry{id: id})
	return e.meta, ok
}

// StreamByName looks up a stream's metadata by (tenant, name), scanning in
// ID order. Streams are expected to number in the thousands per tenant, not
// millions, so a linear scan bounded by ordered iteration is acceptable and
// keeps the kernel free of a second, separately-maintained index.
func (s *State) StreamByName(tenant TenantID, name string) (StreamMeta, bool) {
	var found StreamMeta
	var ok bool
	s.streams.Ascend(func(e streamEntry) bool {
		if e.meta.Tenant == tenant && e.meta.Name == name && !e.meta.Dropped {
			found, ok = e.meta, true
			return false
		}
		return true
	})
	return found, ok
}

// Table looks up a table's metadata by ID.
func (s *State) Table(id TableID) (TableMeta, bool) {
	var e, ok = s.tables.Get(tableEntry{id: id})
	return e.meta, ok
}

// TableByName looks up a table's metadata by (tenant, name).
func (s *State) TableByName(tenant TenantID, name string) (TableMeta, bool) {
	var found TableMeta
	var ok bool
	s.tables.Ascend(func(e tableEntry) bool {
		if e.meta.Tenant == tenant && e.meta.Name == name && !e.meta.Dropped {
			found, ok = e.meta, true
			return false
		}
		return true
	})
	return found, ok
}

// Tenant looks up a tenant's metadata by ID.
func (s *State) Tenant(id TenantID) (TenantMeta, bool) {
	var e, ok = s.tenants.Get(tenantEntry{id: id})
	return e.meta, ok
}

// RoleBinding returns the roles held by principal within tenant.
func (s *State) RoleBinding(tenant TenantID, principal string) (RoleBinding, bool) {
	var e, ok = s.roleBindings.Get(roleBindingEntry{key: RoleBindingKey{Tenant: tenant, Principal: principal}})
	return e.binding, ok
}

// HasRole reports whether principal holds role within tenant.
func (s *State) HasRole(tenant TenantID, principal string, role Role) bool {
	var b, ok = s.RoleBinding(tenant, principal)
	return ok && b.Roles[role]
}

// Consent looks up a consent record by its key.
func (s *State) Consent(key ConsentKey) (ConsentRecord, bool) {
	var e, ok = s.consent.Get(consentEntry{key: key})
	return e.record, ok
}

// Erasure looks up an erasure marker by its key.
func (s *State) Erasure(key ErasureKey) (ErasureMarker, bool) {
	var e, ok = s.erasure.Get(erasureEntry{key: key})
	return e.marker, ok
}

// Dedup looks up the cached result of a client's most recent request.
func (s *State) Dedup(client ClientID) (DedupEntry, bool) {
	var e, ok = s.dedup.Get(dedupEntry{client: client})
	return e.entry, ok
}

// WalkStreams visits every non-dropped stream in ascending StreamID order.
func (s *State) WalkStreams(fn func(StreamMeta) bool) {
	s.streams.Ascend(func(e streamEntry) bool {
		if e.meta.Dropped {
			return true
		}
		return fn(e.meta)
	})
}

// WalkTables visits every non-dropped table in ascending TableID order.
func (s *State) WalkTables(fn func(TableMeta) bool) {
	s.tables.Ascend(func(e tableEntry) bool {
		if e.meta.Dropped {
			return true
		}
		return fn(e.meta)
	})
}
