package kernel

// CommandKind discriminates the concrete type of a Command without a type
// assertion, so callers (and VOPR's workload generator) can switch on it.
type CommandKind int

const (
	KindCreateStream CommandKind = iota
	KindDropStream
	KindAppendBatch
	KindCreateTable
	KindDropTable
	KindCreateTenant
	KindGrantRole
	KindRevokeRole
	KindRecordConsent
	KindRevokeConsent
	KindRequestErasure
	KindAckErasureRepaired
	KindRegisterClient
)

// Header carries the identifiers needed for request de-duplication (spec
// §4.3: dedup by (client_id, request_number)). Every concrete Command holds
// one as its H field.
type Header struct {
	Client        ClientID
	RequestNumber RequestNumber
}

// Command is the sealed set of kernel inputs. Every concrete command type
// in this package implements it; apply.go's handler dispatch is exhaustive
// over CommandKind.
type Command interface {
	Kind() CommandKind
	Header() Header
}

// CreateStream creates a new stream owned by a tenant.
type CreateStream struct {
	H      Header
	Tenant TenantID
	Name   string
	Class  StreamClass
}

func (CreateStream) Kind() CommandKind { return KindCreateStream }
func (c CreateStream) Header() Header  { return c.H }

// DropStream tombstones a stream; it may no longer be appended to.
type DropStream struct {
	H      Header
	Stream StreamID
}

func (DropStream) Kind() CommandKind { return KindDropStream }
func (c DropStream) Header() Header  { return c.H }

// AppendBatch appends one or more events to a stream. ExpectOffset, if
// non-nil, implements optimistic concurrency: the append is rejected with
// OffsetMismatch unless the stream's current NextOffset equals it.
type AppendBatch struct {
	H              Header
	Stream         StreamID
	Events         [][]byte
	ExpectOffset   *Offset
	TimestampNanos int64
}

func (AppendBatch) Kind() CommandKind { return KindAppendBatch }
func (c AppendBatch) Header() Header  { return c.H }

// CreateTable creates a new table owned by a tenant.
type CreateTable struct {
	H      Header
	Tenant TenantID
	Name   string
	Schema string
}

func (CreateTable) Kind() CommandKind { return KindCreateTable }
func (c CreateTable) Header() Header  { return c.H }

// DropTable tombstones a table.
type DropTable struct {
	H     Header
	Table TableID
}

func (DropTable) Kind() CommandKind { return KindDropTable }
func (c DropTable) Header() Header  { return c.H }

// CreateTenant creates a new tenant.
type CreateTenant struct {
	H    Header
	Name string
}

func (CreateTenant) Kind() CommandKind { return KindCreateTenant }
func (c CreateTenant) Header() Header  { return c.H }

// GrantRole grants a role to a principal within a tenant.
type GrantRole struct {
	H         Header
	Tenant    TenantID
	Principal string
	Role      Role
}

func (GrantRole) Kind() CommandKind { return KindGrantRole }
func (c GrantRole) Header() Header  { return c.H }

// RevokeRole revokes a role from a principal within a tenant.
type RevokeRole struct {
	H         Header
	Tenant    TenantID
	Principal string
	Role      Role
}

func (RevokeRole) Kind() CommandKind { return KindRevokeRole }
func (c RevokeRole) Header() Header  { return c.H }

// RecordConsent records that a data subject has granted consent for a category.
type RecordConsent struct {
	H         Header
	Tenant    TenantID
	Subject   string
	Category  string
	AsOfNanos int64
}

func (RecordConsent) Kind() CommandKind { return KindRecordConsent }
func (c RecordConsent) Header() Header  { return c.H }

// RevokeConsent revokes a previously granted consent.
type RevokeConsent struct {
	H        Header
	Tenant   TenantID
	Subject  string
	Category string
}

func (RevokeConsent) Kind() CommandKind { return KindRevokeConsent }
func (c RevokeConsent) Header() Header  { return c.H }

// RequestErasure records an erasure marker for a data subject. Application
// of the tombstone to remote peers is a repair-time concern (spec §9 open
// questions); the kernel only ever records that erasure was requested.
type RequestErasure struct {
	H       Header
	Tenant  TenantID
	Subject string
	Stream  StreamID
}

func (RequestErasure) Kind() CommandKind { return KindRequestErasure }
func (c RequestErasure) Header() Header  { return c.H }

// AckErasureRepaired marks a previously requested erasure as fully applied.
type AckErasureRepaired struct {
	H       Header
	Tenant  TenantID
	Subject string
}

func (AckErasureRepaired) Kind() CommandKind { return KindAckErasureRepaired }
func (c AckErasureRepaired) Header() Header  { return c.H }

// RegisterClient establishes a client identity's de-duplication entry.
// It is idempotent and typically issued once, lazily, on a client's first
// request.
type RegisterClient struct {
	H Header
}

func (RegisterClient) Kind() CommandKind { return KindRegisterClient }
func (c RegisterClient) Header() Header  { return c.H }
