package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustCreateTenant(t *testing.T, state *State, name string) (*State, TenantID) {
	t.Helper()
	var next, effects, err = Apply(state, CreateTenant{Name: name})
	require.NoError(t, err)
	require.Len(t, effects, 2)
	var tenant TenantID
	for i := TenantID(0); i < 1<<16; i++ {
		if m, ok := next.Tenant(i); ok && m.Name == name {
			tenant = i
			break
		}
	}
	return next, tenant
}

func TestCreateStreamAndAppend(t *testing.T) {
	var state = NewState()
	var tenant TenantID
	state, tenant = mustCreateTenant(t, state, "acme")

	var next, effects, err = Apply(state, CreateStream{Tenant: tenant, Name: "orders", Class: StreamClassStandard})
	require.NoError(t, err)
	require.Len(t, effects, 2)
	state = next

	var meta, ok = state.StreamByName(tenant, "orders")
	require.True(t, ok)
	require.Equal(t, Offset(0), meta.NextOffset)

	next, effects, err = Apply(state, AppendBatch{
		Stream: meta.ID,
		Events: [][]byte{[]byte("e1"), []byte("e2"), []byte("e3")},
	})
	require.NoError(t, err)
	require.Len(t, effects, 1)
	state = next

	var append0 = effects[0].(StorageAppend)
	require.Equal(t, Offset(0), append0.FirstOffset)
	require.Len(t, append0.Events, 3)

	meta, _ = state.Stream(meta.ID)
	require.Equal(t, Offset(3), meta.NextOffset)
}

func TestAppendBatchRejectsEmptyEvents(t *testing.T) {
	var state = NewState()
	var tenant TenantID
	state, tenant = mustCreateTenant(t, state, "acme")

	var next, _, err = Apply(state, CreateStream{Tenant: tenant, Name: "orders", Class: StreamClassStandard})
	require.NoError(t, err)
	var meta, _ = next.StreamByName(tenant, "orders")

	_, _, err = Apply(next, AppendBatch{Stream: meta.ID, Events: nil})
	require.Error(t, err)
	var kerr, ok = err.(*KernelError)
	require.True(t, ok)
	require.Equal(t, ErrInvalidInput, kerr.Kind)
}

func TestAppendBatchOffsetMismatch(t *testing.T) {
	var state = NewState()
	var tenant TenantID
	state, tenant = mustCreateTenant(t, state, "acme")

	var next, _, err = Apply(state, CreateStream{Tenant: tenant, Name: "orders", Class: StreamClassStandard})
	require.NoError(t, err)
	var meta, _ = next.StreamByName(tenant, "orders")
	state = next

	var wrong = Offset(5)
	_, _, err = Apply(state, AppendBatch{Stream: meta.ID, Events: [][]byte{[]byte("e1")}, ExpectOffset: &wrong})
	require.Error(t, err)
	var kerr = err.(*KernelError)
	require.Equal(t, ErrOffsetMismatch, kerr.Kind)
	require.Equal(t, Offset(0), kerr.Context["actual"])
}

func TestAppendBatchToUnknownStreamFails(t *testing.T) {
	var state = NewState()
	var _, _, err = Apply(state, AppendBatch{Stream: 999, Events: [][]byte{[]byte("e1")}})
	require.Error(t, err)
	require.Equal(t, ErrStreamNotFound, err.(*KernelError).Kind)
}

func TestCreateStreamDuplicateNameRejected(t *testing.T) {
	var state = NewState()
	var tenant TenantID
	state, tenant = mustCreateTenant(t, state, "acme")

	var next, _, err = Apply(state, CreateStream{Tenant: tenant, Name: "orders", Class: StreamClassStandard})
	require.NoError(t, err)

	_, _, err = Apply(next, CreateStream{Tenant: tenant, Name: "orders", Class: StreamClassStandard})
	require.Error(t, err)
	require.Equal(t, ErrStreamAlreadyExists, err.(*KernelError).Kind)
}

func TestApplyIsDeterministic(t *testing.T) {
	var state = NewState()
	var tenant TenantID
	state, tenant = mustCreateTenant(t, state, "acme")
	var next1, _, _ = Apply(state, CreateStream{Tenant: tenant, Name: "orders", Class: StreamClassStandard})
	var next2, _, _ = Apply(state, CreateStream{Tenant: tenant, Name: "orders", Class: StreamClassStandard})

	var m1, _ = next1.StreamByName(tenant, "orders")
	var m2, _ = next2.StreamByName(tenant, "orders")
	require.Equal(t, m1, m2)
}

func TestDuplicateClientRequestReturnsCachedResponse(t *testing.T) {
	var state = NewState()
	var tenant TenantID
	state, tenant = mustCreateTenant(t, state, "acme")

	var cmd = CreateStream{H: Header{Client: 7, RequestNumber: 1}, Tenant: tenant, Name: "orders", Class: StreamClassStandard}
	var next1, effects1, err1 = Apply(state, cmd)
	require.NoError(t, err1)

	// Replay the exact same (client, request_number): the cached response
	// is returned verbatim without re-executing, so state is unchanged and
	// effects are identical.
	var next2, effects2, err2 = Apply(next1, cmd)
	require.NoError(t, err2)
	require.Equal(t, effects1, effects2)

	var m1, _ = next1.StreamByName(tenant, "orders")
	var m2, _ = next2.StreamByName(tenant, "orders")
	require.Equal(t, m1, m2)
}

func TestDuplicateOfFailedClientRequestReturnsCachedError(t *testing.T) {
	var state = NewState()
	var tenant TenantID
	state, tenant = mustCreateTenant(t, state, "acme")

	// AppendBatch against a stream nothing ever created: an ordinary
	// rejection, not an invariant violation.
	var cmd = AppendBatch{H: Header{Client: 4, RequestNumber: 1}, Stream: 999, Events: [][]byte{[]byte("e1")}}
	var next1, _, err1 = Apply(state, cmd)
	require.Error(t, err1)
	require.Equal(t, ErrStreamNotFound, err1.(*KernelError).Kind)

	// Replaying the exact same (client, request_number) must return the
	// cached rejection verbatim, not re-execute the command -- the dedup
	// entry for a failed request is recorded on next1 even though next1's
	// visible state is otherwise identical to state.
	var _, _, err2 = Apply(next1, cmd)
	require.Error(t, err2)
	require.Equal(t, err1, err2)
}

func TestStaleClientRequestRejected(t *testing.T) {
	var state = NewState()
	var tenant TenantID
	state, tenant = mustCreateTenant(t, state, "acme")

	var cmd1 = RegisterClient{H: Header{Client: 9, RequestNumber: 5}}
	var next, _, err = Apply(state, cmd1)
	require.NoError(t, err)

	var cmd2 = CreateStream{H: Header{Client: 9, RequestNumber: 2}, Tenant: tenant, Name: "stale", Class: StreamClassStandard}
	_, _, err = Apply(next, cmd2)
	require.Error(t, err)
	require.Equal(t, ErrDuplicateRequest, err.(*KernelError).Kind)
}

func TestApplyBatchStopsOnFirstErrorWithNoPartialState(t *testing.T) {
	var state = NewState()
	var tenant TenantID
	state, tenant = mustCreateTenant(t, state, "acme")

	var commands = []Command{
		CreateStream{Tenant: tenant, Name: "orders", Class: StreamClassStandard},
		CreateStream{Tenant: 999, Name: "bad", Class: StreamClassStandard}, // unknown tenant
	}
	var next, effects, err = ApplyBatch(state, commands)
	require.Error(t, err)
	require.Nil(t, effects)
	require.Equal(t, state, next)

	var _, ok = next.StreamByName(tenant, "orders")
	require.False(t, ok, "no partial state: the first command's stream must not have been retained")
}

func TestErasureBlocksConsentUntilRepaired(t *testing.T) {
	var state = NewState()
	var tenant TenantID
	state, tenant = mustCreateTenant(t, state, "acme")

	var next, _, err = Apply(state, RecordConsent{Tenant: tenant, Subject: "alice", Category: "marketing"})
	require.NoError(t, err)
	state = next

	next, _, err = Apply(state, CreateStream{Tenant: tenant, Name: "events", Class: StreamClassStandard})
	require.NoError(t, err)
	var stream, _ = next.StreamByName(tenant, "events")
	state = next

	next, _, err = Apply(state, RequestErasure{Tenant: tenant, Subject: "alice", Stream: stream.ID})
	require.NoError(t, err)
	state = next

	_, _, err = Apply(state, RecordConsent{Tenant: tenant, Subject: "alice", Category: "marketing"})
	require.Error(t, err)
	require.Equal(t, ErrErasurePending, err.(*KernelError).Kind)

	next, _, err = Apply(state, AckErasureRepaired{Tenant: tenant, Subject: "alice"})
	require.NoError(t, err)
	state = next

	_, _, err = Apply(state, RecordConsent{Tenant: tenant, Subject: "alice", Category: "marketing"})
	require.NoError(t, err)
}

func TestRequestErasureRequiresKnownSubject(t *testing.T) {
	var state = NewState()
	var tenant TenantID
	state, tenant = mustCreateTenant(t, state, "acme")

	var next, _, err = Apply(state, CreateStream{Tenant: tenant, Name: "events", Class: StreamClassStandard})
	require.NoError(t, err)
	var stream, _ = next.StreamByName(tenant, "events")

	_, _, err = Apply(next, RequestErasure{Tenant: tenant, Subject: "nobody", Stream: stream.ID})
	require.Error(t, err)
	require.Equal(t, ErrConsentMissing, err.(*KernelError).Kind)
}

func TestGrantAndRevokeRole(t *testing.T) {
	var state = NewState()
	var tenant TenantID
	state, tenant = mustCreateTenant(t, state, "acme")

	var next, _, err = Apply(state, GrantRole{Tenant: tenant, Principal: "bob", Role: RoleAdmin})
	require.NoError(t, err)
	require.True(t, next.HasRole(tenant, "bob", RoleAdmin))
	state = next

	next, _, err = Apply(state, RevokeRole{Tenant: tenant, Principal: "bob", Role: RoleAdmin})
	require.NoError(t, err)
	require.False(t, next.HasRole(tenant, "bob", RoleAdmin))
}

func TestEffectsCanonicalOrder(t *testing.T) {
	var es = Effects{
		AuditRecord{Kind: "x"},
		StorageAppend{Stream: 1},
		ProjectionNotify{Table: 1},
		MetadataWrite{Key: "k"},
	}
	es.Canonicalize()
	require.Equal(t, KindStorageAppend, es[0].Kind())
	require.Equal(t, KindMetadataWrite, es[1].Kind())
	require.Equal(t, KindAuditRecord, es[2].Kind())
	require.Equal(t, KindProjectionNotify, es[3].Kind())
}

func TestReapplyingCommittedLogFromGenesisIsIdentical(t *testing.T) {
	var commands = []Command{
		CreateTenant{Name: "acme"},
	}
	var s1, _, err = ApplyBatch(NewState(), commands)
	require.NoError(t, err)
	var s2, _, err2 = ApplyBatch(NewState(), commands)
	require.NoError(t, err2)

	var t1, _ = findTenantByName(s1, "acme")
	var t2, _ = findTenantByName(s2, "acme")
	require.Equal(t, t1, t2)
}
