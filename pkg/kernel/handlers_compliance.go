package kernel

// applyRecordConsent records that a data subject has granted consent for a
// category. Blocked while the subject has a pending (un-repaired) erasure
// marker: an erased subject cannot re-consent until repair completes.
func applyRecordConsent(state *State, c RecordConsent) (*State, Effects, error) {
	if _, ok := state.Tenant(c.Tenant); !ok {
		return state, nil, errTenantNotFound(c.Tenant)
	}
	if m, ok := state.Erasure(ErasureKey{Tenant: c.Tenant, Subject: c.Subject}); ok && !m.Repaired {
		return state, nil, errErasurePending(c.Tenant, c.Subject)
	}

	var record = ConsentRecord{
		ConsentKey: ConsentKey{Tenant: c.Tenant, Subject: c.Subject, Category: c.Category},
		Granted:    true,
		AsOfNanos:  c.AsOfNanos,
	}
	var next = state.WithConsent(record)

	var effects = Effects{
		AuditRecord{Tenant: c.Tenant, Kind: "consent_recorded", Context: map[string]string{
			"subject": c.Subject, "category": c.Category,
		}},
	}
	return next, effects, nil
}

// applyRevokeConsent revokes a previously granted consent. Revoking a
// consent that was never granted still records the revocation (so that a
// later ConsentMissing check has an explicit record to find), rather than
// erroring.
func applyRevokeConsent(state *State, c RevokeConsent) (*State, Effects, error) {
	if _, ok := state.Tenant(c.Tenant); !ok {
		return state, nil, errTenantNotFound(c.Tenant)
	}

	var record = ConsentRecord{
		ConsentKey: ConsentKey{Tenant: c.Tenant, Subject: c.Subject, Category: c.Category},
		Granted:    false,
	}
	var next = state.WithConsent(record)

	var effects = Effects{
		AuditRecord{Tenant: c.Tenant, Kind: "consent_revoked", Context: map[string]string{
			"subject": c.Subject, "category": c.Category,
		}},
	}
	return next, effects, nil
}

// applyRequestErasure records an erasure marker for a data subject. The
// subject must have at least one consent record on file (we must know who
// they are to erase them); otherwise ConsentMissing. Application of the
// tombstone to remote peers is deferred to repair (spec §9 open questions).
func applyRequestErasure(state *State, c RequestErasure) (*State, Effects, error) {
	if _, ok := state.Tenant(c.Tenant); !ok {
		return state, nil, errTenantNotFound(c.Tenant)
	}
	if !hasAnyConsentRecord(state, c.Tenant, c.Subject) {
		return state, nil, errConsentMissing(c.Tenant, c.Subject, "*")
	}

	var meta, ok = state.Stream(c.Stream)
	if !ok {
		return state, nil, errStreamNotFound(c.Stream)
	}

	var marker = ErasureMarker{
		ErasureKey:        ErasureKey{Tenant: c.Tenant, Subject: c.Subject},
		RequestedAtOffset: meta.NextOffset,
		Repaired:          false,
	}
	var next = state.WithErasureMarker(marker)

	ensuref(func() bool {
		m, ok := next.Erasure(marker.ErasureKey)
		return ok && !m.Repaired
	}(), "erasure marker for subject %s not recorded as pending", c.Subject)

	var effects = Effects{
		AuditRecord{Tenant: c.Tenant, Kind: "erasure_requested", Context: map[string]string{
			"subject": c.Subject, "stream": c.Stream.String(),
		}},
	}
	return next, effects, nil
}

func hasAnyConsentRecord(state *State, tenant TenantID, subject string) bool {
	var found bool
	state.consent.Ascend(func(e consentEntry) bool {
		if e.key.Tenant == tenant && e.key.Subject == subject {
			found = true
			return false
		}
		return true
	})
	return found
}

// applyAckErasureRepaired marks a pending erasure as fully applied, once the
// replication layer has propagated the tombstone to every replica.
func applyAckErasureRepaired(state *State, c AckErasureRepaired) (*State, Effects, error) {
	if _, ok := state.Tenant(c.Tenant); !ok {
		return state, nil, errTenantNotFound(c.Tenant)
	}
	var key = ErasureKey{Tenant: c.Tenant, Subject: c.Subject}
	var marker, ok = state.Erasure(key)
	if !ok {
		return state, nil, errInvalidInput("no pending erasure marker for subject " + c.Subject)
	}
	marker.Repaired = true
	var next = state.WithErasureMarker(marker)

	var effects = Effects{
		AuditRecord{Tenant: c.Tenant, Kind: "erasure_repaired", Context: map[string]string{"subject": c.Subject}},
	}
	return next, effects, nil
}
