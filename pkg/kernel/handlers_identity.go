package kernel

// applyCreateTenant assigns the next dense TenantID and records the tenant.
func applyCreateTenant(state *State, c CreateTenant) (*State, Effects, error) {
	requiref(c.Name != "", "CreateTenant.Name must be non-empty")

	if _, ok := findTenantByName(state, c.Name); ok {
		return state, nil, errTenantAlreadyExists(c.Name)
	}

	var id = state.NextTenantID
	var next = state.WithTenant(TenantMeta{ID: id, Name: c.Name})
	next = next.WithNextIDs(id+1, next.NextStreamID, next.NextTableID)

	ensuref(func() bool { _, ok := next.Tenant(id); return ok }(), "tenant %s missing after creation", id)

	var effects = Effects{
		MetadataWrite{Key: "tenant/" + id.String(), Value: []byte(c.Name)},
		AuditRecord{Tenant: id, Kind: "tenant_created", Context: map[string]string{"name": c.Name}},
	}
	return next, effects, nil
}

func findTenantByName(state *State, name string) (TenantMeta, bool) {
	var found TenantMeta
	var ok bool
	state.tenants.Ascend(func(e tenantEntry) bool {
		if e.meta.Name == name {
			found, ok = e.meta, true
			return false
		}
		return true
	})
	return found, ok
}

// applyGrantRole grants role to principal within tenant.
func applyGrantRole(state *State, c GrantRole) (*State, Effects, error) {
	if _, ok := state.Tenant(c.Tenant); !ok {
		return state, nil, errTenantNotFound(c.Tenant)
	}
	requiref(c.Principal != "", "GrantRole.Principal must be non-empty")

	var binding, _ = state.RoleBinding(c.Tenant, c.Principal)
	binding.RoleBindingKey = RoleBindingKey{Tenant: c.Tenant, Principal: c.Principal}
	if binding.Roles == nil {
		binding.Roles = make(map[Role]bool, 1)
	} else {
		var copied = make(map[Role]bool, len(binding.Roles)+1)
		for k, v := range binding.Roles {
			copied[k] = v
		}
		binding.Roles = copied
	}
	binding.Roles[c.Role] = true

	var next = state.WithRoleBinding(binding)
	ensuref(next.HasRole(c.Tenant, c.Principal, c.Role), "role %s not granted to %s", c.Role, c.Principal)

	var effects = Effects{
		AuditRecord{Tenant: c.Tenant, Kind: "role_granted", Context: map[string]string{
			"principal": c.Principal, "role": c.Role.String(),
		}},
	}
	return next, effects, nil
}

// applyRevokeRole revokes role from principal within tenant.
func applyRevokeRole(state *State, c RevokeRole) (*State, Effects, error) {
	if _, ok := state.Tenant(c.Tenant); !ok {
		return state, nil, errTenantNotFound(c.Tenant)
	}

	var binding, ok = state.RoleBinding(c.Tenant, c.Principal)
	if !ok || !binding.Roles[c.Role] {
		// Revoking a role the principal never held is a no-op, not an error:
		// RevokeRole is idempotent by construction.
		return state, Effects{
			AuditRecord{Tenant: c.Tenant, Kind: "role_revoke_noop", Context: map[string]string{
				"principal": c.Principal, "role": c.Role.String(),
			}},
		}, nil
	}

	var copied = make(map[Role]bool, len(binding.Roles))
	for k, v := range binding.Roles {
		copied[k] = v
	}
	delete(copied, c.Role)
	binding.Roles = copied

	var next = state.WithRoleBinding(binding)
	ensuref(!next.HasRole(c.Tenant, c.Principal, c.Role), "role %s still held by %s", c.Role, c.Principal)

	var effects = Effects{
		AuditRecord{Tenant: c.Tenant, Kind: "role_revoked", Context: map[string]string{
			"principal": c.Principal, "role": c.Role.String(),
		}},
	}
	return next, effects, nil
}

// applyRegisterClient is a no-op at the handler level: Apply's dedup
// wrapper already records the (client, request_number) entry for every
// command carrying a non-zero Client, which is this command's entire
// purpose.
func applyRegisterClient(state *State, _ RegisterClient) (*State, Effects, error) {
	return state, nil, nil
}
