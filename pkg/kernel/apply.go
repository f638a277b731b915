package kernel

// Apply is the kernel's single public operation: apply_committed(state,
// command) -> (state', effects). It is deterministic: identical (state,
// command) inputs always yield bit-identical (state', effects) outputs,
// on any platform (spec §4.1).
//
// Apply never panics on a well-typed Command; every reachable failure
// returns a *KernelError. A panic escaping Apply is an InvariantViolation:
// a detected bug in the kernel itself, which the caller (the VSR replica)
// must treat as fatal rather than recover into an ordinary error.
func Apply(state *State, cmd Command) (*State, Effects, error) {
	var hdr = cmd.Header()

	if hdr.Client != 0 {
		if prior, ok := state.Dedup(hdr.Client); ok {
			if hdr.RequestNumber == prior.RequestNumber {
				// Exact replay of the most recent request: return the
				// cached result verbatim without re-executing (spec §8
				// idempotence law).
				if prior.Response.Err != nil {
					return state, nil, prior.Response.Err
				}
				return state, prior.Response.Effects, nil
			} else if hdr.RequestNumber < prior.RequestNumber {
				// A stale replay of an older request we no longer cache.
				var err = errDuplicateRequest(hdr.Client, hdr.RequestNumber)
				return state, nil, err
			}
		}
	}

	var next, effects, err = dispatch(state, cmd)

	if hdr.Client != 0 {
		var result CommandResult
		if err != nil {
			if ke, ok := err.(*KernelError); ok {
				result.Err = ke
			} else {
				result.Err = newErr(ErrInvalidInput, err.Error(), nil)
			}
		} else {
			result.Effects = effects
		}
		next = next.WithDedup(DedupEntry{Client: hdr.Client, RequestNumber: hdr.RequestNumber, Response: result})
	}

	if err != nil {
		// next already carries the dedup entry recorded above (dispatch
		// returns the unmodified input state on every error path, so next
		// differs from state only by that entry); dropping it back to state
		// would mean a resubmitted (client, request number) after a
		// rejected command never finds a cached response and gets
		// re-executed (spec §8 idempotence law covers failed requests too).
		return next, nil, err
	}

	effects.Canonicalize()
	return next, effects, nil
}

// ApplyBatch folds commands left-to-right through Apply. On the first
// error, the original state is returned unmodified: no partial state ever
// escapes ApplyBatch (spec §4.1).
func ApplyBatch(state *State, commands []Command) (*State, Effects, error) {
	var cur = state
	var all Effects
	for _, cmd := range commands {
		var next, effects, err = Apply(cur, cmd)
		if err != nil {
			return state, nil, err
		}
		cur = next
		all = append(all, effects...)
	}
	return cur, all, nil
}

func dispatch(state *State, cmd Command) (*State, Effects, error) {
	switch c := cmd.(type) {
	case CreateStream:
		return applyCreateStream(state, c)
	case DropStream:
		return applyDropStream(state, c)
	case AppendBatch:
		return applyAppendBatch(state, c)
	case CreateTable:
		return applyCreateTable(state, c)
	case DropTable:
		return applyDropTable(state, c)
	case CreateTenant:
		return applyCreateTenant(state, c)
	case GrantRole:
		return applyGrantRole(state, c)
	case RevokeRole:
		return applyRevokeRole(state, c)
	case RecordConsent:
		return applyRecordConsent(state, c)
	case RevokeConsent:
		return applyRevokeConsent(state, c)
	case RequestErasure:
		return applyRequestErasure(state, c)
	case AckErasureRepaired:
		return applyAckErasureRepaired(state, c)
	case RegisterClient:
		return applyRegisterClient(state, c)
	default:
		requiref(false, "unreachable: unhandled command kind %T", cmd)
		panic("unreachable")
	}
}
