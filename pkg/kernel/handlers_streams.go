package kernel

// applyCreateStream assigns the next dense StreamID and records the stream.
func applyCreateStream(state *State, c CreateStream) (*State, Effects, error) {
	if _, ok := state.Tenant(c.Tenant); !ok {
		return state, nil, errTenantNotFound(c.Tenant)
	}
	requiref(c.Name != "", "CreateStream.Name must be non-empty")

	if _, ok := state.StreamByName(c.Tenant, c.Name); ok {
		return state, nil, errStreamAlreadyExists(c.Tenant, c.Name)
	}

	var id = state.NextStreamID
	var meta = StreamMeta{ID: id, Tenant: c.Tenant, Name: c.Name, Class: c.Class, NextOffset: 0}
	var next = state.WithStream(meta)
	next = next.WithNextIDs(next.NextTenantID, id+1, next.NextTableID)

	ensuref(func() bool { _, ok := next.Stream(id); return ok }(), "stream %s missing after creation", id)

	var effects = Effects{
		MetadataWrite{Key: "stream/" + id.String(), Value: []byte(c.Name)},
		AuditRecord{Tenant: c.Tenant, Kind: "stream_created", Context: map[string]string{
			"stream": id.String(), "name": c.Name, "class": c.Class.String(),
		}},
	}
	return next, effects, nil
}

// applyDropStream tombstones a stream. Dropped streams reject further
// appends but remain resolvable for historical reads.
func applyDropStream(state *State, c DropStream) (*State, Effects, error) {
	var meta, ok = state.Stream(c.Stream)
	if !ok {
		return state, nil, errStreamNotFound(c.Stream)
	}
	meta.Dropped = true
	var next = state.WithStream(meta)

	ensuref(func() bool { m, _ := next.Stream(c.Stream); return m.Dropped }(), "stream %s not dropped", c.Stream)

	var effects = Effects{
		AuditRecord{Tenant: meta.Tenant, Kind: "stream_dropped", Context: map[string]string{"stream": c.Stream.String()}},
	}
	return next, effects, nil
}

// applyAppendBatch assigns contiguous offsets to Events and emits the
// corresponding StorageAppend effect. Optimistic concurrency: if
// ExpectOffset is set and doesn't match the stream's current NextOffset,
// the append is rejected with OffsetMismatch before any state changes.
func applyAppendBatch(state *State, c AppendBatch) (*State, Effects, error) {
	var meta, ok = state.Stream(c.Stream)
	if !ok {
		return state, nil, errStreamNotFound(c.Stream)
	}
	if meta.Dropped {
		return state, nil, errStreamNotFound(c.Stream)
	}
	if len(c.Events) == 0 {
		return state, nil, errInvalidInput("AppendBatch must carry at least one event")
	}
	if c.ExpectOffset != nil && *c.ExpectOffset != meta.NextOffset {
		return state, nil, errOffsetMismatch(c.Stream, *c.ExpectOffset, meta.NextOffset)
	}

	var firstOffset = meta.NextOffset
	requiref(firstOffset <= firstOffset+Offset(len(c.Events)), "offset counter overflow on stream %s", c.Stream)

	meta.NextOffset = firstOffset + Offset(len(c.Events))
	var next = state.WithStream(meta)

	ensuref(func() bool { m, _ := next.Stream(c.Stream); return m.NextOffset == firstOffset+Offset(len(c.Events)) }(),
		"stream %s NextOffset did not advance by %d", c.Stream, len(c.Events))

	var effects = Effects{
		StorageAppend{Stream: c.Stream, Events: c.Events, FirstOffset: firstOffset},
	}
	if meta.Class == StreamClassProjectionFeed {
		var rows = make([]ProjectionRow, len(c.Events))
		for i, ev := range c.Events {
			rows[i] = ProjectionRow{Key: nil, Value: ev, Offset: firstOffset + Offset(i)}
		}
		effects = append(effects, ProjectionNotify{Table: TableID(c.Stream), Rows: rows})
	}
	return next, effects, nil
}

// applyCreateTable assigns the next dense TableID and records the table.
func applyCreateTable(state *State, c CreateTable) (*State, Effects, error) {
	if _, ok := state.Tenant(c.Tenant); !ok {
		return state, nil, errTenantNotFound(c.Tenant)
	}
	requiref(c.Name != "", "CreateTable.Name must be non-empty")
	if c.Schema == "" {
		return state, nil, errInvalidSchema("CreateTable.Schema must be non-empty")
	}

	if _, ok := state.TableByName(c.Tenant, c.Name); ok {
		return state, nil, errTableAlreadyExists(c.Tenant, c.Name)
	}

	var id = state.NextTableID
	var meta = TableMeta{ID: id, Tenant: c.Tenant, Name: c.Name, Schema: c.Schema}
	var next = state.WithTable(meta)
	next = next.WithNextIDs(next.NextTenantID, next.NextStreamID, id+1)

	ensuref(func() bool { _, ok := next.Table(id); return ok }(), "table %s missing after creation", id)

	var effects = Effects{
		MetadataWrite{Key: "table/" + id.String(), Value: []byte(c.Name)},
		AuditRecord{Tenant: c.Tenant, Kind: "table_created", Context: map[string]string{
			"table": id.String(), "name": c.Name,
		}},
	}
	return next, effects, nil
}

// applyDropTable tombstones a table.
func applyDropTable(state *State, c DropTable) (*State, Effects, error) {
	var meta, ok = state.Table(c.Table)
	if !ok {
		return state, nil, errTableNotFound(c.Table)
	}
	meta.Dropped = true
	var next = state.WithTable(meta)

	var effects = Effects{
		AuditRecord{Tenant: meta.Tenant, Kind: "table_dropped", Context: map[string]string{"table": c.Table.String()}},
	}
	return next, effects, nil
}
