package vopr

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kimberlitedb/kimberlite/pkg/vsr"
)

// TimelineEntry is one observed message delivery, as recorded by a
// Simulation with recording enabled (spec §6: "a textual ASCII-Gantt
// timeline renderer for `vopr timeline`" -- deliberately textual only,
// per spec's Non-goals excluding a graphical UI).
type TimelineEntry struct {
	Time VirtualTime
	From vsr.ReplicaID
	To   vsr.ReplicaID
	Kind vsr.MessageKind
}

// TimelineRecorder buffers TimelineEntry values for later rendering. A
// Simulation only populates one when EnableTimeline has been called,
// since retaining every delivery for the lifetime of a long run would
// otherwise grow unbounded.
type TimelineRecorder struct {
	entries []TimelineEntry
}

func (t *TimelineRecorder) record(e TimelineEntry) {
	t.entries = append(t.entries, e)
}

// EnableTimeline turns on delivery recording for sim and returns the
// recorder that will accumulate entries as the run proceeds.
func (sim *Simulation) EnableTimeline() *TimelineRecorder {
	var rec = &TimelineRecorder{}
	sim.network.recorder = rec
	return rec
}

// Render draws entries as a compact ASCII chart: one row per recorded
// delivery in virtual-time order, one column per replica, with the message
// kind's first letter marking the receiving replica's column.
func (t *TimelineRecorder) Render(replicaIDs []vsr.ReplicaID) string {
	var sorted = append([]TimelineEntry(nil), t.entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })

	var ids = append([]vsr.ReplicaID(nil), replicaIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var col = make(map[vsr.ReplicaID]int, len(ids))
	for i, id := range ids {
		col[id] = i
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-10s", "time")
	for _, id := range ids {
		fmt.Fprintf(&b, " r%-3d", id)
	}
	b.WriteByte('\n')

	for _, e := range sorted {
		var row = make([]string, len(ids))
		for i := range row {
			row[i] = "  . "
		}
		if i, ok := col[e.To]; ok {
			row[i] = fmt.Sprintf("  %c ", e.Kind.String()[0])
		}
		fmt.Fprintf(&b, "%-10d", e.Time)
		for _, cell := range row {
			b.WriteString(cell)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
