package vopr

import (
	"github.com/kimberlitedb/kimberlite/pkg/vsr"
)

// ByzantineMutation names one way an outbound message can be tampered
// with before delivery (spec §4.4: "a Byzantine mutator catalog: inflated
// commit, equivocation, checksum fiddle, replayed view, oversized
// StartView, invalid metadata").
type ByzantineMutation int

const (
	MutateNone ByzantineMutation = iota
	MutateInflatedCommit
	MutateEquivocation
	MutateChecksumFiddle
	MutateReplayedView
	MutateOversizedStartView
	MutateInvalidMetadata
)

func (m ByzantineMutation) String() string {
	switch m {
	case MutateInflatedCommit:
		return "inflated_commit"
	case MutateEquivocation:
		return "equivocation"
	case MutateChecksumFiddle:
		return "checksum_fiddle"
	case MutateReplayedView:
		return "replayed_view"
	case MutateOversizedStartView:
		return "oversized_start_view"
	case MutateInvalidMetadata:
		return "invalid_metadata"
	default:
		return "none"
	}
}

// ByzantineMutator applies a catalog of adversarial transformations to
// messages in flight, modeling a compromised or buggy peer rather than a
// merely unreliable network. Every replica is expected to reject these
// outright (bad MAC or an invariant it refuses to act on) rather than
// silently misbehave -- that rejection is itself what the simulation is
// checking for.
type ByzantineMutator struct {
	rng        *RNG
	probability float64
	lastView   map[vsr.ReplicaID]vsr.Message
}

// NewByzantineMutator builds a mutator that, with the given per-message
// probability, replaces an outbound message with a mutated variant drawn
// from the catalog.
func NewByzantineMutator(rng *RNG, probability float64) *ByzantineMutator {
	return &ByzantineMutator{rng: rng, probability: probability, lastView: make(map[vsr.ReplicaID]vsr.Message)}
}

// Apply returns msg unchanged, or a mutated copy, deciding which mutation
// to apply (if any) via the mutator's RNG so the choice stays replayable
// under a fixed seed.
func (b *ByzantineMutator) Apply(msg vsr.Message) (vsr.Message, ByzantineMutation) {
	var prior, hasPrior = b.lastView[msg.Sender]
	b.lastView[msg.Sender] = msg
	if !b.rng.Bool(b.probability) {
		return msg, MutateNone
	}
	switch b.rng.Intn(6) {
	case 0:
		var m = msg
		m.Commit = m.Commit + vsr.OpNumber(1+b.rng.Intn(1000))
		return m, MutateInflatedCommit
	case 1:
		var m = msg
		m.MAC[0] ^= 0xFF
		return m, MutateEquivocation
	case 2:
		var m = msg
		m.MAC[len(m.MAC)-1] ^= 0x01
		return m, MutateChecksumFiddle
	case 3:
		if hasPrior {
			return prior, MutateReplayedView
		}
		return msg, MutateNone
	case 4:
		var m = msg
		m.View = m.View + vsr.View(1000+b.rng.Intn(1000))
		return m, MutateOversizedStartView
	default:
		var m = msg
		m.Op = m.Op + vsr.OpNumber(1+b.rng.Intn(1000))
		return m, MutateInvalidMetadata
	}
}
