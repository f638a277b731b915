package vopr

import "context"

// Minimize greedily shrinks a failing scenario's knobs while the violation
// keeps reproducing: each pass tries halving the drop probability, the
// duplicate probability and the reorder jitter, and removing one replica
// (down to 3), keeping every candidate that still fails, until a full pass
// changes nothing. Unlike bisect.go (which shrinks the event-count
// prefix), this shrinks the scenario's *inputs*, the knobs a human reads
// off a repro command line. It does not change ByzantineProbability and
// does not remove individual events from the run.
func Minimize(ctx context.Context, cfg ScenarioConfig) (ScenarioConfig, *InvariantResult, error) {
	var current = cfg
	var lastViolation *InvariantResult

	var knobs = []func(*ScenarioConfig) bool{
		shrinkDropProbability,
		shrinkDuplicateProbability,
		shrinkReorderJitter,
		shrinkReplicaCount,
	}

	for changed := true; changed; {
		changed = false
		for _, knob := range knobs {
			var candidate = current
			if !knob(&candidate) {
				continue
			}
			var sim, err = NewSimulation(candidate)
			if err != nil {
				continue
			}
			var violation, runErr = sim.Run(ctx)
			sim.Close()
			if runErr != nil {
				continue
			}
			if violation != nil {
				current = candidate
				lastViolation = violation
				changed = true
			}
		}
	}
	return current, lastViolation, nil
}

func shrinkDropProbability(cfg *ScenarioConfig) bool {
	if cfg.NetworkFault.DropProbability <= 0 {
		return false
	}
	cfg.NetworkFault.DropProbability /= 2
	return true
}

func shrinkDuplicateProbability(cfg *ScenarioConfig) bool {
	if cfg.NetworkFault.DuplicateProbability <= 0 {
		return false
	}
	cfg.NetworkFault.DuplicateProbability /= 2
	return true
}

func shrinkReorderJitter(cfg *ScenarioConfig) bool {
	if cfg.NetworkFault.ReorderJitter <= 1 {
		return false
	}
	cfg.NetworkFault.ReorderJitter /= 2
	return true
}

func shrinkReplicaCount(cfg *ScenarioConfig) bool {
	// A VSR cluster needs at least 3 replicas for a view change to mean
	// anything (f=1 requires n>=3); shrinking below that changes the
	// protocol being tested, not just its scale.
	if cfg.ReplicaCount <= 3 {
		return false
	}
	cfg.ReplicaCount--
	return true
}
