package vopr

import "context"

// BisectResult is the outcome of narrowing a failing scenario down to the
// smallest event-count prefix that still reproduces the violation (spec
// §6: "`vopr bisect` binary-searches the event prefix... leveraging cheap
// re-derivation from a seed rather than true checkpoint/restore").
type BisectResult struct {
	MinEvents int
	Violation InvariantResult
}

// Bisect finds the smallest n such that running cfg for exactly n events
// (via Simulation.RunUpTo) reproduces a violation, given that running cfg
// unbounded is already known to fail. It assumes monotonicity: if a
// violation occurs within n events, it also occurs within any m > n (true
// here since neither the event queue nor the kernel state is ever reset
// mid-run, and replica/message state is additive, not self-healing, until
// the offending fault is fixed).
func Bisect(ctx context.Context, cfg ScenarioConfig) (*BisectResult, error) {
	var total, violation, err = countEventsUntilViolation(ctx, cfg, -1)
	if err != nil {
		return nil, err
	}
	if violation == nil {
		return nil, nil
	}

	var lo, hi = 1, total
	for lo < hi {
		var mid = lo + (hi-lo)/2
		var _, v, runErr = countEventsUntilViolation(ctx, cfg, mid)
		if runErr != nil {
			return nil, runErr
		}
		if v != nil {
			hi = mid
		} else {
			lo = mid + 1
		}
	}

	var _, finalViolation, finalErr = countEventsUntilViolation(ctx, cfg, lo)
	if finalErr != nil {
		return nil, finalErr
	}
	return &BisectResult{MinEvents: lo, Violation: *finalViolation}, nil
}

// countEventsUntilViolation runs a fresh simulation from cfg, bounded by
// maxEvents (or unbounded if negative), and reports how many events were
// actually delivered along with the violation, if any.
func countEventsUntilViolation(ctx context.Context, cfg ScenarioConfig, maxEvents int) (int, *InvariantResult, error) {
	var sim, err = NewSimulation(cfg)
	if err != nil {
		return 0, nil, err
	}
	defer sim.Close()

	var violation, runErr = sim.RunUpTo(ctx, maxEvents)
	if runErr != nil {
		return 0, nil, runErr
	}
	return sim.eventsDelivered, violation, nil
}
