// Command kimberlite-vopr drives pkg/vopr's deterministic simulation
// harness from the command line (spec §6's "CLI surface (simulation
// harness): run, repro, show, scenarios, stats, timeline, bisect,
// minimize, dashboard, tui"). Every subcommand prints its own textual
// report; there is deliberately no graphical rendering (spec's Non-goals
// exclude "GUI work").
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/kimberlitedb/kimberlite/internal/mainboilerplate"
	"github.com/kimberlitedb/kimberlite/pkg/vopr"
)

// Exit codes per spec §6.
const (
	exitNoViolation = 0
	exitViolation   = 1
	exitInvalid     = 2
	exitInternal    = 3
)

var Config = new(struct {
	Log mainboilerplate.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

// scenarioFlags is embedded by every subcommand that builds a fresh
// ScenarioConfig from the command line, so --seed/--replicas/etc. read
// identically across run/bisect/minimize/timeline/dashboard.
type scenarioFlags struct {
	Seed             int64   `long:"seed" default:"1" description:"PRNG seed; identical seed plus identical flags always reproduces the same run"`
	Replicas         int     `long:"replicas" default:"3" description:"Cluster size"`
	DeadlineTicks    uint64  `long:"deadline" default:"100000" description:"Virtual-time tick the run stops at if no violation occurs first"`
	BaseDir          string  `long:"base-dir" description:"Root directory for replica storage; defaults to a fresh temp directory"`
	DropProbability  float64 `long:"drop-probability" default:"0" description:"Per-message probability of silent drop"`
	DuplicateProb    float64 `long:"duplicate-probability" default:"0" description:"Per-message probability of duplicate delivery"`
	MinDelay         uint64  `long:"min-delay" default:"1" description:"Minimum virtual-time delivery delay"`
	MaxDelay         uint64  `long:"max-delay" default:"1" description:"Maximum virtual-time delivery delay"`
	ReorderJitter    uint64  `long:"reorder-jitter" default:"0" description:"Extra per-message delay jitter, widening MaxDelay independently so messages can arrive out of send order"`
	ByzantineProb    float64 `long:"byzantine-probability" default:"0" description:"Per-message probability of adversarial mutation (inflated commit, equivocation, checksum fiddle, replayed view, oversized StartView, invalid metadata)"`
	WorkloadProfile  string  `long:"workload" default:"sequential" description:"sequential|hotspot|multi_tenant|bursty|rmw"`
	ClientCount      int     `long:"clients" default:"2" description:"Concurrent simulated clients"`
	TenantCount      int     `long:"tenants" default:"1" description:"Tenants the workload provisions"`
	StreamsPerTenant int     `long:"streams-per-tenant" default:"2" description:"Streams provisioned per tenant"`
}

func (f scenarioFlags) toScenarioConfig() (vopr.ScenarioConfig, error) {
	var profile, err = parseWorkloadProfile(f.WorkloadProfile)
	if err != nil {
		return vopr.ScenarioConfig{}, err
	}

	var baseDir = f.BaseDir
	if baseDir == "" {
		var tmp, tmpErr = os.MkdirTemp("", "kimberlite-vopr-")
		if tmpErr != nil {
			return vopr.ScenarioConfig{}, tmpErr
		}
		baseDir = tmp
	}

	var workload = vopr.DefaultWorkloadConfig
	workload.Profile = profile
	workload.ClientCount = f.ClientCount
	workload.TenantCount = f.TenantCount
	workload.StreamsPerTenant = f.StreamsPerTenant

	return vopr.ScenarioConfig{
		Seed:         f.Seed,
		ReplicaCount: f.Replicas,
		Deadline:     vopr.VirtualTime(f.DeadlineTicks),
		BaseDir:      baseDir,
		NetworkFault: vopr.NetworkFaultPolicy{
			DropProbability:      f.DropProbability,
			DuplicateProbability: f.DuplicateProb,
			MinDelay:             vopr.VirtualTime(f.MinDelay),
			MaxDelay:             vopr.VirtualTime(f.MaxDelay),
			ReorderJitter:        vopr.VirtualTime(f.ReorderJitter),
		},
		Workload:             workload,
		ByzantineProbability: f.ByzantineProb,
	}, nil
}

func parseWorkloadProfile(name string) (vopr.WorkloadProfile, error) {
	switch name {
	case "sequential":
		return vopr.ProfileSequential, nil
	case "hotspot":
		return vopr.ProfileHotspot, nil
	case "multi_tenant":
		return vopr.ProfileMultiTenant, nil
	case "bursty":
		return vopr.ProfileBursty, nil
	case "rmw":
		return vopr.ProfileRMW, nil
	default:
		return 0, fmt.Errorf("unknown --workload %q", name)
	}
}

// cmdRun is `vopr run`: execute one scenario to its deadline or first
// violation, printing the result and saving a failure bundle on violation
// (spec §4.4: "on failure, serializes a failure bundle to disk").
type cmdRun struct {
	scenarioFlags
	BundleOut string `long:"bundle-out" default:"failure.kmb" description:"Path to write the failure bundle if a violation occurs"`
}

func (cmd *cmdRun) Execute([]string) error {
	var cfg, err = cmd.toScenarioConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInvalid)
	}

	var sim, simErr = vopr.NewSimulation(cfg)
	if simErr != nil {
		fmt.Fprintln(os.Stderr, simErr)
		os.Exit(exitInternal)
	}
	defer sim.Close()

	var violation, runErr = sim.Run(context.Background())
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(exitInternal)
	}

	if violation == nil {
		fmt.Printf("no violation: seed=%d clock=%d %s\n", cfg.Seed, sim.Clock(), sim.Coverage().Snapshot())
		os.Exit(exitNoViolation)
	}

	fmt.Printf("VIOLATED %s at clock=%d: %s\n", violation.Name, sim.Clock(), violation.Context)
	var bundle = vopr.FailureBundle{
		Scenario:  cfg,
		Violation: *violation,
		FailedAt:  sim.Clock(),
		Coverage:  sim.Coverage().Snapshot(),
	}
	if saveErr := bundle.Save(cmd.BundleOut); saveErr != nil {
		fmt.Fprintln(os.Stderr, "failed to save bundle:", saveErr)
	} else {
		fmt.Println("failure bundle written to", cmd.BundleOut)
	}
	os.Exit(exitViolation)
	return nil
}

// cmdRepro is `vopr repro`: re-run the exact scenario recorded in a
// failure bundle and confirm it still reproduces the same violation
// (spec §8 invariant 1, determinism).
type cmdRepro struct {
	Args struct {
		Bundle string `positional-arg-name:"bundle" description:"Path to a .kmb failure bundle"`
	} `positional-args:"yes" required:"yes"`
}

func (cmd *cmdRepro) Execute([]string) error {
	var bundle, err = vopr.LoadFailureBundle(cmd.Args.Bundle)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInvalid)
	}

	var sim, simErr = vopr.NewSimulation(bundle.Scenario)
	if simErr != nil {
		fmt.Fprintln(os.Stderr, simErr)
		os.Exit(exitInternal)
	}
	defer sim.Close()

	var violation, runErr = sim.Run(context.Background())
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(exitInternal)
	}

	if violation == nil {
		fmt.Println("did not reproduce: this seed/config no longer violates any invariant")
		os.Exit(exitNoViolation)
	}
	if violation.Name != bundle.Violation.Name {
		fmt.Printf("reproduced a DIFFERENT violation: recorded %s, now %s\n", bundle.Violation.Name, violation.Name)
	} else {
		fmt.Printf("reproduced %s at clock=%d: %s\n", violation.Name, sim.Clock(), violation.Context)
	}
	os.Exit(exitViolation)
	return nil
}

// cmdShow is `vopr show`: print a failure bundle's contents without
// re-running anything.
type cmdShow struct {
	Args struct {
		Bundle string `positional-arg-name:"bundle" description:"Path to a .kmb failure bundle"`
	} `positional-args:"yes" required:"yes"`
}

func (cmd *cmdShow) Execute([]string) error {
	var bundle, err = vopr.LoadFailureBundle(cmd.Args.Bundle)
	if err != nil {
		return err
	}
	fmt.Printf("seed:          %d\n", bundle.Scenario.Seed)
	fmt.Printf("replicas:      %d\n", bundle.Scenario.ReplicaCount)
	fmt.Printf("workload:      %s\n", bundle.Scenario.Workload.Profile)
	fmt.Printf("network fault: drop=%.4f duplicate=%.4f delay=[%d,%d] jitter=%d\n",
		bundle.Scenario.NetworkFault.DropProbability, bundle.Scenario.NetworkFault.DuplicateProbability,
		bundle.Scenario.NetworkFault.MinDelay, bundle.Scenario.NetworkFault.MaxDelay, bundle.Scenario.NetworkFault.ReorderJitter)
	fmt.Printf("failed at:     clock=%d\n", bundle.FailedAt)
	fmt.Printf("violation:     %s -- %s\n", bundle.Violation.Name, bundle.Violation.Context)
	fmt.Printf("coverage:      %s\n", bundle.Coverage)
	return nil
}

// cmdScenarios is `vopr scenarios`: list the built-in workload profiles
// and fault presets a deployer can combine via --workload and the network
// fault flags, since there is no separate named-scenario catalog file.
type cmdScenarios struct{}

func (cmd *cmdScenarios) Execute([]string) error {
	fmt.Println("workload profiles:")
	for _, p := range []vopr.WorkloadProfile{
		vopr.ProfileSequential, vopr.ProfileHotspot, vopr.ProfileMultiTenant, vopr.ProfileBursty, vopr.ProfileRMW,
	} {
		fmt.Printf("  %-12s\n", p)
	}
	fmt.Println("network fault presets:")
	fmt.Println("  none:      --drop-probability=0 --duplicate-probability=0 --reorder-jitter=0")
	fmt.Println("  lossy:     --drop-probability=0.05 --duplicate-probability=0.01")
	fmt.Println("  reordered: --min-delay=1 --max-delay=5 --reorder-jitter=10")
	fmt.Println("  byzantine: combine any preset above with a positive --byzantine-probability")
	return nil
}

// cmdStats is `vopr stats`: print a bundle's coverage summary alone.
type cmdStats struct {
	Args struct {
		Bundle string `positional-arg-name:"bundle" description:"Path to a .kmb failure bundle"`
	} `positional-args:"yes" required:"yes"`
}

func (cmd *cmdStats) Execute([]string) error {
	var bundle, err = vopr.LoadFailureBundle(cmd.Args.Bundle)
	if err != nil {
		return err
	}
	fmt.Println(bundle.Coverage)
	for k, v := range bundle.Coverage.MessageKinds {
		fmt.Printf("  message %-12s %d\n", k, v)
	}
	for k, v := range bundle.Coverage.FaultKinds {
		fmt.Printf("  fault   %-12s %d\n", k, v)
	}
	for k, v := range bundle.Coverage.InvariantRuns {
		fmt.Printf("  checker %-28s runs=%-6d failed=%d\n", k, v, bundle.Coverage.InvariantFailed[k])
	}
	return nil
}

// cmdTimeline is `vopr timeline`: run a fresh scenario with delivery
// recording enabled and render its ASCII Gantt chart (spec §6: "a textual
// ASCII-Gantt timeline renderer").
type cmdTimeline struct {
	scenarioFlags
}

func (cmd *cmdTimeline) Execute([]string) error {
	var cfg, err = cmd.toScenarioConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInvalid)
	}

	var sim, simErr = vopr.NewSimulation(cfg)
	if simErr != nil {
		return simErr
	}
	defer sim.Close()

	var recorder = sim.EnableTimeline()
	var ids = sim.ReplicaIDs()
	if _, runErr := sim.Run(context.Background()); runErr != nil {
		return runErr
	}
	fmt.Print(recorder.Render(ids))
	return nil
}

// cmdBisect is `vopr bisect`: narrow a failing scenario down to the
// shortest event-count prefix that still reproduces the violation.
type cmdBisect struct {
	scenarioFlags
}

func (cmd *cmdBisect) Execute([]string) error {
	var cfg, err = cmd.toScenarioConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInvalid)
	}
	var result, bisectErr = vopr.Bisect(context.Background(), cfg)
	if bisectErr != nil {
		return bisectErr
	}
	if result == nil {
		fmt.Println("scenario does not violate any invariant; nothing to bisect")
		os.Exit(exitNoViolation)
	}
	fmt.Printf("minimal event prefix: %d events -> %s: %s\n", result.MinEvents, result.Violation.Name, result.Violation.Context)
	os.Exit(exitViolation)
	return nil
}

// cmdMinimize is `vopr minimize`: delta-debug the scenario's fault knobs
// down to the smallest configuration that still reproduces a violation.
type cmdMinimize struct {
	scenarioFlags
	BundleOut string `long:"bundle-out" default:"minimized.kmb" description:"Path to write the minimized failure bundle"`
}

func (cmd *cmdMinimize) Execute([]string) error {
	var cfg, err = cmd.toScenarioConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInvalid)
	}

	var minimal, violation, minErr = vopr.Minimize(context.Background(), cfg)
	if minErr != nil {
		return minErr
	}
	if violation == nil {
		fmt.Println("scenario does not violate any invariant; nothing to minimize")
		os.Exit(exitNoViolation)
	}

	fmt.Printf("minimized: replicas=%d drop=%.4f duplicate=%.4f jitter=%d -> %s\n",
		minimal.ReplicaCount, minimal.NetworkFault.DropProbability, minimal.NetworkFault.DuplicateProbability,
		minimal.NetworkFault.ReorderJitter, violation.Name)

	var bundle = vopr.FailureBundle{Scenario: minimal, Violation: *violation}
	if saveErr := bundle.Save(cmd.BundleOut); saveErr != nil {
		fmt.Fprintln(os.Stderr, "failed to save bundle:", saveErr)
	} else {
		fmt.Println("minimized bundle written to", cmd.BundleOut)
	}
	os.Exit(exitViolation)
	return nil
}

// cmdDashboard is `vopr dashboard`: run N seeds back-to-back against the
// same base scenario, printing a one-line textual summary per seed plus a
// running coverage total (spec's "GUI work" Non-goal rules out anything
// beyond plain stdout).
type cmdDashboard struct {
	scenarioFlags
	Runs int `long:"runs" default:"20" description:"Number of seeds to run, incrementing --seed by one each time"`
}

func (cmd *cmdDashboard) Execute([]string) error {
	var base, err = cmd.toScenarioConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInvalid)
	}

	var violations int
	for i := 0; i < cmd.Runs; i++ {
		var cfg = base
		cfg.Seed = base.Seed + int64(i)
		var sim, simErr = vopr.NewSimulation(cfg)
		if simErr != nil {
			fmt.Fprintf(os.Stderr, "seed %d: %v\n", cfg.Seed, simErr)
			continue
		}
		var violation, runErr = sim.Run(context.Background())
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "seed %d: %v\n", cfg.Seed, runErr)
			sim.Close()
			continue
		}
		if violation != nil {
			violations++
			fmt.Printf("[%3d/%d] seed=%-8d VIOLATED %s: %s\n", i+1, cmd.Runs, cfg.Seed, violation.Name, violation.Context)
		} else {
			fmt.Printf("[%3d/%d] seed=%-8d ok  clock=%-8d %s\n", i+1, cmd.Runs, cfg.Seed, sim.Clock(), sim.Coverage().Snapshot())
		}
		sim.Close()
	}
	fmt.Printf("\n%d/%d seeds violated an invariant\n", violations, cmd.Runs)
	if violations > 0 {
		os.Exit(exitViolation)
	}
	return nil
}

// cmdTUI is `vopr tui`: a periodically-refreshing textual view of a single
// long-running scenario, printed as successive plain-text frames rather
// than a curses-style redraw (spec's Non-goals exclude GUI work, and no
// terminal-UI library is carried by this repository's dependency corpus).
type cmdTUI struct {
	scenarioFlags
	RefreshInterval time.Duration `long:"refresh" default:"1s" description:"Wall-clock period between printed frames"`
}

func (cmd *cmdTUI) Execute([]string) error {
	var cfg, err = cmd.toScenarioConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInvalid)
	}

	var sim, simErr = vopr.NewSimulation(cfg)
	if simErr != nil {
		return simErr
	}
	defer sim.Close()

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var done = make(chan *vopr.InvariantResult, 1)
	var runErrCh = make(chan error, 1)
	go func() {
		var v, e = sim.Run(ctx)
		done <- v
		runErrCh <- e
	}()

	var ticker = time.NewTicker(cmd.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fmt.Printf("--- clock=%d %s\n", sim.Clock(), sim.Coverage().Snapshot())
		case violation := <-done:
			if runErr := <-runErrCh; runErr != nil {
				return runErr
			}
			if violation == nil {
				fmt.Printf("=== finished: no violation, clock=%d\n", sim.Clock())
				os.Exit(exitNoViolation)
			}
			fmt.Printf("=== VIOLATED %s at clock=%d: %s\n", violation.Name, sim.Clock(), violation.Context)
			os.Exit(exitViolation)
		}
	}
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	var add = func(name, short, long string, data interface{}) {
		var _, err = parser.AddCommand(name, short, long, data)
		mainboilerplate.Must(err, "failed to add %s command", name)
	}

	add("run", "Run one scenario to its deadline or first violation", "", &cmdRun{})
	add("repro", "Re-run a failure bundle's exact scenario", "", &cmdRepro{})
	add("show", "Print a failure bundle's contents", "", &cmdShow{})
	add("scenarios", "List built-in workload profiles and fault presets", "", &cmdScenarios{})
	add("stats", "Print a failure bundle's coverage summary", "", &cmdStats{})
	add("timeline", "Render a scenario's message-delivery timeline", "", &cmdTimeline{})
	add("bisect", "Narrow a failing scenario to its minimal event prefix", "", &cmdBisect{})
	add("minimize", "Delta-debug a failing scenario's fault knobs", "", &cmdMinimize{})
	add("dashboard", "Run many seeds and summarize pass/violate counts", "", &cmdDashboard{})
	add("tui", "Watch one long-running scenario as periodic text frames", "", &cmdTUI{})

	mainboilerplate.MustParseArgs(parser)
	Config.Log.Apply()
	log.Debug("kimberlite-vopr: command finished")
}
