package vopr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kimberlitedb/kimberlite/pkg/kernel"
	"github.com/kimberlitedb/kimberlite/pkg/storage"
	"github.com/kimberlitedb/kimberlite/pkg/vsr"
)

// ScenarioConfig describes one simulation run: cluster shape, fault
// policy, workload, and stopping conditions (spec §4.4's run loop:
// "seed the PRNG; instantiate replicas, storage, network with seed").
type ScenarioConfig struct {
	Seed         int64
	ReplicaCount int
	Deadline     VirtualTime
	BaseDir      string // root for each replica's on-disk storage; a fresh temp dir per run
	NetworkFault NetworkFaultPolicy
	Workload     WorkloadConfig

	// ByzantineProbability, if positive, installs a ByzantineMutator on the
	// network with this per-message mutation probability (spec §4.4's
	// mutation catalog: inflated commit, equivocation, checksum fiddle,
	// replayed view, oversized StartView, invalid metadata).
	ByzantineProbability float64
}

// ReplicaHarness wraps one simulated replica: its VSR state machine, the
// real storage engine backing it, and bookkeeping the invariant checkers
// consult (spec §4.4: "replica harness wraps a real Replica, backed by a
// real storage engine rooted in a per-replica simulation directory").
type ReplicaHarness struct {
	ID      vsr.ReplicaID
	Replica *vsr.Replica
	DataDir string

	// cfg is retained so storagefault.go can close and reopen this
	// replica's storage engine in place, simulating a crash/restart, without
	// needing to thread cluster configuration through the fault injector.
	cfg vsr.Config

	// justRestarted suppresses RecoverySafetyChecker's regression check for
	// exactly one post-restart observation, since a fresh Replica legitimately
	// starts back below its pre-crash commit until repair/recovery catches it up.
	justRestarted bool
}

// verifyAllStreams replays every stream this harness's storage engine
// knows about (via the kernel state's stream catalog) and checks each
// record's hash chain, implementing spec §8 invariant 2.
func (h *ReplicaHarness) verifyAllStreams() (violated bool, context string) {
	var st = h.Replica.State()
	st.WalkStreams(func(m kernel.StreamMeta) bool {
		var stream, err = h.Replica.Engine().Stream(0, storage.StreamID(m.ID))
		if err != nil {
			return true
		}
		var tip, _ = stream.Tip()
		if tip == 0 {
			return true
		}
		var records, readErr = stream.ReadFrom(0, tip)
		if readErr != nil {
			violated = true
			context = fmt.Sprintf("stream %d: %v", m.ID, readErr)
			return false
		}
		var prev = storage.ZeroHash
		for _, rec := range records {
			if !rec.VerifyChain(prev) {
				violated = true
				context = fmt.Sprintf("stream %d offset %d: hash chain broken", m.ID, rec.Offset)
				return false
			}
			prev = rec.Hash
		}
		return true
	})
	return violated, context
}

// Simulation is the deterministic event-driven harness spec §4.4
// describes: a single-threaded scheduler draining a heap-ordered event
// queue, delivering each event at its virtual time, and checking every
// registered invariant after each observable event.
type Simulation struct {
	cfg ScenarioConfig

	clock VirtualTime
	queue *EventQueue
	rng   *RNG

	network   *Network
	coverage  *Coverage
	invariant *InvariantTracker

	replicas map[vsr.ReplicaID]*ReplicaHarness
	workload *Workload

	clients map[kernel.ClientID]*vsr.Client

	projections []kernel.ProjectionNotify

	violation       *InvariantResult
	eventsDelivered int
}

// NewSimulation builds a fresh simulation from cfg: it opens one storage
// engine and VSR replica per cfg.ReplicaCount, wires them to a shared
// virtual Network, and seeds the workload generator.
func NewSimulation(cfg ScenarioConfig) (*Simulation, error) {
	var sim = &Simulation{
		cfg:       cfg,
		queue:     NewEventQueue(),
		rng:       NewRNG(cfg.Seed),
		coverage:  NewCoverage(),
		invariant: NewInvariantTracker(),
		replicas:  make(map[vsr.ReplicaID]*ReplicaHarness),
		clients:   make(map[kernel.ClientID]*vsr.Client),
	}
	sim.network = NewNetwork(sim, cfg.NetworkFault)
	if cfg.ByzantineProbability > 0 {
		sim.network.SetByzantineMutator(NewByzantineMutator(sim.rng, cfg.ByzantineProbability))
	}

	var peers = make([]vsr.ReplicaID, cfg.ReplicaCount)
	for i := range peers {
		peers[i] = vsr.ReplicaID(i + 1)
	}

	var clusterKey = sim.rng.Bytes(32)

	for _, id := range peers {
		var dir = filepath.Join(cfg.BaseDir, fmt.Sprintf("replica-%d", id))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("vopr: create replica dir: %w", err)
		}
		var replicaCfg = vsr.Config{
			Self:       id,
			Peers:      peers,
			ClusterKey: clusterKey,
			DataDir:    dir,
			Transport:  sim.network,
			OnCommit:   sim.onCommit,
		}
		var harness = &ReplicaHarness{ID: id, DataDir: dir, cfg: replicaCfg}
		var replica, err = vsr.NewReplica(replicaCfg)
		if err != nil {
			return nil, fmt.Errorf("vopr: start replica %d: %w", id, err)
		}
		harness.Replica = replica
		sim.replicas[id] = harness
		sim.network.Register(id, replica)
	}

	sim.workload = NewWorkload(cfg.Workload, sim)
	return sim, nil
}

// onCommit is wired as every replica's Config.OnCommit; it fans out to
// whichever vsr.Client is waiting on (client, reqNum), and lets the
// ProjectionCatchupChecker observe any ProjectionNotify effects bundled
// into a committed result's Effects slice.
func (sim *Simulation) onCommit(client kernel.ClientID, reqNum kernel.RequestNumber, result kernel.CommandResult, err error) {
	if c, ok := sim.clients[client]; ok {
		c.OnCommit(client, reqNum, result, err)
	}
	for _, eff := range result.Effects {
		if notify, ok := eff.(kernel.ProjectionNotify); ok {
			sim.projections = append(sim.projections, notify)
		}
	}
}

func (sim *Simulation) drainProjectionNotifications() []kernel.ProjectionNotify {
	var out = sim.projections
	sim.projections = nil
	return out
}

// ReplicaIDs returns this simulation's cluster membership in sorted order,
// for callers (cmd/kimberlite-vopr's timeline renderer) that need a stable
// column order without reaching into unexported state.
func (sim *Simulation) ReplicaIDs() []vsr.ReplicaID {
	return sim.replicaIDs()
}

func (sim *Simulation) replicaIDs() []vsr.ReplicaID {
	var ids = make([]vsr.ReplicaID, 0, len(sim.replicas))
	for id := range sim.replicas {
		ids = append(ids, id)
	}
	// Deterministic order regardless of Go's randomized map iteration.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

func (sim *Simulation) knownClients() []kernel.ClientID {
	var ids = make([]kernel.ClientID, 0, len(sim.clients))
	for id := range sim.clients {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// RegisterClient makes a vsr.Client visible to onCommit and to the
// DuplicateRequestIdempotenceChecker / LinearizabilityChecker.
func (sim *Simulation) RegisterClient(c *vsr.Client, id kernel.ClientID) {
	sim.clients[id] = c
}

// checkInvariantsAfter runs every registered checker and, on the first
// violation, records it and halts the run loop (spec §4.4: "if any
// checker returns Violated: stop, serialize failure bundle").
func (sim *Simulation) checkInvariantsAfter(_ vsr.ReplicaID) {
	if sim.violation != nil {
		return
	}
	if v := sim.invariant.RunAll(sim); v != nil {
		sim.violation = v
	}
}

// Run drains the event queue until either the deadline is reached, the
// queue empties, or an invariant violation halts the simulation. It
// returns the violation, if any.
func (sim *Simulation) Run(ctx context.Context) (*InvariantResult, error) {
	return sim.RunUpTo(ctx, -1)
}

// RunUpTo behaves like Run, but stops after delivering maxEvents events
// even if the deadline hasn't been reached and no violation has occurred.
// A negative maxEvents means unbounded (equivalent to Run). This is what
// lets bisect.go re-derive a shorter, still-failing event
// prefix: since the scheduler is fully deterministic given cfg, re-running
// from scratch up to a smaller event count is cheap and exact, standing in
// for a PRNG-state checkpoint restore.
func (sim *Simulation) RunUpTo(ctx context.Context, maxEvents int) (*InvariantResult, error) {
	sim.workload.Start(sim)
	var delivered int
	for sim.queue.Len() > 0 {
		if sim.violation != nil {
			return sim.violation, nil
		}
		if maxEvents >= 0 && delivered >= maxEvents {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		var ev = sim.queue.Pop()
		if ev.Time > sim.cfg.Deadline {
			break
		}
		sim.clock = ev.Time
		ev.Deliver(sim)
		delivered++
		sim.eventsDelivered = delivered
	}
	return sim.violation, nil
}

// Clock reports the simulation's current virtual time.
func (sim *Simulation) Clock() VirtualTime { return sim.clock }

// Coverage returns the running coverage snapshot.
func (sim *Simulation) Coverage() *Coverage { return sim.coverage }

// Close releases every replica's storage engine.
func (sim *Simulation) Close() {
	for _, h := range sim.replicas {
		h.Replica.Close()
	}
}
