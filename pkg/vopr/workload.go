package vopr

import (
	"context"
	"fmt"

	"github.com/kimberlitedb/kimberlite/pkg/kernel"
	"github.com/kimberlitedb/kimberlite/pkg/vsr"
)

// WorkloadProfile selects a key-access distribution for generated commands
// (spec §4.4: "workload generator profiles: Hotspot, Sequential,
// MultiTenant, Bursty, RMW").
type WorkloadProfile int

const (
	ProfileSequential WorkloadProfile = iota
	ProfileHotspot
	ProfileMultiTenant
	ProfileBursty
	ProfileRMW
)

func (p WorkloadProfile) String() string {
	switch p {
	case ProfileSequential:
		return "sequential"
	case ProfileHotspot:
		return "hotspot"
	case ProfileMultiTenant:
		return "multi_tenant"
	case ProfileBursty:
		return "bursty"
	case ProfileRMW:
		return "rmw"
	default:
		return "unknown"
	}
}

// WorkloadConfig parameterizes the generator.
type WorkloadConfig struct {
	Profile      WorkloadProfile
	ClientCount  int
	TenantCount  int
	StreamsPerTenant int
	TickInterval VirtualTime // virtual time between generated commands, per client
	EventSize    int         // bytes per generated event payload
	BatchSize    int         // events per AppendBatch
	HotspotBias  float64     // probability a Hotspot/Bursty client targets stream 0
}

// DefaultWorkloadConfig is a small, fast-converging sequential workload
// suitable for quick runs and unit tests.
var DefaultWorkloadConfig = WorkloadConfig{
	Profile:          ProfileSequential,
	ClientCount:      2,
	TenantCount:      1,
	StreamsPerTenant: 2,
	TickInterval:     10,
	EventSize:        32,
	BatchSize:        1,
	HotspotBias:      0.8,
}

// workloadClient bundles a vsr.Client with the tenant/stream ids it has
// already provisioned.
type workloadClient struct {
	id      kernel.ClientID
	client  *vsr.Client
	tenants []kernel.TenantID
	streams []kernel.StreamID
}

// Workload drives a simulation's command traffic: it self-schedules
// EventWorkloadTick events, and on each tick submits one command, picked
// by the configured profile's key-access distribution, to the first
// replica (replica 1, the primary of view 0) whatever the current view.
type Workload struct {
	cfg     WorkloadConfig
	clients []*workloadClient
	seq     uint64

	// nextTenantID/nextStreamID predict the dense ID the kernel will assign
	// the next CreateTenant/CreateStream command once it applies. Since
	// Start fires every provisioning command through Client.Fire without
	// waiting for commit, the replica's own State() can't be read for this:
	// by the time a later command actually applies, state has already moved
	// past what it showed when the command was fired. Tracking the
	// allocation counter locally instead works because provisioning runs
	// single-threaded and strictly in submission order, which is also
	// commit order (spec §4.3: a single primary assigns op numbers and
	// applies them contiguously).
	nextTenantID kernel.TenantID
	nextStreamID kernel.StreamID
}

// NewWorkload builds (but does not yet schedule) a generator for sim.
func NewWorkload(cfg WorkloadConfig, sim *Simulation) *Workload {
	if cfg.TickInterval == 0 {
		cfg = DefaultWorkloadConfig
	}
	var w = &Workload{cfg: cfg}
	for i := 0; i < cfg.ClientCount; i++ {
		var id = kernel.ClientID(i + 1)
		var c = vsr.NewClient(id)
		sim.RegisterClient(c, id)
		w.clients = append(w.clients, &workloadClient{id: id, client: c})
	}
	return w
}

// Start provisions each client's tenants/streams via the first replica
// (any replica forwards to the current primary through normal VSR
// submission once primary-redirect ergonomics are added; until then the
// workload always targets replica 1, which is the initial primary at
// view 0) and schedules the first tick for every client.
func (w *Workload) Start(sim *Simulation) {
	var first = sim.replicas[sim.replicaIDs()[0]]
	for _, wc := range w.clients {
		for t := 0; t < w.cfg.TenantCount; t++ {
			var tenantID = w.nextTenantID
			var _, err = wc.client.Fire(context.Background(), first.Replica, func(h kernel.Header) kernel.Command {
				return kernel.CreateTenant{H: h, Name: fmt.Sprintf("tenant-%d-%d", wc.id, t)}
			})
			if err != nil {
				continue
			}
			w.nextTenantID++
			wc.tenants = append(wc.tenants, tenantID)
			for s := 0; s < w.cfg.StreamsPerTenant; s++ {
				var streamID = w.nextStreamID
				var _, serr = wc.client.Fire(context.Background(), first.Replica, func(h kernel.Header) kernel.Command {
					return kernel.CreateStream{H: h, Tenant: tenantID, Name: fmt.Sprintf("stream-%d-%d-%d", wc.id, t, s), Class: kernel.StreamClassStandard}
				})
				if serr != nil {
					continue
				}
				w.nextStreamID++
				wc.streams = append(wc.streams, streamID)
			}
		}
		w.scheduleTick(sim, wc)
	}
}

func (w *Workload) scheduleTick(sim *Simulation, wc *workloadClient) {
	w.seq++
	var localWc = wc
	sim.queue.Push(&Event{
		Time:       sim.clock + w.cfg.TickInterval,
		Tiebreaker: w.seq,
		Kind:       EventWorkloadTick,
		Deliver: func(sim *Simulation) {
			w.emit(sim, localWc)
			w.scheduleTick(sim, localWc)
		},
	})
}

func (w *Workload) emit(sim *Simulation, wc *workloadClient) {
	if len(wc.streams) == 0 {
		return
	}
	var idx = w.pickStreamIndex(sim, len(wc.streams))
	var stream = wc.streams[idx]
	var events = make([][]byte, w.cfg.BatchSize)
	for i := range events {
		events[i] = sim.rng.Bytes(w.cfg.EventSize)
	}
	var primary = sim.replicas[sim.replicaIDs()[0]]
	wc.client.Fire(context.Background(), primary.Replica, func(h kernel.Header) kernel.Command {
		return kernel.AppendBatch{H: h, Stream: stream, Events: events, TimestampNanos: int64(sim.clock)}
	})
}

func (w *Workload) pickStreamIndex(sim *Simulation, n int) int {
	switch w.cfg.Profile {
	case ProfileHotspot, ProfileBursty:
		if sim.rng.Bool(w.cfg.HotspotBias) {
			return 0
		}
		return sim.rng.Intn(n)
	case ProfileSequential:
		return int(w.seq) % n
	case ProfileMultiTenant, ProfileRMW:
		return sim.rng.Intn(n)
	default:
		return sim.rng.Intn(n)
	}
}

