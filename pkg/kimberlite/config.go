package kimberlite

import (
	"time"

	"github.com/kimberlitedb/kimberlite/internal/mainboilerplate"
)

// ReplicaConfig is the VSR replica's own configuration group: cluster
// membership, identity, and the protocol's one timing knob. PeerAddress is
// populated via go-flags' map support (`--replica.peer=1:10.0.0.1:7070`,
// repeated once per member including Self), matching the "peers configured
// explicitly, no network auto-discovery" requirement (spec §6).
type ReplicaConfig struct {
	Self          uint32            `long:"self" description:"This replica's ID within the cluster" required:"true"`
	PeerAddress   map[string]string `long:"peer" description:"<replica-id>:<host:port> of a cluster member, including Self; repeat once per member, e.g. --peer=1:10.0.0.1:7070"`
	ClusterKeyHex string            `long:"cluster-key" description:"Hex-encoded per-cluster HMAC key (the MAC covers each message's view, op, commit, sender and kind)" required:"true"`
	TickInterval  time.Duration     `long:"tick-interval" default:"100ms" description:"Wall-clock period between Replica.Tick calls (heartbeats, timeout detection)"`
}

// StorageConfig is the storage engine's configuration group: where a
// replica's segments, checkpoints, and index WAL live on disk (spec §6's
// "Environment: only a directory for data files and a seed"). Only the
// knobs pkg/storage.EngineOptions actually exposes are surfaced here --
// segment rolling and at-rest encryption are structural properties of
// pkg/storage (segment.go, crypto.go/keyring.go) rather than dials a
// deployer turns, so they have no corresponding flag.
type StorageConfig struct {
	DataDir         string `long:"data-dir" description:"Root directory for this replica's segments, checkpoints, and index" required:"true"`
	CheckpointEvery int    `long:"checkpoint-every" default:"0" description:"Records between checkpoints; 0 uses pkg/storage's default interval"`
}

// Config is cmd/kimberlited's top-level flag group, mirroring the
// teacher's `examples/word-count/wordcountctl` Config struct: one
// `group`/`namespace`/`env-namespace`-tagged field per concern. go-flags
// applies an env-namespace only to fields that carry an `env` tag; only
// the Logging fields have one, so LOG_LEVEL and LOG_FORMAT are the
// environment variables read, and the Replica and Storage options are
// command-line flags only.
type Config struct {
	Replica ReplicaConfig             `group:"Replica" namespace:"replica" env-namespace:"REPLICA"`
	Storage StorageConfig             `group:"Storage" namespace:"storage" env-namespace:"STORAGE"`
	Log     mainboilerplate.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}
