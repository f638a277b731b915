// Command kimberlited runs one Kimberlite VSR replica: a storage engine
// rooted at --storage.data-dir, replicated to its peers over gRPC.
package main

import (
	"context"
	"encoding/hex"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/kimberlitedb/kimberlite/internal/mainboilerplate"
	"github.com/kimberlitedb/kimberlite/pkg/kimberlite"
	"github.com/kimberlitedb/kimberlite/pkg/vsr"
)

var Config = new(kimberlite.Config)

func main() {
	var parser = flags.NewParser(Config, flags.Default)
	mainboilerplate.MustParseArgs(parser)
	Config.Log.Apply()

	var self = vsr.ReplicaID(Config.Replica.Self)

	var peers = make([]vsr.ReplicaID, 0, len(Config.Replica.PeerAddress))
	var addrs = make(map[vsr.ReplicaID]string, len(Config.Replica.PeerAddress))
	for key, addr := range Config.Replica.PeerAddress {
		var id, err = strconv.ParseUint(key, 10, 32)
		mainboilerplate.Must(err, "parse replica id %q in --replica.peer", key)
		peers = append(peers, vsr.ReplicaID(id))
		addrs[vsr.ReplicaID(id)] = addr
	}

	var selfAddr, haveSelf = addrs[self]
	if !haveSelf {
		log.Fatalf("kimberlited: --replica.peer must include an entry for --replica.self (%d)", self)
	}

	var clusterKey, keyErr = hex.DecodeString(Config.Replica.ClusterKeyHex)
	mainboilerplate.Must(keyErr, "decode --replica.cluster-key")

	var transport = vsr.NewGRPCTransport(addrs)
	defer transport.Close()

	var replica, err = vsr.NewReplica(vsr.Config{
		Self:            self,
		Peers:           peers,
		ClusterKey:      clusterKey,
		DataDir:         Config.Storage.DataDir,
		Transport:       transport,
		CheckpointEvery: Config.Storage.CheckpointEvery,
	})
	mainboilerplate.Must(err, "start replica %d", self)
	defer replica.Close()

	var lis, listenErr = net.Listen("tcp", selfAddr)
	mainboilerplate.Must(listenErr, "listen on %s", selfAddr)

	var server = vsr.NewGRPCServer(replica)
	go func() {
		if serveErr := server.Serve(lis); serveErr != nil {
			log.WithError(serveErr).Error("kimberlited: grpc server stopped")
		}
	}()

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	go tickLoop(ctx, replica, Config.Replica.TickInterval)

	log.WithFields(log.Fields{
		"replica": self,
		"listen":  selfAddr,
		"peers":   len(peers),
		"data":    Config.Storage.DataDir,
	}).Info("kimberlited: serving")

	var sig = make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("kimberlited: shutting down")
	server.Stop()
}

// tickLoop drives Replica.Tick at interval until ctx is cancelled,
// matching spec §4.3's "tick() at each virtual-clock beat" against a real
// wall clock (pkg/vopr drives the same method against a virtual one).
func tickLoop(ctx context.Context, replica *vsr.Replica, interval time.Duration) {
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			replica.Tick(ctx)
		}
	}
}
