package vsr

import (
	"bytes"
	"context"
	"encoding/gob"
	"net"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// gobCodecName is registered with grpc's global codec registry so both ends
// of a connection negotiate it via the usual content-subtype mechanism
// (":content-type grpc+gob"). The retrieved corpus's gRPC services all
// carry .proto-generated codecs; this repository has no protoc step to run,
// so Transport reuses the same gob encoding codec.go already uses for
// durable log persistence rather than hand-rolling a second wire format.
// See DESIGN.md.
const gobCodecName = "gob"

type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return gobCodecName }

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// wireAck is the empty unary response to a delivered message.
type wireAck struct{}

const transportServiceName = "kimberlite.vsr.Transport"
const transportDeliverMethod = "Deliver"
const transportFullMethod = "/" + transportServiceName + "/" + transportDeliverMethod

// TransportServer is the server-side handler type registered against
// grpc.ServiceDesc; GRPCServer is its only real implementation.
type TransportServer interface {
	HandleMessage(msg Message, from ReplicaID)
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var msg Message
	if err := dec(&msg); err != nil {
		return nil, err
	}
	var handle = func(ctx context.Context, req interface{}) (interface{}, error) {
		var m = req.(*Message)
		srv.(TransportServer).HandleMessage(*m, m.Sender)
		return &wireAck{}, nil
	}
	if interceptor == nil {
		return handle(ctx, &msg)
	}
	var info = &grpc.UnaryServerInfo{Server: srv, FullMethod: transportFullMethod}
	return interceptor(ctx, &msg, info, handle)
}

var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: transportServiceName,
	HandlerType: (*TransportServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: transportDeliverMethod, Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vsr_transport.proto",
}

// GRPCServer exposes a Replica (or any MessageHandler) over gRPC, so peers
// reachable only over the network -- not an in-process test Transport --
// can deliver VSR messages to it.
type GRPCServer struct {
	handler MessageHandler
	srv     *grpc.Server
}

// NewGRPCServer wraps handler behind a grpc.Server. Call Serve to start
// accepting connections.
func NewGRPCServer(handler MessageHandler) *GRPCServer {
	var srv = grpc.NewServer()
	var g = &GRPCServer{handler: handler, srv: srv}
	srv.RegisterService(&transportServiceDesc, g)
	return g
}

func (g *GRPCServer) HandleMessage(msg Message, from ReplicaID) {
	g.handler.HandleMessage(msg, from)
}

// Serve blocks accepting connections on lis until the server is stopped.
func (g *GRPCServer) Serve(lis net.Listener) error {
	return g.srv.Serve(lis)
}

// Stop gracefully drains in-flight RPCs and shuts the server down.
func (g *GRPCServer) Stop() {
	g.srv.GracefulStop()
}

// GRPCTransport implements Transport by dialing one grpc.ClientConn per
// peer address, lazily, and reusing it across calls.
type GRPCTransport struct {
	mu    sync.Mutex
	addrs map[ReplicaID]string
	conns map[ReplicaID]*grpc.ClientConn
}

// NewGRPCTransport builds a Transport that reaches peer id at addrs[id].
// A replica's own address need not be present; Broadcast skips self.
func NewGRPCTransport(addrs map[ReplicaID]string) *GRPCTransport {
	return &GRPCTransport{
		addrs: addrs,
		conns: make(map[ReplicaID]*grpc.ClientConn),
	}
}

func (t *GRPCTransport) connLocked(to ReplicaID) (*grpc.ClientConn, error) {
	if conn, ok := t.conns[to]; ok {
		return conn, nil
	}
	var addr, ok = t.addrs[to]
	if !ok {
		return nil, errors.Errorf("vsr: no address registered for replica %d", to)
	}
	var conn, err = grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrapf(err, "vsr: dial replica %d at %s", to, addr)
	}
	t.conns[to] = conn
	return conn, nil
}

// Send delivers msg to replica to over its gRPC connection, dialing lazily
// and reusing the connection on subsequent calls.
func (t *GRPCTransport) Send(ctx context.Context, to ReplicaID, msg Message) error {
	t.mu.Lock()
	var conn, err = t.connLocked(to)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	var ack wireAck
	return conn.Invoke(ctx, transportFullMethod, &msg, &ack, grpc.CallContentSubtype(gobCodecName))
}

// Broadcast fans Send out to every known peer other than self, logging
// (not failing) individual delivery errors: VSR's quorum protocol already
// tolerates a minority of unreachable replicas.
func (t *GRPCTransport) Broadcast(ctx context.Context, self ReplicaID, msg Message) {
	t.mu.Lock()
	var targets = make([]ReplicaID, 0, len(t.addrs))
	for id := range t.addrs {
		if id != self {
			targets = append(targets, id)
		}
	}
	t.mu.Unlock()

	for _, id := range targets {
		go func(id ReplicaID) {
			if err := t.Send(ctx, id, msg); err != nil {
				log.WithFields(log.Fields{"to": id, "kind": msg.Kind}).WithError(err).Debug("vsr: broadcast delivery failed")
			}
		}(id)
	}
}

// Close tears down every cached client connection.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, conn := range t.conns {
		_ = conn.Close()
	}
	return nil
}
