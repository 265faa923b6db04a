// Package grpc implements the transport adapter as a single bidirectional
// gRPC stream per link. The service is declared by hand and frames travel
// through a registered JSON codec, so no generated code is needed.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/gezibash/arc-mesh/internal/observability"
	"github.com/gezibash/arc-mesh/internal/transport"
	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

// Type is the adapter name carried in announcements.
const Type = "grpc"

const exchangeMethod = "/arc.mesh.v1.Mesh/Exchange"

func init() {
	transport.Register(Type, func(opts transport.Options) (transport.Adapter, error) {
		return New(opts), nil
	})
}

type exchanger interface {
	exchange(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "arc.mesh.v1.Mesh",
	HandlerType: (*exchanger)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Exchange",
		Handler:       func(srv any, stream grpc.ServerStream) error { return srv.(exchanger).exchange(stream) },
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "arc/mesh/v1/mesh.proto",
}

// Adapter dials and serves gRPC exchange streams.
type Adapter struct {
	opts transport.Options
}

// New creates a gRPC adapter.
func New(opts transport.Options) *Adapter {
	return &Adapter{opts: opts.WithDefaults()}
}

func (a *Adapter) Type() string { return Type }

// link is one side of an exchange stream.
type link struct {
	id   string
	meta map[string]string
	opts transport.Options

	smu  sync.Mutex
	send func(*frame) error
	hb   *transport.Heartbeat

	closeFn func()
}

func (l *link) ID() string                  { return l.id }
func (l *link) Metadata() map[string]string { return l.meta }

func (l *link) write(kind byte, data []byte) error {
	l.smu.Lock()
	defer l.smu.Unlock()
	return l.send(&frame{Kind: kind, Data: data})
}

func (l *link) Send(_ context.Context, data []byte) error {
	return l.write(transport.FrameData, data)
}

func (l *link) Close() error {
	l.closeFn()
	l.hb.Fail(mesherr.ErrClosed)
	return nil
}

func (l *link) recvLoop(recv func(*frame) error, onData func([]byte)) {
	for {
		var f frame
		if err := recv(&f); err != nil {
			l.hb.Fail(err)
			return
		}
		l.hb.Seen()
		switch f.Kind {
		case transport.FrameData:
			onData(f.Data)
		case transport.FramePing:
			if err := l.write(transport.FramePong, nil); err != nil {
				l.hb.Fail(err)
				return
			}
		}
	}
}

// Connect opens an exchange stream to the provider.
func (a *Adapter) Connect(ctx context.Context, p *provider.Provider, kind provider.Kind, h transport.ClientHandler) error {
	if p.Endpoint(kind) == nil {
		return transport.ErrNoEndpoint
	}

	cc, err := grpc.NewClient(p.Addr(kind),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return fmt.Errorf("grpc client %s: %w", p.Addr(kind), err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	dialCtx, dialCancel := context.WithTimeout(ctx, a.opts.DialTimeout)
	defer dialCancel()
	// The stream outlives ctx; only the dial phase is bounded by it.
	stop := context.AfterFunc(dialCtx, cancel)
	cs, err := cc.NewStream(streamCtx, &serviceDesc.Streams[0], exchangeMethod, grpc.WaitForReady(true))
	if !stop() && err == nil {
		err = dialCtx.Err()
	}
	if err != nil {
		cancel()
		_ = cc.Close()
		return fmt.Errorf("open stream %s: %w", p.Addr(kind), err)
	}

	l := &link{
		id:   p.ID,
		opts: a.opts,
		send: func(f *frame) error { return cs.SendMsg(f) },
		closeFn: func() {
			cancel()
			_ = cc.Close()
		},
	}
	l.hb = transport.StartHeartbeat(a.opts.ProbeInterval, a.opts.Grace,
		func() error { return l.write(transport.FramePing, nil) },
		func(error) {
			l.closeFn()
			p.ClearLink(l)
			h.ProviderDisconnected(p)
		},
	)
	if !p.SetLinkIfEmpty(l) {
		l.hb.Abandon()
		l.closeFn()
		return nil
	}
	go l.recvLoop(func(f *frame) error { return cs.RecvMsg(f) }, func(data []byte) { h.HandleFrame(p, data) })
	return nil
}

type server struct {
	opts    transport.Options
	handler transport.ServerHandler
	ctx     context.Context

	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
	closed atomic.Bool
}

// StartServer binds host:port and registers the exchange service with a
// standard health service alongside it.
func (a *Adapter) StartServer(ctx context.Context, host string, port int, h transport.ServerHandler) (transport.Server, error) {
	lc := net.ListenConfig{}
	lis, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	var serverOpts []grpc.ServerOption
	serverOpts = append(serverOpts, grpc.MaxRecvMsgSize(a.opts.MaxFrameSize))
	if a.opts.Metrics != nil {
		serverOpts = append(serverOpts, grpc.ChainStreamInterceptor(observability.StreamServerInterceptor(a.opts.Metrics)))
	}

	s := &server{
		opts:    a.opts,
		handler: h,
		ctx:     ctx,
		grpc:    grpc.NewServer(serverOpts...),
		health:  health.NewServer(),
		lis:     lis,
	}
	s.grpc.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			slog.Error("grpc transport serve error", "component", "transport", "error", err)
		}
	}()

	slog.Info("grpc transport listening", "component", "transport", "addr", lis.Addr().String())
	return s, nil
}

func (s *server) Port() int {
	return s.lis.Addr().(*net.TCPAddr).Port
}

func (s *server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.grpc.Stop()
	}
	return nil
}

func (s *server) exchange(stream grpc.ServerStream) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	l := &link{
		id:      uuid.NewString(),
		meta:    peerMetadata(stream.Context()),
		opts:    s.opts,
		send:    func(f *frame) error { return stream.SendMsg(f) },
		closeFn: cancel,
	}
	l.hb = transport.StartHeartbeat(s.opts.ProbeInterval, s.opts.Grace, nil, func(error) {
		cancel()
		if po, ok := s.handler.(transport.PeerObserver); ok {
			po.PeerClosed(l)
		}
	})

	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	go l.recvLoop(func(f *frame) error { return stream.RecvMsg(f) }, func(data []byte) {
		s.handler.HandleFrame(s.ctx, l, data)
	})

	<-ctx.Done()
	l.hb.Fail(ctx.Err())
	return nil
}

func peerMetadata(ctx context.Context) map[string]string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}
