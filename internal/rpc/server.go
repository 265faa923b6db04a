package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/arc-mesh/internal/middleware"
	"github.com/gezibash/arc-mesh/internal/observability"
	"github.com/gezibash/arc-mesh/internal/transport"
	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

// DefaultDedupeWindow is how many recent (peer, cid) pairs a server
// remembers to drop redelivered requests.
const DefaultDedupeWindow = 4096

type dedupeKey struct {
	peer string
	cid  uint64
}

// Server dispatches inbound envelopes to a registry. It implements
// transport.ServerHandler.
type Server struct {
	adapter transport.Adapter
	ser     transport.Serializer
	procs   *Registry
	metrics *observability.Metrics
	strict  bool
	window  int
	hooks   *middleware.Chain

	seen *lru.Cache[dedupeKey, struct{}]
	log  *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithStrict makes the server answer unknown procedure names with a
// not_found error marker when the caller asked for a reply.
func WithStrict() ServerOption {
	return func(s *Server) { s.strict = true }
}

// WithServerMetrics instruments dispatch.
func WithServerMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithHooks runs chain around every dispatched call. A pre-hook error
// drops the call and, when a reply was expected, answers with the
// rejected error marker.
func WithHooks(chain *middleware.Chain) ServerOption {
	return func(s *Server) { s.hooks = chain }
}

// WithDedupeWindow sets how many (peer, cid) pairs are remembered.
func WithDedupeWindow(n int) ServerOption {
	return func(s *Server) { s.window = n }
}

// NewServer freezes procs and binds it to adapter.
func NewServer(adapter transport.Adapter, procs *Registry, opts ...ServerOption) (*Server, error) {
	if adapter == nil || procs == nil {
		return nil, fmt.Errorf("%w: rpc server needs an adapter and a registry", mesherr.ErrConfig)
	}
	s := &Server{
		adapter: adapter,
		ser:     transport.SerializerFor(adapter),
		procs:   procs,
		window:  DefaultDedupeWindow,
		log:     slog.Default().With("component", "rpc", "role", "server"),
	}
	for _, o := range opts {
		o(s)
	}
	seen, err := lru.New[dedupeKey, struct{}](s.window)
	if err != nil {
		return nil, fmt.Errorf("%w: dedupe window: %v", mesherr.ErrConfig, err)
	}
	s.seen = seen
	procs.Freeze()
	return s, nil
}

// API describes the exported procedures for an announcement.
func (s *Server) API() map[string]provider.ProcSpec {
	return s.procs.API()
}

// Listen starts the adapter's server on host:port.
func (s *Server) Listen(ctx context.Context, host string, port int) (transport.Server, error) {
	return s.adapter.StartServer(ctx, host, port, s)
}

// HandleFrame implements transport.ServerHandler.
func (s *Server) HandleFrame(ctx context.Context, peer transport.Peer, frame []byte) {
	s.Dispatch(ctx, peer.ID(), frame, func(b []byte) error {
		return peer.Send(ctx, b)
	})
}

// Dispatch decodes one envelope and runs its handler on its own goroutine.
// reply is used only when the envelope carries a cid. Unknown names,
// malformed frames and redelivered (peer, cid) pairs are dropped.
func (s *Server) Dispatch(ctx context.Context, peer string, raw []byte, reply func([]byte) error) {
	var msg message
	if err := s.ser.Deserialize(raw, &msg); err != nil {
		s.log.Debug("dropping malformed envelope", "peer", peer, "error", err)
		s.metrics.Dispatched("", "malformed", 0)
		return
	}
	if msg.isReply() || msg.Name == "" {
		s.metrics.Dispatched("", "malformed", 0)
		return
	}

	if msg.CID != 0 {
		if dup, _ := s.seen.ContainsOrAdd(dedupeKey{peer: peer, cid: msg.CID}, struct{}{}); dup {
			s.log.Debug("dropping redelivered request", "peer", peer, "name", msg.Name, "cid", msg.CID)
			s.metrics.Dispatched(msg.Name, "duplicate", 0)
			return
		}
	}

	p, ok := s.procs.lookup(msg.Name)
	if !ok {
		s.log.Debug("unknown procedure", "peer", peer, "name", msg.Name)
		s.metrics.Dispatched(msg.Name, "not_found", 0)
		if s.strict && msg.CID != 0 {
			_ = s.send(reply, &message{RID: msg.CID, Args: []json.RawMessage{}, Error: ErrNotFound})
		}
		return
	}

	call := &Call{Name: msg.Name, Args: msg.Args, Peer: peer}
	reject := func() {}
	if msg.CID != 0 {
		call.reply = s.replier(msg.CID, reply)
		reject = func() {
			_ = s.send(reply, &message{RID: msg.CID, Args: []json.RawMessage{}, Error: middleware.ErrRejected})
		}
	}
	go s.run(ctx, p.handler, call, reject)
}

func (s *Server) replier(cid uint64, reply func([]byte) error) func(args ...any) error {
	var done atomic.Bool
	return func(args ...any) error {
		if !done.CompareAndSwap(false, true) {
			return ErrAlreadyReplied
		}
		encoded, err := encodeArgs(args)
		if err != nil {
			return err
		}
		return s.send(reply, &message{RID: cid, Args: encoded})
	}
}

func (s *Server) send(reply func([]byte) error, msg *message) error {
	b, err := s.ser.Serialize(msg)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	if err := reply(b); err != nil {
		s.log.Debug("reply not delivered", "rid", msg.RID, "error", err)
		return err
	}
	return nil
}

func (s *Server) run(ctx context.Context, h Handler, call *Call, reject func()) {
	info := &middleware.CallInfo{Name: call.Name, Peer: call.Peer, Reply: call.ExpectsReply()}
	ctx, err := s.hooks.RunPre(ctx, info)
	if err != nil {
		s.log.Debug("call rejected", "name", call.Name, "peer", call.Peer, "error", err)
		s.metrics.Dispatched(call.Name, "rejected", 0)
		reject()
		return
	}

	ctx, span := observability.StartSpan(ctx, "rpc.dispatch",
		attribute.String("rpc.method", call.Name),
		attribute.Bool("rpc.expects_reply", call.ExpectsReply()),
	)
	start := time.Now()
	status := "ok"

	defer func() {
		var err error
		if r := recover(); r != nil {
			status = "panic"
			err = fmt.Errorf("handler panic: %v", r)
			s.log.Error("procedure panicked", "name", call.Name, "panic", r, "stack", string(debug.Stack()))
		}
		s.metrics.Dispatched(call.Name, status, time.Since(start))
		observability.EndSpan(span, err)
		info.Err = err
		_, _ = s.hooks.RunPost(ctx, info)
	}()

	h(ctx, call)
}
