package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gezibash/arc-mesh/internal/observability"
	"github.com/gezibash/arc-mesh/internal/scheduler"
	"github.com/gezibash/arc-mesh/internal/transport"
	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

// DefaultMaxPending bounds requests awaiting a backend reply.
const DefaultMaxPending = 4096

// GatewayConfig configures an aggregating process.
type GatewayConfig struct {
	// Namespaces carry the handshake hooks run at the edge. Events are
	// served by backends and need not be set.
	Namespaces []*Namespace
	// Backends maps each namespace to the pool of Services hosting it.
	Backends map[string]*scheduler.Pool

	// Public serves untrusted clients.
	Public transport.Adapter
	// Adapter dials backend Services.
	Adapter transport.Adapter

	SendQueue    int
	Inbox        int
	MaxPending   int
	ReapInterval time.Duration
	StallTimeout time.Duration
	IdleTimeout  time.Duration

	Metrics *observability.Metrics
}

type pendingRequest struct {
	sid      string
	id       uint64
	provider string
	done     atomic.Bool
}

// Gateway runs the handshake for untrusted clients and bridges admitted
// traffic to backend Services. Requests go to one backend picked by the
// namespace's pool; JOIN and LVE go to every backend in it.
type Gateway struct {
	cfg     GatewayConfig
	spaces  map[string]*Namespace
	pools   map[string]*scheduler.Pool
	clients *pipeline
	members *subscriptions

	nextID  atomic.Uint64
	pending *lru.Cache[uint64, *pendingRequest]
	dials   transport.DialGuard

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	unsubs  []func()
	servers []transport.Server
	started bool
	closed  bool
	wg      sync.WaitGroup

	metrics *observability.Metrics
	log     *slog.Logger
}

// NewGateway validates namespaces and their backend pools. No socket is
// opened.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	spaces, err := validate(cfg.Namespaces, nil)
	if err != nil {
		return nil, err
	}
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("%w: gateway needs a backend adapter", mesherr.ErrConfig)
	}
	for name := range spaces {
		if cfg.Backends[name] == nil {
			return nil, fmt.Errorf("%w: namespace %q has no backend pool", mesherr.ErrConfig, name)
		}
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}

	g := &Gateway{
		cfg:     cfg,
		spaces:  spaces,
		pools:   cfg.Backends,
		members: newSubscriptions(),
		metrics: cfg.Metrics,
		log:     slog.Default().With("component", "channel", "role", "gateway"),
	}
	g.clients = newPipeline("gateway", spaces, g, cfg.SendQueue, cfg.Inbox, cfg.Metrics)

	pending, err := lru.NewWithEvict[uint64, *pendingRequest](cfg.MaxPending, func(_ uint64, pr *pendingRequest) {
		if pr.done.CompareAndSwap(false, true) {
			g.metrics.RepliesLost("gateway", "evicted", 1)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: pending window: %v", mesherr.ErrConfig, err)
	}
	g.pending = pending
	return g, nil
}

// Start connects to pooled backends, follows pool changes and runs the
// reaper until Close or ctx is done.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return mesherr.ErrClosed
	}
	if g.started {
		return nil
	}
	g.started = true
	g.ctx, g.cancel = context.WithCancel(ctx)

	for _, pool := range g.distinctPools() {
		g.unsubs = append(g.unsubs, pool.Subscribe(func(ev scheduler.Event, p *provider.Provider) {
			g.metrics.SetPoolSize(pool.Name(), pool.Len())
			if ev == scheduler.Added {
				go g.connect(pool, p)
			}
		}))
		for _, p := range pool.Providers() {
			if p.Link() == nil {
				go g.connect(pool, p)
			}
		}
	}

	reaper := NewReaper(g.clients.table, g.cfg.ReapInterval, g.cfg.StallTimeout, g.cfg.IdleTimeout, g.clients.disconnect)
	g.wg.Add(1)
	go func() { defer g.wg.Done(); reaper.Run(g.ctx) }()
	return nil
}

// Listen binds the untrusted client endpoint.
func (g *Gateway) Listen(ctx context.Context, host string, port int) (transport.Server, error) {
	if g.cfg.Public == nil {
		return nil, fmt.Errorf("%w: gateway has no public adapter", mesherr.ErrConfig)
	}
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return nil, mesherr.ErrClosed
	}
	srv, err := g.cfg.Public.StartServer(ctx, host, port, g.clients)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.servers = append(g.servers, srv)
	g.mu.Unlock()
	g.log.Info("gateway listening", "adapter", g.cfg.Public.Type(), "port", srv.Port())
	return srv, nil
}

// Clients returns the number of client connections.
func (g *Gateway) Clients() int { return g.clients.table.Count() }

// Close stops following pools, closes the endpoint, drops clients and the
// links opened to backends.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	servers, unsubs, cancel := g.servers, g.unsubs, g.cancel
	g.servers, g.unsubs = nil, nil
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, u := range unsubs {
		u()
	}
	var firstErr error
	for _, srv := range servers {
		if err := srv.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	g.clients.Close()
	for _, pool := range g.distinctPools() {
		pool.Each(func(p *provider.Provider) { p.DropLink() })
	}
	g.wg.Wait()
	return firstErr
}

func (g *Gateway) distinctPools() []*scheduler.Pool {
	seen := make(map[*scheduler.Pool]bool, len(g.pools))
	var out []*scheduler.Pool
	for name := range g.spaces {
		pool := g.pools[name]
		if !seen[pool] {
			seen[pool] = true
			out = append(out, pool)
		}
	}
	return out
}

// namespacesOf lists the namespaces served by pool.
func (g *Gateway) namespacesOf(pool *scheduler.Pool) []string {
	var out []string
	for name := range g.spaces {
		if g.pools[name] == pool {
			out = append(out, name)
		}
	}
	return out
}

func (g *Gateway) connect(pool *scheduler.Pool, p *provider.Provider) {
	g.mu.Lock()
	ctx := g.ctx
	g.mu.Unlock()
	if ctx == nil || ctx.Err() != nil || p.Link() != nil || !g.dials.Begin(p) {
		return
	}
	defer g.dials.Done(p)
	if p.Link() != nil {
		return
	}
	if err := g.cfg.Adapter.Connect(ctx, p, provider.KindChannel, g); err != nil {
		g.log.Warn("backend connect failed, removing provider", "provider", p.ID, "addr", p.Addr(provider.KindChannel), "error", err)
		pool.Remove(p)
		g.metrics.Evicted(pool.Name(), "connect_failed")
		return
	}
	g.log.Debug("backend connected", "provider", p.ID, "addr", p.Addr(provider.KindChannel))

	// bring the new backend up to date with current members
	for _, ns := range g.namespacesOf(pool) {
		for chn, routes := range g.members.namespace(ns) {
			for _, r := range routes {
				g.sendTo(p, joinMessage(ns, chn, r))
			}
		}
	}
}

func joinMessage(ns, chn string, r *route) *Message {
	return &Message{
		Type:    TypeInfo,
		Event:   EventJoin,
		NS:      ns,
		Chn:     chn,
		SID:     r.sid,
		Session: r.session,
		Meta:    &Meta{RepEvents: sortedKeys(r.rep), SubEvents: sortedKeys(r.sub)},
	}
}

func (g *Gateway) sendTo(p *provider.Provider, msg *Message) bool {
	link := p.Link()
	if link == nil {
		return false
	}
	frame, err := msg.Encode()
	if err != nil {
		g.log.Debug("encode failed", "error", err)
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), SendTimeout)
	defer cancel()
	if err := link.Send(ctx, frame); err != nil {
		g.log.Debug("backend send failed", "provider", p.ID, "error", err)
		return false
	}
	return true
}

func (g *Gateway) broadcast(ns string, msg *Message) {
	for _, p := range g.pools[ns].Providers() {
		g.sendTo(p, msg)
	}
}

func (g *Gateway) handles(ns *Namespace, _ string) bool {
	return g.pools[ns.Name] != nil
}

func (g *Gateway) joined(c *Conn, ns *Namespace, chn string, m *membership) {
	r := &route{conn: c, sid: c.ID(), session: m.session, rep: m.rep, sub: m.sub}
	g.members.add(ns.Name, chn, r)
	g.broadcast(ns.Name, joinMessage(ns.Name, chn, r))
}

func (g *Gateway) left(c *Conn, ns *Namespace, chn string, m *membership, reason string) {
	g.members.remove(ns.Name, chn, c.ID())
	g.broadcast(ns.Name, &Message{
		Type:    TypeInfo,
		Event:   EventLeave,
		NS:      ns.Name,
		Chn:     chn,
		SID:     c.ID(),
		Session: m.session,
		Meta:    &Meta{Reason: reason},
	})
}

func (g *Gateway) request(_ context.Context, c *Conn, ns *Namespace, chn string, m *membership, msg *Message) {
	pool := g.pools[ns.Name]
	p := pool.Get()
	if p == nil {
		g.metrics.CallDropped(ns.Name, "no_provider")
		return
	}
	if p.Link() == nil {
		g.metrics.CallDropped(ns.Name, "no_link")
		go g.connect(pool, p)
		return
	}

	fwd := &Message{
		Type:    TypeRequest,
		Event:   msg.Event,
		NS:      ns.Name,
		Chn:     chn,
		SID:     c.ID(),
		Session: m.session,
		Payload: msg.Payload,
	}
	var pr *pendingRequest
	if msg.ID != 0 {
		fwd.ID = g.nextID.Add(1)
		pr = &pendingRequest{sid: c.ID(), id: msg.ID, provider: p.ID}
		g.pending.Add(fwd.ID, pr)
	}
	if !g.sendTo(p, fwd) {
		if pr != nil {
			pr.done.Store(true)
			g.pending.Remove(fwd.ID)
		}
		g.metrics.CallDropped(ns.Name, "send")
		return
	}
	g.metrics.CallSent(ns.Name, msg.Event)
}

// HandleFrame implements transport.ClientHandler for backend links.
func (g *Gateway) HandleFrame(p *provider.Provider, frame []byte) {
	msg, err := DecodeMessage(frame)
	if err != nil {
		g.log.Debug("dropping malformed backend message", "provider", p.ID, "error", err)
		return
	}

	switch msg.Type {
	case TypeReply:
		pr, ok := g.pending.Peek(msg.ID)
		if !ok || !pr.done.CompareAndSwap(false, true) {
			g.log.Debug("reply without pending request", "provider", p.ID, "id", msg.ID)
			return
		}
		g.pending.Remove(msg.ID)
		c, ok := g.clients.table.Get(pr.sid)
		if !ok {
			return
		}
		c.send(&Message{Type: TypeReply, Event: msg.Event, NS: msg.NS, Chn: msg.Chn, ID: pr.id, Payload: msg.Payload})
	case TypePub:
		if msg.SID != "" {
			if r := g.members.get(msg.NS, msg.Chn, msg.SID); r != nil && has(r.sub, msg.Event) {
				r.conn.send(&Message{Type: TypePub, Event: msg.Event, NS: msg.NS, Chn: msg.Chn, Payload: msg.Payload})
			}
			return
		}
		if _, err := deliver(msg.NS, msg.Chn, msg.Event, msg.Payload, g.members.channel(msg.NS, msg.Chn)); err != nil {
			g.log.Debug("fan-out failed", "ns", msg.NS, "chn", msg.Chn, "error", err)
		}
	}
}

// ProviderDisconnected implements transport.ClientHandler. The backend
// leaves every pool and its pending requests are abandoned.
func (g *Gateway) ProviderDisconnected(p *provider.Provider) {
	for _, pool := range g.distinctPools() {
		if _, ok := pool.HasItem(p, func(a, b *provider.Provider) bool { return a == b }); ok {
			pool.Remove(p)
			g.metrics.Evicted(pool.Name(), "disconnect")
		}
	}
	abandoned := 0
	for _, id := range g.pending.Keys() {
		if pr, ok := g.pending.Peek(id); ok && pr.provider == p.ID && pr.done.CompareAndSwap(false, true) {
			g.pending.Remove(id)
			abandoned++
		}
	}
	if abandoned > 0 {
		g.metrics.RepliesLost("gateway", "disconnect", abandoned)
	}
	g.log.Info("backend disconnected", "provider", p.ID, "abandoned", abandoned)
}
