package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gezibash/arc-mesh/internal/observability"
	"github.com/gezibash/arc-mesh/internal/scheduler"
	"github.com/gezibash/arc-mesh/internal/transport"
	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

const (
	// MaxCorrelationID bounds the cid namespace; ids wrap inside [1, Max].
	MaxCorrelationID uint64 = 1<<31 - 1
	// DefaultMaxPending bounds outstanding reply callbacks per client.
	DefaultMaxPending = 4096
)

type pendingCall struct {
	cb       Callback
	provider string
	proc     string
	done     atomic.Bool
}

// Client sends calls for one remote service. It implements
// transport.ClientHandler for the links it opens.
type Client struct {
	service string
	adapter transport.Adapter
	ser     transport.Serializer
	pool    *scheduler.Pool
	metrics *observability.Metrics
	dials   transport.DialGuard

	names map[string]struct{}

	idMu   sync.Mutex
	nextID uint64
	maxID  uint64

	maxPending int
	pending    *lru.Cache[uint64, *pendingCall]

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	log         *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientMetrics instruments calls and pool size.
func WithClientMetrics(m *observability.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithMaxPending bounds outstanding reply callbacks. The oldest is
// abandoned when the bound is hit.
func WithMaxPending(n int) ClientOption {
	return func(c *Client) { c.maxPending = n }
}

// WithMaxCorrelationID narrows the cid namespace.
func WithMaxCorrelationID(n uint64) ClientOption {
	return func(c *Client) { c.maxID = n }
}

// NewClient creates a client for service over adapter. Providers added to
// pool are connected eagerly; names lists the procedures stubs may call.
func NewClient(ctx context.Context, service string, adapter transport.Adapter, pool *scheduler.Pool, names []string, opts ...ClientOption) (*Client, error) {
	if adapter == nil || pool == nil {
		return nil, fmt.Errorf("%w: rpc client %q needs an adapter and a pool", mesherr.ErrConfig, service)
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		service:    service,
		adapter:    adapter,
		ser:        transport.SerializerFor(adapter),
		pool:       pool,
		names:      make(map[string]struct{}, len(names)),
		maxID:      MaxCorrelationID,
		maxPending: DefaultMaxPending,
		ctx:        ctx,
		cancel:     cancel,
		log:        slog.Default().With("component", "rpc", "role", "client", "service", service),
	}
	for _, n := range names {
		c.names[n] = struct{}{}
	}
	for _, o := range opts {
		o(c)
	}

	pending, err := lru.NewWithEvict[uint64, *pendingCall](c.maxPending, func(cid uint64, pc *pendingCall) {
		if pc.done.CompareAndSwap(false, true) {
			c.log.Debug("reply callback evicted", "cid", cid, "proc", pc.proc)
			c.metrics.RepliesLost(c.service, "evicted", 1)
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: pending window: %v", mesherr.ErrConfig, err)
	}
	c.pending = pending

	c.unsubscribe = pool.Subscribe(c.onPoolEvent)
	for _, p := range pool.Providers() {
		if p.Link() == nil {
			go c.connect(p)
		}
	}
	return c, nil
}

// Service returns the remote service name.
func (c *Client) Service() string { return c.service }

// Pool returns the scheduler pool the client draws providers from.
func (c *Client) Pool() *scheduler.Pool { return c.pool }

// Close stops eager connects and drops every link opened for the pool.
func (c *Client) Close() {
	c.cancel()
	c.unsubscribe()
	c.pool.Each(func(p *provider.Provider) { p.DropLink() })
}

func (c *Client) onPoolEvent(ev scheduler.Event, p *provider.Provider) {
	c.metrics.SetPoolSize(c.service, c.pool.Len())
	switch ev {
	case scheduler.Added:
		go c.connect(p)
	case scheduler.Removed:
		c.abandon(p, "removed")
	}
}

func (c *Client) connect(p *provider.Provider) {
	if c.ctx.Err() != nil || p.Link() != nil || !c.dials.Begin(p) {
		return
	}
	defer c.dials.Done(p)
	if p.Link() != nil {
		return
	}
	if err := c.adapter.Connect(c.ctx, p, provider.KindRPC, c); err != nil {
		c.log.Warn("connect failed, removing provider", "provider", p.ID, "addr", p.Addr(provider.KindRPC), "error", err)
		c.pool.Remove(p)
		c.metrics.Evicted(c.service, "connect_failed")
		return
	}
	c.log.Debug("connected", "provider", p.ID, "addr", p.Addr(provider.KindRPC))
}

// Stub returns a callable for name. A trailing Callback (or func(*Reply))
// argument is stripped and receives the reply. Calls that cannot be sent
// are dropped silently.
func (c *Client) Stub(name string) func(args ...any) {
	return func(args ...any) {
		var cb Callback
		if n := len(args); n > 0 {
			switch f := args[n-1].(type) {
			case Callback:
				cb, args = f, args[:n-1]
			case func(*Reply):
				cb, args = f, args[:n-1]
			}
		}
		if err := c.Call(c.ctx, name, args, cb); err != nil {
			c.log.Debug("call dropped", "proc", name, "error", err)
		}
	}
}

// Call sends name(args...) to the next provider. When cb is non-nil a cid
// is allocated and cb runs at most once with the reply. The returned error
// says why a call never reached the wire; it never reports remote failure.
func (c *Client) Call(ctx context.Context, name string, args []any, cb Callback) error {
	if _, ok := c.names[name]; !ok && len(c.names) > 0 {
		return fmt.Errorf("%w: procedure %q not declared for %s", mesherr.ErrNotFound, name, c.service)
	}

	p := c.pool.Get()
	if p == nil {
		c.metrics.CallDropped(c.service, "no_provider")
		return ErrNoProvider
	}
	link := p.Link()
	if link == nil {
		c.metrics.CallDropped(c.service, "no_link")
		go c.connect(p)
		return ErrNoLink
	}

	encoded, err := encodeArgs(args)
	if err != nil {
		c.metrics.CallDropped(c.service, "encode")
		return err
	}
	msg := &message{Name: name, Args: encoded}
	if cb != nil {
		msg.CID = c.track(p, name, cb)
	}

	frame, err := c.ser.Serialize(msg)
	if err == nil {
		err = link.Send(ctx, frame)
	}
	if err != nil {
		if msg.CID != 0 {
			c.forget(msg.CID)
		}
		c.metrics.CallDropped(c.service, "send")
		return fmt.Errorf("send %s to %s: %w", name, p.ID, err)
	}

	c.metrics.CallSent(c.service, name)
	c.metrics.BytesSent(c.adapter.Type(), len(frame))
	return nil
}

func (c *Client) track(p *provider.Provider, name string, cb Callback) uint64 {
	c.idMu.Lock()
	defer c.idMu.Unlock()

	if uint64(c.pending.Len()) >= c.maxID {
		c.pending.RemoveOldest()
	}
	for {
		c.nextID++
		if c.nextID > c.maxID {
			c.nextID = 1
		}
		if !c.pending.Contains(c.nextID) {
			break
		}
	}
	c.pending.Add(c.nextID, &pendingCall{cb: cb, provider: p.ID, proc: name})
	return c.nextID
}

func (c *Client) forget(cid uint64) {
	if pc, ok := c.pending.Peek(cid); ok {
		pc.done.Store(true)
		c.pending.Remove(cid)
	}
}

// Pending returns the number of calls awaiting a reply.
func (c *Client) Pending() int {
	return c.pending.Len()
}

// HandleFrame implements transport.ClientHandler and delivers replies.
func (c *Client) HandleFrame(p *provider.Provider, frame []byte) {
	var msg message
	if err := c.ser.Deserialize(frame, &msg); err != nil {
		c.log.Debug("dropping malformed reply", "provider", p.ID, "error", err)
		return
	}
	if !msg.isReply() {
		return
	}

	pc, ok := c.pending.Peek(msg.RID)
	if !ok || !pc.done.CompareAndSwap(false, true) {
		c.log.Debug("reply for unknown or settled call", "rid", msg.RID)
		return
	}
	c.pending.Remove(msg.RID)

	reply := &Reply{Args: msg.Args, Err: msg.Error}
	go pc.cb(reply)
}

// ProviderDisconnected implements transport.ClientHandler: the provider
// leaves the pool and its in-flight calls are abandoned.
func (c *Client) ProviderDisconnected(p *provider.Provider) {
	c.log.Info("provider disconnected", "provider", p.ID, "addr", p.Addr(provider.KindRPC))
	c.abandon(p, "disconnected")
	if p.PoolID() != 0 {
		c.pool.Remove(p)
		c.metrics.Evicted(c.service, "disconnected")
	}
}

func (c *Client) abandon(p *provider.Provider, reason string) {
	n := 0
	for _, cid := range c.pending.Keys() {
		pc, ok := c.pending.Peek(cid)
		if !ok || pc.provider != p.ID {
			continue
		}
		if pc.done.CompareAndSwap(false, true) {
			n++
		}
		c.pending.Remove(cid)
	}
	if n > 0 {
		c.log.Debug("abandoned pending calls", "provider", p.ID, "count", n, "reason", reason)
		c.metrics.RepliesLost(c.service, reason, n)
	}
}
