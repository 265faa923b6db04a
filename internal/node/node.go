// Package node wires one mesh process: it exposes procedures, mounts
// channel namespaces, consumes other services and keeps its announcement
// current on discovery.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/arc-mesh/internal/channel"
	"github.com/gezibash/arc-mesh/internal/discovery"
	"github.com/gezibash/arc-mesh/internal/lifecycle"
	"github.com/gezibash/arc-mesh/internal/middleware"
	"github.com/gezibash/arc-mesh/internal/observability"
	"github.com/gezibash/arc-mesh/internal/rpc"
	"github.com/gezibash/arc-mesh/internal/scheduler"
	"github.com/gezibash/arc-mesh/internal/transport"
	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

// DefaultHost is the advertised host when none is configured.
const DefaultHost = "127.0.0.1"

// Config describes one process.
type Config struct {
	Name    string
	Version string

	// Host is advertised to peers; Bind is where servers listen.
	Host string
	Bind string

	RPCPort     int
	ChannelPort int
	PublicPort  int

	// RPC carries procedure calls; Channel is the trusted link gateways
	// use; Public serves untrusted channel clients.
	RPC     transport.Adapter
	Channel transport.Adapter
	Public  transport.Adapter

	Discovery *discovery.Discovery
	Interval  time.Duration
	Timeout   time.Duration

	Strict  bool
	// Hooks run around every exposed procedure.
	Hooks   *middleware.Chain
	Metrics *observability.Metrics
}

// Node is one mesh process.
type Node struct {
	cfg     Config
	id      string
	tracker *lifecycle.Tracker

	mu        sync.Mutex
	rpcServer *rpc.Server
	rpcPort   int
	service   *channel.Service
	chanPort  int
	listeners []transport.Server
	clients   []*rpc.Client
	announcer *discovery.Announcer
	started   bool
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	log *slog.Logger
}

// New validates cfg. Nothing is bound until Expose, Mount or Start.
func New(cfg Config) (*Node, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: node needs a service name", mesherr.ErrConfig)
	}
	if cfg.Discovery == nil {
		return nil, fmt.Errorf("%w: node %q needs a discovery instance", mesherr.ErrConfig, cfg.Name)
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = provider.DefaultTimeout
	}
	id := uuid.NewString()
	return &Node{
		cfg:     cfg,
		id:      id,
		tracker: lifecycle.New(lifecycle.WithMetrics(cfg.Metrics)),
		log:     slog.Default().With("component", "node", "service", cfg.Name, "id", id),
	}, nil
}

// ID is the instance id carried in announcements.
func (n *Node) ID() string { return n.id }

// Tracker returns the lifecycle tracker fed by this node's listener.
func (n *Node) Tracker() *lifecycle.Tracker { return n.tracker }

// Expose serves procs on the rpc endpoint. A node exposes one registry;
// the registry is frozen from here on.
func (n *Node) Expose(ctx context.Context, procs *rpc.Registry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return mesherr.ErrClosed
	}
	if n.rpcServer != nil {
		return fmt.Errorf("%w: node %q already exposes procedures", mesherr.ErrAlreadyExists, n.cfg.Name)
	}
	if n.cfg.RPC == nil {
		return fmt.Errorf("%w: node %q has no rpc adapter", mesherr.ErrConfig, n.cfg.Name)
	}

	opts := []rpc.ServerOption{rpc.WithServerMetrics(n.cfg.Metrics), rpc.WithHooks(n.cfg.Hooks)}
	if n.cfg.Strict {
		opts = append(opts, rpc.WithStrict())
	}
	srv, err := rpc.NewServer(n.cfg.RPC, procs, opts...)
	if err != nil {
		return err
	}
	l, err := srv.Listen(ctx, n.cfg.Bind, n.cfg.RPCPort)
	if err != nil {
		return fmt.Errorf("listen rpc: %w", err)
	}
	n.rpcServer, n.rpcPort = srv, l.Port()
	n.listeners = append(n.listeners, l)
	n.log.Info("exposing procedures", "procs", procs.Names(), "transport", n.cfg.RPC.Type(), "port", n.rpcPort)
	return n.refreshLocked()
}

// Mount hosts channel namespaces. Adapters left nil in cfg come from the
// node; the trusted endpoint is announced, the public one is not.
func (n *Node) Mount(ctx context.Context, cfg channel.ServiceConfig) (*channel.Service, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, mesherr.ErrClosed
	}
	if n.service != nil {
		return nil, fmt.Errorf("%w: node %q already mounts namespaces", mesherr.ErrAlreadyExists, n.cfg.Name)
	}
	if cfg.Backend == nil {
		cfg.Backend = n.cfg.Channel
	}
	if cfg.Public == nil {
		cfg.Public = n.cfg.Public
	}
	if cfg.Metrics == nil {
		cfg.Metrics = n.cfg.Metrics
	}

	svc, err := channel.NewService(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Backend != nil {
		l, err := svc.ListenBackend(ctx, n.cfg.Bind, n.cfg.ChannelPort)
		if err != nil {
			_ = svc.Close()
			return nil, fmt.Errorf("listen channel backend: %w", err)
		}
		n.chanPort = l.Port()
	}
	if cfg.Public != nil {
		l, err := svc.ListenPublic(ctx, n.cfg.Bind, n.cfg.PublicPort)
		if err != nil {
			_ = svc.Close()
			return nil, fmt.Errorf("listen channel clients: %w", err)
		}
		n.log.Info("channel clients listening", "transport", cfg.Public.Type(), "port", l.Port())
	}
	if err := svc.Start(ctx); err != nil {
		_ = svc.Close()
		return nil, err
	}
	n.service = svc
	return svc, n.refreshLocked()
}

// Watch returns a pool fed with every provider announcing service, keyed on
// the endpoint of kind.
func (n *Node) Watch(service string, kind provider.Kind) (*scheduler.Pool, error) {
	pool := scheduler.New(service)
	if err := n.tracker.Watch(service, pool, kind); err != nil {
		return nil, err
	}
	return pool, nil
}

// WatchExpr is Watch with a CEL selector over name, version and host.
func (n *Node) WatchExpr(name, expr string, kind provider.Kind) (*scheduler.Pool, error) {
	pool := scheduler.New(name)
	if err := n.tracker.WatchExpr(expr, pool, kind); err != nil {
		return nil, err
	}
	return pool, nil
}

// Consume returns a client for the procedures of service. Providers are
// found through discovery and dropped on timeout or disconnect.
func (n *Node) Consume(ctx context.Context, service string, names []string, opts ...rpc.ClientOption) (*rpc.Client, error) {
	if n.cfg.RPC == nil {
		return nil, fmt.Errorf("%w: node %q has no rpc adapter", mesherr.ErrConfig, n.cfg.Name)
	}
	pool, err := n.Watch(service, provider.KindRPC)
	if err != nil {
		return nil, err
	}
	opts = append([]rpc.ClientOption{rpc.WithClientMetrics(n.cfg.Metrics)}, opts...)
	c, err := rpc.NewClient(ctx, service, n.cfg.RPC, pool, names, opts...)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.clients = append(n.clients, c)
	n.mu.Unlock()
	return c, nil
}

// Start listens for announcements, runs the liveness sweep and, when the
// node serves anything, starts announcing.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return mesherr.ErrClosed
	}
	if n.started {
		return nil
	}
	n.ctx, n.cancel = context.WithCancel(ctx)

	if err := n.cfg.Discovery.Listen(n.ctx, n.tracker.Filter(), n.tracker.Handle); err != nil {
		n.cancel()
		return err
	}
	n.started = true

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.tracker.Run(n.ctx)
	}()

	return n.refreshLocked()
}

// Announcement is the current capability snapshot, or nil when the node
// serves nothing.
func (n *Node) Announcement() *provider.Announcement {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.announcementLocked()
}

func (n *Node) announcementLocked() *provider.Announcement {
	if n.rpcServer == nil && (n.service == nil || n.chanPort == 0) {
		return nil
	}
	ann := &provider.Announcement{
		Name:    n.cfg.Name,
		Version: n.cfg.Version,
		Host:    n.cfg.Host,
		ID:      n.id,
		Timeout: n.cfg.Timeout.Milliseconds(),
	}
	if n.rpcServer != nil {
		ann.RPC = &provider.RPCDescriptor{
			Type: n.cfg.RPC.Type(),
			Port: n.rpcPort,
			API:  n.rpcServer.API(),
		}
	}
	if n.service != nil && n.chanPort != 0 {
		ann.Channel = n.service.Descriptor(n.chanPort)
	}
	return ann
}

// refreshLocked regenerates the announcement and hands it to the announcer,
// starting one on first use.
func (n *Node) refreshLocked() error {
	if !n.started {
		return nil
	}
	ann := n.announcementLocked()
	if ann == nil {
		return nil
	}
	if n.announcer != nil {
		return n.announcer.Update(ann)
	}
	a, err := n.cfg.Discovery.Announce(n.ctx, ann, n.cfg.Interval)
	if err != nil {
		return err
	}
	n.announcer = a
	return nil
}

// Services lists the capability names this node announces.
func (n *Node) Services() []string {
	ann := n.Announcement()
	if ann == nil {
		return nil
	}
	var out []string
	if ann.RPC != nil {
		for name := range ann.RPC.API {
			out = append(out, "rpc:"+name)
		}
	}
	if ann.Channel != nil {
		for ns := range ann.Channel.Namespaces {
			out = append(out, "channel:"+ns)
		}
	}
	sort.Strings(out)
	return out
}

// Close stops announcing and listening and releases every endpoint.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	if n.cancel != nil {
		n.cancel()
	}
	announcer, clients, service, listeners := n.announcer, n.clients, n.service, n.listeners
	n.mu.Unlock()

	if announcer != nil {
		announcer.Stop()
	}
	for _, c := range clients {
		c.Close()
	}
	var errs []error
	if service != nil {
		errs = append(errs, service.Close())
	}
	for _, l := range listeners {
		errs = append(errs, l.Close())
	}
	errs = append(errs, n.cfg.Discovery.Stop())
	n.wg.Wait()
	return errors.Join(errs...)
}
