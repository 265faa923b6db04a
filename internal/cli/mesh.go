package cli

import (
	"context"
	"fmt"

	"github.com/gezibash/arc-mesh/internal/config"
	"github.com/gezibash/arc-mesh/internal/discovery"
	"github.com/gezibash/arc-mesh/internal/middleware"
	"github.com/gezibash/arc-mesh/internal/node"
	"github.com/gezibash/arc-mesh/internal/observability"
	"github.com/gezibash/arc-mesh/internal/transport"
	"github.com/gezibash/arc-mesh/pkg/runtime"

	// Register discovery backends
	_ "github.com/gezibash/arc-mesh/internal/discovery/memberlist"
	_ "github.com/gezibash/arc-mesh/internal/discovery/multicast"
	_ "github.com/gezibash/arc-mesh/internal/discovery/nats"
	_ "github.com/gezibash/arc-mesh/internal/discovery/redis"

	// Register transport adapters
	_ "github.com/gezibash/arc-mesh/internal/transport/grpc"
	_ "github.com/gezibash/arc-mesh/internal/transport/nats"
	_ "github.com/gezibash/arc-mesh/internal/transport/quic"
	_ "github.com/gezibash/arc-mesh/internal/transport/tcp"
	_ "github.com/gezibash/arc-mesh/internal/transport/websocket"
)

// NewDiscovery creates a Discovery instance over the configured backend.
func NewDiscovery(ctx context.Context, cfg config.Config, m *observability.Metrics) (*discovery.Discovery, error) {
	b, err := discovery.NewBackend(ctx, cfg.Discovery.Backend, cfg.Discovery.Config, m)
	if err != nil {
		return nil, err
	}
	return discovery.New(b, discovery.Options{Interval: cfg.Discovery.Interval, Metrics: m}), nil
}

// NewAdapter builds the adapter named typ. An empty type returns nil.
func NewAdapter(typ string, cfg config.Config, m *observability.Metrics) (transport.Adapter, error) {
	if typ == "" {
		return nil, nil
	}
	opts := cfg.Transport.Options()
	opts.Metrics = m
	return transport.New(typ, opts)
}

// NodeOptions selects which endpoints a command opens.
type NodeOptions struct {
	Name    string
	Version string
	Public  bool
	Strict  bool
	Hooks   *middleware.Chain
}

// NewNode wires a node from the configuration and registers its Close
// with the runtime.
func NewNode(rt *runtime.Runtime, cfg config.Config, opts NodeOptions) (*node.Node, error) {
	m := rt.Metrics()
	d, err := NewDiscovery(rt.Context(), cfg, m)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}

	rpcAdapter, err := NewAdapter(cfg.Transport.RPC, cfg, m)
	if err != nil {
		return nil, fmt.Errorf("rpc transport: %w", err)
	}
	chanAdapter, err := NewAdapter(cfg.Transport.Channel, cfg, m)
	if err != nil {
		return nil, fmt.Errorf("channel transport: %w", err)
	}
	var public transport.Adapter
	if opts.Public {
		if public, err = NewAdapter(cfg.Transport.Public, cfg, m); err != nil {
			return nil, fmt.Errorf("public transport: %w", err)
		}
	}

	name := opts.Name
	if cfg.Name != "" {
		name = cfg.Name
	}
	version := cfg.Version
	if version == "" {
		version = opts.Version
	}

	n, err := node.New(node.Config{
		Name:        name,
		Version:     version,
		Host:        cfg.Host,
		Bind:        cfg.Bind,
		RPCPort:     cfg.Transport.RPCPort,
		ChannelPort: cfg.Transport.ChannelPort,
		PublicPort:  cfg.Transport.PublicPort,
		RPC:         rpcAdapter,
		Channel:     chanAdapter,
		Public:      public,
		Discovery:   d,
		Interval:    cfg.Discovery.Interval,
		Timeout:     cfg.Timeout,
		Strict:      opts.Strict,
		Hooks:       opts.Hooks,
		Metrics:     m,
	})
	if err != nil {
		_ = d.Stop()
		return nil, err
	}
	rt.OnClose("node", n.Close)
	return n, nil
}
