package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/gezibash/arc-mesh/internal/channel"
	"github.com/gezibash/arc-mesh/internal/cli"
	"github.com/gezibash/arc-mesh/internal/config"
	"github.com/gezibash/arc-mesh/internal/scheduler"
	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
	"github.com/gezibash/arc-mesh/pkg/provider"
	"github.com/gezibash/arc-mesh/pkg/runtime"
)

func newGatewayCmd() *cobra.Command {
	v := viper.New()
	var (
		routes     map[string]string
		sub        []string
		healthAddr string
	)

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Accept clients and bridge them to channel services",
		Long: `Run a gateway. Clients connect to the public endpoint and go through
the handshake here; admitted requests are forwarded to a service announcing
the namespace, and publications flow back.

Each --route maps a namespace to the service name hosting it. A joining
client may request the events the service announces for the namespace and
receives the events listed with --sub.

Examples:
  arc-mesh gateway --route /echo=echo --sub echoed
  arc-mesh gateway --route /chat=chat --public-port 8080 --health-addr :50051`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(routes) == 0 {
				return fmt.Errorf("at least one --route is required")
			}
			return cli.RunCommand(cli.CommandConfig{
				Name:       "gateway",
				Viper:      v,
				ConfigFile: configFile(cmd),
				Output:     outputFormat(cmd),
				Run: func(ctx context.Context, rt *runtime.Runtime, cfg config.Config, out *cli.Output) error {
					return runGateway(ctx, rt, cfg, out, routes, sub, healthAddr)
				},
			})
		},
	}

	config.BindCommonFlags(cmd, v)
	config.BindServerFlags(cmd, v)
	cmd.Flags().StringToStringVar(&routes, "route", nil, "namespace=service (repeatable)")
	cmd.Flags().StringSliceVar(&sub, "sub", nil, "events pushed to joined clients")
	cmd.Flags().StringVar(&healthAddr, "health-addr", "", "gRPC health check listen address (empty disables)")
	return cmd
}

func runGateway(ctx context.Context, rt *runtime.Runtime, cfg config.Config, out *cli.Output, routes map[string]string, sub []string, healthAddr string) error {
	n, err := cli.NewNode(rt, cfg, cli.NodeOptions{Name: "gateway", Version: version})
	if err != nil {
		return err
	}
	public, err := cli.NewAdapter(cfg.Transport.Public, cfg, rt.Metrics())
	if err != nil {
		return err
	}
	backend, err := cli.NewAdapter(cfg.Transport.Channel, cfg, rt.Metrics())
	if err != nil {
		return err
	}
	auth, err := sessionAuth(cfg)
	if err != nil {
		return err
	}

	pools := make(map[string]*scheduler.Pool)
	backends := make(map[string]*scheduler.Pool, len(routes))
	var spaces []*channel.Namespace
	for ns, service := range routes {
		pool := pools[service]
		if pool == nil {
			if pool, err = n.Watch(service, provider.KindChannel); err != nil {
				return err
			}
			pools[service] = pool
		}
		backends[ns] = pool
		spaces = append(spaces, &channel.Namespace{
			Name: ns,
			Auth: auth,
			Join: announcedJoin(ns, pool, sub),
		})
	}

	gw, err := channel.NewGateway(channel.GatewayConfig{
		Namespaces:   spaces,
		Backends:     backends,
		Public:       public,
		Adapter:      backend,
		SendQueue:    cfg.Channel.SendQueue,
		Inbox:        cfg.Channel.Inbox,
		MaxPending:   cfg.Channel.MaxPending,
		ReapInterval: cfg.Channel.ReapInterval,
		StallTimeout: cfg.Channel.StallTimeout,
		IdleTimeout:  cfg.Channel.IdleTimeout,
		Metrics:      rt.Metrics(),
	})
	if err != nil {
		return err
	}
	rt.OnClose("gateway", gw.Close)

	if err := n.Start(ctx); err != nil {
		return err
	}
	if err := gw.Start(ctx); err != nil {
		return err
	}
	srv, err := gw.Listen(ctx, cfg.Bind, cfg.Transport.PublicPort)
	if err != nil {
		return err
	}

	rt.SetHealth(func() error {
		for ns, pool := range backends {
			if pool.Len() == 0 {
				return fmt.Errorf("%w: no backend for %s", mesherr.ErrNotConnected, ns)
			}
		}
		return nil
	})

	kv := out.KV("gateway").
		Set("Public", fmt.Sprintf("%s :%d", public.Type(), srv.Port())).
		Set("Backend transport", backend.Type()).
		Set("Routes", formatRoutes(routes))
	if err := kv.Render(); err != nil {
		return err
	}

	if healthAddr == "" {
		<-ctx.Done()
		slog.Info("shutting down", "clients", gw.Clients())
		return nil
	}
	return serveHealth(ctx, rt, healthAddr)
}

// announcedJoin admits any channel and grants the request events the
// backends announce for ns.
func announcedJoin(ns string, pool *scheduler.Pool, sub []string) channel.JoinFunc {
	return func(_ context.Context, _ *channel.Session, _ string, next func(rep, sub []string)) {
		seen := make(map[string]struct{})
		var rep []string
		for _, p := range pool.Providers() {
			for _, ev := range p.Namespaces[ns].RepEvents {
				if _, ok := seen[ev]; !ok {
					seen[ev] = struct{}{}
					rep = append(rep, ev)
				}
			}
		}
		sort.Strings(rep)
		next(rep, sub)
	}
}

// healthPoll is how often the gRPC health status follows the runtime check.
const healthPoll = time.Second

// serveHealth runs a gRPC health endpoint reporting SERVING while the
// runtime health check passes.
func serveHealth(ctx context.Context, rt *runtime.Runtime, addr string) error {
	grpcServer := grpc.NewServer()
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, hs)

	lc := net.ListenConfig{}
	lis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen health: %w", err)
	}
	slog.Info("health listening", "addr", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	go followHealth(ctx, hs, rt.CheckHealth, healthPoll)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		hs.Shutdown()
		grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// followHealth sets the overall serving status from check, immediately and
// then every interval, until ctx is done.
func followHealth(ctx context.Context, hs *health.Server, check func() error, interval time.Duration) {
	last := grpc_health_v1.HealthCheckResponse_UNKNOWN
	update := func() {
		status := grpc_health_v1.HealthCheckResponse_SERVING
		err := check()
		if err != nil {
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
		if status != last {
			slog.Info("health changed", "status", status.String(), "error", err)
			hs.SetServingStatus("", status)
			last = status
		}
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}

func formatRoutes(routes map[string]string) string {
	parts := make([]string, 0, len(routes))
	for ns, service := range routes {
		parts = append(parts, ns+"="+service)
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
