package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-mesh/internal/channel"
	"github.com/gezibash/arc-mesh/internal/cli"
	"github.com/gezibash/arc-mesh/internal/config"
	"github.com/gezibash/arc-mesh/internal/middleware"
	"github.com/gezibash/arc-mesh/internal/rpc"
	"github.com/gezibash/arc-mesh/pkg/runtime"
)

func newServeCmd() *cobra.Command {
	v := viper.New()
	var (
		name   string
		public bool
		strict bool
		deny   []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a demo provider",
		Long: `Run a provider exposing the procedures echo and sum and the channel
namespace /echo. Clients joining any channel of /echo may request "echo";
every echo is also published to the channel as "echoed".

Examples:
  arc-mesh serve                                  # multicast discovery, tcp
  arc-mesh serve --public --public-port 8080      # accept websocket clients
  arc-mesh serve --discovery redis --discovery-opt addr=localhost:6379
  arc-mesh serve --rpc-transport grpc --channel-transport quic`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.RunCommand(cli.CommandConfig{
				Name:       "serve",
				Viper:      v,
				ConfigFile: configFile(cmd),
				Output:     outputFormat(cmd),
				Run: func(ctx context.Context, rt *runtime.Runtime, cfg config.Config, out *cli.Output) error {
					pre, post := middleware.Logging(rt.Log())
					hooks := &middleware.Chain{Pre: []middleware.Hook{pre}, Post: []middleware.Hook{post}}
					if len(deny) > 0 {
						hooks.Pre = append([]middleware.Hook{middleware.Deny(deny...)}, hooks.Pre...)
					}
					return serve(ctx, rt, cfg, out, cli.NodeOptions{Name: name, Version: version, Public: public, Strict: strict, Hooks: hooks})
				},
			})
		},
	}

	config.BindCommonFlags(cmd, v)
	config.BindServerFlags(cmd, v)
	cmd.Flags().StringVar(&name, "name", "echo", "service name to announce")
	cmd.Flags().BoolVar(&public, "public", false, "serve channel clients directly")
	cmd.Flags().BoolVar(&strict, "strict", false, "answer unknown procedures with an error")
	cmd.Flags().StringSliceVar(&deny, "deny", nil, "procedures to reject")
	return cmd
}

func serve(ctx context.Context, rt *runtime.Runtime, cfg config.Config, out *cli.Output, opts cli.NodeOptions) error {
	n, err := cli.NewNode(rt, cfg, opts)
	if err != nil {
		return err
	}
	if err := n.Expose(ctx, echoProcedures()); err != nil {
		return err
	}

	auth, err := sessionAuth(cfg)
	if err != nil {
		return err
	}
	svc, err := n.Mount(ctx, channel.ServiceConfig{
		Namespaces:   []*channel.Namespace{echoNamespace(auth)},
		SendQueue:    cfg.Channel.SendQueue,
		Inbox:        cfg.Channel.Inbox,
		ReapInterval: cfg.Channel.ReapInterval,
		StallTimeout: cfg.Channel.StallTimeout,
		IdleTimeout:  cfg.Channel.IdleTimeout,
	})
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}
	rt.SetHealth(func() error {
		if n.Announcement() == nil {
			return fmt.Errorf("nothing announced")
		}
		return nil
	})

	ann := n.Announcement()
	kv := out.KV("serve").
		Set("Service", ann.Name).
		Set("ID", ann.ID).
		Set("Discovery", cfg.Discovery.Backend)
	if ann.RPC != nil {
		kv.Set("RPC", fmt.Sprintf("%s :%d", ann.RPC.Type, ann.RPC.Port))
	}
	if ann.Channel != nil {
		kv.Set("Channel", fmt.Sprintf("%s :%d", ann.Channel.Type, ann.Channel.Endpoint))
	}
	kv.Set("Exposes", strings.Join(n.Services(), " "))
	if err := kv.Render(); err != nil {
		return err
	}

	<-ctx.Done()
	rt.Log().Info("stopping", "clients", svc.Clients(), "members", svc.Members())
	return nil
}

func echoProcedures() *rpc.Registry {
	procs := rpc.NewRegistry()
	procs.MustRegister("echo", []string{"value"}, func(_ context.Context, call *rpc.Call) {
		var v json.RawMessage
		if err := call.Bind(&v); err != nil {
			_ = call.Reply(nil, err.Error())
			return
		}
		_ = call.Reply(v)
	})
	procs.MustRegister("sum", []string{"a", "b"}, func(_ context.Context, call *rpc.Call) {
		var a, b float64
		if err := call.Bind(&a, &b); err != nil {
			_ = call.Reply(nil, err.Error())
			return
		}
		_ = call.Reply(a + b)
	})
	return procs
}

func echoNamespace(auth channel.AuthFunc) *channel.Namespace {
	return &channel.Namespace{
		Name: "/echo",
		Auth: auth,
		Join: func(_ context.Context, _ *channel.Session, _ string, next func(rep, sub []string)) {
			next([]string{"echo"}, []string{"echoed"})
		},
		Left: func(sess *channel.Session, chn, reason string) {
			if sess != nil {
				slog.Debug("member left", "session", sess.ID, "channel", chn, "reason", reason)
			}
		},
		Error: func(err error) {
			slog.Warn("echo namespace", "error", err)
		},
		Events: map[string]channel.Handler{
			"echo": func(_ context.Context, svc channel.Publisher, req *channel.Request) {
				var v json.RawMessage
				if err := req.Bind(&v); err != nil {
					return
				}
				if req.ExpectsReply() {
					_ = req.Reply(v)
				}
				var from string
				if req.Session != nil {
					from = req.Session.ID
				}
				_ = svc.PubChn(req.NS, req.Channel, "echoed", from, v)
			},
		},
	}
}
