package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-mesh/internal/cli"
	"github.com/gezibash/arc-mesh/internal/config"
	"github.com/gezibash/arc-mesh/internal/discovery"
	"github.com/gezibash/arc-mesh/pkg/provider"
	"github.com/gezibash/arc-mesh/pkg/runtime"
)

func newListenCmd() *cobra.Command {
	v := viper.New()
	var names []string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print announcements as they arrive",
		Long: `Subscribe to the discovery backend and print every announcement.

Examples:
  arc-mesh listen
  arc-mesh listen --name echo --name chat -o json
  arc-mesh listen --discovery nats --discovery-opt url=nats://localhost:4222`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.RunCommand(cli.CommandConfig{
				Name:       "listen",
				Viper:      v,
				ConfigFile: configFile(cmd),
				Output:     outputFormat(cmd),
				Run: func(ctx context.Context, rt *runtime.Runtime, cfg config.Config, out *cli.Output) error {
					return listen(ctx, rt, cfg, out, names)
				},
			})
		},
	}

	config.BindCommonFlags(cmd, v)
	cmd.Flags().StringSliceVar(&names, "name", nil, "only print these services")
	return cmd
}

func listen(ctx context.Context, rt *runtime.Runtime, cfg config.Config, out *cli.Output, names []string) error {
	d, err := cli.NewDiscovery(ctx, cfg, rt.Metrics())
	if err != nil {
		return err
	}
	rt.OnClose("discovery", d.Stop)

	var filter discovery.Filter
	if len(names) > 0 {
		filter = discovery.Names(names...)
	}

	anns := make(chan announcement, 64)
	err = d.Listen(ctx, filter, func(err error, ann *provider.Announcement, info discovery.Info) {
		if err != nil {
			if errors.Is(err, discovery.ErrMalformedAnnouncement) {
				slog.Debug("malformed announcement", "source", info.Source)
			}
			return
		}
		select {
		case anns <- announcement{ann, info}:
		default:
			slog.Warn("dropping announcement, output is behind", "service", ann.Name)
		}
	})
	if err != nil {
		return err
	}
	rt.Log().Info("listening", "backend", d.Backend())

	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-anns:
			if err := renderAnnouncement(out, a); err != nil {
				return err
			}
		}
	}
}

type announcement struct {
	ann  *provider.Announcement
	info discovery.Info
}

func renderAnnouncement(out *cli.Output, a announcement) error {
	r := out.Result("announcement", a.ann.Name).
		With("id", a.ann.ID).
		With("version", a.ann.Version).
		With("host", a.ann.Host).
		With("source", a.info.Source).
		With("received", a.info.ReceivedAt.Format("15:04:05.000"))
	if a.ann.RPC != nil {
		r.With("rpc", a.ann.RPC.Type).With("procs", len(a.ann.RPC.API))
	}
	if a.ann.Channel != nil {
		r.With("channel", a.ann.Channel.Type).With("namespaces", len(a.ann.Channel.Namespaces))
	}
	return r.Render()
}
