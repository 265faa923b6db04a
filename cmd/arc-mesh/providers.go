package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-mesh/internal/cli"
	"github.com/gezibash/arc-mesh/internal/config"
	"github.com/gezibash/arc-mesh/pkg/provider"
	"github.com/gezibash/arc-mesh/pkg/runtime"
)

func newProvidersCmd() *cobra.Command {
	v := viper.New()
	var (
		expr string
		wait time.Duration
	)

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List providers seen on discovery",
		Long: `Listen for announcements for a while and list the providers seen.

--filter takes a CEL expression over name, version, host, id, transport,
procs and namespaces.

Examples:
  arc-mesh providers
  arc-mesh providers --filter 'name == "echo"' --wait 5s
  arc-mesh providers --filter '"/chat" in namespaces' -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.RunCommand(cli.CommandConfig{
				Name:       "providers",
				Viper:      v,
				ConfigFile: configFile(cmd),
				Output:     outputFormat(cmd),
				Run: func(ctx context.Context, rt *runtime.Runtime, cfg config.Config, out *cli.Output) error {
					return listProviders(ctx, rt, cfg, out, expr, wait)
				},
			})
		},
	}

	config.BindCommonFlags(cmd, v)
	cmd.Flags().StringVar(&expr, "filter", "true", "CEL selector")
	cmd.Flags().DurationVar(&wait, "wait", 3*time.Second, "how long to listen")
	return cmd
}

func listProviders(ctx context.Context, rt *runtime.Runtime, cfg config.Config, out *cli.Output, expr string, wait time.Duration) error {
	n, err := cli.NewNode(rt, cfg, cli.NodeOptions{Name: "providers", Version: version})
	if err != nil {
		return err
	}
	rpcPool, err := n.WatchExpr("providers-rpc", expr, provider.KindRPC)
	if err != nil {
		return err
	}
	chanPool, err := n.WatchExpr("providers-channel", expr, provider.KindChannel)
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}

	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}

	// a provider serving both kinds sits in both pools
	seen := make(map[string]bool)
	var all []*provider.Provider
	for _, p := range append(rpcPool.Providers(), chanPool.Providers()...) {
		if !seen[p.ID] {
			seen[p.ID] = true
			all = append(all, p)
		}
	}
	return cli.ProviderTable(out, all, time.Now()).Render()
}
