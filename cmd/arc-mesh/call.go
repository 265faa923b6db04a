package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-mesh/internal/cli"
	"github.com/gezibash/arc-mesh/internal/config"
	"github.com/gezibash/arc-mesh/internal/rpc"
	"github.com/gezibash/arc-mesh/pkg/runtime"
)

func newCallCmd() *cobra.Command {
	v := viper.New()
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call <service> <procedure> [json-arg...]",
		Short: "Call a procedure on a discovered service",
		Long: `Wait for a provider of service to be discovered, call the procedure
with the given JSON arguments and print the reply.

Examples:
  arc-mesh call echo echo '"hello"'
  arc-mesh call echo sum 2 3 -o json`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			callArgs := parseArgs(args[2:])
			return cli.RunCommand(cli.CommandConfig{
				Name:       "call",
				Viper:      v,
				ConfigFile: configFile(cmd),
				Output:     outputFormat(cmd),
				Timeout:    timeout,
				Run: func(ctx context.Context, rt *runtime.Runtime, cfg config.Config, out *cli.Output) error {
					return call(ctx, rt, cfg, out, args[0], args[1], callArgs)
				},
			})
		},
	}

	config.BindCommonFlags(cmd, v)
	cmd.Flags().String("rpc-transport", "", "rpc transport (tcp, websocket, grpc, quic, nats)")
	cmd.Flags().String("nats-url", "", "NATS server for the nats transport")
	_ = v.BindPFlag("transport.rpc", cmd.Flags().Lookup("rpc-transport"))
	_ = v.BindPFlag("transport.nats_url", cmd.Flags().Lookup("nats-url"))
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "give up after this long")
	return cmd
}

func parseArgs(raw []string) []any {
	out := make([]any, len(raw))
	for i, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			// bare words are strings
			v = s
		}
		out[i] = v
	}
	return out
}

func call(ctx context.Context, rt *runtime.Runtime, cfg config.Config, out *cli.Output, service, name string, args []any) error {
	n, err := cli.NewNode(rt, cfg, cli.NodeOptions{Name: "call", Version: version})
	if err != nil {
		return err
	}
	client, err := n.Consume(ctx, service, []string{name})
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}
	if err := waitForLink(ctx, client); err != nil {
		return fmt.Errorf("no %s provider: %w", service, err)
	}

	start := time.Now()
	replies := make(chan *rpc.Reply, 1)
	err = client.Call(ctx, name, args, func(r *rpc.Reply) {
		select {
		case replies <- r:
		default:
		}
	})
	if err != nil {
		return err
	}

	select {
	case r := <-replies:
		if r.Err != "" {
			return fmt.Errorf("%s.%s: %s", service, name, r.Err)
		}
		res := out.Result("call", fmt.Sprintf("%s.%s", service, name)).
			With("reply", string(replyJSON(r))).
			With("latency", time.Since(start).Round(time.Microsecond).String())
		return res.Render()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitForLink(ctx context.Context, c *rpc.Client) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, p := range c.Pool().Providers() {
			if p.Link() != nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func replyJSON(r *rpc.Reply) []byte {
	b, err := json.Marshal(r.Args)
	if err != nil {
		return []byte(err.Error())
	}
	return b
}
