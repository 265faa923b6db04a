package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:   "arc-mesh",
		Short: "Arc mesh - discovery, rpc and channels",
		Long: `Arc mesh nodes announce what they serve over a discovery backend
and reach each other over pluggable transports.

Server:
  arc-mesh serve         Run a demo provider (rpc echo and /echo channel)
  arc-mesh gateway       Accept clients and bridge them to channel services

Client:
  arc-mesh call          Call a procedure on a discovered service
  arc-mesh providers     List providers seen on discovery
  arc-mesh listen        Print announcements as they arrive`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("output", "o", "text", "output format (text, json, markdown)")

	rootCmd.AddCommand(
		newServeCmd(),
		newGatewayCmd(),
		newCallCmd(),
		newProvidersCmd(),
		newListenCmd(),
		newVersionCmd(),
	)

	return rootCmd.Execute()
}

func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output")
	return f
}

func configFile(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("config")
	return f
}
