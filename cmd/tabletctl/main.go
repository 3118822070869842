package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shardkit/tabletclient/pkg/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tabletctl",
	Short: "tabletctl drives and serves a sharded tablet client's batching layer",
	Long: `tabletctl runs a driver process that batches writes and reads across
tablets, resolving tablet locations through a meta-cache and dispatching one
RPC per (tablet, op group) per flush cycle.

It also doubles as a client: put/get talk to a running driver over its
gRPC API the way an application SDK would.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(tabletServerCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	if level == "" {
		level = "info"
	}
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}
