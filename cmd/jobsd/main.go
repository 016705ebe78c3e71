// Command jobsd runs the conversational host daemon: it wires the
// configured stores, the reasoning-engine caller and the trigger sources,
// then serves owner input on stdin until interrupted.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "jobsd",
		Short:         "Multi-identity conversational host with durable tasks and triggers",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.AddCommand(newServeCmd())
	return rootCmd
}
