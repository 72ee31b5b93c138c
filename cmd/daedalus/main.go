// Command daedalus runs with-items tasks, either in process or against remote
// executors over NATS JetStream, and hosts the executor side of that exchange.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
	commit  = "unknown"
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "daedalus",
		Short:         "With-items task engine and action executor",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		executorCmd(),
		runCmd(),
	)
	return root
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
