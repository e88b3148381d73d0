// Command enginehostd runs the engine-host daemon: a scheduler, a
// source-queue table, a channel registry, a blocking coordinator, and one
// engine factory, wired together with the optional
// observability/storage stack behind a root-command-plus-daemon-subcommand
// CLI shape.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "enginehostd",
		Short: "enginehostd runs the embedded-engine hosting daemon",
		Long:  "enginehostd pools and dispatches calls against an embedded script engine, consumed as an external FFI.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (JSON or YAML; optional, env overrides still apply)")

	rootCmd.AddCommand(daemonCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
