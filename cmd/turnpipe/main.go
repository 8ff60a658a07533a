// Command turnpipe exercises the agent event pipeline from the terminal. The
// demo command walks a scripted multi-agent conversation through an in-memory
// pipeline and then reconstructs it from storage; the soak command drives
// concurrent sessions through the backends named in the config file.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"goa.design/clue/log"
)

var (
	configPath string
	debugLogs  bool
)

var rootCmd = &cobra.Command{
	Use:          "turnpipe",
	Short:        "Agent event pipeline tooling",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML config file (built-in defaults when unset)")
	rootCmd.PersistentFlags().BoolVar(&debugLogs, "debug", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// commandContext builds the logging context shared by all subcommands.
func commandContext() context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if debugLogs {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return ctx
}
