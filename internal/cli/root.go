// Package cli implements the target-api command line.
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "target-api",
		Short: "Singer target delivering records to an HTTP API",
		Long: `target-api reads Singer messages from stdin and delivers the records of
every stream to a configured HTTP endpoint, one by one or in batches.

Delivery outcomes are kept per stream as bookmarks and a summary, persisted
to the state file once the input is exhausted and echoed to stdout as a
STATE message.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the JSON or YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error); defaults to TARGET_API_LOG_LEVEL or info")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))

	return cmd
}
