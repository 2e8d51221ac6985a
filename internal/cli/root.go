// Package cli implements the huddle command line.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Execute runs the huddle command tree. Interrupts cancel the command context.
func Execute(version string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd(version).ExecuteContext(ctx)
}

func newRootCmd(version string) *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "huddle",
		Short:         "Team chat with a shared channel and direct messages",
		Long:          "huddle keeps a broadcast channel and private conversations in a local SQLite store,\nwith live updates from the store's change log or a RabbitMQ relay.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default: ~/.config/huddle/config.yaml)")
	flags.String("db", "", "SQLite database path")
	flags.StringVar(&a.as, "as", "", "act as this user (default: the identity saved by 'huddle use')")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "", "log format (auto, json, console)")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address (long-running commands)")

	cmd.AddCommand(
		newSendCmd(a),
		newLogCmd(a),
		newUnreadCmd(a),
		newReadCmd(a),
		newRmCmd(a),
		newUsersCmd(a),
		newUseCmd(a),
		newWhoamiCmd(a),
		newWatchCmd(a),
		newChatCmd(a),
		newRelayCmd(a),
	)

	return cmd
}
