// ABOUTME: Entry point for the coven-desk customer messaging server
// ABOUTME: Builds the cobra command tree for serving, setup and maintenance commands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

const banner = `
                                      _           _
  ___ _____   _____ _ __          __| | ___  ___| | __
 / __/ _ \ \ / / _ \ '_ \ _____ / _' |/ _ \/ __| |/ /
| (_| (_) \ V /  __/ | | |_____| (_| |  __/\__ \   <
 \___\___/ \_/ \___|_| |_|      \__,_|\___||___/_|\_\
`

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "coven-desk",
		Short:         "WhatsApp customer desk for a pool of human agents",
		Long:          "coven-desk receives WhatsApp customer messages, assigns each customer to an agent and dispatches agent replies through the Cloud API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default $COVEN_DESK_CONFIG or $XDG_CONFIG_HOME/coven-desk/desk.yaml)")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newInitCmd(&configPath))
	cmd.AddCommand(newHealthCmd(&configPath))
	cmd.AddCommand(newAgentCmd(&configPath))
	cmd.AddCommand(newAdminCmd(&configPath))
	cmd.AddCommand(newMigrateMediaCmd(&configPath))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "coven-desk %s (commit: %s)\n", version, commit)
		},
	}
}

func execute(ctx context.Context, cmd *cobra.Command) int {
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, newRootCmd())
	cancel()
	os.Exit(code)
}
