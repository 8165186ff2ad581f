// ABOUTME: serve command that loads config, prints the startup banner and runs the gateway
// ABOUTME: Blocks until SIGINT/SIGTERM, then shuts the gateway down gracefully

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-desk/internal/config"
	"github.com/2389/coven-desk/internal/gateway"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the desk server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, config.ResolvePath(*configPath))
		},
	}
}

func runServe(cmd *cobra.Command, configPath string) error {
	ctx := cmd.Context()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Phone:     %s ", cfg.Provider.PhoneNumberID)
	gray.Printf("(%s, media %s)\n", cfg.Provider.APIVersion, cfg.Provider.MediaPolicy)
	if cfg.Events.AMQPURL != "" {
		green.Print("    ▶ ")
		fmt.Printf("Events:    exchange %s\n", cfg.Events.Exchange)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled: no jwt_secret configured")
	}

	fmt.Println()

	logger.Info("starting coven-desk",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
