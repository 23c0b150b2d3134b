package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mbocsi/camlink/app"
	"github.com/mbocsi/camlink/config"
)

func NewRunCommand() *cobra.Command {
	var (
		configPath string
		role       string
		connection string
		webAddr    string
		mcpEnabled bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start pairing and serve the local control surfaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("role") {
				cfg.Role = role
			}
			if flags.Changed("connection") {
				cfg.Connection = connection
			}
			if flags.Changed("web-addr") {
				cfg.Web.Enabled = webAddr != ""
				cfg.Web.Addr = webAddr
			}
			if flags.Changed("mcp") {
				cfg.MCP.Enabled = mcpEnabled
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "camlink.yaml", "Path to the YAML config file")
	cmd.Flags().StringVar(&role, "role", "", "Device role: capture or view")
	cmd.Flags().StringVar(&connection, "connection", "", "Connection type: auto, network, direct, aware or robust")
	cmd.Flags().StringVar(&webAddr, "web-addr", "", "Address of the status page, empty to disable it")
	cmd.Flags().BoolVar(&mcpEnabled, "mcp", false, "Serve MCP tools on stdio")

	return cmd
}

func run(cfg *config.Config) error {
	// stdout belongs to the MCP protocol when it is enabled.
	out := os.Stdout
	if cfg.MCP.Enabled {
		out = os.Stderr
	}
	if err := app.SetupLoggerTo(out, cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}

	a, err := app.New(cfg, version)
	if err != nil {
		slog.Error("Failed to build app", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting camlink", "version", version, "role", cfg.Role, "connection", cfg.Connection)
	if err := a.Run(ctx); err != nil {
		slog.Error("camlink stopped with error", "error", err)
		return err
	}
	return nil
}
