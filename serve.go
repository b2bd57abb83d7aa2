package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xiaot623/conductor/internal/app"
	"github.com/xiaot623/conductor/internal/config"
	"github.com/xiaot623/conductor/internal/log"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conductor server",
	Long: `Start the HTTP API (with WebSocket channel and /metrics), the JSON-RPC
server and the deadline monitor. Settings come from --config and the
environment, e.g. HTTP_PORT, DATABASE_URL, LLM_BASE_URL, AGENTS_FILE.

On SIGINT or SIGTERM running executions are suspended at their last
checkpoint; continue them with POST /v1/threads/:thread_id/resume.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.SetLevel(cfg.LogLevel)

	log.Infof("Starting conductor...")
	log.Infof("HTTP port: %d, RPC port: %d", cfg.HTTPPort, cfg.RPCPort)
	log.Infof("Database: %s", cfg.DatabaseURL)
	log.Infof("Model endpoint: %s (%s)", cfg.LLM.BaseURL, cfg.LLM.Model)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := a.Run(ctx)

	log.Infof("Shutting down conductor...")
	if err := a.Close(); err != nil {
		log.Warnf("failed to close store: %v", err)
	}
	log.Infof("Conductor stopped")
	return runErr
}
