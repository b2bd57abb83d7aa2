package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Multi-agent task delegation orchestrator",
	Long: `Conductor runs agent executions: it routes requests to sub-agents,
runs tool calls in parallel under a hierarchical timeout budget, checkpoints
every step so executions survive restarts, and pauses for human approval
when policy requires it.

Run "conductor serve" to start the server; the other commands are clients
of its HTTP API.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("CONDUCTOR_URL", "http://localhost:8080"), "conductor HTTP address for client commands")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(eventsCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
