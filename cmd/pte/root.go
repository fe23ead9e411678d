package main

import (
	"context"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/pte-agent/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "pte",
	Short: "PTE - a Plan-then-Execute agent",
	Long: `PTE answers requests by planning tool calls with an LLM, executing them,
repairing failed plans and summarizing the results. Run "pte serve" for the
HTTP/SSE and websocket API or "pte chat" for an interactive session.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(newServeCmd(), newChatCmd(), newToolsCmd())
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

// loadConfig reads .env (if present) and the environment.
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}
	return config.Load()
}
