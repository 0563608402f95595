// Package main provides the CLI entry point for toolgate, a policy-gated tool
// invocation runtime.
//
// toolgate evaluates every tool call against declarative rules and optional
// Rego policies, runs allowed calls with per-attempt timeouts and retry, and
// publishes ordered run events to websocket subscribers and an audit trail.
//
// # Basic Usage
//
// Start the server:
//
//	toolgate serve --config toolgate.yaml
//
// Check a policy decision without running anything:
//
//	toolgate policy eval --config toolgate.yaml --tool exec --subject alice
//
// Validate wire payloads:
//
//	toolgate contracts validate request.json
//
// # Environment Variables
//
//   - TOOLGATE_CONFIG: Path to configuration file (default: toolgate.yaml)
//   - TOOLGATE_SERVER: Base URL used by the client commands (default: http://localhost:8080)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "toolgate",
		Short: "toolgate - policy-gated tool invocation runtime",
		Long: `toolgate gates tool calls behind a policy engine, runs them with
timeouts and retry, and streams the resulting run events.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildPolicyCmd(),
		buildContractsCmd(),
		buildConfigCmd(),
		buildRunsCmd(),
		buildToolsCmd(),
		buildDemoCmd(),
	)
	return rootCmd
}

func defaultConfigPath() string {
	if path := os.Getenv("TOOLGATE_CONFIG"); path != "" {
		return path
	}
	return "toolgate.yaml"
}

func defaultServerURL() string {
	if url := os.Getenv("TOOLGATE_SERVER"); url != "" {
		return url
	}
	return "http://localhost:8080"
}
