// Package main provides the wardlink CLI.
//
// wardlink is a terminal client for the hospital operations backend. It keeps
// a signed-in session alive, holds the realtime channel open and prints
// notifications and presence changes as they arrive.
//
// # Basic Usage
//
// Run the emulated backend locally:
//
//	wardlink devserver --addr 127.0.0.1:5000
//
// Sign in and watch the live feed:
//
//	wardlink watch --email doctor@ward.test
//
// Inspect or clear the stored session:
//
//	wardlink status
//	wardlink logout
//
// # Environment Variables
//
//   - WARDLINK_CONFIG: Path to the configuration file (YAML or JSON5)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

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
		Use:   "wardlink",
		Short: "wardlink - realtime client for hospital operations",
		Long: `wardlink signs in to the hospital operations backend, keeps the session
alive across restarts and streams notifications, emergency alerts and staff
presence over the realtime channel.

Use "wardlink devserver" for a local backend with seeded accounts.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildWatchCmd(),
		buildDevServerCmd(),
		buildLogoutCmd(),
		buildStatusCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// defaultConfigPath returns WARDLINK_CONFIG, or empty for built-in defaults.
func defaultConfigPath() string {
	return strings.TrimSpace(os.Getenv("WARDLINK_CONFIG"))
}
