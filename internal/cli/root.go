// Package cli implements sekimonctl, the admin command-line client for a
// Sekimon gateway. Each subcommand maps to one admin or capability endpoint.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	flagURL     string
	flagAPIKey  string
	flagTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "sekimonctl",
	Short: "Operate a Sekimon gateway",
	Long: `sekimonctl talks to the Sekimon admin API.

Most commands need an elevated API key, passed with --api-key or the
SEKIMON_API_KEY environment variable.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagURL, "url", envOr("SEKIMON_URL", "http://localhost:8080"), "gateway base URL")
	rootCmd.PersistentFlags().StringVar(&flagAPIKey, "api-key", os.Getenv("SEKIMON_API_KEY"), "API key sent as X-API-Key")
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 10*time.Second, "request timeout")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newClient() *Client {
	return NewClient(flagURL, flagAPIKey, flagTimeout)
}
