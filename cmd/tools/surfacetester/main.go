package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "surfacetester",
		Short: "Act as the embedded customizer against a running host agent",
		Long: `surfacetester plays the hosted customization surface for manual testing.

It connects to a host agent's surface bridge with a chosen Origin and sends
the same messages the real surface would.

Examples:
  surfacetester status
  surfacetester ws complete --data '{"text":"Hi"}'
  surfacetester post cancel --origin https://evil.example`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.agent, "agent", envOr("SURFACETESTER_AGENT", "http://localhost:8080"), "host agent base URL")
	rootCmd.PersistentFlags().StringVar(&opts.origin, "origin", envOr("SURFACETESTER_ORIGIN", "http://localhost:5173"), "Origin header presented by the surface")
	rootCmd.PersistentFlags().StringVar(&opts.session, "session", "", "session id (default: the agent's active launch)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", defaultTimeout, "request timeout")

	rootCmd.AddCommand(
		statusCmd(opts),
		wsCmd(opts),
		postCmd(opts),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
