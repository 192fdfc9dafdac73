// Package main is the CLI entry point for the stratum agent runtime.
//
// Stratum connects messaging platforms (Telegram, Discord, Slack) to LLM
// providers (Anthropic, OpenAI) with routed completions, a two-tier response
// cache, write-behind session persistence, and vetted tool execution.
//
// # Basic Usage
//
// Start the runtime:
//
//	stratum serve --config stratum.yaml
//
// Validate a configuration file without starting:
//
//	stratum check --config stratum.yaml
//
// # Environment Variables
//
// Configuration values may reference environment variables with ${VAR}
// expansion, e.g.:
//
//	router:
//	  providers:
//	    - name: anthropic
//	      api_key: ${ANTHROPIC_API_KEY}
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "stratum",
		Short:        "Stratum - multi-channel conversational agent runtime",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildCheckCmd(),
	)
	return rootCmd
}
