// Package main provides the CLI entry point for aiops, a personal AI
// operations assistant.
//
// aiops mediates between an operator, a chat model, external MCP tool
// servers, and a local bi-temporal knowledge graph. All commands use
// leading-slash verbs:
//
//	aiops /query "what changed in the deployment pipeline?"
//	aiops /monitor
//	aiops /interactive
//	aiops /status
//	aiops /kg-stats
//
// # Environment Variables
//
//   - AIOPS_CONFIG_DIR: configuration directory (default: ~/.aiops)
//   - ANTHROPIC_API_KEY: chat backend API key
//   - AIOPS_MODEL: chat model override
//   - AIOPS_ALLOW_SCRIPT_EXECUTION: enable the skill script runner
//   - AIOPS_ALLOW_EXTENDED_CONTEXT: opt in to the 1M token window
//   - AIOPS_REPORTS_DIR: report artifact directory override
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// verbs maps slash verbs to the cobra command names they run as. An
// unknown verb exits before any component is initialized.
var verbs = map[string]string{
	"/help":        "help",
	"/query":       "query",
	"/monitor":     "monitor",
	"/interactive": "interactive",
	"/status":      "status",
	"/clear-cache": "clear-cache",
	"/kg-stats":    "kg-stats",
	"/kg-asof":     "kg-asof",
	"/kg-late":     "kg-late",
	"/kg-changes":  "kg-changes",
	"/kg-show":     "kg-show",
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	args, err := rewriteVerb(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	rootCmd := buildRootCmd()
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// rewriteVerb validates the leading slash verb and maps it to its
// cobra command. No arguments means help.
func rewriteVerb(args []string) ([]string, error) {
	if len(args) == 0 {
		return []string{"help"}, nil
	}
	first := args[0]
	if !strings.HasPrefix(first, "/") {
		return nil, fmt.Errorf("unrecognized argument %q: commands must start with / (try /help)", first)
	}
	name, ok := verbs[first]
	if !ok {
		return nil, fmt.Errorf("unknown command %q (try /help)", first)
	}
	return append([]string{name}, args[1:]...), nil
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "aiops",
		Short:         "Personal AI operations assistant",
		Long:          "aiops runs an agentic loop over a chat model, MCP tool servers,\nand a local bi-temporal knowledge graph.",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		buildQueryCmd(),
		buildMonitorCmd(),
		buildInteractiveCmd(),
		buildStatusCmd(),
		buildClearCacheCmd(),
		buildKGStatsCmd(),
		buildKGAsOfCmd(),
		buildKGLateCmd(),
		buildKGChangesCmd(),
		buildKGShowCmd(),
	)
	return rootCmd
}
