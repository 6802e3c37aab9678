// commands.go contains the cobra command definitions. Each builder
// wires a slash verb to its handler in handlers.go.
package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func buildQueryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query <text>",
		Short: "Run one query through the agent loop",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), strings.Join(args, " "))
		},
	}
}

func buildMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Start the scheduler and run until interrupted",
		Long: `Start the schedule runtime: recurring monitors, time-of-day tasks,
the nightly synthesis pass, config file watchers, and suspension
catch-up. Runs until SIGINT/SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd.Context())
		},
	}
}

func buildInteractiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interactive",
		Short: "Start an interactive session",
		Long: `Start a line-oriented interactive session. Conversation context is
carried between queries and compacted when it grows long. Tools that
need operator approval prompt on the terminal. Type "exit" to quit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd.Context())
		},
	}
}

func buildStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report component health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context())
		},
	}
}

func buildClearCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache",
		Short: "Remove the scheduler cache and stored tool results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClearCache(cmd.Context())
		},
	}
}

func buildKGStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kg-stats",
		Short: "Show knowledge graph entity counts by type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKGStats(cmd.Context())
		},
	}
}

func buildKGAsOfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kg-asof <iso-time>",
		Short: "Show what the system believed at a point in time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := time.Parse(time.RFC3339, args[0])
			if err != nil {
				return err
			}
			return runKGAsOf(cmd.Context(), t)
		},
	}
}

func buildKGLateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kg-late [min-delay-minutes]",
		Short: "Show facts discovered long after they became true",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			minutes := 60
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return err
				}
				minutes = n
			}
			return runKGLate(cmd.Context(), time.Duration(minutes)*time.Minute)
		},
	}
}

func buildKGChangesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kg-changes [hours]",
		Short: "Show recently discovered and recently closed beliefs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hours := 24
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return err
				}
				hours = n
			}
			return runKGChanges(cmd.Context(), time.Duration(hours)*time.Hour)
		},
	}
}

func buildKGShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kg-show <entity-id>",
		Short: "Show an entity, its history, and its relationships",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKGShow(cmd.Context(), args[0])
		},
	}
}
