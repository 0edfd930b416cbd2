package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/tempo/cmd/tempo/commands"
	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/sym"
)

var rootCmd = &cobra.Command{
	Use:   "tempo",
	Short: "tempo - persistent, cluster-capable job scheduler",
	Long: `tempo - persistent, cluster-capable job scheduler.

Jobs, triggers and calendars live in a shared SQLite store. Any number of
tempo instances pointed at the same store form a cluster: each trigger fire
runs on exactly one of them, and work left by a crashed instance is recovered
by the others.

Available commands:
  scheduler - Run the scheduler
  trigger   - List, pause and resume triggers
  job       - List jobs and fire them manually
  history   - Show execution history
  db        - Migrate and inspect the store
  am        - Manage configuration ("I am")

Examples:
  tempo scheduler start --jobs jobs.toml   # Run with scheduling data
  tempo trigger ls                         # Show triggers and their state
  tempo trigger pause reports.nightly      # Pause one trigger
  tempo history reports.nightly-report     # Recent executions of a job`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.InitializeWithVerbosity(jsonLogs, verbosity); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		logger.Debugw("Logger initialized", "level", logger.LevelName(verbosity), "command", cmd.CommandPath())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON")
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Config file (default: system, user and project am.toml)")

	rootCmd.AddCommand(commands.SchedulerCmd)
	rootCmd.AddCommand(commands.TriggerCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.HistoryCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)

	// glyphs work as command names: tempo ꩜ start
	for _, c := range rootCmd.Commands() {
		if glyph, ok := sym.CommandToSymbol[c.Name()]; ok {
			c.Aliases = append(c.Aliases, glyph)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
		}
		os.Exit(1)
	}
}
