package commands

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tempo/db"
	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/scheduler"
	"github.com/teranos/tempo/pulse/store"
	"github.com/teranos/tempo/pulse/trigger"
	"github.com/teranos/tempo/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Migrate and inspect the store",
	Long: sym.DB + ` db - migrate and inspect the scheduler store

Examples:
  tempo db migrate      # Apply pending schema migrations
  tempo db stats        # Record counts per table and trigger state
  tempo db instances    # Cluster members and their last checkin
  tempo db fired        # Executions currently in flight`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		conn, err := db.Open(cfg.GetDatabasePath(), cfg.Database.Driver, logger.Logger)
		if err != nil {
			return err
		}
		defer conn.Close()

		before, err := db.AppliedVersions(conn)
		if err != nil {
			return err
		}
		if err := db.Migrate(conn, logger.Logger); err != nil {
			return errors.Wrap(err, "failed to migrate")
		}
		after, err := db.AppliedVersions(conn)
		if err != nil {
			return err
		}

		logger.DBInfow("Schema migrated", "path", cfg.GetDatabasePath(), "applied", len(after)-len(before))
		fmt.Printf("%s Database: %s\n", sym.DB, cfg.GetDatabasePath())
		if len(after) == len(before) {
			pterm.Success.Printf("Schema up to date (%d migrations)\n", len(after))
			return nil
		}
		for _, v := range after[len(before):] {
			pterm.Printf("  %s %s\n", pterm.LightGreen("applied"), v)
		}
		pterm.Success.Printf("Applied %d migration(s)\n", len(after)-len(before))
		return nil
	},
}

var dbStatsJSON bool

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show record counts per table and trigger state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(s *scheduler.Scheduler) error {
			st, err := s.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if dbStatsJSON {
				return printJSON(st.Store)
			}
			printStoreStats(st.Store)
			return nil
		})
	},
}

var dbInstancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "List cluster members and their last checkin",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.Store) error {
			states, err := st.SchedulerStates(cmd.Context())
			if err != nil {
				return err
			}
			if len(states) == 0 {
				pterm.Info.Println("No instances have checked in")
				return nil
			}
			now := time.Now()
			data := pterm.TableData{{"INSTANCE", "LAST CHECKIN", "AGO", "INTERVAL", "STATUS"}}
			for _, is := range states {
				ago := now.Sub(is.LastCheckin).Truncate(time.Second)
				status := pterm.Green("alive")
				// matches the default checkin fail threshold of twice the interval
				if ago > 2*is.CheckinInterval+time.Second {
					status = pterm.Red("overdue")
				}
				last := is.LastCheckin
				data = append(data, []string{is.InstanceID, formatTime(&last), ago.String(), is.CheckinInterval.String(), status})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

var dbFiredCmd = &cobra.Command{
	Use:   "fired [instance-id]",
	Short: "List executions currently acquired or running",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var instanceID string
		if len(args) == 1 {
			instanceID = args[0]
		}
		return withStore(func(st *store.Store) error {
			records, err := st.FiredRecords(cmd.Context(), instanceID)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				pterm.Info.Println("Nothing in flight")
				return nil
			}
			data := pterm.TableData{{"FIRE ID", "INSTANCE", "TRIGGER", "JOB", "STATE", "SCHEDULED", "FIRED", "RECOVERY"}}
			for _, r := range records {
				data = append(data, []string{
					r.FireInstanceID, r.InstanceID, r.TriggerKey.String(), r.JobKey.String(),
					colorState(r.State), formatTime(&r.ScheduledAt), formatTime(&r.FiredAt),
					strconv.FormatBool(r.RequestsRecovery),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

func init() {
	dbStatsCmd.Flags().BoolVar(&dbStatsJSON, "json", false, "Output as JSON")
	DbCmd.AddCommand(dbMigrateCmd, dbStatsCmd, dbInstancesCmd, dbFiredCmd)
}

// withStore opens the store for read-only inspection without a scheduler
func withStore(fn func(st *store.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(store.New(conn, store.Options{InstanceID: "tempo-cli", Logger: logger.Logger}))
}

func printStoreStats(st *store.Stats) {
	fmt.Printf("%s Store Statistics\n", sym.DB)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Jobs:            %d\n", st.Jobs)
	fmt.Printf("Calendars:       %d\n", st.Calendars)
	fmt.Printf("In flight:       %d\n", st.FiredRecords)
	fmt.Printf("Executions:      %d\n", st.Executions)
	fmt.Printf("Instances:       %d\n", st.Instances)
	if len(st.PausedGroups) > 0 {
		fmt.Printf("Paused groups:   %v\n", st.PausedGroups)
	}

	states := make([]trigger.State, 0, len(st.Triggers))
	total := 0
	for state, n := range st.Triggers {
		states = append(states, state)
		total += n
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
	fmt.Printf("\nTriggers:        %d\n", total)
	for _, state := range states {
		fmt.Printf("  %-14s %d\n", state, st.Triggers[state])
	}
}
