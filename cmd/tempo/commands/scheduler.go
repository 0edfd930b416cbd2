package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/builtin"
	"github.com/teranos/tempo/pulse/jobdata"
	"github.com/teranos/tempo/pulse/scheduler"
	"github.com/teranos/tempo/sym"
)

// SchedulerCmd groups scheduler process commands
var SchedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: sym.Pulse + " Run the scheduler",
	Long: sym.Pulse + ` scheduler - run a tempo scheduler instance.

The instance acquires due triggers from the shared store, runs their jobs on
its worker pool and records the outcome. With cluster.enabled every instance
on the same store checks in periodically and recovers the in-flight work of
instances that stop checking in.

Example:
  tempo scheduler start                         # Run with the configured settings
  tempo scheduler start --workers 4             # Override the worker count
  tempo scheduler start --jobs jobs.toml --watch`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var schedulerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a scheduler instance in the foreground",
	Long: `Start a scheduler instance in the foreground.

The instance will:
- Recover work interrupted by a previous run or a failed cluster member
- Load scheduling data from --jobs (or jobs.file) when given
- Fire due triggers until interrupted (Ctrl+C), then shut down gracefully`,
	RunE: runSchedulerStart,
}

var (
	startWorkers     int
	startJobsFile    string
	startWatch       bool
	startMetricsAddr string
)

func init() {
	schedulerStartCmd.Flags().IntVar(&startWorkers, "workers", 0, "Number of concurrent workers (default from pool.workers)")
	schedulerStartCmd.Flags().StringVar(&startJobsFile, "jobs", "", "Scheduling data file to load (TOML or YAML)")
	schedulerStartCmd.Flags().BoolVar(&startWatch, "watch", false, "Reload the scheduling data file when it changes")
	schedulerStartCmd.Flags().StringVar(&startMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	SchedulerCmd.AddCommand(schedulerStartCmd)
}

func runSchedulerStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("workers") {
		cfg.Pool.Workers = startWorkers
	}
	if startJobsFile != "" {
		cfg.Jobs.File = startJobsFile
	}
	if cmd.Flags().Changed("watch") {
		cfg.Jobs.Watch = startWatch
	}

	conn, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	scfg := scheduler.ConfigFromAM(cfg)
	if startMetricsAddr != "" {
		scfg.MetricsEnabled = true
	}
	s, err := scheduler.New(scfg, scheduler.Deps{
		DB:         conn,
		Logger:     logger.ComponentLogger("scheduler"),
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		return err
	}
	builtin.Register(s.Registry())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	applyOpts := jobdata.ApplyOptions{Overwrite: cfg.Jobs.OverwriteExisting, Logger: logger.ComponentLogger("jobdata")}
	if cfg.Jobs.File != "" {
		res, err := jobdata.ApplyFile(ctx, s, cfg.Jobs.File, applyOpts)
		if err != nil {
			s.Shutdown(false)
			return errors.Wrap(err, "failed to load scheduling data")
		}
		fmt.Printf("%s Loaded %s: %d job(s), %d trigger(s), %d calendar(s), %d unchanged\n",
			sym.PulseOpen, cfg.Jobs.File, res.Jobs, res.Triggers, res.Calendars, res.Skipped)
	}

	if err := s.Start(ctx); err != nil {
		s.Shutdown(false)
		return err
	}

	if cfg.Jobs.Watch && cfg.Jobs.File == "" {
		logger.Warnw("Watch requested without a jobs file, nothing to watch")
	}
	if cfg.Jobs.File != "" && cfg.Jobs.Watch {
		w, err := jobdata.NewWatcher(cfg.Jobs.File, 0, logger.ComponentLogger("watcher"))
		if err != nil {
			s.Shutdown(false)
			return err
		}
		w.OnReload(func(f *jobdata.File) error {
			p, err := f.Build(time.Now())
			if err != nil {
				return err
			}
			_, err = jobdata.Apply(ctx, s, p, applyOpts)
			return err
		})
		w.Start()
		defer w.Stop()
	}

	var metricsSrv *http.Server
	if startMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: startMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorw("Metrics server failed", logger.FieldError, err)
			}
		}()
	}

	logger.PulseInfow("Scheduler running",
		logger.FieldInstanceID, s.InstanceID(),
		"clustered", scfg.Clustered,
		"workers", scfg.Workers)
	fmt.Printf("%s Scheduler %s started\n", sym.Pulse, s.InstanceID())
	fmt.Printf("  Store:     %s (%s)\n", cfg.GetDatabasePath(), driverName(cfg.Database.Driver))
	fmt.Printf("  Clustered: %t\n", scfg.Clustered)
	fmt.Printf("  Workers:   %d\n", scfg.Workers)
	fmt.Printf("  Jobs:      %v\n", s.Registry().Names())
	if startMetricsAddr != "" {
		fmt.Printf("  Metrics:   http://%s/metrics\n", startMetricsAddr)
	}
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	<-ctx.Done()

	fmt.Printf("\n%s Shutting down (wait for jobs: %t)...\n", sym.PulseClose, scfg.WaitForJobsOnShutdown)
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if err := s.Shutdown(scfg.WaitForJobsOnShutdown); err != nil {
		return err
	}
	logger.Infow("Scheduler stopped", logger.FieldInstanceID, s.InstanceID())
	fmt.Printf("%s Scheduler stopped\n", sym.PulseClose)
	return nil
}

func driverName(d string) string {
	if d == "" {
		return "sqlite3"
	}
	return d
}
