package commands

import (
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teranos/tempo/am"
	"github.com/teranos/tempo/db"
	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/builtin"
	"github.com/teranos/tempo/pulse/scheduler"
)

// ConfigPath is set by the root --config flag; empty means the usual cascade
var ConfigPath string

// loadConfig reads and validates the configuration
func loadConfig() (*am.Config, error) {
	var (
		cfg *am.Config
		err error
	)
	if ConfigPath != "" {
		cfg, err = am.LoadFromFile(ConfigPath)
	} else {
		cfg, err = am.Load()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// openDatabase opens and migrates the configured store
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	path := cfg.GetDatabasePath()
	conn, err := db.OpenWithMigrations(path, cfg.Database.Driver, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return conn, nil
}

// adminScheduler builds a scheduler that is never started, for commands that
// change or inspect the store. It takes the cluster lock like any instance.
func adminScheduler(cfg *am.Config, conn *sql.DB) (*scheduler.Scheduler, error) {
	scfg := scheduler.ConfigFromAM(cfg)
	scfg.InstanceName = "tempo-cli"
	scfg.InstanceID = am.AutoInstanceID
	scfg.MetricsEnabled = false

	s, err := scheduler.New(scfg, scheduler.Deps{
		DB:         conn,
		Logger:     logger.ComponentLogger("cli"),
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		return nil, err
	}
	builtin.Register(s.Registry())
	return s, nil
}

// withAdmin opens the store and runs fn against an admin scheduler
func withAdmin(fn func(s *scheduler.Scheduler) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	s, err := adminScheduler(cfg, conn)
	if err != nil {
		return err
	}
	defer s.Shutdown(false)
	return fn(s)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
