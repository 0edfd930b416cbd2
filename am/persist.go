package am

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/teranos/tempo/errors"
)

// DefaultConfig returns the configuration produced by SetDefaults alone
func DefaultConfig() (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	return LoadWithViper(v)
}

// Marshal renders cfg as TOML. Durations are written as Go duration strings
// ("60s") so the file stays hand-editable and round-trips through Load.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := toml.Marshal(toDocument(cfg))
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config")
	}
	return data, nil
}

// Save writes cfg to path, rotating the previous file to path.back1
func Save(path string, cfg *Config) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create config directory for %s", path)
	}
	if err := createBackup(path); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}
	if err := os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write config %s", path)
	}
	return nil
}

// createBackup rotates .back2 -> .back3, .back1 -> .back2, current -> .back1
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete old backup %s", back3)
	}
	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}
	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}

func dur(d time.Duration) string {
	return d.String()
}

func toDocument(c *Config) map[string]interface{} {
	return map[string]interface{}{
		"database": map[string]interface{}{
			"path":   c.Database.Path,
			"driver": c.Database.Driver,
		},
		"scheduler": map[string]interface{}{
			"instance_name":             c.Scheduler.InstanceName,
			"instance_id":               c.Scheduler.InstanceID,
			"misfire_threshold":         dur(c.Scheduler.MisfireThreshold),
			"max_batch_size":            c.Scheduler.MaxBatchSize,
			"lookahead_window":          dur(c.Scheduler.LookaheadWindow),
			"idle_poll_interval":        dur(c.Scheduler.IdlePollInterval),
			"misfire_scan_interval":     dur(c.Scheduler.MisfireScanInterval),
			"max_misfires_per_scan":     c.Scheduler.MaxMisfiresPerScan,
			"calendar_max_iterations":   c.Scheduler.CalendarMaxIterations,
			"wait_for_jobs_on_shutdown": c.Scheduler.WaitForJobsOnShutdown,
			"shutdown_timeout":          dur(c.Scheduler.ShutdownTimeout),
		},
		"cluster": map[string]interface{}{
			"enabled":                c.Cluster.Enabled,
			"checkin_interval":       dur(c.Cluster.CheckinInterval),
			"checkin_fail_threshold": dur(c.Cluster.CheckinFailThreshold),
			"lock_lease":             dur(c.Cluster.LockLease),
			"lock_max_wait":          dur(c.Cluster.LockMaxWait),
			"lock_retry_interval":    dur(c.Cluster.LockRetryInterval),
		},
		"pool": map[string]interface{}{
			"workers": c.Pool.Workers,
		},
		"history": map[string]interface{}{
			"retention_days": c.History.RetentionDays,
		},
		"metrics": map[string]interface{}{
			"enabled":   c.Metrics.Enabled,
			"namespace": c.Metrics.Namespace,
		},
		"jobs": map[string]interface{}{
			"file":               c.Jobs.File,
			"watch":              c.Jobs.Watch,
			"overwrite_existing": c.Jobs.OverwriteExisting,
		},
	}
}
