package am

import (
	"fmt"
	"time"
)

// Config represents the tempo scheduler configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" toml:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" toml:"scheduler"`
	Cluster   ClusterConfig   `mapstructure:"cluster" toml:"cluster"`
	Pool      PoolConfig      `mapstructure:"pool" toml:"pool"`
	History   HistoryConfig   `mapstructure:"history" toml:"history"`
	Metrics   MetricsConfig   `mapstructure:"metrics" toml:"metrics"`
	Jobs      JobsConfig      `mapstructure:"jobs" toml:"jobs"`
}

// DatabaseConfig configures the shared SQLite store
type DatabaseConfig struct {
	Path   string `mapstructure:"path" toml:"path"`
	Driver string `mapstructure:"driver" toml:"driver"` // "sqlite3" (cgo, default) or "sqlite" (pure Go)
}

// SchedulerConfig configures one scheduler instance
type SchedulerConfig struct {
	InstanceName string `mapstructure:"instance_name" toml:"instance_name"`
	InstanceID   string `mapstructure:"instance_id" toml:"instance_id"` // "AUTO" generates a unique id per process

	MisfireThreshold      time.Duration `mapstructure:"misfire_threshold" toml:"misfire_threshold"`
	MaxBatchSize          int           `mapstructure:"max_batch_size" toml:"max_batch_size"`
	LookaheadWindow       time.Duration `mapstructure:"lookahead_window" toml:"lookahead_window"`     // batch time window after the first acquired trigger
	IdlePollInterval      time.Duration `mapstructure:"idle_poll_interval" toml:"idle_poll_interval"` // max sleep when nothing is due
	MisfireScanInterval   time.Duration `mapstructure:"misfire_scan_interval" toml:"misfire_scan_interval"`
	MaxMisfiresPerScan    int           `mapstructure:"max_misfires_per_scan" toml:"max_misfires_per_scan"`
	CalendarMaxIterations int           `mapstructure:"calendar_max_iterations" toml:"calendar_max_iterations"`

	WaitForJobsOnShutdown bool          `mapstructure:"wait_for_jobs_on_shutdown" toml:"wait_for_jobs_on_shutdown"`
	ShutdownTimeout       time.Duration `mapstructure:"shutdown_timeout" toml:"shutdown_timeout"`
}

// ClusterConfig configures cluster membership and the shared lock
type ClusterConfig struct {
	Enabled              bool          `mapstructure:"enabled" toml:"enabled"`
	CheckinInterval      time.Duration `mapstructure:"checkin_interval" toml:"checkin_interval"`
	CheckinFailThreshold time.Duration `mapstructure:"checkin_fail_threshold" toml:"checkin_fail_threshold"`
	LockLease            time.Duration `mapstructure:"lock_lease" toml:"lock_lease"`
	LockMaxWait          time.Duration `mapstructure:"lock_max_wait" toml:"lock_max_wait"`
	LockRetryInterval    time.Duration `mapstructure:"lock_retry_interval" toml:"lock_retry_interval"`
}

// PoolConfig configures the default execution pool
type PoolConfig struct {
	Workers int `mapstructure:"workers" toml:"workers"`
}

// HistoryConfig configures execution history retention
type HistoryConfig struct {
	RetentionDays int `mapstructure:"retention_days" toml:"retention_days"` // 0 keeps history forever
}

// MetricsConfig configures Prometheus metrics
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" toml:"enabled"`
	Namespace string `mapstructure:"namespace" toml:"namespace"`
}

// JobsConfig points at a scheduling data file loaded at startup
type JobsConfig struct {
	File              string `mapstructure:"file" toml:"file"`
	Watch             bool   `mapstructure:"watch" toml:"watch"`
	OverwriteExisting bool   `mapstructure:"overwrite_existing" toml:"overwrite_existing"`
}

// AutoInstanceID requests a generated instance id
const AutoInstanceID = "AUTO"

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "tempo.db"
	}
	return c.Database.Path
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Instance: %s, Clustered: %t, Workers: %d}",
		c.Database.Path, c.Scheduler.InstanceID, c.Cluster.Enabled, c.Pool.Workers)
}
