package scheduler

import (
	"time"

	"github.com/teranos/tempo/am"
	"github.com/teranos/tempo/errors"
)

// Config configures one scheduler instance
type Config struct {
	InstanceName string
	InstanceID   string // am.AutoInstanceID or empty generates one
	Clustered    bool

	MisfireThreshold      time.Duration
	MaxBatchSize          int
	LookaheadWindow       time.Duration
	IdlePollInterval      time.Duration
	MisfireScanInterval   time.Duration // 0 disables the periodic misfire scan
	MaxMisfiresPerScan    int
	CalendarMaxIterations int

	CheckinInterval      time.Duration
	CheckinFailThreshold time.Duration
	LockLease            time.Duration
	LockMaxWait          time.Duration
	LockRetryInterval    time.Duration

	Workers           int
	MemoryPerWorkerGB float64 // 0 disables the memory pressure warning

	WaitForJobsOnShutdown bool
	ShutdownTimeout       time.Duration

	HistoryRetentionDays   int // 0 keeps history forever
	HistoryCleanupInterval time.Duration

	MetricsEnabled   bool
	MetricsNamespace string
}

// DefaultConfig returns a single-node configuration with the am defaults
func DefaultConfig() Config {
	return Config{
		InstanceName:           "tempo",
		InstanceID:             am.AutoInstanceID,
		MisfireThreshold:       60 * time.Second,
		MaxBatchSize:           1,
		IdlePollInterval:       30 * time.Second,
		MisfireScanInterval:    60 * time.Second,
		MaxMisfiresPerScan:     20,
		CalendarMaxIterations:  1000,
		CheckinInterval:        7500 * time.Millisecond,
		CheckinFailThreshold:   15 * time.Second,
		LockLease:              15 * time.Second,
		LockMaxWait:            10 * time.Second,
		LockRetryInterval:      50 * time.Millisecond,
		Workers:                10,
		WaitForJobsOnShutdown:  true,
		ShutdownTimeout:        30 * time.Second,
		HistoryRetentionDays:   30,
		HistoryCleanupInterval: time.Hour,
		MetricsNamespace:       "tempo",
	}
}

// ConfigFromAM maps the file/env configuration onto a scheduler Config
func ConfigFromAM(c *am.Config) Config {
	cfg := DefaultConfig()
	cfg.InstanceName = c.Scheduler.InstanceName
	cfg.InstanceID = c.Scheduler.InstanceID
	cfg.Clustered = c.Cluster.Enabled

	cfg.MisfireThreshold = c.Scheduler.MisfireThreshold
	cfg.MaxBatchSize = c.Scheduler.MaxBatchSize
	cfg.LookaheadWindow = c.Scheduler.LookaheadWindow
	cfg.IdlePollInterval = c.Scheduler.IdlePollInterval
	cfg.MisfireScanInterval = c.Scheduler.MisfireScanInterval
	cfg.MaxMisfiresPerScan = c.Scheduler.MaxMisfiresPerScan
	cfg.CalendarMaxIterations = c.Scheduler.CalendarMaxIterations
	cfg.WaitForJobsOnShutdown = c.Scheduler.WaitForJobsOnShutdown
	cfg.ShutdownTimeout = c.Scheduler.ShutdownTimeout

	cfg.CheckinInterval = c.Cluster.CheckinInterval
	cfg.CheckinFailThreshold = c.Cluster.CheckinFailThreshold
	cfg.LockLease = c.Cluster.LockLease
	cfg.LockMaxWait = c.Cluster.LockMaxWait
	cfg.LockRetryInterval = c.Cluster.LockRetryInterval

	cfg.Workers = c.Pool.Workers
	cfg.HistoryRetentionDays = c.History.RetentionDays
	cfg.MetricsEnabled = c.Metrics.Enabled
	cfg.MetricsNamespace = c.Metrics.Namespace
	return cfg
}

// Validate rejects configurations the scheduler cannot run with
func (c Config) Validate() error {
	switch {
	case c.MisfireThreshold < 0:
		return errors.NewConfigurationError("misfire threshold must be >= 0, got %s", c.MisfireThreshold)
	case c.MaxBatchSize < 1:
		return errors.NewConfigurationError("max batch size must be >= 1, got %d", c.MaxBatchSize)
	case c.LookaheadWindow < 0:
		return errors.NewConfigurationError("lookahead window must be >= 0, got %s", c.LookaheadWindow)
	case c.IdlePollInterval <= 0:
		return errors.NewConfigurationError("idle poll interval must be > 0, got %s", c.IdlePollInterval)
	case c.MisfireScanInterval < 0:
		return errors.NewConfigurationError("misfire scan interval must be >= 0, got %s", c.MisfireScanInterval)
	case c.MaxMisfiresPerScan < 1:
		return errors.NewConfigurationError("max misfires per scan must be >= 1, got %d", c.MaxMisfiresPerScan)
	case c.CalendarMaxIterations < 1:
		return errors.NewConfigurationError("calendar max iterations must be >= 1, got %d", c.CalendarMaxIterations)
	case c.Workers < 1:
		return errors.NewConfigurationError("workers must be >= 1, got %d", c.Workers)
	case c.ShutdownTimeout < 0:
		return errors.NewConfigurationError("shutdown timeout must be >= 0, got %s", c.ShutdownTimeout)
	case c.HistoryRetentionDays < 0:
		return errors.NewConfigurationError("history retention must be >= 0 days, got %d", c.HistoryRetentionDays)
	}
	if c.Clustered {
		switch {
		case c.CheckinInterval <= 0:
			return errors.NewConfigurationError("checkin interval must be > 0, got %s", c.CheckinInterval)
		case c.CheckinFailThreshold <= c.CheckinInterval:
			return errors.NewConfigurationError("checkin fail threshold (%s) must exceed checkin interval (%s)",
				c.CheckinFailThreshold, c.CheckinInterval)
		case c.LockLease <= 0:
			return errors.NewConfigurationError("lock lease must be > 0, got %s", c.LockLease)
		}
	}
	return nil
}
