package am

import "github.com/teranos/tempo/errors"

// Validate checks that the configuration is valid.
// Every failure is a configuration error and is reported at startup.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "sqlite3", "sqlite":
	default:
		return errors.NewConfigurationError("database.driver must be sqlite3 or sqlite, got %q", c.Database.Driver)
	}

	s := c.Scheduler
	if s.MisfireThreshold < 0 {
		return errors.NewConfigurationError("scheduler.misfire_threshold must be >= 0, got %s", s.MisfireThreshold)
	}
	if s.MaxBatchSize < 1 {
		return errors.NewConfigurationError("scheduler.max_batch_size must be >= 1, got %d", s.MaxBatchSize)
	}
	if s.LookaheadWindow < 0 {
		return errors.NewConfigurationError("scheduler.lookahead_window must be >= 0, got %s", s.LookaheadWindow)
	}
	if s.IdlePollInterval <= 0 {
		return errors.NewConfigurationError("scheduler.idle_poll_interval must be > 0, got %s", s.IdlePollInterval)
	}
	if s.MisfireScanInterval < 0 {
		return errors.NewConfigurationError("scheduler.misfire_scan_interval must be >= 0, got %s", s.MisfireScanInterval)
	}
	if s.MaxMisfiresPerScan < 1 {
		return errors.NewConfigurationError("scheduler.max_misfires_per_scan must be >= 1, got %d", s.MaxMisfiresPerScan)
	}
	if s.CalendarMaxIterations < 1 {
		return errors.NewConfigurationError("scheduler.calendar_max_iterations must be >= 1, got %d", s.CalendarMaxIterations)
	}
	if s.ShutdownTimeout < 0 {
		return errors.NewConfigurationError("scheduler.shutdown_timeout must be >= 0, got %s", s.ShutdownTimeout)
	}

	if c.Pool.Workers < 1 {
		return errors.NewConfigurationError("pool.workers must be >= 1, got %d", c.Pool.Workers)
	}
	if c.History.RetentionDays < 0 {
		return errors.NewConfigurationError("history.retention_days must be >= 0, got %d", c.History.RetentionDays)
	}

	if c.Cluster.Enabled {
		cl := c.Cluster
		if cl.CheckinInterval <= 0 {
			return errors.NewConfigurationError("cluster.checkin_interval must be > 0, got %s", cl.CheckinInterval)
		}
		if cl.CheckinFailThreshold <= cl.CheckinInterval {
			return errors.NewConfigurationError("cluster.checkin_fail_threshold (%s) must exceed cluster.checkin_interval (%s)",
				cl.CheckinFailThreshold, cl.CheckinInterval)
		}
		if cl.LockLease <= 0 {
			return errors.NewConfigurationError("cluster.lock_lease must be > 0, got %s", cl.LockLease)
		}
		if cl.LockMaxWait <= 0 {
			return errors.NewConfigurationError("cluster.lock_max_wait must be > 0, got %s", cl.LockMaxWait)
		}
		if cl.LockRetryInterval <= 0 {
			return errors.NewConfigurationError("cluster.lock_retry_interval must be > 0, got %s", cl.LockRetryInterval)
		}
	}

	return nil
}
