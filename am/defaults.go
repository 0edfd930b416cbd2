package am

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "tempo.db")
	v.SetDefault("database.driver", "sqlite3")

	// Scheduler defaults
	v.SetDefault("scheduler.instance_name", "tempo")
	v.SetDefault("scheduler.instance_id", AutoInstanceID)
	v.SetDefault("scheduler.misfire_threshold", 60*time.Second)
	v.SetDefault("scheduler.max_batch_size", 1)
	v.SetDefault("scheduler.lookahead_window", time.Duration(0))
	v.SetDefault("scheduler.idle_poll_interval", 30*time.Second)
	v.SetDefault("scheduler.misfire_scan_interval", 60*time.Second)
	v.SetDefault("scheduler.max_misfires_per_scan", 20)
	v.SetDefault("scheduler.calendar_max_iterations", 1000)
	v.SetDefault("scheduler.wait_for_jobs_on_shutdown", true)
	v.SetDefault("scheduler.shutdown_timeout", 30*time.Second)

	// Cluster defaults
	v.SetDefault("cluster.enabled", false)
	v.SetDefault("cluster.checkin_interval", 7500*time.Millisecond)
	v.SetDefault("cluster.checkin_fail_threshold", 15*time.Second)
	v.SetDefault("cluster.lock_lease", 15*time.Second)
	v.SetDefault("cluster.lock_max_wait", 10*time.Second)
	v.SetDefault("cluster.lock_retry_interval", 50*time.Millisecond)

	// Pool defaults
	v.SetDefault("pool.workers", 10)

	// History defaults
	v.SetDefault("history.retention_days", 30)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", "tempo")

	// Scheduling data file
	v.SetDefault("jobs.file", "")
	v.SetDefault("jobs.watch", false)
	v.SetDefault("jobs.overwrite_existing", true)
}

// BindEnvVars explicitly binds frequently overridden keys to environment variables
func BindEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "TEMPO_DATABASE_PATH")
	v.BindEnv("database.driver", "TEMPO_DATABASE_DRIVER")
	v.BindEnv("scheduler.instance_id", "TEMPO_INSTANCE_ID")
	v.BindEnv("cluster.enabled", "TEMPO_CLUSTERED")
}
