package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tempo/errors"
)

func TestLoad_Defaults(t *testing.T) {
	// Isolated viper instance without user/system config
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, "tempo.db", cfg.Database.Path)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, AutoInstanceID, cfg.Scheduler.InstanceID)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.MisfireThreshold)
	assert.Equal(t, 1, cfg.Scheduler.MaxBatchSize)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.IdlePollInterval)
	assert.Equal(t, 7500*time.Millisecond, cfg.Cluster.CheckinInterval)
	assert.False(t, cfg.Cluster.Enabled)
	assert.Equal(t, 10, cfg.Pool.Workers)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "am.toml")
	content := `
[database]
path = "/var/lib/tempo/cluster.db"

[scheduler]
instance_id = "node-a"
misfire_threshold = "5s"
max_batch_size = 4

[cluster]
enabled = true
checkin_interval = "2s"
checkin_fail_threshold = "6s"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/tempo/cluster.db", cfg.Database.Path)
	assert.Equal(t, "node-a", cfg.Scheduler.InstanceID)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.MisfireThreshold)
	assert.Equal(t, 4, cfg.Scheduler.MaxBatchSize)
	assert.True(t, cfg.Cluster.Enabled)
	assert.Equal(t, 6*time.Second, cfg.Cluster.CheckinFailThreshold)
	// Untouched keys keep their defaults
	assert.Equal(t, 10, cfg.Pool.Workers)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := DefaultConfig()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "postgres" }},
		{"negative misfire threshold", func(c *Config) { c.Scheduler.MisfireThreshold = -time.Second }},
		{"zero batch size", func(c *Config) { c.Scheduler.MaxBatchSize = 0 }},
		{"zero idle interval", func(c *Config) { c.Scheduler.IdlePollInterval = 0 }},
		{"zero workers", func(c *Config) { c.Pool.Workers = 0 }},
		{"zero calendar iterations", func(c *Config) { c.Scheduler.CalendarMaxIterations = 0 }},
		{"fail threshold below checkin interval", func(c *Config) {
			c.Cluster.Enabled = true
			c.Cluster.CheckinFailThreshold = c.Cluster.CheckinInterval
		}},
		{"zero lock lease", func(c *Config) {
			c.Cluster.Enabled = true
			c.Cluster.LockLease = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsConfigurationError(err))
		})
	}

	t.Run("cluster settings ignored when disabled", func(t *testing.T) {
		cfg := base()
		cfg.Cluster.LockLease = 0
		assert.NoError(t, cfg.Validate())
	})
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "am.toml")

	cfg, err := DefaultConfig()
	require.NoError(t, err)
	cfg.Scheduler.InstanceID = "node-b"
	cfg.Scheduler.MisfireThreshold = 90 * time.Second
	cfg.Cluster.Enabled = true

	require.NoError(t, Save(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `misfire_threshold = '1m30s'`)

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "node-b", loaded.Scheduler.InstanceID)
	assert.Equal(t, 90*time.Second, loaded.Scheduler.MisfireThreshold)
	assert.True(t, loaded.Cluster.Enabled)

	// Second save rotates the first file into a backup
	require.NoError(t, Save(path, loaded))
	_, err = os.Stat(path + ".back1")
	assert.NoError(t, err)
}
