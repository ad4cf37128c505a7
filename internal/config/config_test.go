package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	return &cfg
}

func TestDefaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8090, cfg.Transport.Port)
	assert.Equal(t, int64(10*1024*1024), cfg.Transport.MaxMessageBytes)

	assert.Equal(t, 50, cfg.Scheduler.BatchSize)
	assert.Equal(t, 3, cfg.Scheduler.MaxRetries)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.BatchTimeout)
	assert.Equal(t, time.Second, cfg.Scheduler.AssignmentWake)
	assert.Equal(t, 5, cfg.Scheduler.DuplicateThreshold)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Scheduler.HeartbeatMisses)

	assert.Equal(t, 24*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 100, cfg.Session.CacheSize)
	assert.Equal(t, 300*time.Second, cfg.Session.ReplayWindow)
	assert.Equal(t, 5*time.Minute, cfg.Session.NonceSweep)

	assert.Equal(t, "realesrgan-x4plus", cfg.Upscaler.Model)
	assert.Equal(t, 4, cfg.Upscaler.Scale)

	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad server port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"bad transport port", func(c *Config) { c.Transport.Port = 70000 }, "transport.port"},
		{"missing work dir", func(c *Config) { c.Storage.WorkDir = "" }, "storage.work_dir"},
		{"missing dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"zero batch size", func(c *Config) { c.Scheduler.BatchSize = 0 }, "scheduler.batch_size"},
		{"negative retries", func(c *Config) { c.Scheduler.MaxRetries = -1 }, "scheduler.max_retries"},
		{"zero session cache", func(c *Config) { c.Session.CacheSize = 0 }, "session.cache_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9999
scheduler:
  batch_size: 25
upscaler:
  model: realesr-animevideov3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 25, cfg.Scheduler.BatchSize)
	assert.Equal(t, "realesr-animevideov3", cfg.Upscaler.Model)
	// Untouched keys keep their defaults.
	assert.Equal(t, 8090, cfg.Transport.Port)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("UPSCALED_SERVER_PORT", "7777")
	t.Setenv("UPSCALED_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 0\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestAddresses(t *testing.T) {
	cfg := defaultConfig(t)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Address())
	assert.Equal(t, "0.0.0.0:8090", cfg.Transport.Address())
}

func TestJobDir(t *testing.T) {
	sc := StorageConfig{WorkDir: "/data"}
	assert.Equal(t, filepath.Join("/data", "jobs", "01ABC"), sc.JobDir("01ABC"))
}
