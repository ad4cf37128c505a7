// Package config provides configuration management for upscaled using
// Viper. It supports configuration from files, environment variables,
// and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort         = 8080
	defaultTransportPort      = 8090
	defaultServerTimeout      = 30 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultBatchSize          = 50
	defaultMaxRetries         = 3
	defaultBatchTimeout       = 30 * time.Minute
	defaultAssignmentWake     = time.Second
	defaultTimeoutSweep       = 30 * time.Second
	defaultDuplicateThreshold = 5
	defaultHeartbeatInterval  = 30 * time.Second
	defaultHeartbeatMisses    = 3
	defaultSessionTTL         = 24 * time.Hour
	defaultSessionCacheSize   = 100
	defaultReplayWindow       = 300 * time.Second
	defaultNonceSweep         = 5 * time.Minute
	defaultRetentionTTL       = 7 * 24 * time.Hour
	defaultMaxMessageBytes    = 10 * 1024 * 1024
)

// Config holds all configuration for the coordinator and worker.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Transport TransportConfig `mapstructure:"transport"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Session   SessionConfig   `mapstructure:"session"`
	Media     MediaConfig     `mapstructure:"media"`
	Upscaler  UpscalerConfig  `mapstructure:"upscaler"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

// ServerConfig holds the operator HTTP API configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TransportConfig holds the worker websocket endpoint configuration.
type TransportConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// StorageConfig holds the coordinator work directory layout.
type StorageConfig struct {
	// WorkDir is the root under which jobs/<job_id>/... is created.
	WorkDir string `mapstructure:"work_dir"`
}

// DatabaseConfig holds the job history database configuration.
type DatabaseConfig struct {
	// DSN is the sqlite file path for the job history archive.
	DSN string `mapstructure:"dsn"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// SchedulerConfig holds batch scheduling configuration.
type SchedulerConfig struct {
	BatchSize          int           `mapstructure:"batch_size"`
	MaxRetries         int           `mapstructure:"max_retries"`
	BatchTimeout       time.Duration `mapstructure:"batch_timeout"`
	AssignmentWake     time.Duration `mapstructure:"assignment_wake"`
	TimeoutSweep       time.Duration `mapstructure:"timeout_sweep"`
	DuplicateThreshold int           `mapstructure:"duplicate_threshold"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatMisses    int           `mapstructure:"heartbeat_misses"`
	RetentionTTL       time.Duration `mapstructure:"retention_ttl"`
	// RetentionCron is the 6-field cron schedule for the purge sweep.
	RetentionCron string `mapstructure:"retention_cron"`
}

// SessionConfig holds session layer configuration.
type SessionConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	CacheSize    int           `mapstructure:"cache_size"`
	ReplayWindow time.Duration `mapstructure:"replay_window"`
	NonceSweep   time.Duration `mapstructure:"nonce_sweep"`
}

// MediaConfig holds media tool binary configuration.
type MediaConfig struct {
	FFmpegPath  string `mapstructure:"ffmpeg_path"`  // empty = look up in PATH
	FFprobePath string `mapstructure:"ffprobe_path"` // empty = look up in PATH
}

// UpscalerConfig holds external upscaler configuration.
type UpscalerConfig struct {
	BinaryPath string        `mapstructure:"binary_path"`
	Model      string        `mapstructure:"model"`
	Scale      int           `mapstructure:"scale"`
	TileSize   int           `mapstructure:"tile_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// WorkerConfig holds worker daemon configuration.
type WorkerConfig struct {
	ID                string        `mapstructure:"id"` // empty = derive from hardware
	CoordinatorURL    string        `mapstructure:"coordinator_url"`
	WorkDir           string        `mapstructure:"work_dir"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and
// are prefixed with UPSCALED_, using underscores for nesting.
// Example: UPSCALED_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/upscaled")
		v.AddConfigPath("$HOME/.upscaled")
	}

	v.SetEnvPrefix("UPSCALED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - defaults and env vars apply
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("transport.host", "0.0.0.0")
	v.SetDefault("transport.port", defaultTransportPort)
	v.SetDefault("transport.max_message_bytes", defaultMaxMessageBytes)
	v.SetDefault("transport.write_timeout", defaultServerTimeout)

	v.SetDefault("storage.work_dir", "./data")

	v.SetDefault("database.dsn", "upscaled.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("scheduler.batch_size", defaultBatchSize)
	v.SetDefault("scheduler.max_retries", defaultMaxRetries)
	v.SetDefault("scheduler.batch_timeout", defaultBatchTimeout)
	v.SetDefault("scheduler.assignment_wake", defaultAssignmentWake)
	v.SetDefault("scheduler.timeout_sweep", defaultTimeoutSweep)
	v.SetDefault("scheduler.duplicate_threshold", defaultDuplicateThreshold)
	v.SetDefault("scheduler.heartbeat_interval", defaultHeartbeatInterval)
	v.SetDefault("scheduler.heartbeat_misses", defaultHeartbeatMisses)
	v.SetDefault("scheduler.retention_ttl", defaultRetentionTTL)
	v.SetDefault("scheduler.retention_cron", "0 0 3 * * *") // Daily at 3 AM

	v.SetDefault("session.ttl", defaultSessionTTL)
	v.SetDefault("session.cache_size", defaultSessionCacheSize)
	v.SetDefault("session.replay_window", defaultReplayWindow)
	v.SetDefault("session.nonce_sweep", defaultNonceSweep)

	v.SetDefault("media.ffmpeg_path", "")
	v.SetDefault("media.ffprobe_path", "")

	v.SetDefault("upscaler.binary_path", "")
	v.SetDefault("upscaler.model", "realesrgan-x4plus")
	v.SetDefault("upscaler.scale", 4)
	v.SetDefault("upscaler.tile_size", 0)
	v.SetDefault("upscaler.timeout", defaultBatchTimeout)

	v.SetDefault("worker.id", "")
	v.SetDefault("worker.coordinator_url", "")
	v.SetDefault("worker.work_dir", "./work")
	v.SetDefault("worker.heartbeat_interval", defaultHeartbeatInterval)
	v.SetDefault("worker.reconnect_delay", 5*time.Second)
	v.SetDefault("worker.reconnect_max_delay", 60*time.Second)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	if c.Transport.Port < 1 || c.Transport.Port > maxPort {
		return fmt.Errorf("transport.port must be between 1 and %d", maxPort)
	}

	if c.Storage.WorkDir == "" {
		return fmt.Errorf("storage.work_dir is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Scheduler.BatchSize < 1 {
		return fmt.Errorf("scheduler.batch_size must be at least 1")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must not be negative")
	}
	if c.Scheduler.DuplicateThreshold < 0 {
		return fmt.Errorf("scheduler.duplicate_threshold must not be negative")
	}

	if c.Session.CacheSize < 1 {
		return fmt.Errorf("session.cache_size must be at least 1")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Address returns the transport address in host:port format.
func (c *TransportConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// JobDir returns the directory for one job's files.
func (c *StorageConfig) JobDir(jobID string) string {
	return filepath.Join(c.WorkDir, "jobs", jobID)
}
