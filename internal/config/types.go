package config

import (
	"time"

	"github.com/raaihank/datamask/internal/rules"
)

// Config represents the main configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Storage    StorageConfig    `yaml:"storage" mapstructure:"storage"`
	Processing ProcessingConfig `yaml:"processing" mapstructure:"processing"`
	Archive    ArchiveConfig    `yaml:"archive" mapstructure:"archive"`
	Quota      QuotaConfig      `yaml:"quota" mapstructure:"quota"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Logging    LoggingConfig    `yaml:"logging" mapstructure:"logging"`
	Products   []rules.Preset   `yaml:"products" mapstructure:"products"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port          int           `yaml:"port" mapstructure:"port"`
	ReadTimeout   time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	MaxUploadSize int64         `yaml:"max_upload_size" mapstructure:"max_upload_size"`
	RateLimit     struct {
		Enabled           bool    `yaml:"enabled" mapstructure:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
		Burst             int     `yaml:"burst" mapstructure:"burst"`
	} `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// DatabaseConfig selects the SQL backend holding the masking map and file records
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" mapstructure:"driver"` // sqlite3 or postgres
	URL             string        `yaml:"url" mapstructure:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// RedisConfig contains the optional Redis connection used for caching and the task queue
type RedisConfig struct {
	Enabled      bool   `yaml:"enabled" mapstructure:"enabled"`
	URL          string `yaml:"url" mapstructure:"url"`
	PoolSize     int    `yaml:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	KeyPrefix    string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// StorageConfig locates the blob store
type StorageConfig struct {
	Root string `yaml:"root" mapstructure:"root"`
}

// ProcessingConfig tunes the masking processors
type ProcessingConfig struct {
	ChunkLines             int   `yaml:"chunk_lines" mapstructure:"chunk_lines"`
	ProgressThreshold      int64 `yaml:"progress_threshold" mapstructure:"progress_threshold"`
	SIPPorts               []int `yaml:"sip_ports" mapstructure:"sip_ports"`
	PassthroughUnsupported bool  `yaml:"passthrough_unsupported" mapstructure:"passthrough_unsupported"`
}

// ArchiveConfig holds the extraction guards applied per top-level archive
type ArchiveConfig struct {
	MaxDepth     int   `yaml:"max_depth" mapstructure:"max_depth"`
	MaxTotalSize int64 `yaml:"max_total_size" mapstructure:"max_total_size"`
	MaxFiles     int   `yaml:"max_files" mapstructure:"max_files"`
}

// QuotaConfig holds per-owner storage limits; zero disables a limit
type QuotaConfig struct {
	MaxBytesPerOwner int64 `yaml:"max_bytes_per_owner" mapstructure:"max_bytes_per_owner"`
	MaxFilesPerOwner int   `yaml:"max_files_per_owner" mapstructure:"max_files_per_owner"`
}

// QueueConfig contains the asynchronous worker configuration
type QueueConfig struct {
	Workers     int           `yaml:"workers" mapstructure:"workers"`
	Key         string        `yaml:"key" mapstructure:"key"`
	PollTimeout time.Duration `yaml:"poll_timeout" mapstructure:"poll_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:          8080,
			ReadTimeout:   5 * time.Minute,
			WriteTimeout:  30 * time.Minute,
			IdleTimeout:   60 * time.Second,
			MaxUploadSize: 2 << 30, // 2 GiB
		},
		Database: DatabaseConfig{
			Driver:          "sqlite3",
			URL:             "file:datamask.db?_busy_timeout=5000&_journal_mode=WAL",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 10 * time.Minute,
		},
		Redis: RedisConfig{
			Enabled:      false,
			URL:          "redis://localhost:6379/0",
			PoolSize:     10,
			MinIdleConns: 2,
			KeyPrefix:    "datamask",
		},
		Storage: StorageConfig{
			Root: "data/blobs",
		},
		Processing: ProcessingConfig{
			ChunkLines:             1000,
			ProgressThreshold:      1 << 20, // 1 MiB
			SIPPorts:               []int{5060},
			PassthroughUnsupported: true,
		},
		Archive: ArchiveConfig{
			MaxDepth:     8,
			MaxTotalSize: 10 << 30, // 10 GiB
			MaxFiles:     10000,
		},
		Queue: QueueConfig{
			Workers:     4,
			Key:         "tasks",
			PollTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Products: rules.DefaultPresets(),
	}
	cfg.Server.RateLimit.Enabled = true
	cfg.Server.RateLimit.RequestsPerSecond = 20
	cfg.Server.RateLimit.Burst = 40
	cfg.Logging.File.Path = "logs/datamask.log"

	return cfg
}
