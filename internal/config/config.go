package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/raaihank/datamask/internal/rules"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	config := GetDefaults()

	viper.SetConfigName("datamask")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/datamask/")
	viper.AddConfigPath("$HOME/.datamask/")

	// Environment variable overrides, e.g. DATAMASK_DATABASE_URL
	viper.SetEnvPrefix("DATAMASK")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Database.Driver != "sqlite3" && config.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s (must be sqlite3 or postgres)", config.Database.Driver)
	}

	if config.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}

	if config.Storage.Root == "" {
		return fmt.Errorf("storage root is required")
	}

	if config.Processing.ChunkLines <= 0 {
		return fmt.Errorf("invalid chunk_lines: %d", config.Processing.ChunkLines)
	}

	if config.Processing.ProgressThreshold <= 0 {
		return fmt.Errorf("invalid progress_threshold: %d", config.Processing.ProgressThreshold)
	}

	for _, port := range config.Processing.SIPPorts {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid sip port: %d", port)
		}
	}

	if config.Archive.MaxDepth <= 0 || config.Archive.MaxTotalSize <= 0 || config.Archive.MaxFiles <= 0 {
		return fmt.Errorf("archive guards must be positive (depth=%d, size=%d, files=%d)",
			config.Archive.MaxDepth, config.Archive.MaxTotalSize, config.Archive.MaxFiles)
	}

	if config.Quota.MaxBytesPerOwner < 0 || config.Quota.MaxFilesPerOwner < 0 {
		return fmt.Errorf("quota limits cannot be negative")
	}

	if config.Queue.Workers <= 0 {
		return fmt.Errorf("invalid queue workers: %d", config.Queue.Workers)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	seen := make(map[string]bool)
	for _, preset := range config.Products {
		if seen[preset.Name] {
			return fmt.Errorf("duplicate product: %s", preset.Name)
		}
		seen[preset.Name] = true

		if err := rules.ValidatePreset(preset); err != nil {
			return fmt.Errorf("product %s: %w", preset.Name, err)
		}
	}

	return nil
}

// Watch starts watching the configuration file for changes
func Watch(callback func(*Config)) error {
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		newConfig := GetDefaults()
		if err := viper.Unmarshal(newConfig); err != nil {
			// Log error but don't crash
			return
		}

		if err := validateConfig(newConfig); err != nil {
			return
		}

		callback(newConfig)
	})

	return nil
}
