package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Set defaults
	config := GetDefaults()

	// Configure viper
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/lindung/")
	viper.AddConfigPath("$HOME/.lindung/")

	// Environment variable overrides
	viper.SetEnvPrefix("LINDUNG")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Use specific config file if provided
	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	// Read configuration
	if err := viper.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Detection.ProximityBoost < 0 || config.Detection.ProximityBoost > 1 {
		return fmt.Errorf("invalid proximity boost: %f (must be in [0,1])", config.Detection.ProximityBoost)
	}

	if config.Detection.ContextWindowTokens <= 0 {
		return fmt.Errorf("invalid context window: %d tokens", config.Detection.ContextWindowTokens)
	}

	if config.Detection.EntropyThreshold <= 0 || config.Detection.EntropyThreshold > 8 {
		return fmt.Errorf("invalid entropy threshold: %f (must be in (0,8] bits/byte)", config.Detection.EntropyThreshold)
	}

	if config.Detection.SimilarityThreshold < 0 || config.Detection.SimilarityThreshold > 1 {
		return fmt.Errorf("invalid similarity threshold: %f (must be in [0,1])", config.Detection.SimilarityThreshold)
	}

	if config.Scan.Workers <= 0 {
		return fmt.Errorf("invalid worker count: %d", config.Scan.Workers)
	}

	if config.Events.Enabled && (config.Events.Port <= 0 || config.Events.Port > 65535) {
		return fmt.Errorf("invalid events port: %d", config.Events.Port)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// Watch starts watching the configuration file for changes. Changed detection
// tunables only affect runs started after the reload; the active rule
// snapshot of an in-flight run is never touched.
func Watch(config *Config, callback func(*Config)) error {
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		newConfig := &Config{}
		if err := viper.Unmarshal(newConfig); err != nil {
			return
		}

		if err := validateConfig(newConfig); err != nil {
			return
		}

		callback(newConfig)
	})

	return nil
}
