package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the runtime configuration
type Config struct {
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Arena   ArenaConfig   `mapstructure:"arena"`
	Reclaim ReclaimConfig `mapstructure:"reclaim"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RuntimeConfig selects the execution backend.
type RuntimeConfig struct {
	// Mode is one of "auto", "cuda", "sim", "host".
	// "auto" picks CUDA when built in and available, otherwise host.
	Mode string `mapstructure:"mode"`
	// Streams is the number of execution streams created at startup.
	Streams int `mapstructure:"streams"`
}

type ArenaConfig struct {
	// PinnedMaxMB caps the bytes the pinned arena keeps pooled for reuse.
	PinnedMaxMB int `mapstructure:"pinned_max_mb"`
	// DeviceMaxMB caps the bytes the device arena keeps pooled for reuse.
	DeviceMaxMB int `mapstructure:"device_max_mb"`
}

type ReclaimConfig struct {
	// Backend is one of "auto", "callback", "hosttask", "blocking".
	// "auto" prefers the stream-callback path when the backend supports
	// host functions, falling back to blocking synchronization.
	Backend string `mapstructure:"backend"`
	// QueueDepth sizes the host-task completion queue.
	QueueDepth int `mapstructure:"queue_depth"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	File    string `mapstructure:"file"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns configuration with default values
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	amrexDir := filepath.Join(home, ".amrex")

	return &Config{
		Runtime: RuntimeConfig{
			Mode:    "auto",
			Streams: 1,
		},
		Arena: ArenaConfig{
			PinnedMaxMB: 256,
			DeviceMaxMB: 1024,
		},
		Reclaim: ReclaimConfig{
			Backend:    "auto",
			QueueDepth: 1024,
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    filepath.Join(amrexDir, "amrex.log"),
			Console: true,
		},
	}
}

// Load loads configuration from file, environment, and defaults
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	cfg := DefaultConfig()

	// Config file setup
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("finding home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(home, ".amrex"))
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	// Environment variables
	v.SetEnvPrefix("AMREX")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is okay, use defaults
	}

	// Unmarshal into struct
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.ExpandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	validModes := []string{"auto", "cuda", "sim", "host"}
	if !contains(validModes, c.Runtime.Mode) {
		return fmt.Errorf("runtime.mode must be one of: %v", validModes)
	}

	if c.Runtime.Streams < 1 {
		return errors.New("runtime.streams must be at least 1")
	}

	if c.Arena.PinnedMaxMB < 0 || c.Arena.DeviceMaxMB < 0 {
		return errors.New("arena limits must be non-negative")
	}

	validBackends := []string{"auto", "callback", "hosttask", "blocking"}
	if !contains(validBackends, c.Reclaim.Backend) {
		return fmt.Errorf("reclaim.backend must be one of: %v", validBackends)
	}

	if c.Reclaim.QueueDepth < 1 {
		return errors.New("reclaim.queue_depth must be at least 1")
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

// ExpandPaths expands ~ and environment variables in paths
func (c *Config) ExpandPaths() {
	c.Logging.File = expandPath(c.Logging.File)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
