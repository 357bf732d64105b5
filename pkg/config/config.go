package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config is the top level forge configuration
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	CAS       CASConfig       `yaml:"cas"`
	DataDir   string          `yaml:"dataDir"`
}

// LogConfig configures the frontend logger
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// SchedulerConfig holds the scheduler concurrency quotas
type SchedulerConfig struct {
	// Builders bounds concurrent build (PROCESS) jobs
	Builders int `yaml:"builders"`

	// Fetchers bounds concurrent fetch (DOWNLOAD) jobs
	Fetchers int `yaml:"fetchers"`

	// Pushers bounds concurrent push (UPLOAD) jobs
	Pushers int `yaml:"pushers"`
}

// CASConfig configures the buildbox-casd helper
type CASConfig struct {
	StoragePath         string `yaml:"storagePath"`
	LogDir              string `yaml:"logDir"`
	LogLevel            string `yaml:"logLevel"`
	CacheQuota          int64  `yaml:"cacheQuota"`
	ProtectSessionBlobs bool   `yaml:"protectSessionBlobs"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	dataDir := ".forge"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".forge")
	}

	return &Config{
		Log: LogConfig{Level: "info"},
		Scheduler: SchedulerConfig{
			Builders: runtime.NumCPU(),
			Fetchers: 10,
			Pushers:  4,
		},
		CAS: CASConfig{
			StoragePath:         filepath.Join(dataDir, "cas"),
			LogDir:              filepath.Join(dataDir, "logs", "casd"),
			LogLevel:            "warning",
			ProtectSessionBlobs: true,
		},
		DataDir: dataDir,
	}
}

// Load reads a configuration file over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the quotas and paths
func (c *Config) Validate() error {
	if c.Scheduler.Builders < 1 {
		return fmt.Errorf("scheduler.builders must be at least 1, got %d", c.Scheduler.Builders)
	}
	if c.Scheduler.Fetchers < 1 {
		return fmt.Errorf("scheduler.fetchers must be at least 1, got %d", c.Scheduler.Fetchers)
	}
	if c.Scheduler.Pushers < 1 {
		return fmt.Errorf("scheduler.pushers must be at least 1, got %d", c.Scheduler.Pushers)
	}
	if c.CAS.CacheQuota < 0 {
		return fmt.Errorf("cas.cacheQuota must not be negative, got %d", c.CAS.CacheQuota)
	}
	if c.CAS.StoragePath == "" {
		return fmt.Errorf("cas.storagePath must not be empty")
	}
	return nil
}
