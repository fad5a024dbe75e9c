// Package config loads sessiond configuration from defaults plus an
// optional YAML override file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds daemon paths, listeners, loop cadences, and capacity limits.
type Config struct {
	ConfigPath         string
	DataDir            string
	DBPath             string
	SnapshotDir        string
	SnapshotAgeKeyPath string
	Listen             string
	MetricsListen      string

	CleanupIntervalSeconds   int
	MetricsIntervalSeconds   int
	AutoScaleIntervalSeconds int
	SnapshotIntervalSeconds  int
	MonitorIntervalSeconds   int
	RetentionHours           int

	// Optional fleet-wide capacity ceilings enforced by the resource
	// accountant. Zero means unlimited.
	MaxTotalCPU       float64
	MaxTotalMemoryMiB float64
	MaxTotalDiskMiB   float64
}

// FileConfig represents supported YAML config overrides.
type FileConfig struct {
	DataDir            string `yaml:"data_dir"`
	DBPath             string `yaml:"db_path"`
	SnapshotDir        string `yaml:"snapshot_dir"`
	SnapshotAgeKeyPath string `yaml:"snapshot_age_key_path"`
	Listen             string `yaml:"listen"`
	MetricsListen      string `yaml:"metrics_listen"`

	CleanupIntervalSeconds   int `yaml:"cleanup_interval_seconds"`
	MetricsIntervalSeconds   int `yaml:"metrics_interval_seconds"`
	AutoScaleIntervalSeconds int `yaml:"autoscale_interval_seconds"`
	SnapshotIntervalSeconds  int `yaml:"snapshot_interval_seconds"`
	MonitorIntervalSeconds   int `yaml:"monitor_interval_seconds"`
	RetentionHours           int `yaml:"retention_hours"`

	MaxTotalCPU       float64 `yaml:"max_total_cpu"`
	MaxTotalMemoryMiB float64 `yaml:"max_total_memory_mib"`
	MaxTotalDiskMiB   float64 `yaml:"max_total_disk_mib"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	dataDir := "/var/lib/sessiond"
	return Config{
		ConfigPath:               "/etc/sessiond/config.yaml",
		DataDir:                  dataDir,
		DBPath:                   filepath.Join(dataDir, "sessiond.db"),
		SnapshotDir:              filepath.Join(dataDir, "snapshots"),
		Listen:                   "127.0.0.1:8870",
		MetricsListen:            "",
		CleanupIntervalSeconds:   300,
		MetricsIntervalSeconds:   60,
		AutoScaleIntervalSeconds: 30,
		SnapshotIntervalSeconds:  600,
		MonitorIntervalSeconds:   30,
		RetentionHours:           24,
	}
}

// Load reads the YAML config file and applies overrides to defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		// The default config file is optional; an explicit path is not.
		if os.IsNotExist(err) && path == "" {
			return cfg, cfg.Validate()
		}
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	applyFileConfig(&cfg, fileCfg)
	if fileCfg.DataDir != "" && fileCfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "sessiond.db")
	}
	if fileCfg.DataDir != "" && fileCfg.SnapshotDir == "" {
		cfg.SnapshotDir = filepath.Join(cfg.DataDir, "snapshots")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) {
	if fileCfg.DataDir != "" {
		cfg.DataDir = fileCfg.DataDir
	}
	if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	}
	if fileCfg.SnapshotDir != "" {
		cfg.SnapshotDir = fileCfg.SnapshotDir
	}
	if fileCfg.SnapshotAgeKeyPath != "" {
		cfg.SnapshotAgeKeyPath = fileCfg.SnapshotAgeKeyPath
	}
	if fileCfg.Listen != "" {
		cfg.Listen = fileCfg.Listen
	}
	if fileCfg.MetricsListen != "" {
		cfg.MetricsListen = fileCfg.MetricsListen
	}
	if fileCfg.CleanupIntervalSeconds > 0 {
		cfg.CleanupIntervalSeconds = fileCfg.CleanupIntervalSeconds
	}
	if fileCfg.MetricsIntervalSeconds > 0 {
		cfg.MetricsIntervalSeconds = fileCfg.MetricsIntervalSeconds
	}
	if fileCfg.AutoScaleIntervalSeconds > 0 {
		cfg.AutoScaleIntervalSeconds = fileCfg.AutoScaleIntervalSeconds
	}
	if fileCfg.SnapshotIntervalSeconds > 0 {
		cfg.SnapshotIntervalSeconds = fileCfg.SnapshotIntervalSeconds
	}
	if fileCfg.MonitorIntervalSeconds > 0 {
		cfg.MonitorIntervalSeconds = fileCfg.MonitorIntervalSeconds
	}
	if fileCfg.RetentionHours > 0 {
		cfg.RetentionHours = fileCfg.RetentionHours
	}
	if fileCfg.MaxTotalCPU > 0 {
		cfg.MaxTotalCPU = fileCfg.MaxTotalCPU
	}
	if fileCfg.MaxTotalMemoryMiB > 0 {
		cfg.MaxTotalMemoryMiB = fileCfg.MaxTotalMemoryMiB
	}
	if fileCfg.MaxTotalDiskMiB > 0 {
		cfg.MaxTotalDiskMiB = fileCfg.MaxTotalDiskMiB
	}
}

// Validate checks required fields and listener syntax.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.DBPath == "" {
		return errors.New("db_path is required")
	}
	if c.SnapshotDir == "" {
		return errors.New("snapshot_dir is required")
	}
	if c.Listen == "" {
		return errors.New("listen is required")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen %q: %w", c.Listen, err)
	}
	if c.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(c.MetricsListen); err != nil {
			return fmt.Errorf("invalid metrics_listen %q: %w", c.MetricsListen, err)
		}
	}
	for name, value := range map[string]int{
		"cleanup_interval_seconds":   c.CleanupIntervalSeconds,
		"metrics_interval_seconds":   c.MetricsIntervalSeconds,
		"autoscale_interval_seconds": c.AutoScaleIntervalSeconds,
		"snapshot_interval_seconds":  c.SnapshotIntervalSeconds,
		"monitor_interval_seconds":   c.MonitorIntervalSeconds,
		"retention_hours":            c.RetentionHours,
	} {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// CleanupInterval returns the cleanup loop cadence.
func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

// MetricsInterval returns the metrics refresh cadence.
func (c Config) MetricsInterval() time.Duration {
	return time.Duration(c.MetricsIntervalSeconds) * time.Second
}

// AutoScaleInterval returns the auto-scaling tick cadence.
func (c Config) AutoScaleInterval() time.Duration {
	return time.Duration(c.AutoScaleIntervalSeconds) * time.Second
}

// SnapshotInterval returns the snapshot tick cadence.
func (c Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSeconds) * time.Second
}

// MonitorInterval returns the per-session monitor cadence.
func (c Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSeconds) * time.Second
}

// Retention returns how long terminated records are kept before cleanup.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}
