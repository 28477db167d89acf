// Package config loads engine configuration from ~/.taskvault/config.yaml
// with sensible defaults for everything.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Remote    RemoteConfig    `mapstructure:"remote" yaml:"remote"`
	Backup    BackupConfig    `mapstructure:"backup" yaml:"backup"`
	Importer  ImporterConfig  `mapstructure:"importer" yaml:"importer"`
	Realtime  RealtimeConfig  `mapstructure:"realtime" yaml:"realtime"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`
	Retry     RetryConfig     `mapstructure:"retry" yaml:"retry"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// RemoteConfig points at the hosted data store.
type RemoteConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	UserID  string `mapstructure:"user_id" yaml:"user_id"`
	Token   string `mapstructure:"token" yaml:"token"`

	// DisableProcedures forces client-side dedup even when the server
	// advertises stored procedures.
	DisableProcedures bool `mapstructure:"disable_procedures" yaml:"disable_procedures"`
}

// BackupConfig controls the snapshotter.
type BackupConfig struct {
	Interval        time.Duration `mapstructure:"interval" yaml:"interval"`
	HistoryLimit    int           `mapstructure:"history_limit" yaml:"history_limit"`
	HistoryTTL      time.Duration `mapstructure:"history_ttl" yaml:"history_ttl"`
	FilterSynthetic bool          `mapstructure:"filter_synthetic" yaml:"filter_synthetic"`

	// DBPath is the local sqlite file for history and golden state.
	// Defaults to ~/.taskvault/backups.db.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// ImporterConfig controls the export-directory watcher.
type ImporterConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
}

// RealtimeConfig controls the subscription manager.
type RealtimeConfig struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	BackoffCap    time.Duration `mapstructure:"backoff_cap" yaml:"backoff_cap"`
}

// DashboardConfig controls the event broadcast server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// RetryConfig controls transient-error retries.
type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// LogConfig controls the daemon log file.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Default returns the built-in defaults.
func Default() *Config {
	home := Dir()
	return &Config{
		Backup: BackupConfig{
			Interval:     5 * time.Minute,
			HistoryLimit: 20,
			HistoryTTL:   30 * 24 * time.Hour,
			DBPath:       filepath.Join(home, "backups.db"),
		},
		Importer: ImporterConfig{
			Dir: filepath.Join(home, "exports"),
		},
		Realtime: RealtimeConfig{
			MaxReconnects: 10,
			BackoffCap:    30 * time.Second,
		},
		Dashboard: DashboardConfig{
			Port: 9190,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
		},
		Log: LogConfig{
			File:       filepath.Join(home, "taskvault.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Dir returns the taskvault home directory (~/.taskvault).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskvault"
	}
	return filepath.Join(home, ".taskvault")
}

// Path returns the config file path.
func Path() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Load reads the config file if present, layering it over the defaults.
// Environment variables prefixed TASKVAULT_ override file values.
func Load() (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(Path())
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TASKVAULT")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", Path(), err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", Path(), err)
	}
	return cfg, nil
}

// WriteDefault writes the default config to Path, refusing to overwrite an
// existing file.
func WriteDefault() (string, error) {
	path := Path()
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("config already exists at %s", path)
	}
	if err := os.MkdirAll(Dir(), 0o755); err != nil {
		return path, fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return path, fmt.Errorf("failed to encode default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return path, fmt.Errorf("failed to write config: %w", err)
	}
	return path, nil
}
