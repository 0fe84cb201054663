// Package config loads boxkite client configuration.
//
// Settings come from, in increasing precedence: built-in defaults, the
// config file ($BOXKITE_DATA_DIR/config.yaml), and BOXKITE_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved client configuration.
type Config struct {
	// DataDir holds the queue database, spool directory, credentials,
	// and logs.
	DataDir string

	// API settings.
	BaseURL    string
	APITimeout time.Duration

	// Connectivity monitor settings.
	PollInterval time.Duration
	HoldDown     time.Duration
	ProbeTimeout time.Duration

	// Sync engine settings.
	MaxAttempts  int
	SyncInterval time.Duration

	// Dashboard settings.
	DashboardEnabled bool
	DashboardPort    int

	// Daemon log rotation settings.
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

// QueuePath returns the location of the queue database.
func (c *Config) QueuePath() string {
	return filepath.Join(c.DataDir, "queue.db")
}

// SpoolDir returns the location of the spool directory.
func (c *Config) SpoolDir() string {
	return filepath.Join(c.DataDir, "spool")
}

// LogPath returns the location of the daemon log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "boxkite.log")
}

// defaultDataDir resolves ~/.boxkite, falling back to the current
// directory when the home directory is unknown.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".boxkite"
	}
	return filepath.Join(home, ".boxkite")
}

// Load resolves the configuration. dataDirOverride, when non-empty, wins
// over both the default and BOXKITE_DATA_DIR.
func Load(dataDirOverride string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("api.base_url", "https://api.boxkite.io")
	v.SetDefault("api.timeout", "15s")
	v.SetDefault("net.poll_interval", "5s")
	v.SetDefault("net.hold_down", "2s")
	v.SetDefault("net.probe_timeout", "3s")
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.interval", "1m")
	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.port", 8490)
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetEnvPrefix("BOXKITE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	dataDir := v.GetString("data_dir")
	if dataDirOverride != "" {
		dataDir = dataDirOverride
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dataDir)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; everything has defaults.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	c := &Config{
		DataDir:          dataDir,
		BaseURL:          v.GetString("api.base_url"),
		APITimeout:       v.GetDuration("api.timeout"),
		PollInterval:     v.GetDuration("net.poll_interval"),
		HoldDown:         v.GetDuration("net.hold_down"),
		ProbeTimeout:     v.GetDuration("net.probe_timeout"),
		MaxAttempts:      v.GetInt("sync.max_attempts"),
		SyncInterval:     v.GetDuration("sync.interval"),
		DashboardEnabled: v.GetBool("dashboard.enabled"),
		DashboardPort:    v.GetInt("dashboard.port"),
		LogMaxSizeMB:     v.GetInt("log.max_size_mb"),
		LogMaxBackups:    v.GetInt("log.max_backups"),
		LogMaxAgeDays:    v.GetInt("log.max_age_days"),
	}

	if c.BaseURL == "" {
		return nil, fmt.Errorf("api.base_url cannot be empty")
	}
	if c.MaxAttempts <= 0 {
		return nil, fmt.Errorf("sync.max_attempts must be positive (got %d)", c.MaxAttempts)
	}

	return c, nil
}
