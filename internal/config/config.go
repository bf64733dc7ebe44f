// Package config loads the engine configuration.
//
// Settings are layered: built-in defaults, then a drivesync.yaml or
// drivesync.toml file, then DRIVESYNC_* environment variables, then
// command-line flags. Nested keys map to environment variables by
// replacing dots with underscores, so sync.merge_interval is read from
// DRIVESYNC_SYNC_MERGE_INTERVAL.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/drivesync/drivesync/internal/change"
	"github.com/drivesync/drivesync/internal/logging"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "DRIVESYNC"

// Remote kinds.
const (
	RemoteDrive  = "drive"
	RemoteMemory = "memory"
)

// Config is the full engine configuration.
type Config struct {
	Local     LocalConfig     `mapstructure:"local"`
	State     StateConfig     `mapstructure:"state"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`

	source string
}

type LocalConfig struct {
	// Root is the tracked directory.
	Root          string `mapstructure:"root"`
	IncludeHidden bool   `mapstructure:"include_hidden"`
}

type StateConfig struct {
	// DSN selects the state store, see package state.
	DSN string `mapstructure:"dsn"`
	// Dir holds the lock file and the default SQLite database.
	Dir string `mapstructure:"dir"`
}

type RemoteConfig struct {
	Kind          string        `mapstructure:"kind"`
	BaseURL       string        `mapstructure:"base_url"`
	Token         string        `mapstructure:"token"`
	MaxRetries    int           `mapstructure:"max_retries"`
	TimeoutBudget time.Duration `mapstructure:"timeout_budget"`
	RetryStep     time.Duration `mapstructure:"retry_step"`
}

type SyncConfig struct {
	MergeInterval time.Duration `mapstructure:"merge_interval"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	Dedup         string        `mapstructure:"dedup"`
	IgnoreWindow  time.Duration `mapstructure:"ignore_window"`
}

type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"root":      "local.root",
	"state":     "state.dsn",
	"state-dir": "state.dir",
	"remote":    "remote.kind",
	"log-level": "log.level",
	"port":      "dashboard.port",
}

func setDefaults(v *viper.Viper) {
	logDefaults := logging.DefaultConfig()

	v.SetDefault("local.root", "")
	v.SetDefault("local.include_hidden", false)

	v.SetDefault("state.dsn", "")
	v.SetDefault("state.dir", defaultStateDir())

	v.SetDefault("remote.kind", RemoteDrive)
	v.SetDefault("remote.base_url", "https://www.googleapis.com")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.max_retries", 5)
	v.SetDefault("remote.timeout_budget", 60*time.Second)
	v.SetDefault("remote.retry_step", 5*time.Second)

	v.SetDefault("sync.merge_interval", 15*time.Second)
	v.SetDefault("sync.poll_interval", 10*time.Second)
	v.SetDefault("sync.max_attempts", 3)
	v.SetDefault("sync.dedup", change.DedupLatestPerID.String())
	v.SetDefault("sync.ignore_window", change.DefaultIgnoreWindow)

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8080)

	v.SetDefault("log.level", logDefaults.Level)
	v.SetDefault("log.format", logDefaults.Format)
	v.SetDefault("log.output", logDefaults.OutputPath)
	v.SetDefault("log.max_size_mb", logDefaults.MaxSizeMB)
	v.SetDefault("log.max_backups", logDefaults.MaxBackups)
	v.SetDefault("log.max_age_days", logDefaults.MaxAgeDays)
}

// Default returns the built-in configuration without reading files or
// the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		// defaults always decode
		panic(err)
	}
	return cfg
}

// Load reads the configuration. When file is empty, drivesync.{yaml,toml}
// is searched in $XDG_CONFIG_HOME/drivesync and the working directory, and
// a missing file is not an error. Flags that were set on the command line
// override everything else; flags may be nil.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("drivesync")
		v.AddConfigPath(filepath.Join(configHome(), "drivesync"))
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if used := v.ConfigFileUsed(); used != "" {
		cfg.source = used
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Local.Root = expandHome(cfg.Local.Root)
	cfg.State.Dir = expandHome(cfg.State.Dir)
	if cfg.State.DSN == "" {
		cfg.State.DSN = "sqlite://" + filepath.Join(cfg.State.Dir, "state.db")
	}
	return &cfg, nil
}

// Validate reports the first setting the engine cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Local.Root) == "" {
		return fmt.Errorf("local.root is required")
	}
	if !filepath.IsAbs(c.Local.Root) {
		return fmt.Errorf("local.root must be absolute: %q", c.Local.Root)
	}
	if c.State.Dir == "" {
		return fmt.Errorf("state.dir is required")
	}
	switch c.Remote.Kind {
	case RemoteDrive, RemoteMemory:
	default:
		return fmt.Errorf("unknown remote.kind %q (want %s or %s)", c.Remote.Kind, RemoteDrive, RemoteMemory)
	}

	for key, d := range map[string]time.Duration{
		"sync.merge_interval":   c.Sync.MergeInterval,
		"sync.poll_interval":    c.Sync.PollInterval,
		"sync.ignore_window":    c.Sync.IgnoreWindow,
		"remote.timeout_budget": c.Remote.TimeoutBudget,
		"remote.retry_step":     c.Remote.RetryStep,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}

	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1, got %d", c.Sync.MaxAttempts)
	}
	if c.Remote.MaxRetries < 1 {
		return fmt.Errorf("remote.max_retries must be at least 1, got %d", c.Remote.MaxRetries)
	}
	if _, err := c.DedupPolicy(); err != nil {
		return err
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port)
	}
	return nil
}

// DedupPolicy parses sync.dedup.
func (c *Config) DedupPolicy() (change.DedupPolicy, error) {
	return change.ParseDedupPolicy(c.Sync.Dedup)
}

// Logging converts the log section for logging.Init.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		OutputPath: c.Log.Output,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

// Source returns the config file that was read, or "" when none was.
func (c *Config) Source() string { return c.source }

func defaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "drivesync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "drivesync")
	}
	return filepath.Join(os.TempDir(), "drivesync")
}

func configHome() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
