package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const tomlHeader = `# drivesync configuration
#
# Every key can be overridden from the environment with the DRIVESYNC_
# prefix and dots replaced by underscores, for example
# DRIVESYNC_REMOTE_TOKEN or DRIVESYNC_SYNC_MERGE_INTERVAL=30s.
#
# state.dsn accepts sqlite://<path>, file://<path>.json, postgres://... and memory://
# remote.kind is "drive" or "memory"; sync.dedup is "latest" or "identity".

`

// WriteTOML writes cfg as a commented TOML document.
func WriteTOML(w io.Writer, cfg *Config) error {
	if _, err := io.WriteString(w, tomlHeader); err != nil {
		return err
	}
	enc := toml.NewEncoder(w)
	enc.Indent = ""
	if err := enc.Encode(cfg.settings(false)); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// InitFile writes cfg to path. It refuses to overwrite an existing file
// unless force is set.
func InitFile(path string, cfg *Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	if err := WriteTOML(&buf, cfg); err != nil {
		return err
	}
	// the token may be written here
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// YAML renders the effective settings for display with the remote token
// masked.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.settings(true))
}

// settings lays the configuration out by key. Durations use their string
// form, which Load parses back.
func (c *Config) settings(mask bool) map[string]map[string]any {
	token := c.Remote.Token
	if mask && token != "" {
		token = "********"
	}

	return map[string]map[string]any{
		"local": {
			"root":           c.Local.Root,
			"include_hidden": c.Local.IncludeHidden,
		},
		"state": {
			"dsn": c.State.DSN,
			"dir": c.State.Dir,
		},
		"remote": {
			"kind":           c.Remote.Kind,
			"base_url":       c.Remote.BaseURL,
			"token":          token,
			"max_retries":    c.Remote.MaxRetries,
			"timeout_budget": c.Remote.TimeoutBudget.String(),
			"retry_step":     c.Remote.RetryStep.String(),
		},
		"sync": {
			"merge_interval": c.Sync.MergeInterval.String(),
			"poll_interval":  c.Sync.PollInterval.String(),
			"max_attempts":   c.Sync.MaxAttempts,
			"dedup":          c.Sync.Dedup,
			"ignore_window":  c.Sync.IgnoreWindow.String(),
		},
		"dashboard": {
			"enabled": c.Dashboard.Enabled,
			"port":    c.Dashboard.Port,
		},
		"log": {
			"level":        c.Log.Level,
			"format":       c.Log.Format,
			"output":       c.Log.Output,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
		},
	}
}
