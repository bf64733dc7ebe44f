package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/drivesync/drivesync/internal/change"
)

// isolate points every XDG lookup at a fresh directory and runs the test
// from an empty working directory.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

// TestLoad_Defaults verifies the built-in settings when nothing is configured.
func TestLoad_Defaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load("", nil)
	require.NoError(t, err)

	stateDir := filepath.Join(dir, "state", "drivesync")
	assert.Equal(t, stateDir, cfg.State.Dir)
	assert.Equal(t, "sqlite://"+filepath.Join(stateDir, "state.db"), cfg.State.DSN)
	assert.Equal(t, RemoteDrive, cfg.Remote.Kind)
	assert.Equal(t, 5, cfg.Remote.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.Remote.TimeoutBudget)
	assert.Equal(t, 5*time.Second, cfg.Remote.RetryStep)
	assert.Equal(t, 15*time.Second, cfg.Sync.MergeInterval)
	assert.Equal(t, 10*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, 3, cfg.Sync.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Sync.IgnoreWindow)
	assert.Equal(t, 8080, cfg.Dashboard.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Source())

	policy, err := cfg.DedupPolicy()
	require.NoError(t, err)
	assert.Equal(t, change.DedupLatestPerID, policy)

	// no root yet
	assert.Error(t, cfg.Validate())
}

// TestLoad_FileEnvAndFlags verifies the precedence of the layers.
func TestLoad_FileEnvAndFlags(t *testing.T) {
	dir := isolate(t)
	file := filepath.Join(dir, "drivesync.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
local:
  root: /srv/drive
sync:
  merge_interval: 20s
  dedup: identity
remote:
  kind: memory
log:
  level: debug
`), 0o600))

	t.Setenv("DRIVESYNC_SYNC_MERGE_INTERVAL", "45s")
	t.Setenv("DRIVESYNC_REMOTE_TOKEN", "secret-token")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	flags.String("root", "", "")
	require.NoError(t, flags.Parse([]string{"--log-level=warn"}))

	cfg, err := Load(file, flags)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, file, cfg.Source())
	assert.Equal(t, "/srv/drive", cfg.Local.Root, "unset flag does not override the file")
	assert.Equal(t, 45*time.Second, cfg.Sync.MergeInterval, "env overrides the file")
	assert.Equal(t, "secret-token", cfg.Remote.Token)
	assert.Equal(t, RemoteMemory, cfg.Remote.Kind)
	assert.Equal(t, "warn", cfg.Log.Level, "flag overrides the file")

	policy, err := cfg.DedupPolicy()
	require.NoError(t, err)
	assert.Equal(t, change.DedupIdentity, policy)
}

// TestLoad_SearchesWorkingDirectory verifies discovery without --config.
func TestLoad_SearchesWorkingDirectory(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "drivesync.toml"),
		[]byte("[local]\nroot = \"/data\"\n"), 0o600))

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "/data", cfg.Local.Root)
	assert.NotEmpty(t, cfg.Source())
}

// TestLoad_MissingExplicitFile verifies that --config must exist.
func TestLoad_MissingExplicitFile(t *testing.T) {
	dir := isolate(t)
	_, err := Load(filepath.Join(dir, "nope.yaml"), nil)
	assert.Error(t, err)
}

// TestValidate verifies rejection of settings the engine cannot run with.
func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Local.Root = "/srv/drive"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty root", func(c *Config) { c.Local.Root = "" }},
		{"relative root", func(c *Config) { c.Local.Root = "drive" }},
		{"unknown remote", func(c *Config) { c.Remote.Kind = "s3" }},
		{"zero merge interval", func(c *Config) { c.Sync.MergeInterval = 0 }},
		{"negative poll interval", func(c *Config) { c.Sync.PollInterval = -time.Second }},
		{"zero attempts", func(c *Config) { c.Sync.MaxAttempts = 0 }},
		{"unknown dedup", func(c *Config) { c.Sync.Dedup = "newest" }},
		{"zero retries", func(c *Config) { c.Remote.MaxRetries = 0 }},
		{"bad port", func(c *Config) { c.Dashboard.Port = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// TestInitFile_RoundTrip verifies that a generated file loads back to the
// same settings.
func TestInitFile_RoundTrip(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config", "drivesync", "drivesync.toml")

	cfg := Default()
	cfg.Local.Root = "/srv/drive"
	cfg.Sync.MergeInterval = 2 * time.Minute
	cfg.Remote.Token = "tok"
	require.NoError(t, InitFile(path, cfg, false))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# drivesync configuration")
	assert.Contains(t, string(data), `merge_interval = "2m0s"`)

	assert.Error(t, InitFile(path, cfg, false), "existing file is kept")
	require.NoError(t, InitFile(path, cfg, true))

	loaded, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.Local, loaded.Local)
	assert.Equal(t, cfg.Sync, loaded.Sync)
	assert.Equal(t, cfg.Remote, loaded.Remote)
	assert.Equal(t, cfg.State, loaded.State)
}

// TestYAML_MasksToken verifies the display form.
func TestYAML_MasksToken(t *testing.T) {
	cfg := Default()
	cfg.Remote.Token = "hunter2"

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")

	var view map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(out, &view))
	assert.Equal(t, "15s", view["sync"]["merge_interval"])
	assert.Equal(t, "********", view["remote"]["token"])
}
