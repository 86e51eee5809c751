package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the goalkeeper config dir.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "goalkeeper")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoadWithFile_Defaults(t *testing.T) {
	dir := setupTestHome(t)

	cfg, err := LoadWithFile(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 2866, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, ".goalkeeper/hooks", cfg.Hooks.Dir)
	assert.False(t, cfg.Hooks.Enabled)
	assert.Equal(t, "goalkeeper-goals", cfg.Temporal.TaskQueue)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `server:
  http_port: 9191
  shutdown_timeout: 3s
store:
  driver: badger
  badger_path: /var/lib/goalkeeper
hooks:
  enabled: true
github:
  token: ghp_example
events:
  kafka_brokers: ["k1:9092", "k2:9092"]
  kafka_topic: goal-events
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "badger", cfg.Store.Driver)
	assert.True(t, cfg.Hooks.Enabled)
	assert.Equal(t, "ghp_example", cfg.GitHub.Token.Value())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.KafkaBrokers)
}

func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  http_port: 9191\n", 0600)

	t.Setenv("GOALKEEPER_SERVER_HTTP_PORT", "7777")
	t.Setenv("GOALKEEPER_HOOKS_ENABLED", "true")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.True(t, cfg.Hooks.Enabled)
}

func TestLoadWithFile_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, dir string) string
		wantErr string
	}{
		{
			name: "world readable file",
			setup: func(t *testing.T, dir string) string {
				return writeConfig(t, dir, "server:\n  http_port: 1\n", 0644)
			},
			wantErr: "insecure config file permissions",
		},
		{
			name: "outside allowed dirs",
			setup: func(t *testing.T, dir string) string {
				return filepath.Join(t.TempDir(), "config.yaml")
			},
			wantErr: "config file must be in",
		},
		{
			name: "postgres without dsn",
			setup: func(t *testing.T, dir string) string {
				return writeConfig(t, dir, "store:\n  driver: postgres\n", 0600)
			},
			wantErr: "postgres_dsn is required",
		},
		{
			name: "absolute hooks dir",
			setup: func(t *testing.T, dir string) string {
				return writeConfig(t, dir, "hooks:\n  dir: /etc/hooks\n", 0600)
			},
			wantErr: "repository-relative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := setupTestHome(t)
			_, err := LoadWithFile(tt.setup(t, dir))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "server.http_port", envKey("GOALKEEPER_SERVER_HTTP_PORT"))
	assert.Equal(t, "store.postgres_dsn", envKey("GOALKEEPER_STORE_POSTGRES_DSN"))
	assert.Equal(t, "hooks", envKey("GOALKEEPER_HOOKS"))
}

func TestSecret_NeverLeaks(t *testing.T) {
	s := Secret("ghp_abc")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))

	out, err := json.Marshal(struct{ Token Secret }{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Token":"[REDACTED]"}`, string(out))

	assert.Equal(t, "ghp_abc", s.Value())
	assert.True(t, s.IsSet())
	assert.False(t, Secret("").IsSet())
	assert.Equal(t, "", Secret("").String())
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "hooks:\n  enabled: false\n", 0600)

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { changes <- c }, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(path, []byte("hooks:\n  enabled: true\n"), 0600))

	// A truncating write may surface an intermediate empty file first.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.Hooks.Enabled {
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}
