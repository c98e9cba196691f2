package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "exo.db", cfg.Database.Path)
	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Chain.TimeoutSeconds)
	assert.Equal(t, 10.0, cfg.Engine.RatePerSecond)
	assert.Equal(t, 10, cfg.Exchange.LockWaitSeconds)
	assert.True(t, cfg.Sweep.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exo.toml")
	content := `
[database]
path = "/tmp/test-exo.db"

[server]
port = 9001

[exchange]
lock_wait_seconds = 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test-exo.db", cfg.Database.Path)
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Exchange.LockWaitSeconds)
	// Unset values fall back to defaults
	assert.Equal(t, 60, cfg.Sweep.IntervalSeconds)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exo.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 9001\n"), 0o644))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	t.Cleanup(func() { w.Stop() })

	reloaded := make(chan *Config, 1)
	w.OnReload(func(cfg *Config) error {
		select {
		case reloaded <- cfg:
		default:
		}
		return nil
	})
	w.Start()

	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 9002\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9002, cfg.Server.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload callback never fired")
	}
}
