package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.Input.LockTimeout)
	assert.Equal(t, 5*time.Second, cfg.Input.WatchdogInterval)
	assert.Equal(t, 30, cfg.Capture.FPS)
	assert.Equal(t, 60, cfg.Capture.QueueSize)
	assert.Equal(t, 10, cfg.Capture.BroadcastCapacity)
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deskpilot.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
display = ":1"

[capture]
backend = "synthetic"
fps = 10
format = "jpeg"

[input]
lock_timeout = "90s"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":1", cfg.Display)
	assert.Equal(t, "synthetic", cfg.Capture.Backend)
	assert.Equal(t, 10, cfg.Capture.FPS)
	assert.Equal(t, "jpeg", cfg.Capture.Format)
	assert.Equal(t, 90*time.Second, cfg.Input.LockTimeout)
	// untouched sections keep defaults
	assert.Equal(t, 60, cfg.Capture.QueueSize)
	assert.Equal(t, "127.0.0.1:50051", cfg.Server.Addr)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deskpilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  network: unix
  addr: /tmp/deskpilot.sock
agent:
  heartbeat_timeout: 10s
  require_pairing: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "unix", cfg.Server.Network)
	assert.Equal(t, "/tmp/deskpilot.sock", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Agent.HeartbeatTimeout)
	assert.True(t, cfg.Agent.RequirePairing)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[capture]
fps = 0
backend = "dxgi"
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capture.fps")
	assert.Contains(t, err.Error(), "capture.backend")
}

func TestLoadUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.ini")
	require.NoError(t, os.WriteFile(path, []byte("x=1"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DESKPILOT_LOCK_TIMEOUT", "2m")
	t.Setenv("DESKPILOT_CAPTURE_BACKEND", "command")
	t.Setenv("DESKPILOT_TOKEN", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Input.LockTimeout)
	assert.Equal(t, "command", cfg.Capture.Backend)
	assert.Equal(t, "s3cret", cfg.Server.Token)
	assert.Equal(t, "s3cret", cfg.ViewerToken())
}

func TestEnvOverrideBadDuration(t *testing.T) {
	t.Setenv("DESKPILOT_LOCK_TIMEOUT", "forever")
	_, err := Load("")
	assert.Error(t, err)
}

func TestViewerValidation(t *testing.T) {
	cfg := Default()
	cfg.Viewer.Enabled = true
	assert.Error(t, cfg.Validate(), "viewer without any token")

	cfg.Server.Token = "t"
	cfg.Viewer.TLSCert = "cert.pem"
	assert.Error(t, cfg.Validate(), "cert without key")

	cfg.Viewer.TLSKey = "key.pem"
	assert.NoError(t, cfg.Validate())
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deskpilot.toml")
	require.NoError(t, os.WriteFile(path, []byte("[input]\nlock_timeout = \"1m\"\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) { changes <- c }, nil)
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("[input]\nlock_timeout = \"3m\"\n"), 0o644))

	select {
	case cfg := <-changes:
		assert.Equal(t, 3*time.Minute, cfg.Input.LockTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	require.NoError(t, <-done)
}
