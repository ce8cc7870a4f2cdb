package main

import (
	"testing"
	"time"

	"deskpilot/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsOverrideOnlyWhatIsSet(t *testing.T) {
	f, fs, err := parseFlags([]string{"--addr", "0.0.0.0:6000", "--capture-backend=synthetic", "--stats"})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Server.Token = "from-file"
	require.NoError(t, f.apply(cfg, fs))

	assert.Equal(t, "0.0.0.0:6000", cfg.Server.Addr)
	assert.Equal(t, "synthetic", cfg.Capture.Backend)
	assert.True(t, cfg.Capture.Stats)
	assert.Equal(t, "from-file", cfg.Server.Token)
	assert.Equal(t, 30, cfg.Capture.FPS)
}

func TestFlagsAreValidated(t *testing.T) {
	f, fs, err := parseFlags([]string{"--fps", "0"})
	require.NoError(t, err)
	assert.Error(t, f.apply(config.Default(), fs))
}

func TestUnknownFlag(t *testing.T) {
	_, _, err := parseFlags([]string{"--nope"})
	assert.Error(t, err)
}

func TestIdleTimeoutOutlastsHeartbeat(t *testing.T) {
	assert.Equal(t, 2*time.Minute, idleTimeout(30*time.Second))
	assert.Equal(t, 10*time.Minute, idleTimeout(5*time.Minute))
}
