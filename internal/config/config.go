package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"deskpilot/internal/logging"
)

// Config is the complete process configuration. Zero-valued files are
// valid: Default() supplies every field.
type Config struct {
	Display string `toml:"display" yaml:"display"`

	Platform PlatformConfig `toml:"platform" yaml:"platform"`
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Viewer   ViewerConfig   `toml:"viewer" yaml:"viewer"`
	Capture  CaptureConfig  `toml:"capture" yaml:"capture"`
	Input    InputConfig    `toml:"input" yaml:"input"`
	Agent    AgentConfig    `toml:"agent" yaml:"agent"`
	Pool     PoolConfig     `toml:"pool" yaml:"pool"`
	Notify   NotifyConfig   `toml:"notify" yaml:"notify"`
	Log      logging.Config `toml:"log" yaml:"log"`
}

type PlatformConfig struct {
	StartX     bool   `toml:"start_x" yaml:"start_x"`
	Resolution string `toml:"resolution" yaml:"resolution"`
	GPU        int    `toml:"gpu" yaml:"gpu"`
}

type ServerConfig struct {
	Network string `toml:"network" yaml:"network"` // tcp or unix
	Addr    string `toml:"addr" yaml:"addr"`
	Token   string `toml:"token" yaml:"token"`
}

type ViewerConfig struct {
	Enabled        bool          `toml:"enabled" yaml:"enabled"`
	Addr           string        `toml:"addr" yaml:"addr"`
	Token          string        `toml:"token" yaml:"token"`
	TLS            bool          `toml:"tls" yaml:"tls"`
	TLSCert        string        `toml:"tls_cert" yaml:"tls_cert"`
	TLSKey         string        `toml:"tls_key" yaml:"tls_key"`
	OfferTimeout   time.Duration `toml:"offer_timeout" yaml:"offer_timeout"`
	AuthFailLimit  int           `toml:"auth_fail_limit" yaml:"auth_fail_limit"`
	AuthFailWindow time.Duration `toml:"auth_fail_window" yaml:"auth_fail_window"`
}

type CaptureConfig struct {
	Backend              string `toml:"backend" yaml:"backend"`
	FPS                  int    `toml:"fps" yaml:"fps"`
	QueueSize            int    `toml:"queue_size" yaml:"queue_size"`
	BroadcastCapacity    int    `toml:"broadcast_capacity" yaml:"broadcast_capacity"`
	MaxConsecutiveErrors int    `toml:"max_consecutive_errors" yaml:"max_consecutive_errors"`
	Format               string `toml:"format" yaml:"format"`
	Quality              string `toml:"quality" yaml:"quality"`
	Stats                bool   `toml:"stats" yaml:"stats"`
}

type InputConfig struct {
	Backend          string        `toml:"backend" yaml:"backend"`
	LockTimeout      time.Duration `toml:"lock_timeout" yaml:"lock_timeout"`
	WatchdogInterval time.Duration `toml:"watchdog_interval" yaml:"watchdog_interval"`
	LockAttempts     int           `toml:"lock_attempts" yaml:"lock_attempts"`
	RetryBackoff     time.Duration `toml:"retry_backoff" yaml:"retry_backoff"`
	Hotkey           string        `toml:"hotkey" yaml:"hotkey"`
	HotkeyEnabled    bool          `toml:"hotkey_enabled" yaml:"hotkey_enabled"`
}

type AgentConfig struct {
	HubURL           string        `toml:"hub_url" yaml:"hub_url"`
	HeartbeatTimeout time.Duration `toml:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	RequirePairing   bool          `toml:"require_pairing" yaml:"require_pairing"`
}

type PoolConfig struct {
	Workers        int           `toml:"workers" yaml:"workers"`
	Queue          int           `toml:"queue" yaml:"queue"`
	InputTimeout   time.Duration `toml:"input_timeout" yaml:"input_timeout"`
	QueryTimeout   time.Duration `toml:"query_timeout" yaml:"query_timeout"`
	CaptureTimeout time.Duration `toml:"capture_timeout" yaml:"capture_timeout"`
	LockTimeout    time.Duration `toml:"lock_timeout" yaml:"lock_timeout"`
	LaunchTimeout  time.Duration `toml:"launch_timeout" yaml:"launch_timeout"`
}

type NotifyConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	AppName string `toml:"app_name" yaml:"app_name"`
}

var (
	CaptureBackends = []string{"auto", "xshm", "xgb", "command", "synthetic"}
	InputBackends   = []string{"auto", "xtest", "xdotool"}
	ImageFormats    = []string{"png", "jpeg", "raw-zstd", "raw-lz4"}
	Qualities       = []string{"low", "medium", "high"}
)

// Default returns a configuration with every field populated.
func Default() *Config {
	return &Config{
		Platform: PlatformConfig{
			Resolution: "1920x1080",
		},
		Server: ServerConfig{
			Network: "tcp",
			Addr:    "127.0.0.1:50051",
		},
		Viewer: ViewerConfig{
			Addr:           "127.0.0.1:8080",
			OfferTimeout:   10 * time.Second,
			AuthFailLimit:  10,
			AuthFailWindow: time.Minute,
		},
		Capture: CaptureConfig{
			Backend:              "auto",
			FPS:                  30,
			QueueSize:            60,
			BroadcastCapacity:    10,
			MaxConsecutiveErrors: 30,
			Format:               "png",
			Quality:              "medium",
		},
		Input: InputConfig{
			Backend:          "auto",
			LockTimeout:      5 * time.Minute,
			WatchdogInterval: 5 * time.Second,
			LockAttempts:     3,
			RetryBackoff:     100 * time.Millisecond,
			Hotkey:           "Ctrl+Alt+Shift+U",
			HotkeyEnabled:    true,
		},
		Agent: AgentConfig{
			HeartbeatTimeout: 30 * time.Second,
		},
		Pool: PoolConfig{
			Workers:        8,
			Queue:          64,
			InputTimeout:   2 * time.Second,
			QueryTimeout:   3 * time.Second,
			CaptureTimeout: 5 * time.Second,
			LockTimeout:    10 * time.Second,
			LaunchTimeout:  15 * time.Second,
		},
		Notify: NotifyConfig{
			Enabled: true,
			AppName: "deskpilot",
		},
		Log: logging.Config{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// ApplyEnvOverrides applies DESKPILOT_* variables on top of file values.
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv("DESKPILOT_DISPLAY"); v != "" {
		c.Display = v
	}
	if v := os.Getenv("DESKPILOT_RPC_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("DESKPILOT_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv("DESKPILOT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("DESKPILOT_CAPTURE_BACKEND"); v != "" {
		c.Capture.Backend = v
	}
	if v := os.Getenv("DESKPILOT_LOCK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DESKPILOT_LOCK_TIMEOUT: %w", err)
		}
		c.Input.LockTimeout = d
	}
	return nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Network == "tcp" || c.Server.Network == "unix", "server.network must be tcp or unix, got %q", c.Server.Network)
	check(c.Server.Addr != "", "server.addr is required")

	check(oneOf(c.Capture.Backend, CaptureBackends), "capture.backend %q not in %v", c.Capture.Backend, CaptureBackends)
	check(c.Capture.FPS > 0 && c.Capture.FPS <= 120, "capture.fps must be in 1..120, got %d", c.Capture.FPS)
	check(c.Capture.QueueSize > 0, "capture.queue_size must be > 0")
	check(c.Capture.BroadcastCapacity > 0, "capture.broadcast_capacity must be > 0")
	check(c.Capture.MaxConsecutiveErrors > 0, "capture.max_consecutive_errors must be > 0")
	check(oneOf(c.Capture.Format, ImageFormats), "capture.format %q not in %v", c.Capture.Format, ImageFormats)
	check(oneOf(c.Capture.Quality, Qualities), "capture.quality %q not in %v", c.Capture.Quality, Qualities)

	check(oneOf(c.Input.Backend, InputBackends), "input.backend %q not in %v", c.Input.Backend, InputBackends)
	check(c.Input.LockTimeout > 0, "input.lock_timeout must be > 0")
	check(c.Input.WatchdogInterval > 0, "input.watchdog_interval must be > 0")
	check(c.Input.LockAttempts > 0, "input.lock_attempts must be > 0")
	check(c.Input.RetryBackoff >= 0, "input.retry_backoff must be >= 0")

	check(c.Agent.HeartbeatTimeout > 0, "agent.heartbeat_timeout must be > 0")

	check(c.Pool.Workers > 0, "pool.workers must be > 0")
	check(c.Pool.Queue >= 0, "pool.queue must be >= 0")
	for name, d := range map[string]time.Duration{
		"input_timeout":   c.Pool.InputTimeout,
		"query_timeout":   c.Pool.QueryTimeout,
		"capture_timeout": c.Pool.CaptureTimeout,
		"lock_timeout":    c.Pool.LockTimeout,
		"launch_timeout":  c.Pool.LaunchTimeout,
	} {
		check(d > 0, "pool.%s must be > 0", name)
	}

	if c.Viewer.Enabled {
		check(c.Viewer.Token != "" || c.Server.Token != "", "viewer requires viewer.token or server.token")
		check((c.Viewer.TLSCert == "") == (c.Viewer.TLSKey == ""), "viewer.tls_cert and viewer.tls_key must both be set")
		check(c.Viewer.AuthFailLimit > 0, "viewer.auth_fail_limit must be > 0")
		check(c.Viewer.AuthFailWindow > 0, "viewer.auth_fail_window must be > 0")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// ViewerToken falls back to the RPC token when the viewer has none.
func (c *Config) ViewerToken() string {
	if c.Viewer.Token != "" {
		return c.Viewer.Token
	}
	return c.Server.Token
}

func oneOf(v string, set []string) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}
