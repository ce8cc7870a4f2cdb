package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"deskpilot/internal/config"
	"deskpilot/internal/logging"
	"deskpilot/internal/platform"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type flags struct {
	config     string
	display    string
	startX     bool
	resolution string
	gpu        int
	network    string
	addr       string
	token      string
	viewer     bool
	viewerAddr string
	tls        bool
	capture    string
	input      string
	fps        int
	stats      bool
	logLevel   string
	logFormat  string
}

func parseFlags(args []string) (*flags, *pflag.FlagSet, error) {
	f := &flags{}
	fs := pflag.NewFlagSet("deskpilot", pflag.ContinueOnError)
	fs.StringVarP(&f.config, "config", "c", "", "config file (.toml, .yaml or .yml)")
	fs.StringVar(&f.display, "display", "", "X11 display to drive (default $DISPLAY)")
	fs.BoolVar(&f.startX, "start-x", false, "start a private headless Xorg")
	fs.StringVar(&f.resolution, "resolution", "", "screen resolution for --start-x")
	fs.IntVar(&f.gpu, "gpu", 0, "NVIDIA GPU index for --start-x (-1 for the dummy driver)")
	fs.StringVar(&f.network, "network", "", "RPC listener network (tcp or unix)")
	fs.StringVar(&f.addr, "addr", "", "RPC listen address")
	fs.StringVar(&f.token, "token", "", "RPC bearer token")
	fs.BoolVar(&f.viewer, "viewer", false, "enable the WebRTC live viewer")
	fs.StringVar(&f.viewerAddr, "viewer-addr", "", "viewer HTTP listen address")
	fs.BoolVar(&f.tls, "tls", false, "serve the viewer over TLS")
	fs.StringVar(&f.capture, "capture-backend", "", "capture backend (auto, xshm, xgb, command, synthetic)")
	fs.StringVar(&f.input, "input-backend", "", "input backend (auto, xtest, xdotool)")
	fs.IntVar(&f.fps, "fps", 0, "default stream frame rate")
	fs.BoolVar(&f.stats, "stats", false, "log pipeline stats every 5 seconds")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", "", "console or json")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return f, fs, nil
}

// apply overrides cfg with every flag given on the command line.
func (f *flags) apply(cfg *config.Config, fs *pflag.FlagSet) error {
	set := func(name string, fn func()) {
		if fs.Changed(name) {
			fn()
		}
	}
	set("display", func() { cfg.Display = f.display })
	set("start-x", func() { cfg.Platform.StartX = f.startX })
	set("resolution", func() { cfg.Platform.Resolution = f.resolution })
	set("gpu", func() { cfg.Platform.GPU = f.gpu })
	set("network", func() { cfg.Server.Network = f.network })
	set("addr", func() { cfg.Server.Addr = f.addr })
	set("token", func() { cfg.Server.Token = f.token })
	set("viewer", func() { cfg.Viewer.Enabled = f.viewer })
	set("viewer-addr", func() { cfg.Viewer.Addr = f.viewerAddr })
	set("tls", func() { cfg.Viewer.TLS = f.tls })
	set("capture-backend", func() { cfg.Capture.Backend = f.capture })
	set("input-backend", func() { cfg.Input.Backend = f.input })
	set("fps", func() { cfg.Capture.FPS = f.fps })
	set("stats", func() { cfg.Capture.Stats = f.stats })
	set("log-level", func() { cfg.Log.Level = f.logLevel })
	set("log-format", func() { cfg.Log.Format = f.logFormat })
	return cfg.Validate()
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "deskpilot:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	f, fs, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(f.config)
	if err != nil {
		return err
	}
	if err := f.apply(cfg, fs); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	logger, level, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	platform.SaveTermState()
	display, err := platform.Init(ctx, platform.Config{
		Display:    cfg.Display,
		StartX:     cfg.Platform.StartX,
		Resolution: cfg.Platform.Resolution,
		GPU:        cfg.Platform.GPU,
	}, logger.Named("platform"))
	if err != nil {
		return err
	}
	defer display.Close()
	// Xorg can leave the terminal in raw-ish mode.
	platform.RestoreTermState()
	if display.Name == "" && cfg.Capture.Backend != "synthetic" {
		return errors.New("no display available: use --display, set DISPLAY or use --start-x")
	}

	app, err := newApp(ctx, cfg, display, logger)
	if err != nil {
		return err
	}
	defer app.close()

	if f.config != "" {
		go func() {
			err := config.Watch(ctx, f.config, func(next *config.Config) {
				lvl, _ := logging.ParseLevel(next.Log.Level)
				level.SetLevel(lvl)
				app.lock.SetLockTimeout(next.Input.LockTimeout)
				logger.Info("config reloaded",
					zap.String("level", lvl.String()),
					zap.Duration("lock_timeout", next.Input.LockTimeout))
			}, func(err error) {
				logger.Warn("config reload failed", zap.Error(err))
			})
			if err != nil {
				logger.Warn("config watch stopped", zap.Error(err))
			}
		}()
	}

	err = app.run(ctx)
	logger.Info("shutting down")
	return err
}
