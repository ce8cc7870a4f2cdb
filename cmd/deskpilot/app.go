package main

import (
	"context"
	"crypto/tls"
	"io"
	"sync"
	"time"

	"deskpilot/internal/agent"
	"deskpilot/internal/capture"
	"deskpilot/internal/config"
	"deskpilot/internal/hotkey"
	"deskpilot/internal/input"
	"deskpilot/internal/inputlock"
	"deskpilot/internal/launcher"
	"deskpilot/internal/notify"
	"deskpilot/internal/platform"
	"deskpilot/internal/pool"
	"deskpilot/internal/rpc"
	"deskpilot/internal/service"
	"deskpilot/internal/stream"
	"deskpilot/internal/sysinfo"
	"deskpilot/internal/syscmd"
	tlsutil "deskpilot/internal/tls"
	"deskpilot/internal/types"
	"deskpilot/internal/viewer"

	"go.uber.org/zap"
)

const statsInterval = 5 * time.Second

// app holds every long-lived component of the process.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	notifier types.Notifier
	injector types.InputInjector
	lock     *inputlock.Controller
	agents   *agent.Manager
	index    *launcher.Index
	workers  *pool.Pool
	rpc      *rpc.Server
	viewer   *viewer.Server
	hotkey   *hotkey.Listener
}

func newApp(ctx context.Context, cfg *config.Config, display *platform.Display, logger *zap.Logger) (*app, error) {
	runner := &syscmd.Exec{Display: display.Name, Xauthority: display.Xauthority}

	factory, err := capture.NewFactory(cfg.Capture.Backend, display.Name, runner, logger.Named("capture"))
	if err != nil {
		return nil, err
	}
	capMgr := capture.NewManager(factory, runner, logger.Named("capture"))

	notifier := notify.New(cfg.Notify.Enabled, cfg.Notify.AppName, logger.Named("notify"))

	injector, err := input.New(cfg.Input.Backend, display.Name, runner, logger.Named("input"))
	if err != nil {
		return nil, err
	}
	lock := inputlock.New(input.NewXInput(runner), inputlock.Options{
		Timeout:  cfg.Input.LockTimeout,
		Attempts: cfg.Input.LockAttempts,
		Backoff:  cfg.Input.RetryBackoff,
		Notifier: notifier,
		Logger:   logger.Named("inputlock"),
	})

	agents := agent.NewManager(agent.Options{
		Streamer: capMgr,
		Lock:     lock,
		Notifier: notifier,
		StreamOptions: stream.Options{
			FPS:                  cfg.Capture.FPS,
			QueueSize:            cfg.Capture.QueueSize,
			BroadcastCapacity:    cfg.Capture.BroadcastCapacity,
			MaxConsecutiveErrors: cfg.Capture.MaxConsecutiveErrors,
			Logger:               logger.Named("stream"),
		},
		HeartbeatTimeout: cfg.Agent.HeartbeatTimeout,
		RequirePairing:   cfg.Agent.RequirePairing,
		Logger:           logger.Named("agent"),
	})
	if cfg.Agent.RequirePairing {
		logger.Info("pairing required", zap.String("pairing_code", agents.PairingCode()))
	}

	system := sysinfo.New(runner, display.Name, logger.Named("sysinfo"))
	if cfg.Capture.Backend == capture.BackendSynthetic {
		system.Pin(capture.DefaultScreenWidth, capture.DefaultScreenHeight)
	}
	w, h := system.ScreenSize(ctx)
	validator := input.NewValidator(w, h, logger.Named("validate"))

	index := launcher.NewIndex(launcher.DefaultDirs, logger.Named("launcher"))
	index.Load()

	workers := pool.New(cfg.Pool.Workers, cfg.Pool.Queue, logger.Named("pool"))

	svc := service.New(service.Options{
		Agents:    agents,
		Capture:   capMgr,
		Injector:  injector,
		Lock:      lock,
		Validator: validator,
		System:    system,
		Launcher:  launcher.New(index, runner, logger.Named("launcher")),
		Pool:      workers,
		Timeouts: service.Timeouts{
			Input:   cfg.Pool.InputTimeout,
			Query:   cfg.Pool.QueryTimeout,
			Capture: cfg.Pool.CaptureTimeout,
			Lock:    cfg.Pool.LockTimeout,
			Launch:  cfg.Pool.LaunchTimeout,
		},
		CaptureDefaults: types.CaptureConfig{
			Format:  types.ImageFormat(cfg.Capture.Format),
			Quality: types.Quality(cfg.Capture.Quality),
			FPS:     cfg.Capture.FPS,
		},
		Logger: logger.Named("service"),
	})
	rpcSrv := rpc.NewServer(cfg.Server.Network, cfg.Server.Addr, cfg.Server.Token, logger.Named("rpc"))
	rpcSrv.SetIdleTimeout(idleTimeout(cfg.Agent.HeartbeatTimeout))
	svc.Register(rpcSrv)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		notifier: notifier,
		injector: injector,
		lock:     lock,
		agents:   agents,
		index:    index,
		workers:  workers,
		rpc:      rpcSrv,
	}

	if cfg.Viewer.Enabled {
		var tlsConfig *tls.Config
		if cfg.Viewer.TLS || cfg.Viewer.TLSCert != "" {
			tlsConfig, err = tlsutil.ServerConfig(cfg.Viewer.TLSCert, cfg.Viewer.TLSKey, logger.Named("tls"))
			if err != nil {
				a.close()
				return nil, err
			}
		}
		a.viewer = viewer.New(viewer.Options{
			Addr:           cfg.Viewer.Addr,
			Token:          cfg.ViewerToken(),
			TLSConfig:      tlsConfig,
			OfferTimeout:   cfg.Viewer.OfferTimeout,
			AuthFailLimit:  cfg.Viewer.AuthFailLimit,
			AuthFailWindow: cfg.Viewer.AuthFailWindow,
			Frames:         agents,
			Snapshots:      capMgr,
			Input:          svc.ViewerInput,
			Health:         a.health,
			Logger:         logger,
		})
	}

	if cfg.Input.HotkeyEnabled {
		combo, err := hotkey.ParseCombo(cfg.Input.Hotkey)
		if err != nil {
			a.close()
			return nil, err
		}
		a.hotkey = hotkey.NewListener(combo, a.emergencyUnlock, logger.Named("hotkey"))
	}
	return a, nil
}

func (a *app) emergencyUnlock() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Pool.LockTimeout)
		defer cancel()
		if err := a.lock.EmergencyUnlock(ctx, "emergency hotkey"); err != nil {
			a.logger.Error("emergency unlock failed", zap.Error(err))
		}
	}()
}

type healthReport struct {
	Agent *agent.Status   `json:"agent,omitempty"`
	Lock  inputlock.State `json:"lock"`
	Pool  pool.Stats      `json:"pool"`
}

func (a *app) health() any {
	r := healthReport{Lock: a.lock.State(), Pool: a.workers.Stats()}
	if cur := a.agents.Current(); cur != nil {
		if st, err := a.agents.Status(cur.ID); err == nil {
			r.Agent = &st
		}
	}
	return r
}

// run serves until ctx is done or the RPC server fails.
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error(name+" stopped", zap.Error(err))
			}
		}()
	}

	spawn("input lock watchdog", func(ctx context.Context) error {
		a.lock.Watch(ctx, a.cfg.Input.WatchdogInterval)
		return nil
	})
	spawn("heartbeat monitor", func(ctx context.Context) error {
		a.agents.Monitor(ctx)
		return nil
	})
	spawn("launcher index", a.index.Watch)
	if a.hotkey != nil {
		spawn("hotkey listener", a.hotkey.Run)
	}
	if a.viewer != nil {
		spawn("viewer", a.viewer.ListenAndServe)
	}
	if a.cfg.Capture.Stats {
		spawn("stats", a.logStats)
	}

	err := a.rpc.Serve(ctx)
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), a.cfg.Pool.LockTimeout)
	defer done()
	a.agents.Shutdown(shutdownCtx)
	if a.lock.Locked() {
		if uerr := a.lock.Unlock(shutdownCtx); uerr != nil {
			a.logger.Error("input lock not released on shutdown", zap.Error(uerr))
		}
	}
	wg.Wait()
	return err
}

func (a *app) logStats(ctx context.Context) error {
	t := time.NewTicker(statsInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		cur := a.agents.Current()
		if cur == nil {
			continue
		}
		st, err := a.agents.Status(cur.ID)
		if err != nil || st.Stream == nil {
			continue
		}
		a.logger.Info("pipeline",
			zap.String("capture_id", st.CaptureID),
			zap.Uint64("captured", st.Stream.FramesCaptured),
			zap.Uint64("published", st.Stream.FramesPublished),
			zap.Uint64("dropped", st.Stream.FramesDropped),
			zap.Uint64("capture_errors", st.Stream.CaptureErrors),
			zap.Float64("encode_ms", st.Stream.AvgEncodeMs),
			zap.Float64("latency_ms", st.Stream.AvgLatencyMs),
			zap.Any("pool", a.workers.Stats()))
	}
}

func (a *app) close() {
	a.workers.Close()
	a.injector.Close()
	if c, ok := a.notifier.(io.Closer); ok {
		c.Close()
	}
}

// idleTimeout keeps a registered controller's connection open for at
// least two missed heartbeats.
func idleTimeout(heartbeat time.Duration) time.Duration {
	return max(2*heartbeat, rpc.DefaultIdleTimeout)
}
