// Package service implements the RPC actions. Handlers validate their
// request, run every blocking platform call on the worker pool under the
// action's timeout, and return typed results the rpc server encodes.
package service

import (
	"context"
	"time"

	"deskpilot/internal/agent"
	"deskpilot/internal/capture"
	"deskpilot/internal/codec"
	"deskpilot/internal/fault"
	"deskpilot/internal/input"
	"deskpilot/internal/inputlock"
	"deskpilot/internal/launcher"
	"deskpilot/internal/pool"
	"deskpilot/internal/rpc"
	"deskpilot/internal/sysinfo"
	"deskpilot/internal/types"

	"go.uber.org/zap"
)

// Timeouts bound each class of platform call.
type Timeouts struct {
	Input   time.Duration
	Query   time.Duration
	Capture time.Duration
	Lock    time.Duration
	Launch  time.Duration
}

// DefaultTimeouts are used for any zero field.
var DefaultTimeouts = Timeouts{
	Input:   2 * time.Second,
	Query:   3 * time.Second,
	Capture: 5 * time.Second,
	Lock:    10 * time.Second,
	Launch:  15 * time.Second,
}

func (t *Timeouts) setDefaults() {
	if t.Input <= 0 {
		t.Input = DefaultTimeouts.Input
	}
	if t.Query <= 0 {
		t.Query = DefaultTimeouts.Query
	}
	if t.Capture <= 0 {
		t.Capture = DefaultTimeouts.Capture
	}
	if t.Lock <= 0 {
		t.Lock = DefaultTimeouts.Lock
	}
	if t.Launch <= 0 {
		t.Launch = DefaultTimeouts.Launch
	}
}

type Options struct {
	Agents    *agent.Manager
	Capture   *capture.Manager
	Injector  types.InputInjector
	Lock      *inputlock.Controller
	Validator *input.Validator
	System    *sysinfo.Collector
	Launcher  *launcher.Launcher
	Pool      *pool.Pool
	Timeouts  Timeouts

	// CaptureDefaults fills format, quality and fps when a request
	// leaves them out.
	CaptureDefaults types.CaptureConfig

	// ScreenshotDir is where take_screenshot writes when no path is
	// given. Empty means ~/Pictures.
	ScreenshotDir string

	Logger *zap.Logger
}

type Service struct {
	agents    *agent.Manager
	capture   *capture.Manager
	injector  types.InputInjector
	lock      *inputlock.Controller
	validator *input.Validator
	system    *sysinfo.Collector
	launcher  *launcher.Launcher
	pool      *pool.Pool
	timeouts  Timeouts
	defaults  types.CaptureConfig
	shotDir   string
	logger    *zap.Logger
}

func New(opts Options) *Service {
	opts.Timeouts.setDefaults()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		agents:    opts.Agents,
		capture:   opts.Capture,
		injector:  opts.Injector,
		lock:      opts.Lock,
		validator: opts.Validator,
		system:    opts.System,
		launcher:  opts.Launcher,
		pool:      opts.Pool,
		timeouts:  opts.Timeouts,
		defaults:  opts.CaptureDefaults,
		shotDir:   opts.ScreenshotDir,
		logger:    opts.Logger,
	}
}

// Register installs every action on srv.
func (s *Service) Register(srv *rpc.Server) {
	srv.Handle("register_agent", handle(s.registerAgent))
	srv.Handle("unregister_agent", handle(s.unregisterAgent))
	srv.Handle("heartbeat", handle(s.heartbeat))
	srv.Handle("get_status", handle(s.getStatus))

	srv.Handle("get_frame", handle(s.getFrame))
	srv.Handle("take_screenshot", handle(s.takeScreenshot))
	srv.Handle("start_capture", handle(s.startCapture))
	srv.Handle("stop_capture", handle(s.stopCapture))
	srv.HandleStream("stream_frames", s.streamFrames)

	srv.Handle("inject_key_press", handle(s.injectKeyPress))
	srv.Handle("inject_text", handle(s.injectText))
	srv.Handle("inject_mouse_move", handle(s.injectMouseMove))
	srv.Handle("inject_mouse_click", handle(s.injectMouseClick))
	srv.Handle("inject_scroll", handle(s.injectScroll))
	srv.Handle("set_input_lock", handle(s.setInputLock))
	srv.Handle("emergency_unlock", handle(s.emergencyUnlock))

	srv.Handle("get_system_info", handle(s.getSystemInfo))
	srv.Handle("get_window_list", handle(s.getWindowList))
	srv.Handle("get_process_list", handle(s.getProcessList))
	srv.Handle("get_clipboard", handle(s.getClipboard))
	srv.Handle("list_files", handle(s.listFiles))
	srv.Handle("get_health", handle(s.getHealth))

	srv.Handle("launch_application", handle(s.launchApplication))
	srv.Handle("close_application", handle(s.closeApplication))

	for _, action := range []string{"start_audio", "stop_audio", "stream_audio"} {
		srv.Handle(action, audioUnsupported(action))
	}
}

// handle decodes the request body into T before calling fn.
func handle[T any](fn func(ctx context.Context, req T) (any, error)) rpc.ActionFunc {
	return func(ctx context.Context, raw []byte) (any, error) {
		var req T
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, fault.Validationf("", "invalid request: %v", err)
		}
		return fn(ctx, req)
	}
}

func audioUnsupported(action string) rpc.ActionFunc {
	return func(context.Context, []byte) (any, error) {
		return nil, fault.Unimplementedf(action, "audio capture is not supported")
	}
}

type agentRequest struct {
	AgentID string `cbor:"agent_id"`
}

type successResponse struct {
	Success bool `cbor:"success"`
}

var success = successResponse{Success: true}

// requireAgent fails unless agentID names the registered agent.
func (s *Service) requireAgent(agentID string) (*agent.Agent, error) {
	return s.agents.Get(agentID)
}
