package capture

import (
	"context"
	"fmt"

	"deskpilot/internal/encode"
	"deskpilot/internal/fault"
	"deskpilot/internal/stream"
	"deskpilot/internal/syscmd"
	"deskpilot/internal/types"

	"go.uber.org/zap"
)

// Manager serves one-shot captures and starts streaming sessions. The two
// paths never share a capturer.
type Manager struct {
	factory types.CapturerFactory
	runner  syscmd.Runner
	logger  *zap.Logger
}

func NewManager(factory types.CapturerFactory, runner syscmd.Runner, logger *zap.Logger) *Manager {
	return &Manager{factory: factory, runner: runner, logger: logger}
}

// Resolve validates cfg and turns window mode into a region using the
// window's current geometry.
func (m *Manager) Resolve(ctx context.Context, cfg types.CaptureConfig) (types.CaptureConfig, error) {
	switch cfg.Mode {
	case "", types.ModeFullDesktop:
		cfg.Mode = types.ModeFullDesktop
	case types.ModeRegion:
		if cfg.Region.Empty() {
			return cfg, fault.Validationf("capture", "region mode needs a positive width and height")
		}
	case types.ModeWindow:
		r, err := WindowGeometry(ctx, m.runner, cfg.WindowID)
		if err != nil {
			return cfg, err
		}
		cfg.Region = r
	default:
		return cfg, fault.Validationf("capture", "unknown capture mode %q", cfg.Mode)
	}
	if cfg.FPS < 0 || cfg.FPS > 120 {
		return cfg, fault.Validationf("capture", "fps %d out of range 1..120", cfg.FPS)
	}
	if _, err := encode.New(cfg); err != nil {
		return cfg, fault.Wrap(fault.Validation, "capture", err)
	}
	return cfg, nil
}

// CaptureOnce starts a transient capturer, reads exactly one frame,
// encodes it and tears the capturer down.
func (m *Manager) CaptureOnce(ctx context.Context, cfg types.CaptureConfig) (*types.EncodedFrame, error) {
	cfg, err := m.Resolve(ctx, cfg)
	if err != nil {
		return nil, err
	}
	enc, err := encode.New(cfg)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "capture", err)
	}

	c, err := m.factory()
	if err != nil {
		return nil, fault.Wrap(fault.Platform, "capture", err)
	}
	if err := c.Start(cfg); err != nil {
		return nil, wrapStart(err)
	}
	defer func() {
		if err := c.Stop(); err != nil {
			m.logger.Warn("capturer stop failed", zap.Error(err))
		}
	}()

	raw, err := c.ReadFrame()
	if err != nil {
		return nil, fault.Wrap(fault.Platform, "capture", err)
	}
	if raw.Empty() {
		return nil, fault.Platformf("capture", nil, "capturer returned zero-sized data")
	}
	out, err := enc.Encode(raw)
	if err != nil {
		return nil, fault.Wrap(fault.Platform, "encode", err)
	}
	m.logger.Debug("captured frame",
		zap.Int("width", out.Width),
		zap.Int("height", out.Height),
		zap.String("format", string(out.Format)),
		zap.Int("bytes", len(out.Data)))
	return out, nil
}

// StartStream starts a long-lived capturer behind a stream pipeline.
func (m *Manager) StartStream(ctx context.Context, cfg types.CaptureConfig, opts stream.Options) (*stream.Pipeline, error) {
	cfg, err := m.Resolve(ctx, cfg)
	if err != nil {
		return nil, err
	}
	enc, err := encode.New(cfg)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "capture", err)
	}
	c, err := m.factory()
	if err != nil {
		return nil, fault.Wrap(fault.Platform, "capture", err)
	}
	if opts.Logger == nil {
		opts.Logger = m.logger
	}
	p, err := stream.Start(c, enc, cfg, opts)
	if err != nil {
		return nil, wrapStart(err)
	}
	return p, nil
}

func wrapStart(err error) error {
	if fault.KindOf(err) == fault.Validation {
		return err
	}
	return fault.Wrap(fault.Platform, "capture", fmt.Errorf("start: %w", err))
}
