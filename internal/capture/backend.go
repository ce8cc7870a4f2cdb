// Package capture reads raw frames from the display through one of
// several interchangeable backends.
package capture

import (
	"errors"
	"fmt"

	"deskpilot/internal/syscmd"
	"deskpilot/internal/types"

	"go.uber.org/zap"
)

// Default synthetic screen size, also the fallback when the display size
// cannot be queried.
const (
	DefaultScreenWidth  = 1920
	DefaultScreenHeight = 1080
)

// Backend names accepted by NewFactory.
const (
	BackendAuto      = "auto"
	BackendXShm      = "xshm"
	BackendXGB       = "xgb"
	BackendCommand   = "command"
	BackendSynthetic = "synthetic"
)

// NewFactory returns a factory producing unstarted capturers for backend.
func NewFactory(backend, display string, runner syscmd.Runner, logger *zap.Logger) (types.CapturerFactory, error) {
	switch backend {
	case BackendXShm:
		return func() (types.Capturer, error) { return newXShm(display) }, nil
	case BackendXGB:
		return newXGB, nil
	case BackendCommand:
		return func() (types.Capturer, error) { return newCommand(runner, logger) }, nil
	case BackendSynthetic:
		return func() (types.Capturer, error) {
			return NewSynthetic(DefaultScreenWidth, DefaultScreenHeight), nil
		}, nil
	case BackendAuto, "":
		chain := []namedFactory{
			{BackendXShm, func() (types.Capturer, error) { return newXShm(display) }},
			{BackendXGB, newXGB},
			{BackendCommand, func() (types.Capturer, error) { return newCommand(runner, logger) }},
		}
		return func() (types.Capturer, error) {
			return &autoCapturer{chain: chain, logger: logger}, nil
		}, nil
	}
	return nil, fmt.Errorf("unknown capture backend %q", backend)
}

type namedFactory struct {
	name string
	new  types.CapturerFactory
}

// autoCapturer binds to the first backend in its chain that starts.
type autoCapturer struct {
	chain  []namedFactory
	logger *zap.Logger
	active types.Capturer
}

func (a *autoCapturer) Start(cfg types.CaptureConfig) error {
	if a.active != nil {
		return fmt.Errorf("capturer already started")
	}
	var errs []error
	for _, nf := range a.chain {
		c, err := nf.new()
		if err == nil {
			err = c.Start(cfg)
		}
		if err != nil {
			a.logger.Debug("capture backend unavailable", zap.String("backend", nf.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", nf.name, err))
			continue
		}
		a.logger.Debug("capture backend selected", zap.String("backend", nf.name))
		a.active = c
		return nil
	}
	return fmt.Errorf("no capture backend available: %w", errors.Join(errs...))
}

func (a *autoCapturer) ReadFrame() (*types.RawFrame, error) {
	if a.active == nil {
		return nil, errNotStarted
	}
	return a.active.ReadFrame()
}

func (a *autoCapturer) Stop() error {
	if a.active == nil {
		return nil
	}
	err := a.active.Stop()
	a.active = nil
	return err
}
