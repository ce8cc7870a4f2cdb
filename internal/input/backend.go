package input

import (
	"fmt"

	"deskpilot/internal/syscmd"
	"deskpilot/internal/types"

	"go.uber.org/zap"
)

// New returns the injector for backend. "auto" prefers XTEST and falls
// back to xdotool.
func New(backend, display string, runner syscmd.Runner, logger *zap.Logger) (types.InputInjector, error) {
	switch backend {
	case "xtest":
		return NewXTest(display)
	case "xdotool":
		return NewXdotool(runner), nil
	case "auto", "":
		xt, err := NewXTest(display)
		if err == nil {
			logger.Info("input: using XTEST", zap.String("display", display))
			return xt, nil
		}
		logger.Info("input: XTEST unavailable, using xdotool", zap.Error(err))
		return NewXdotool(runner), nil
	}
	return nil, fmt.Errorf("unknown input backend %q", backend)
}
