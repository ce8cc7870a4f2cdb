package capture

import (
	"errors"
	"fmt"

	"deskpilot/internal/fault"
	"deskpilot/internal/types"
)

var errNotStarted = errors.New("capturer not started")

// resolveRegion returns the screen rectangle a capturer should read for
// cfg on a screenW x screenH display. Window mode must already have been
// turned into a region by the Manager.
func resolveRegion(cfg types.CaptureConfig, screenW, screenH int) (types.Region, error) {
	full := types.Region{Width: screenW, Height: screenH}
	switch cfg.Mode {
	case "", types.ModeFullDesktop:
		if full.Empty() {
			return types.Region{}, fmt.Errorf("display reports zero size %dx%d", screenW, screenH)
		}
		return full, nil
	case types.ModeRegion, types.ModeWindow:
		r := cfg.Region
		if err := CheckRegion(r, screenW, screenH); err != nil {
			return types.Region{}, err
		}
		return r, nil
	}
	return types.Region{}, fault.Validationf("capture", "unknown capture mode %q", cfg.Mode)
}

// CheckRegion reports whether r is non-empty and lies inside the screen.
func CheckRegion(r types.Region, screenW, screenH int) error {
	if r.Empty() {
		return fault.Validationf("capture", "region size %dx%d must be positive", r.Width, r.Height)
	}
	if r.X < 0 || r.Y < 0 {
		return fault.Validationf("capture", "region origin (%d, %d) must not be negative", r.X, r.Y)
	}
	if r.X+r.Width > screenW || r.Y+r.Height > screenH {
		return fault.Validationf("capture", "region %dx%d+%d+%d exceeds screen %dx%d",
			r.Width, r.Height, r.X, r.Y, screenW, screenH)
	}
	return nil
}
