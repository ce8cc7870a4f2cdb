//go:build linux

package platform

import (
	"context"
	"errors"
	"fmt"
	"os"

	"deskpilot/internal/xserver"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Init picks the display: the configured one, then $DISPLAY. With StartX,
// or when neither is set, a headless Xorg is started and exported to the
// environment for child processes.
func Init(ctx context.Context, cfg Config, logger *zap.Logger) (*Display, error) {
	name := cfg.Display
	if name == "" {
		name = os.Getenv("DISPLAY")
	}
	if name != "" && !cfg.StartX {
		return &Display{Name: name, Xauthority: os.Getenv("XAUTHORITY")}, nil
	}

	xs, err := xserver.Start(ctx, cfg.Resolution, cfg.GPU, logger)
	if err != nil {
		return nil, fmt.Errorf("start X server: %w", err)
	}
	os.Setenv("DISPLAY", xs.Display)
	os.Setenv("XAUTHORITY", xs.Xauthority)
	if err := xs.StartDesktop(ctx, cfg.Resolution); err != nil {
		if errors.Is(err, context.Canceled) {
			xs.Stop()
			return nil, err
		}
		logger.Warn("no desktop session on headless display", zap.String("display", xs.Display), zap.Error(err))
	}
	return &Display{Name: xs.Display, Xauthority: xs.Xauthority, Headless: true, stop: xs.Stop}, nil
}

var savedTermios *unix.Termios

// SaveTermState records the terminal mode so it can be restored after
// Xorg or an evdev grab leaves it altered.
func SaveTermState() {
	if t, err := unix.IoctlGetTermios(int(os.Stdin.Fd()), unix.TCGETS); err == nil {
		savedTermios = t
	}
}

func RestoreTermState() {
	if savedTermios != nil {
		unix.IoctlSetTermios(int(os.Stdin.Fd()), unix.TCSETS, savedTermios)
	}
}
