//go:build !linux

package platform

import (
	"context"
	"errors"
	"os"

	"go.uber.org/zap"
)

func Init(_ context.Context, cfg Config, _ *zap.Logger) (*Display, error) {
	if cfg.StartX {
		return nil, errors.New("headless X is only supported on linux")
	}
	name := cfg.Display
	if name == "" {
		name = os.Getenv("DISPLAY")
	}
	return &Display{Name: name, Xauthority: os.Getenv("XAUTHORITY")}, nil
}

func SaveTermState()    {}
func RestoreTermState() {}
