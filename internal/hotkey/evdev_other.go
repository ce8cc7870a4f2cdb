//go:build !linux

package hotkey

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

type Listener struct{}

func NewListener(Combo, func(), *zap.Logger) *Listener { return &Listener{} }

func (l *Listener) Run(context.Context) error {
	return errors.New("hotkey: evdev is only available on linux")
}
