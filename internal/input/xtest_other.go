//go:build !linux || !cgo

package input

import (
	"context"
	"errors"

	"deskpilot/internal/types"
)

// XTest is unavailable without cgo on linux.
type XTest struct{}

func NewXTest(string) (*XTest, error) {
	return nil, errors.New("xtest input requires linux with cgo")
}

func (*XTest) InjectKey(context.Context, string, []string) error              { return errUnsupported }
func (*XTest) InjectText(context.Context, string) error                       { return errUnsupported }
func (*XTest) InjectMouseMove(context.Context, int, int) error                { return errUnsupported }
func (*XTest) InjectMouseClick(context.Context, types.MouseButton, int) error { return errUnsupported }
func (*XTest) InjectScroll(context.Context, int, int) error                   { return errUnsupported }
func (*XTest) Close()                                                         {}

var errUnsupported = errors.New("xtest input requires linux with cgo")
