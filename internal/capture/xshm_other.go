//go:build !linux || !cgo

package capture

import (
	"errors"

	"deskpilot/internal/types"
)

func newXShm(string) (types.Capturer, error) {
	return nil, errors.New("xshm capture requires linux with cgo")
}
