package capture

import (
	"fmt"
	"sync"
	"time"

	"deskpilot/internal/types"
)

// Synthetic renders a moving test pattern. It needs no display and is
// what headless runs and tests capture from.
type Synthetic struct {
	ScreenWidth  int
	ScreenHeight int

	mu      sync.Mutex
	started bool
	region  types.Region
	frame   int
	// FailEvery makes every n-th read fail when positive.
	FailEvery int
	reads     int
}

// NewSynthetic returns a synthetic capturer for a width x height screen.
func NewSynthetic(width, height int) *Synthetic {
	return &Synthetic{ScreenWidth: width, ScreenHeight: height}
}

func (s *Synthetic) Start(cfg types.CaptureConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("synthetic capturer already started")
	}
	r, err := resolveRegion(cfg, s.ScreenWidth, s.ScreenHeight)
	if err != nil {
		return err
	}
	s.region = r
	s.started = true
	return nil
}

func (s *Synthetic) ReadFrame() (*types.RawFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, errNotStarted
	}
	s.reads++
	if s.FailEvery > 0 && s.reads%s.FailEvery == 0 {
		return nil, fmt.Errorf("synthetic read %d failed", s.reads)
	}

	r := s.region
	data := make([]byte, r.Width*r.Height*4)
	bar := s.frame % max(r.Width, 1)
	for y := 0; y < r.Height; y++ {
		sy := r.Y + y
		for x := 0; x < r.Width; x++ {
			sx := r.X + x
			off := (y*r.Width + x) * 4
			if x == bar {
				data[off+0], data[off+1], data[off+2] = 255, 255, 255
			} else {
				data[off+0] = byte(sx ^ sy)
				data[off+1] = byte(sy)
				data[off+2] = byte(sx)
			}
			data[off+3] = 255
		}
	}
	s.frame++

	return &types.RawFrame{
		Data:      data,
		Width:     r.Width,
		Height:    r.Height,
		Stride:    r.Width * 4,
		PixFmt:    types.PixFmtBGRA,
		Timestamp: time.Now(),
	}, nil
}

func (s *Synthetic) Stop() error {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return nil
}
