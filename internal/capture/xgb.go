package capture

import (
	"fmt"
	"image"
	"sync"
	"time"

	"deskpilot/internal/encode"
	"deskpilot/internal/types"

	"github.com/kbinani/screenshot"
)

// xgbCapturer speaks the X protocol directly, without cgo, through
// kbinani/screenshot. It is slower than xshm but works in static builds.
type xgbCapturer struct {
	mu      sync.Mutex
	started bool
	rect    image.Rectangle
}

func newXGB() (types.Capturer, error) {
	if screenshot.NumActiveDisplays() == 0 {
		return nil, fmt.Errorf("xgb: no active displays")
	}
	return &xgbCapturer{}, nil
}

// ScreenBounds returns the union of all active displays.
func ScreenBounds() (image.Rectangle, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return image.Rectangle{}, fmt.Errorf("no active displays")
	}
	var all image.Rectangle
	for i := 0; i < n; i++ {
		all = all.Union(screenshot.GetDisplayBounds(i))
	}
	return all, nil
}

func (c *xgbCapturer) Start(cfg types.CaptureConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("xgb capturer already started")
	}
	bounds, err := ScreenBounds()
	if err != nil {
		return err
	}
	r, err := resolveRegion(cfg, bounds.Dx(), bounds.Dy())
	if err != nil {
		return err
	}
	c.rect = image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height).Add(bounds.Min)
	c.started = true
	return nil
}

func (c *xgbCapturer) ReadFrame() (*types.RawFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil, errNotStarted
	}
	img, err := screenshot.CaptureRect(c.rect)
	if err != nil {
		return nil, fmt.Errorf("xgb capture: %w", err)
	}
	f := encode.FromImage(img)
	f.Timestamp = time.Now()
	return f, nil
}

func (c *xgbCapturer) Stop() error {
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
	return nil
}
