package capture

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"time"

	"deskpilot/internal/encode"
	"deskpilot/internal/syscmd"
	"deskpilot/internal/types"

	"go.uber.org/zap"
)

const commandTimeout = 5 * time.Second

// screenshotTool writes a PNG of the root window to path.
type screenshotTool struct {
	name string
	args func(path string) []string
}

var screenshotTools = []screenshotTool{
	{"scrot", func(p string) []string { return []string{"-o", p} }},
	{"gnome-screenshot", func(p string) []string { return []string{"-f", p} }},
	{"import", func(p string) []string { return []string{"-window", "root", p} }},
}

// commandCapturer shells out to whichever screenshot utility works.
// Every tool is tried in order before a read fails.
type commandCapturer struct {
	runner syscmd.Runner
	logger *zap.Logger

	mu      sync.Mutex
	started bool
	cfg     types.CaptureConfig
	dir     string
	// last tool that succeeded; tried first on the next read
	preferred int
}

func newCommand(runner syscmd.Runner, logger *zap.Logger) (types.Capturer, error) {
	return &commandCapturer{runner: runner, logger: logger}, nil
}

func (c *commandCapturer) Start(cfg types.CaptureConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("command capturer already started")
	}
	dir, err := os.MkdirTemp("", "deskpilot-shot-")
	if err != nil {
		return fmt.Errorf("screenshot temp dir: %w", err)
	}
	c.dir = dir
	c.cfg = cfg
	c.started = true
	return nil
}

func (c *commandCapturer) ReadFrame() (*types.RawFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil, errNotStarted
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	path := filepath.Join(c.dir, "frame.png")
	var errs []error
	for i := range screenshotTools {
		idx := (c.preferred + i) % len(screenshotTools)
		tool := screenshotTools[idx]
		os.Remove(path)

		if _, err := c.runner.Run(ctx, tool.name, tool.args(path)...); err != nil {
			if !syscmd.NotFound(err) {
				c.logger.Debug("screenshot tool failed", zap.String("tool", tool.name), zap.Error(err))
			}
			errs = append(errs, err)
			continue
		}
		frame, err := c.load(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tool.name, err))
			continue
		}
		c.preferred = idx
		return frame, nil
	}
	return nil, fmt.Errorf("all screenshot tools failed: %w", errors.Join(errs...))
}

func (c *commandCapturer) load(path string) (*types.RawFrame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}

	raw := encode.FromImage(img)
	raw.Timestamp = time.Now()
	r, err := resolveRegion(c.cfg, raw.Width, raw.Height)
	if err != nil {
		return nil, err
	}
	if r.Width == raw.Width && r.Height == raw.Height {
		return raw, nil
	}
	return encode.Crop(raw, r)
}

func (c *commandCapturer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	return os.RemoveAll(c.dir)
}
