package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"os/exec"
	"sync"
	"testing"

	"deskpilot/internal/fault"
	"deskpilot/internal/stream"
	"deskpilot/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeRunner answers commands from a table of handlers keyed by name.
type fakeRunner struct {
	mu       sync.Mutex
	calls    []string
	handlers map[string]func(args []string) ([]byte, error)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	h := f.handlers[name]
	f.mu.Unlock()
	if h == nil {
		return nil, fmt.Errorf("exec: %q: %w", name, exec.ErrNotFound)
	}
	return h(args)
}

func (f *fakeRunner) Start(name string, args ...string) error {
	_, err := f.Run(context.Background(), name, args...)
	return err
}

func (f *fakeRunner) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func syntheticFactory(w, h int) types.CapturerFactory {
	return func() (types.Capturer, error) { return NewSynthetic(w, h), nil }
}

func TestCaptureOnceRegion(t *testing.T) {
	m := NewManager(syntheticFactory(640, 480), &fakeRunner{}, zaptest.NewLogger(t))

	frame, err := m.CaptureOnce(context.Background(), types.CaptureConfig{
		Mode:   types.ModeRegion,
		Region: types.Region{X: 10, Y: 10, Width: 100, Height: 100},
	})
	require.NoError(t, err)
	assert.Equal(t, 100, frame.Width)
	assert.Equal(t, 100, frame.Height)
	assert.Equal(t, types.FormatPNG, frame.Format)
	assert.NotEmpty(t, frame.Data)
	assert.False(t, frame.Timestamp.IsZero())
}

func TestCaptureOnceFullDesktopJPEG(t *testing.T) {
	m := NewManager(syntheticFactory(320, 200), &fakeRunner{}, zaptest.NewLogger(t))

	frame, err := m.CaptureOnce(context.Background(), types.CaptureConfig{
		Format:  types.FormatJPEG,
		Quality: types.QualityLow,
	})
	require.NoError(t, err)
	assert.Equal(t, 320, frame.Width)
	assert.Equal(t, 200, frame.Height)
	assert.Equal(t, types.FormatJPEG, frame.Format)
}

func TestCaptureOnceRegionOutsideScreen(t *testing.T) {
	m := NewManager(syntheticFactory(200, 200), &fakeRunner{}, zaptest.NewLogger(t))

	_, err := m.CaptureOnce(context.Background(), types.CaptureConfig{
		Mode:   types.ModeRegion,
		Region: types.Region{X: 150, Y: 0, Width: 100, Height: 100},
	})
	require.Error(t, err)
	assert.Equal(t, fault.Validation, fault.KindOf(err))
	assert.Contains(t, err.Error(), "exceeds screen")
}

type zeroCapturer struct{ stopped bool }

func (z *zeroCapturer) Start(types.CaptureConfig) error { return nil }
func (z *zeroCapturer) ReadFrame() (*types.RawFrame, error) {
	return &types.RawFrame{Width: 0, Height: 0}, nil
}
func (z *zeroCapturer) Stop() error { z.stopped = true; return nil }

func TestCaptureOnceZeroSizedFrame(t *testing.T) {
	z := &zeroCapturer{}
	m := NewManager(func() (types.Capturer, error) { return z, nil }, &fakeRunner{}, zaptest.NewLogger(t))

	_, err := m.CaptureOnce(context.Background(), types.CaptureConfig{})
	require.Error(t, err)
	assert.Equal(t, fault.Platform, fault.KindOf(err))
	assert.True(t, z.stopped, "transient capturer must be torn down")
}

func TestCaptureOnceWindow(t *testing.T) {
	runner := &fakeRunner{handlers: map[string]func([]string) ([]byte, error){
		"xwininfo": func(args []string) ([]byte, error) {
			require.Equal(t, []string{"-id", "0x3a00007"}, args)
			return []byte(`
xwininfo: Window id: 0x3a00007 "Terminal"

  Absolute upper-left X:  20
  Absolute upper-left Y:  30
  Relative upper-left X:  0
  Relative upper-left Y:  0
  Width: 120
  Height: 80
  Depth: 24
`), nil
		},
	}}
	m := NewManager(syntheticFactory(640, 480), runner, zaptest.NewLogger(t))

	frame, err := m.CaptureOnce(context.Background(), types.CaptureConfig{
		Mode:     types.ModeWindow,
		WindowID: "0x3a00007",
	})
	require.NoError(t, err)
	assert.Equal(t, 120, frame.Width)
	assert.Equal(t, 80, frame.Height)
}

func TestValidateWindowID(t *testing.T) {
	assert.NoError(t, ValidateWindowID("0x3a00007"))
	assert.NoError(t, ValidateWindowID("60817415"))
	assert.Error(t, ValidateWindowID(""))
	assert.Error(t, ValidateWindowID("0xZZ"))
	assert.Error(t, ValidateWindowID("window"))
}

func TestResolveRejectsBadConfig(t *testing.T) {
	m := NewManager(syntheticFactory(640, 480), &fakeRunner{}, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := m.Resolve(ctx, types.CaptureConfig{Mode: "mirror"})
	assert.True(t, fault.IsKind(err, fault.Validation))

	_, err = m.Resolve(ctx, types.CaptureConfig{Mode: types.ModeRegion})
	assert.True(t, fault.IsKind(err, fault.Validation))

	_, err = m.Resolve(ctx, types.CaptureConfig{Format: "bmp"})
	assert.True(t, fault.IsKind(err, fault.Validation))
}

func writePNG(t *testing.T, path string, w, h int) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestCommandCapturerTriesEveryTool(t *testing.T) {
	runner := &fakeRunner{handlers: map[string]func([]string) ([]byte, error){
		"gnome-screenshot": func([]string) ([]byte, error) {
			return nil, errors.New("no session bus")
		},
		"import": func(args []string) ([]byte, error) {
			writePNG(t, args[len(args)-1], 64, 32)
			return nil, nil
		},
	}}
	c, err := newCommand(runner, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, c.Start(types.CaptureConfig{}))
	defer c.Stop()

	frame, err := c.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, 64, frame.Width)
	assert.Equal(t, 32, frame.Height)
	assert.Equal(t, types.PixFmtBGRA, frame.PixFmt)
	assert.Equal(t, []byte{0, 0, 255, 255}, frame.Data[:4])
	assert.Equal(t, []string{"scrot", "gnome-screenshot", "import"}, runner.called())

	// The working tool is tried first next time.
	_, err = c.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "import", runner.called()[3])
}

func TestCommandCapturerAllToolsFail(t *testing.T) {
	c, err := newCommand(&fakeRunner{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, c.Start(types.CaptureConfig{}))
	defer c.Stop()

	_, err = c.ReadFrame()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all screenshot tools failed")
}

type failingCapturer struct{}

func (failingCapturer) Start(types.CaptureConfig) error      { return errors.New("no display") }
func (failingCapturer) ReadFrame() (*types.RawFrame, error) { return nil, errNotStarted }
func (failingCapturer) Stop() error                          { return nil }

func TestAutoCapturerFallsBack(t *testing.T) {
	a := &autoCapturer{
		logger: zaptest.NewLogger(t),
		chain: []namedFactory{
			{"broken", func() (types.Capturer, error) { return nil, errors.New("unavailable") }},
			{"failing", func() (types.Capturer, error) { return failingCapturer{}, nil }},
			{"synthetic", syntheticFactory(50, 40)},
		},
	}
	require.NoError(t, a.Start(types.CaptureConfig{}))
	frame, err := a.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, 50, frame.Width)
	require.NoError(t, a.Stop())

	_, err = a.ReadFrame()
	assert.Error(t, err)
}

func TestNewFactoryUnknownBackend(t *testing.T) {
	_, err := NewFactory("vnc", ":0", &fakeRunner{}, zaptest.NewLogger(t))
	assert.Error(t, err)

	f, err := NewFactory(BackendSynthetic, ":0", &fakeRunner{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	c, err := f()
	require.NoError(t, err)
	assert.IsType(t, &Synthetic{}, c)
}

func TestStartStreamUsesOwnCapturer(t *testing.T) {
	m := NewManager(syntheticFactory(64, 64), &fakeRunner{}, zaptest.NewLogger(t))

	p, err := m.StartStream(context.Background(), types.CaptureConfig{FPS: 60}, stream.Options{})
	require.NoError(t, err)
	defer p.Stop()

	sub := p.Subscribe()
	defer sub.Close()
	frame, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 64, frame.Width)

	// A one-shot capture works while the stream is running.
	one, err := m.CaptureOnce(context.Background(), types.CaptureConfig{})
	require.NoError(t, err)
	assert.Equal(t, 64, one.Width)
}
