package sysinfo

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"deskpilot/internal/fault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type tableRunner map[string]func() ([]byte, error)

func (r tableRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	key := strings.TrimSpace(name + " " + strings.Join(args, " "))
	if fn, ok := r[key]; ok {
		return fn()
	}
	return nil, fmt.Errorf("%s: %w", name, exec.ErrNotFound)
}

func (r tableRunner) Start(string, ...string) error { return nil }

func newTestCollector(t *testing.T, r tableRunner, screenErr error) *Collector {
	c := New(r, ":0", zaptest.NewLogger(t))
	c.screen = func() (image.Rectangle, error) {
		if screenErr != nil {
			return image.Rectangle{}, screenErr
		}
		return image.Rect(0, 0, 2560, 1440), nil
	}
	c.displays = func() []Display { return []Display{{Width: 2560, Height: 1440}} }
	return c
}

func TestScreenSizeFallbacks(t *testing.T) {
	ctx := context.Background()

	c := newTestCollector(t, tableRunner{}, nil)
	w, h := c.ScreenSize(ctx)
	assert.Equal(t, 2560, w)
	assert.Equal(t, 1440, h)

	c = newTestCollector(t, tableRunner{
		"xdpyinfo": func() ([]byte, error) {
			return []byte("screen #0:\n  dimensions:    1280x800 pixels (338x211 millimeters)\n"), nil
		},
	}, errors.New("no display"))
	w, h = c.ScreenSize(ctx)
	assert.Equal(t, 1280, w)
	assert.Equal(t, 800, h)

	c = newTestCollector(t, tableRunner{}, errors.New("no display"))
	w, h = c.ScreenSize(ctx)
	assert.Equal(t, FallbackWidth, w)
	assert.Equal(t, FallbackHeight, h)
}

func TestSystemInfo(t *testing.T) {
	c := newTestCollector(t, tableRunner{}, nil)
	info, err := c.SystemInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.Equal(t, runtime.GOARCH, info.Arch)
	assert.Equal(t, ":0", info.Display)
	assert.Equal(t, 2560, info.ScreenWidth)
	assert.NotEmpty(t, info.Hostname)
	assert.Len(t, info.Displays, 1)
}

func TestParseWmctrl(t *testing.T) {
	out := []byte("0x03a00007  0 box Mozilla Firefox\n0x04400003 -1 box xfce4-panel\nbroken\n")
	wins := ParseWmctrl(out)
	require.Len(t, wins, 2)
	assert.Equal(t, Window{ID: "0x03a00007", Desktop: 0, Host: "box", Title: "Mozilla Firefox"}, wins[0])
	assert.Equal(t, -1, wins[1].Desktop)
}

func TestProcessesDeduplicated(t *testing.T) {
	c := newTestCollector(t, tableRunner{
		"ps -eo comm": func() ([]byte, error) { return []byte("COMMAND\nbash\nXorg\nbash\n  sshd\n\n"), nil },
	}, nil)
	names, err := c.Processes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Xorg", "bash", "sshd"}, names)
}

func TestWindowListFailure(t *testing.T) {
	c := newTestCollector(t, tableRunner{}, nil)
	_, err := c.Windows(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.Platform, fault.KindOf(err))
}

func TestClipboard(t *testing.T) {
	c := newTestCollector(t, tableRunner{
		"xclip -selection clipboard -o": func() ([]byte, error) { return []byte("copied text"), nil },
	}, nil)
	got, err := c.Clipboard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "copied text", got)

	c = newTestCollector(t, tableRunner{}, nil)
	_, err = c.Clipboard(context.Background())
	assert.Error(t, err)

	c = newTestCollector(t, tableRunner{
		"xclip -selection clipboard -o": func() ([]byte, error) { return nil, errors.New("exit status 1") },
	}, nil)
	got, err = c.Clipboard(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	entries, err := ListFiles(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, int64(5), entries[0].Size)
	assert.False(t, entries[0].IsDir)
	assert.True(t, entries[1].IsDir)

	_, err = ListFiles(filepath.Join(dir, "missing"))
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestCPUPercent(t *testing.T) {
	assert.InDelta(t, 50.0, cpuPercent(500*time.Millisecond, time.Second), 0.001)
	assert.Zero(t, cpuPercent(time.Second, 0))
	assert.Zero(t, cpuPercent(-time.Second, time.Second))
}

func TestHealth(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("process accounting is linux only")
	}
	c := newTestCollector(t, tableRunner{}, nil)
	h, err := c.Health()
	require.NoError(t, err)
	assert.Greater(t, h.RSSMB, 0.0)
	assert.GreaterOrEqual(t, h.CPUPercent, 0.0)
	assert.Greater(t, h.Goroutines, 0)
}

func TestPinOverridesProbe(t *testing.T) {
	c := newTestCollector(t, tableRunner{}, nil)
	c.Pin(320, 240)

	w, h := c.ScreenSize(context.Background())
	assert.Equal(t, 320, w)
	assert.Equal(t, 240, h)

	c.Invalidate()
	info, err := c.SystemInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 320, info.ScreenWidth)
	require.Len(t, info.Displays, 1)
	assert.Equal(t, 240, info.Displays[0].Height)
}
