// Package sysinfo answers the read-only queries about the machine: system
// facts, screen size, windows, processes, clipboard, files and the
// agent's own health.
package sysinfo

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"deskpilot/internal/capture"
	"deskpilot/internal/fault"
	"deskpilot/internal/syscmd"
	"deskpilot/internal/types"

	"github.com/kbinani/screenshot"
	"go.uber.org/zap"
)

const (
	FallbackWidth  = 1920
	FallbackHeight = 1080
)

type Display struct {
	Index  int `cbor:"index" json:"index"`
	X      int `cbor:"x" json:"x"`
	Y      int `cbor:"y" json:"y"`
	Width  int `cbor:"width" json:"width"`
	Height int `cbor:"height" json:"height"`
}

type Info struct {
	OS            string    `cbor:"os" json:"os"`
	KernelVersion string    `cbor:"kernel_version" json:"kernel_version"`
	Arch          string    `cbor:"arch" json:"arch"`
	Hostname      string    `cbor:"hostname" json:"hostname"`
	Display       string    `cbor:"display" json:"display"`
	ScreenWidth   int       `cbor:"screen_width" json:"screen_width"`
	ScreenHeight  int       `cbor:"screen_height" json:"screen_height"`
	Displays      []Display `cbor:"displays" json:"displays"`
}

type Window struct {
	ID      string `cbor:"id" json:"id"`
	Desktop int    `cbor:"desktop" json:"desktop"`
	Host    string `cbor:"host" json:"host"`
	Title   string `cbor:"title" json:"title"`
}

type FileEntry struct {
	Name    string    `cbor:"name" json:"name"`
	Path    string    `cbor:"path" json:"path"`
	IsDir   bool      `cbor:"is_dir" json:"is_dir"`
	Size    int64     `cbor:"size" json:"size"`
	ModTime time.Time `cbor:"mod_time" json:"mod_time"`
}

// Collector runs the queries. Screen size lookups are cached until
// Invalidate is called.
type Collector struct {
	runner  syscmd.Runner
	display string
	logger  *zap.Logger
	started time.Time

	// screen is swapped out in tests.
	screen   func() (image.Rectangle, error)
	displays func() []Display

	mu         sync.Mutex
	cachedW    int
	cachedH    int
	lastCPU    time.Duration
	lastSample time.Time
}

func New(runner syscmd.Runner, display string, logger *zap.Logger) *Collector {
	return &Collector{
		runner:   runner,
		display:  display,
		logger:   logger,
		started:  time.Now(),
		screen:   capture.ScreenBounds,
		displays: activeDisplays,
	}
}

func activeDisplays() []Display {
	n := screenshot.NumActiveDisplays()
	out := make([]Display, 0, n)
	for i := 0; i < n; i++ {
		b := screenshot.GetDisplayBounds(i)
		out = append(out, Display{Index: i, X: b.Min.X, Y: b.Min.Y, Width: b.Dx(), Height: b.Dy()})
	}
	return out
}

func (c *Collector) SystemInfo(ctx context.Context) (Info, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	w, h := c.ScreenSize(ctx)
	return Info{
		OS:            runtime.GOOS,
		KernelVersion: kernelVersion(),
		Arch:          runtime.GOARCH,
		Hostname:      host,
		Display:       c.display,
		ScreenWidth:   w,
		ScreenHeight:  h,
		Displays:      c.displays(),
	}, nil
}

var dimensionsLine = regexp.MustCompile(`dimensions:\s+(\d+)x(\d+)\s+pixels`)

// ScreenSize asks the X server directly, then xdpyinfo, then falls back
// to 1920x1080.
func (c *Collector) ScreenSize(ctx context.Context) (int, int) {
	c.mu.Lock()
	if c.cachedW > 0 {
		w, h := c.cachedW, c.cachedH
		c.mu.Unlock()
		return w, h
	}
	c.mu.Unlock()

	w, h := c.probeScreen(ctx)
	c.mu.Lock()
	c.cachedW, c.cachedH = w, h
	c.mu.Unlock()
	return w, h
}

func (c *Collector) probeScreen(ctx context.Context) (int, int) {
	if r, err := c.screen(); err == nil && r.Dx() > 0 && r.Dy() > 0 {
		return r.Dx(), r.Dy()
	} else if err != nil {
		c.logger.Debug("screen bounds from X failed", zap.Error(err))
	}
	if out, err := c.runner.Run(ctx, "xdpyinfo"); err == nil {
		if m := dimensionsLine.FindSubmatch(out); m != nil {
			w, _ := strconv.Atoi(string(m[1]))
			h, _ := strconv.Atoi(string(m[2]))
			if w > 0 && h > 0 {
				return w, h
			}
		}
	}
	c.logger.Warn("could not determine screen size, using fallback",
		zap.Int("width", FallbackWidth), zap.Int("height", FallbackHeight))
	return FallbackWidth, FallbackHeight
}

// Pin fixes the reported geometry to a single width x height display,
// for headless runs where the synthetic capturer stands in for X.
func (c *Collector) Pin(width, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.screen = func() (image.Rectangle, error) { return image.Rect(0, 0, width, height), nil }
	c.displays = func() []Display { return []Display{{Width: width, Height: height}} }
	c.cachedW, c.cachedH = width, height
}

// Invalidate drops the cached screen size, e.g. after a resolution change.
func (c *Collector) Invalidate() {
	c.mu.Lock()
	c.cachedW, c.cachedH = 0, 0
	c.mu.Unlock()
}

func (c *Collector) Windows(ctx context.Context) ([]Window, error) {
	out, err := c.runner.Run(ctx, "wmctrl", "-l")
	if err != nil {
		return nil, fault.Platformf("get_window_list", err, "wmctrl -l")
	}
	return ParseWmctrl(out), nil
}

// ParseWmctrl parses `wmctrl -l`: id, desktop, host, then the title.
func ParseWmctrl(out []byte) []Window {
	var wins []Window
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) < 3 {
			continue
		}
		desk, _ := strconv.Atoi(f[1])
		w := Window{ID: f[0], Desktop: desk, Host: f[2]}
		if len(f) > 3 {
			w.Title = strings.Join(f[3:], " ")
		}
		wins = append(wins, w)
	}
	return wins
}

func (c *Collector) Processes(ctx context.Context) ([]string, error) {
	out, err := c.runner.Run(ctx, "ps", "-eo", "comm")
	if err != nil {
		return nil, fault.Platformf("get_process_list", err, "ps -eo comm")
	}
	return ParseProcessNames(out), nil
}

// ParseProcessNames drops the header and duplicates and sorts the rest.
func ParseProcessNames(out []byte) []string {
	seen := make(map[string]bool)
	var names []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	first := true
	for sc.Scan() {
		name := strings.TrimSpace(sc.Text())
		if first {
			first = false
			if name == "COMMAND" {
				continue
			}
		}
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Collector) Clipboard(ctx context.Context) (string, error) {
	out, err := c.runner.Run(ctx, "xclip", "-selection", "clipboard", "-o")
	if err != nil {
		if syscmd.NotFound(err) {
			return "", fault.Platformf("get_clipboard", err, "xclip is not installed")
		}
		// xclip exits non-zero when the clipboard is empty.
		c.logger.Debug("clipboard read failed", zap.Error(err))
		return "", nil
	}
	return string(out), nil
}

// WindowGeometry returns where a window currently is on screen.
func (c *Collector) WindowGeometry(ctx context.Context, id string) (types.Region, error) {
	return capture.WindowGeometry(ctx, c.runner, id)
}

// ListFiles lists dir, or the home directory when dir is empty.
func ListFiles(dir string) ([]FileEntry, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fault.Platformf("list_files", err, "no home directory")
		}
		dir = home
	}
	if strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			dir = filepath.Join(home, dir[2:])
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.NotFoundf("list_files", "directory %s does not exist", dir)
		}
		return nil, fault.Platformf("list_files", err, "read %s", dir)
	}
	out := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		fe := FileEntry{Name: e.Name(), Path: filepath.Join(dir, e.Name()), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil {
			fe.Size = info.Size()
			fe.ModTime = info.ModTime()
		}
		out = append(out, fe)
	}
	return out, nil
}

func (i Info) String() string {
	return fmt.Sprintf("%s/%s %s host=%s screen=%dx%d", i.OS, i.Arch, i.KernelVersion, i.Hostname, i.ScreenWidth, i.ScreenHeight)
}
