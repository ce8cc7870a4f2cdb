//go:build linux

package hotkey

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	procDevices = "/proc/bus/input/devices"
	devInput    = "/dev/input"

	evKey = 0x01
	evRep = 0x14
)

// struct input_event: a timeval followed by type, code and value.
var eventSize = int(unsafe.Sizeof(unix.Timeval{})) + 8

type inputEvent struct {
	Type  uint16
	Code  uint16
	Value int32
}

type deviceInfo struct {
	Name  string
	Event string
	EV    uint64
	KBD   bool
}

// parseInputDevices reads the /proc/bus/input/devices listing.
func parseInputDevices(r io.Reader) ([]deviceInfo, error) {
	var (
		out []deviceInfo
		cur deviceInfo
	)
	flush := func() {
		if cur.Event != "" {
			out = append(out, cur)
		}
		cur = deviceInfo{}
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "N: Name="):
			cur.Name = strings.Trim(strings.TrimPrefix(line, "N: Name="), `"`)
		case strings.HasPrefix(line, "H: Handlers="):
			for _, h := range strings.Fields(strings.TrimPrefix(line, "H: Handlers=")) {
				if h == "kbd" {
					cur.KBD = true
				}
				if strings.HasPrefix(h, "event") {
					cur.Event = h
				}
			}
		case strings.HasPrefix(line, "B: EV="):
			cur.EV, _ = strconv.ParseUint(strings.TrimPrefix(line, "B: EV="), 16, 64)
		}
	}
	flush()
	return out, sc.Err()
}

// keyboards picks full keyboards: kbd handler plus autorepeat. Power and
// media buttons also register kbd but never repeat.
func keyboards(devs []deviceInfo) []deviceInfo {
	var out []deviceInfo
	for _, d := range devs {
		if d.KBD && d.EV&(1<<evRep) != 0 {
			out = append(out, d)
		}
	}
	return out
}

func decodeEvent(buf []byte) inputEvent {
	off := eventSize - 8
	return inputEvent{
		Type:  binary.NativeEndian.Uint16(buf[off:]),
		Code:  binary.NativeEndian.Uint16(buf[off+2:]),
		Value: int32(binary.NativeEndian.Uint32(buf[off+4:])),
	}
}

// feed reads events from r until it fails and passes key events to fn.
func feed(r io.Reader, fn func(inputEvent)) error {
	buf := make([]byte, eventSize*32)
	pending := 0
	for {
		n, err := r.Read(buf[pending:])
		pending += n
		off := 0
		for ; off+eventSize <= pending; off += eventSize {
			ev := decodeEvent(buf[off : off+eventSize])
			if ev.Type == evKey {
				fn(ev)
			}
		}
		pending = copy(buf, buf[off:pending])
		if err != nil {
			return err
		}
	}
}

// Listener fires a callback when the combo is pressed on any keyboard.
type Listener struct {
	matcher *Matcher
	combo   Combo
	logger  *zap.Logger
	fire    func()

	devicesFile string
	inputDir    string
}

func NewListener(combo Combo, fire func(), logger *zap.Logger) *Listener {
	return &Listener{
		matcher:     NewMatcher(combo, DefaultDebounce),
		combo:       combo,
		logger:      logger,
		fire:        fire,
		devicesFile: procDevices,
		inputDir:    devInput,
	}
}

// Run blocks until ctx is done. It fails fast when no keyboard can be
// opened, which usually means the process lacks access to /dev/input.
func (l *Listener) Run(ctx context.Context) error {
	f, err := os.Open(l.devicesFile)
	if err != nil {
		return fmt.Errorf("hotkey: %w", err)
	}
	devs, err := parseInputDevices(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("hotkey: parse %s: %w", l.devicesFile, err)
	}
	kbds := keyboards(devs)
	if len(kbds) == 0 {
		return errors.New("hotkey: no keyboard event devices found")
	}

	var (
		files []*os.File
		errs  []error
	)
	for _, d := range kbds {
		path := filepath.Join(l.inputDir, d.Event)
		fd, err := os.Open(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		l.logger.Info("watching keyboard for emergency hotkey",
			zap.String("device", d.Name),
			zap.String("path", path),
			zap.String("combo", l.combo.String()))
		files = append(files, fd)
	}
	if len(files) == 0 {
		return fmt.Errorf("hotkey: cannot open any keyboard: %w", errors.Join(errs...))
	}

	var wg sync.WaitGroup
	for _, fd := range files {
		wg.Add(1)
		go func(fd *os.File) {
			defer wg.Done()
			err := feed(fd, func(ev inputEvent) {
				if l.matcher.Key(ev.Code, ev.Value, time.Now()) {
					l.logger.Warn("emergency hotkey pressed", zap.String("combo", l.combo.String()))
					l.fire()
				}
			})
			if ctx.Err() == nil {
				l.logger.Warn("keyboard event stream ended", zap.String("path", fd.Name()), zap.Error(err))
				l.matcher.Reset()
			}
		}(fd)
	}

	<-ctx.Done()
	for _, fd := range files {
		fd.Close()
	}
	wg.Wait()
	return nil
}
