//go:build linux && cgo

package input

/*
#cgo pkg-config: x11 xtst
#include <X11/Xlib.h>
#include <X11/keysym.h>
#include <X11/extensions/XTest.h>
#include <X11/XKBlib.h>
#include <stdlib.h>

static Display* xt_open(const char *display_name) {
	Display *d = XOpenDisplay(display_name);
	if (!d) return NULL;
	int ev, err, major, minor;
	if (!XTestQueryExtension(d, &ev, &err, &major, &minor)) {
		XCloseDisplay(d);
		return NULL;
	}
	return d;
}

static void xt_motion(Display *d, int x, int y) {
	XTestFakeMotionEvent(d, DefaultScreen(d), x, y, 0);
	XFlush(d);
}

static void xt_button(Display *d, int button, int press) {
	XTestFakeButtonEvent(d, button, press, 0);
	XFlush(d);
}

// Returns 0 for a plain keycode, 1 when shift is needed, -1 when the
// keysym has no keycode on the current layout.
static int xt_lookup(Display *d, unsigned int keysym, KeyCode *kc) {
	*kc = XKeysymToKeycode(d, keysym);
	if (*kc == 0) return -1;
	if (XkbKeycodeToKeysym(d, *kc, 0, 0) == keysym) return 0;
	if (XkbKeycodeToKeysym(d, *kc, 0, 1) == keysym) return 1;
	return 0;
}

static void xt_keycode(Display *d, KeyCode kc, int press) {
	XTestFakeKeyEvent(d, kc, press, 0);
}

static int xt_tap_keysym(Display *d, unsigned int keysym) {
	KeyCode kc;
	int shift = xt_lookup(d, keysym, &kc);
	if (shift < 0) return -1;
	KeyCode shift_kc = XKeysymToKeycode(d, XK_Shift_L);
	if (shift) xt_keycode(d, shift_kc, 1);
	xt_keycode(d, kc, 1);
	xt_keycode(d, kc, 0);
	if (shift) xt_keycode(d, shift_kc, 0);
	XFlush(d);
	return 0;
}

static int xt_key_event(Display *d, unsigned int keysym, int press) {
	KeyCode kc = XKeysymToKeycode(d, keysym);
	if (kc == 0) return -1;
	XTestFakeKeyEvent(d, kc, press, 0);
	XFlush(d);
	return 0;
}
*/
import "C"
import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"deskpilot/internal/fault"
	"deskpilot/internal/types"
)

// XTest injects events in-process through the XTEST extension. Events
// enter the server as the virtual XTEST devices, so they keep working
// while the physical devices are floated.
type XTest struct {
	mu sync.Mutex
	d  *C.Display
}

func NewXTest(display string) (*XTest, error) {
	cDisplay := C.CString(display)
	defer C.free(unsafe.Pointer(cDisplay))

	d := C.xt_open(cDisplay)
	if d == nil {
		return nil, fmt.Errorf("xtest: cannot open display %s or XTEST missing", display)
	}
	return &XTest{d: d}, nil
}

func (x *XTest) InjectKey(_ context.Context, key string, modifiers []string) error {
	sym, ok := Keysym(key)
	if !ok {
		return fault.Validationf("inject_key", "unknown key %q", key)
	}
	mods, err := NormalizeModifiers(modifiers)
	if err != nil {
		return fault.Wrap(fault.Validation, "inject_key", err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.d == nil {
		return fault.Platformf("inject_key", nil, "xtest closed")
	}

	if len(mods) == 0 {
		if C.xt_tap_keysym(x.d, C.uint(sym)) != 0 {
			return fault.Platformf("inject_key", nil, "no keycode for %q", key)
		}
		return nil
	}

	pressed := make([]uint32, 0, len(mods))
	defer func() {
		for i := len(pressed) - 1; i >= 0; i-- {
			C.xt_key_event(x.d, C.uint(pressed[i]), 0)
		}
	}()
	for _, m := range mods {
		ms := modifierKeysyms[m]
		if C.xt_key_event(x.d, C.uint(ms), 1) != 0 {
			return fault.Platformf("inject_key", nil, "no keycode for modifier %s", m)
		}
		pressed = append(pressed, ms)
	}
	if C.xt_key_event(x.d, C.uint(sym), 1) != 0 {
		return fault.Platformf("inject_key", nil, "no keycode for %q", key)
	}
	C.xt_key_event(x.d, C.uint(sym), 0)
	return nil
}

func (x *XTest) InjectText(ctx context.Context, text string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.d == nil {
		return fault.Platformf("inject_text", nil, "xtest closed")
	}
	for _, r := range text {
		if err := ctx.Err(); err != nil {
			return err
		}
		sym := RuneKeysym(r)
		switch r {
		case '\n':
			sym = XK_Return
		case '\t':
			sym = XK_Tab
		}
		if C.xt_tap_keysym(x.d, C.uint(sym)) != 0 {
			return fault.Platformf("inject_text", nil, "no keycode for %q on the current layout", r)
		}
	}
	return nil
}

func (x *XTest) InjectMouseMove(_ context.Context, px, py int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.d == nil {
		return fault.Platformf("inject_mouse_move", nil, "xtest closed")
	}
	C.xt_motion(x.d, C.int(px), C.int(py))
	return nil
}

func (x *XTest) InjectMouseClick(_ context.Context, button types.MouseButton, count int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.d == nil {
		return fault.Platformf("inject_mouse_click", nil, "xtest closed")
	}
	for i := 0; i < count; i++ {
		C.xt_button(x.d, C.int(button), 1)
		C.xt_button(x.d, C.int(button), 0)
	}
	return nil
}

func (x *XTest) InjectScroll(_ context.Context, dx, dy int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.d == nil {
		return fault.Platformf("inject_scroll", nil, "xtest closed")
	}
	clicks := func(btn, n int) {
		for i := 0; i < n; i++ {
			C.xt_button(x.d, C.int(btn), 1)
			C.xt_button(x.d, C.int(btn), 0)
		}
	}
	if dy > 0 {
		clicks(4, dy)
	} else if dy < 0 {
		clicks(5, -dy)
	}
	if dx > 0 {
		clicks(7, dx)
	} else if dx < 0 {
		clicks(6, -dx)
	}
	return nil
}

func (x *XTest) Close() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.d != nil {
		C.XCloseDisplay(x.d)
		x.d = nil
	}
}
