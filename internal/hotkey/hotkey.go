// Package hotkey watches the physical keyboard for the emergency unlock
// combination. It reads kernel input events directly because a floated
// keyboard no longer delivers key events to X clients.
package hotkey

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	DefaultCombo    = "Ctrl+Alt+Shift+U"
	DefaultDebounce = time.Second
)

// Linux input event codes, from linux/input-event-codes.h.
const (
	keyLeftCtrl   = 29
	keyRightCtrl  = 97
	keyLeftShift  = 42
	keyRightShift = 54
	keyLeftAlt    = 56
	keyRightAlt   = 100
	keyLeftMeta   = 125
	keyRightMeta  = 126
)

var modifierCodes = map[string][]uint16{
	"ctrl":  {keyLeftCtrl, keyRightCtrl},
	"alt":   {keyLeftAlt, keyRightAlt},
	"shift": {keyLeftShift, keyRightShift},
	"super": {keyLeftMeta, keyRightMeta},
}

var modifierAliases = map[string]string{
	"ctrl": "ctrl", "control": "ctrl",
	"alt": "alt", "meta": "super",
	"shift": "shift",
	"super": "super", "win": "super", "cmd": "super",
}

var keyCodes = map[string]uint16{
	"esc": 1, "escape": 1,
	"1": 2, "2": 3, "3": 4, "4": 5, "5": 6, "6": 7, "7": 8, "8": 9, "9": 10, "0": 11,
	"q": 16, "w": 17, "e": 18, "r": 19, "t": 20, "y": 21, "u": 22, "i": 23, "o": 24, "p": 25,
	"a": 30, "s": 31, "d": 32, "f": 33, "g": 34, "h": 35, "j": 36, "k": 37, "l": 38,
	"z": 44, "x": 45, "c": 46, "v": 47, "b": 48, "n": 49, "m": 50,
	"space": 57, "backspace": 14, "tab": 15, "enter": 28,
	"f1": 59, "f2": 60, "f3": 61, "f4": 62, "f5": 63, "f6": 64,
	"f7": 65, "f8": 66, "f9": 67, "f10": 68, "f11": 87, "f12": 88,
	"pause": 119,
}

// Combo is a parsed key combination such as Ctrl+Alt+Shift+U.
type Combo struct {
	Modifiers []string
	Key       string
	code      uint16
}

func ParseCombo(s string) (Combo, error) {
	parts := strings.Split(s, "+")
	if len(parts) < 2 {
		return Combo{}, fmt.Errorf("hotkey %q: need at least one modifier and a key", s)
	}
	var c Combo
	seen := make(map[string]bool)
	for _, p := range parts[:len(parts)-1] {
		m, ok := modifierAliases[strings.ToLower(strings.TrimSpace(p))]
		if !ok {
			return Combo{}, fmt.Errorf("hotkey %q: unknown modifier %q", s, p)
		}
		if !seen[m] {
			seen[m] = true
			c.Modifiers = append(c.Modifiers, m)
		}
	}
	key := strings.ToLower(strings.TrimSpace(parts[len(parts)-1]))
	code, ok := keyCodes[key]
	if !ok {
		return Combo{}, fmt.Errorf("hotkey %q: unsupported key %q", s, key)
	}
	c.Key, c.code = key, code
	return c, nil
}

func (c Combo) String() string {
	parts := make([]string, 0, len(c.Modifiers)+1)
	for _, m := range c.Modifiers {
		parts = append(parts, strings.ToUpper(m[:1])+m[1:])
	}
	return strings.Join(append(parts, strings.ToUpper(c.Key)), "+")
}

// Matcher tracks pressed keys and fires when the combo completes. It is
// shared by all keyboards so the combo may span devices.
type Matcher struct {
	combo    Combo
	debounce time.Duration

	mu       sync.Mutex
	pressed  map[uint16]bool
	lastFire time.Time
}

func NewMatcher(combo Combo, debounce time.Duration) *Matcher {
	return &Matcher{combo: combo, debounce: debounce, pressed: make(map[uint16]bool)}
}

// Key feeds one key event; value is 1 for press, 0 for release and 2 for
// autorepeat. It reports whether the combo fired.
func (m *Matcher) Key(code uint16, value int32, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch value {
	case 0:
		delete(m.pressed, code)
		return false
	case 1:
		m.pressed[code] = true
	default:
		return false
	}
	// Only the trigger key fires, with the modifiers already held.
	if code != m.combo.code || !m.complete() {
		return false
	}
	if !m.lastFire.IsZero() && now.Sub(m.lastFire) < m.debounce {
		return false
	}
	m.lastFire = now
	return true
}

func (m *Matcher) complete() bool {
	if !m.pressed[m.combo.code] {
		return false
	}
	for _, mod := range m.combo.Modifiers {
		held := false
		for _, c := range modifierCodes[mod] {
			if m.pressed[c] {
				held = true
				break
			}
		}
		if !held {
			return false
		}
	}
	return true
}

// Reset forgets pressed keys, used when a device goes away mid-press.
func (m *Matcher) Reset() {
	m.mu.Lock()
	m.pressed = make(map[uint16]bool)
	m.mu.Unlock()
}
