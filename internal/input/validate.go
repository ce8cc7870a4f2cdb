package input

import (
	"strings"
	"sync"
	"unicode/utf8"

	"deskpilot/internal/fault"
	"deskpilot/internal/types"

	"go.uber.org/zap"
)

const (
	MaxTextLength    = 4096
	MaxScrollDelta   = 50
	MaxClickCount    = 3
	MaxAppNameLength = 256
	// edgeMargin is how close to the screen edge a coordinate may be
	// before it is noted in the debug log.
	edgeMargin = 10
)

// Validator rejects malformed input before it reaches a platform call.
// Screen bounds are cached and refreshed with SetScreen.
type Validator struct {
	logger *zap.Logger

	mu     sync.RWMutex
	width  int
	height int
}

func NewValidator(width, height int, logger *zap.Logger) *Validator {
	return &Validator{logger: logger, width: width, height: height}
}

// SetScreen updates the known screen size.
func (v *Validator) SetScreen(width, height int) {
	v.mu.Lock()
	v.width, v.height = width, height
	v.mu.Unlock()
}

func (v *Validator) Screen() (width, height int) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.width, v.height
}

// Coordinates checks that (x, y) lies on the screen.
func (v *Validator) Coordinates(x, y int) error {
	w, h := v.Screen()
	if x < 0 {
		return fault.Validationf("input", "X coordinate %d must not be negative", x)
	}
	if y < 0 {
		return fault.Validationf("input", "Y coordinate %d must not be negative", y)
	}
	if w > 0 && x >= w {
		return fault.Validationf("input", "X coordinate %d exceeds screen width %d (max: %d)", x, w, w-1)
	}
	if h > 0 && y >= h {
		return fault.Validationf("input", "Y coordinate %d exceeds screen height %d (max: %d)", y, h, h-1)
	}
	if x < edgeMargin || y < edgeMargin || (w > 0 && x >= w-edgeMargin) || (h > 0 && y >= h-edgeMargin) {
		v.logger.Debug("coordinate near screen edge", zap.Int("x", x), zap.Int("y", y))
	}
	return nil
}

// Key checks that key resolves and every modifier is known.
func (v *Validator) Key(key string, modifiers []string) error {
	if key == "" {
		return fault.Validationf("input", "key must not be empty")
	}
	if _, ok := Keysym(key); !ok {
		return fault.Validationf("input", "unknown key %q", key)
	}
	if _, err := NormalizeModifiers(modifiers); err != nil {
		return fault.Wrap(fault.Validation, "input", err)
	}
	return nil
}

func (v *Validator) Text(text string) error {
	if text == "" {
		return fault.Validationf("input", "text must not be empty")
	}
	if !utf8.ValidString(text) {
		return fault.Validationf("input", "text is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(text); n > MaxTextLength {
		return fault.Validationf("input", "text length %d exceeds maximum %d", n, MaxTextLength)
	}
	return nil
}

func (v *Validator) Click(button types.MouseButton, count int) error {
	switch button {
	case types.ButtonLeft, types.ButtonMiddle, types.ButtonRight:
	default:
		return fault.Validationf("input", "invalid mouse button %d", int(button))
	}
	if count < 1 || count > MaxClickCount {
		return fault.Validationf("input", "click count %d out of range 1..%d", count, MaxClickCount)
	}
	return nil
}

func (v *Validator) Scroll(dx, dy int) error {
	if dx == 0 && dy == 0 {
		return fault.Validationf("input", "scroll delta must not be zero")
	}
	if abs(dx) > MaxScrollDelta || abs(dy) > MaxScrollDelta {
		return fault.Validationf("input", "scroll delta (%d, %d) exceeds maximum %d", dx, dy, MaxScrollDelta)
	}
	return nil
}

// AppName checks an application name before it is used in a command.
func AppName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fault.Validationf("app", "application name must not be empty")
	}
	if len(name) > MaxAppNameLength {
		return fault.Validationf("app", "application name too long (%d > %d)", len(name), MaxAppNameLength)
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fault.Validationf("app", "application name %q contains path characters", name)
	}
	if strings.ContainsAny(name, ";&|$`<>\"'(){}*?!\n") {
		return fault.Validationf("app", "application name %q contains shell metacharacters", name)
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
