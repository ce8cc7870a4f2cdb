package input

import (
	"context"
	"strconv"

	"deskpilot/internal/fault"
	"deskpilot/internal/syscmd"
	"deskpilot/internal/types"
)

// typeDelayMs is the per-character delay passed to xdotool type.
const typeDelayMs = "12"

// Xdotool injects input by running the xdotool binary.
type Xdotool struct {
	runner syscmd.Runner
}

func NewXdotool(runner syscmd.Runner) *Xdotool {
	return &Xdotool{runner: runner}
}

func (x *Xdotool) run(ctx context.Context, op string, args ...string) error {
	if _, err := x.runner.Run(ctx, "xdotool", args...); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fault.Platformf(op, err, "xdotool %s failed", args[0])
	}
	return nil
}

// InjectKey types single printable characters and sends everything else
// as a key chord, which avoids keysym lookups for punctuation.
func (x *Xdotool) InjectKey(ctx context.Context, key string, modifiers []string) error {
	if Printable(key) && len(modifiers) == 0 {
		return x.run(ctx, "inject_key", "type", "--delay", typeDelayMs, "--", key)
	}
	chord, err := Chord(key, modifiers)
	if err != nil {
		return fault.Wrap(fault.Validation, "inject_key", err)
	}
	return x.run(ctx, "inject_key", "key", "--clearmodifiers", chord)
}

func (x *Xdotool) InjectText(ctx context.Context, text string) error {
	return x.run(ctx, "inject_text", "type", "--delay", typeDelayMs, "--", text)
}

func (x *Xdotool) InjectMouseMove(ctx context.Context, px, py int) error {
	return x.run(ctx, "inject_mouse_move", "mousemove", strconv.Itoa(px), strconv.Itoa(py))
}

func (x *Xdotool) InjectMouseClick(ctx context.Context, button types.MouseButton, count int) error {
	args := []string{"click"}
	if count > 1 {
		args = append(args, "--repeat", strconv.Itoa(count), "--delay", "80")
	}
	args = append(args, strconv.Itoa(int(button)))
	return x.run(ctx, "inject_mouse_click", args...)
}

// InjectScroll clicks the wheel buttons: 4 up, 5 down, 6 left, 7 right.
// Positive dy scrolls up and positive dx scrolls right.
func (x *Xdotool) InjectScroll(ctx context.Context, dx, dy int) error {
	if dy != 0 {
		btn := "4"
		if dy < 0 {
			btn = "5"
		}
		if err := x.run(ctx, "inject_scroll", "click", "--repeat", strconv.Itoa(abs(dy)), "--delay", "5", btn); err != nil {
			return err
		}
	}
	if dx != 0 {
		btn := "7"
		if dx < 0 {
			btn = "6"
		}
		return x.run(ctx, "inject_scroll", "click", "--repeat", strconv.Itoa(abs(dx)), "--delay", "5", btn)
	}
	return nil
}

func (x *Xdotool) Close() {}
