package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"deskpilot/internal/fault"
	"deskpilot/internal/syscmd"
	"deskpilot/internal/types"
)

// ValidateWindowID accepts X11 window ids in hex ("0x3a00007") or
// decimal form.
func ValidateWindowID(id string) error {
	if id == "" {
		return fault.Validationf("window", "window id must not be empty")
	}
	var err error
	if rest, ok := strings.CutPrefix(strings.ToLower(id), "0x"); ok {
		_, err = strconv.ParseUint(rest, 16, 32)
	} else {
		_, err = strconv.ParseUint(id, 10, 32)
	}
	if err != nil {
		return fault.Validationf("window", "invalid window id %q: expected hex (0x...) or decimal", id)
	}
	return nil
}

// WindowGeometry asks xwininfo for the on-screen rectangle of window id.
func WindowGeometry(ctx context.Context, runner syscmd.Runner, id string) (types.Region, error) {
	if err := ValidateWindowID(id); err != nil {
		return types.Region{}, err
	}
	out, err := runner.Run(ctx, "xwininfo", "-id", id)
	if err != nil {
		return types.Region{}, fault.Platformf("window", err, "xwininfo %s", id)
	}
	return parseXwininfo(out)
}

func parseXwininfo(out []byte) (types.Region, error) {
	var r types.Region
	seen := 0
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok {
			continue
		}
		var dst *int
		switch key {
		case "Absolute upper-left X":
			dst = &r.X
		case "Absolute upper-left Y":
			dst = &r.Y
		case "Width":
			dst = &r.Width
		case "Height":
			dst = &r.Height
		default:
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return types.Region{}, fmt.Errorf("xwininfo %s: %w", key, err)
		}
		*dst = n
		seen++
	}
	if seen < 4 {
		return types.Region{}, fmt.Errorf("xwininfo: geometry not found in output")
	}
	return r, nil
}
