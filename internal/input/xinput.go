package input

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"deskpilot/internal/fault"
	"deskpilot/internal/syscmd"
	"deskpilot/internal/types"
)

// XInputDevice is one row of `xinput list`.
type XInputDevice struct {
	ID   int
	Name string
	// Role is "master", "slave" or "floating".
	Role string
	// Kind is "keyboard" or "pointer"; empty for floating slaves.
	Kind string
	// Attached is the master id for slaves.
	Attached int
}

var xinputLine = regexp.MustCompile(`^(.*?)\s*id=(\d+)\s+\[(.+?)\]`)

// ParseXInputList parses the default `xinput list` output.
func ParseXInputList(out []byte) ([]XInputDevice, error) {
	var devs []XInputDevice
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		m := xinputLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		d := XInputDevice{
			ID:   id,
			Name: strings.TrimSpace(strings.TrimLeft(m[1], "⎡⎜⎣↳∼~ \t")),
		}
		f := strings.Fields(m[3])
		if len(f) < 2 {
			continue
		}
		d.Role = f[0]
		if d.Role != "floating" {
			d.Kind = f[1]
		}
		if len(f) >= 3 {
			d.Attached, _ = strconv.Atoi(strings.Trim(f[2], "()"))
		}
		devs = append(devs, d)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return devs, nil
}

func virtualDevice(name string) bool {
	return strings.Contains(name, "Virtual core") || strings.Contains(name, "XTEST")
}

// XInput floats and reattaches physical devices with the xinput tool.
type XInput struct {
	runner syscmd.Runner

	// last chosen devices, used to recognize them once floated
	mu   sync.Mutex
	last map[types.DeviceKind]types.InputDeviceRef
}

func NewXInput(runner syscmd.Runner) *XInput {
	return &XInput{runner: runner, last: make(map[types.DeviceKind]types.InputDeviceRef)}
}

// Discover picks the physical keyboard and pointer and their masters.
// A device floated by an earlier lock is found again by id, and its
// master comes from the master device of the same kind.
func (x *XInput) Discover(ctx context.Context) (keyboard, pointer types.InputDeviceRef, err error) {
	out, err := x.runner.Run(ctx, "xinput", "list")
	if err != nil {
		return keyboard, pointer, fault.Platformf("discover_devices", err, "xinput list")
	}
	devs, err := ParseXInputList(out)
	if err != nil {
		return keyboard, pointer, fault.Platformf("discover_devices", err, "parse xinput list")
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	keyboard, err = x.pick(devs, types.DeviceKeyboard)
	if err != nil {
		return keyboard, pointer, err
	}
	pointer, err = x.pick(devs, types.DevicePointer)
	if err != nil {
		return keyboard, pointer, err
	}
	x.last[types.DeviceKeyboard] = keyboard
	x.last[types.DevicePointer] = pointer
	return keyboard, pointer, nil
}

func (x *XInput) pick(devs []XInputDevice, kind types.DeviceKind) (types.InputDeviceRef, error) {
	master := 0
	for _, d := range devs {
		if d.Role == "master" && d.Kind == string(kind) {
			master = d.ID
			break
		}
	}
	if master == 0 {
		return types.InputDeviceRef{}, fault.Platformf("discover_devices", nil, "no master %s device", kind)
	}

	if prev, ok := x.last[kind]; ok {
		for _, d := range devs {
			if d.Role == "floating" && d.ID == prev.ID {
				mid := prev.MasterID
				if mid == 0 {
					mid = master
				}
				return types.InputDeviceRef{Kind: kind, ID: d.ID, Name: d.Name, MasterID: mid, Floating: true}, nil
			}
		}
	}

	var first *XInputDevice
	for i := range devs {
		d := &devs[i]
		if d.Role != "slave" || d.Kind != string(kind) || virtualDevice(d.Name) {
			continue
		}
		// Prefer a device that names its kind; buttons and buses come
		// through as keyboards too.
		if strings.Contains(strings.ToLower(d.Name), string(kind)) ||
			(kind == types.DevicePointer && strings.Contains(strings.ToLower(d.Name), "mouse")) {
			return types.InputDeviceRef{Kind: kind, ID: d.ID, Name: d.Name, MasterID: d.Attached}, nil
		}
		if first == nil {
			first = d
		}
	}

	if first != nil {
		return types.InputDeviceRef{Kind: kind, ID: first.ID, Name: first.Name, MasterID: first.Attached}, nil
	}
	return types.InputDeviceRef{}, fault.Platformf("discover_devices", nil, "no physical %s found", kind)
}

func (x *XInput) Float(ctx context.Context, dev types.InputDeviceRef) error {
	if dev.Floating {
		return nil
	}
	if _, err := x.runner.Run(ctx, "xinput", "float", strconv.Itoa(dev.ID)); err != nil {
		return fault.Platformf("float", err, "float %s %d", dev.Kind, dev.ID)
	}
	return nil
}

func (x *XInput) Reattach(ctx context.Context, dev types.InputDeviceRef) error {
	if !dev.Floating {
		return nil
	}
	if dev.MasterID == 0 {
		return fault.Platformf("reattach", nil, "%s %d has no known master", dev.Kind, dev.ID)
	}
	_, err := x.runner.Run(ctx, "xinput", "reattach", strconv.Itoa(dev.ID), strconv.Itoa(dev.MasterID))
	if err != nil {
		return fault.Platformf("reattach", err, "reattach %s %d to %d", dev.Kind, dev.ID, dev.MasterID)
	}
	return nil
}

func (d XInputDevice) String() string {
	return fmt.Sprintf("%s id=%d %s %s", d.Name, d.ID, d.Role, d.Kind)
}
