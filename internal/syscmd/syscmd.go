// Package syscmd runs the external desktop tools (xdotool, xinput, wmctrl,
// screenshot utilities) the platform backends shell out to.
package syscmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// Runner executes a command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	// Start launches a detached process and does not wait for it.
	Start(name string, args ...string) error
}

// ExitError carries the captured stderr of a failed command.
type ExitError struct {
	Cmd    string
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: %v", e.Cmd, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Cmd, e.Err, e.Stderr)
}

func (e *ExitError) Unwrap() error { return e.Err }

// NotFound reports whether err means the binary is not installed.
func NotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}

// Exec runs real processes with DISPLAY (and XAUTHORITY when known) set.
type Exec struct {
	Display    string
	Xauthority string
}

func (e *Exec) env() []string {
	env := os.Environ()
	if e.Display != "" {
		env = append(env, "DISPLAY="+e.Display)
	}
	if e.Xauthority != "" {
		env = append(env, "XAUTHORITY="+e.Xauthority)
	}
	return env
}

func (e *Exec) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = e.env()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", name, ctx.Err())
		}
		return stdout.Bytes(), &ExitError{
			Cmd:    name + " " + strings.Join(args, " "),
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return stdout.Bytes(), nil
}

func (e *Exec) Start(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Env = e.env()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	go cmd.Wait()
	return nil
}
