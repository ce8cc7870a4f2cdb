//go:build linux

// Package xserver starts a private headless Xorg with a desktop session
// for machines that have no display attached.
package xserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"deskpilot/internal/syscmd"

	"go.uber.org/zap"
)

const (
	socketDir = "/tmp/.X11-unix"
	tmpPrefix = "deskpilot-x-"
)

type XServer struct {
	Display    string
	Xauthority string

	logger     *zap.Logger
	runner     *syscmd.Exec
	xorgCmd    *exec.Cmd
	sessionCmd *exec.Cmd
	tmpDir     string
}

// Start launches Xorg on the first free display. gpu selects an NVIDIA
// card by index; a negative gpu, or a machine without nvidia-smi, gets
// the dummy driver.
func Start(ctx context.Context, resolution string, gpu int, logger *zap.Logger) (*XServer, error) {
	if os.Getuid() != 0 {
		logger.Warn("starting Xorg usually requires root")
	}
	cleanStale(logger)

	display := fmt.Sprintf(":%d", freeDisplay("/tmp"))
	tmpDir, err := os.MkdirTemp("", tmpPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	xs := &XServer{
		Display:    display,
		Xauthority: filepath.Join(tmpDir, "Xauthority"),
		logger:     logger.With(zap.String("display", display)),
		tmpDir:     tmpDir,
	}
	xs.runner = &syscmd.Exec{Display: display, Xauthority: xs.Xauthority}

	conf, err := xs.config(ctx, resolution, gpu)
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, err
	}
	confPath := filepath.Join(tmpDir, "xorg.conf")
	if err := os.WriteFile(confPath, []byte(conf), 0o644); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("write xorg.conf: %w", err)
	}

	cookie := make([]byte, 16)
	rand.Read(cookie)
	if _, err := xs.runner.Run(ctx, "xauth", "-f", xs.Xauthority, "add", display, "MIT-MAGIC-COOKIE-1", hex.EncodeToString(cookie)); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("xauth add: %w", err)
	}

	args := []string{display, "-config", confPath, "-auth", xs.Xauthority, "-noreset", "-nolisten", "tcp"}
	if modPath := nvidiaModulePath(); gpu >= 0 && modPath != "" {
		args = append(args, "-modulepath", modPath+",/usr/lib/xorg/modules")
	}
	xorgLog, err := os.Create(filepath.Join(tmpDir, "xorg.log"))
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("create xorg log: %w", err)
	}
	cmd := exec.Command("Xorg", args...)
	cmd.Stdout = xorgLog
	cmd.Stderr = xorgLog
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Pdeathsig: syscall.SIGTERM}
	if err := cmd.Start(); err != nil {
		xorgLog.Close()
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("start Xorg: %w", err)
	}
	xs.xorgCmd = cmd
	go func() {
		cmd.Wait()
		xorgLog.Close()
	}()

	xs.logger.Info("starting Xorg", zap.String("resolution", resolution), zap.Int("gpu", gpu))
	if err := xs.waitReady(ctx, 10*time.Second); err != nil {
		xs.Stop()
		return nil, err
	}
	xs.logger.Info("Xorg ready")
	return xs, nil
}

func (xs *XServer) config(ctx context.Context, resolution string, gpu int) (string, error) {
	w, h, err := parseResolution(resolution)
	if err != nil {
		return "", err
	}
	if gpu < 0 {
		return dummyConf(w, h), nil
	}
	busID, err := xs.gpuBusID(ctx, gpu)
	if err != nil {
		if syscmd.NotFound(err) {
			xs.logger.Info("nvidia-smi not found, using dummy video driver")
			return dummyConf(w, h), nil
		}
		return "", err
	}
	return nvidiaConf(busID, w, h), nil
}

func (xs *XServer) gpuBusID(ctx context.Context, index int) (string, error) {
	out, err := xs.runner.Run(ctx, "nvidia-smi", "--query-gpu=pci.bus_id", "--format=csv,noheader")
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if index >= len(lines) {
		return "", fmt.Errorf("GPU index %d out of range (have %d GPUs)", index, len(lines))
	}
	return xorgBusID(lines[index]), nil
}

// StartDesktop runs a GNOME session on the server and waits for a window
// manager to appear, then applies resolution.
func (xs *XServer) StartDesktop(ctx context.Context, resolution string) error {
	runtimeDir := filepath.Join(xs.tmpDir, "runtime")
	if err := os.MkdirAll(runtimeDir, 0o700); err != nil {
		return err
	}
	script := fmt.Sprintf(`#!/bin/sh
export XDG_RUNTIME_DIR=%q
gsettings set org.gnome.desktop.screensaver lock-enabled false 2>/dev/null
gsettings set org.gnome.desktop.session idle-delay 0 2>/dev/null
exec gnome-shell --x11
`, runtimeDir)
	scriptPath := filepath.Join(xs.tmpDir, "desktop.sh")
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		return err
	}

	sessionLog, err := os.Create(filepath.Join(xs.tmpDir, "session.log"))
	if err != nil {
		return fmt.Errorf("create session log: %w", err)
	}
	cmd := exec.Command("dbus-run-session", "--", "sh", scriptPath)
	cmd.Env = append(os.Environ(),
		"DISPLAY="+xs.Display,
		"XAUTHORITY="+xs.Xauthority,
		"XDG_SESSION_TYPE=x11",
		"GDK_BACKEND=x11",
	)
	cmd.Stdout = sessionLog
	cmd.Stderr = sessionLog
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Pdeathsig: syscall.SIGTERM}
	if err := cmd.Start(); err != nil {
		sessionLog.Close()
		return fmt.Errorf("start desktop session: %w", err)
	}
	xs.sessionCmd = cmd
	go func() {
		cmd.Wait()
		sessionLog.Close()
	}()

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		out, err := xs.runner.Run(ctx, "xprop", "-root", "_NET_SUPPORTING_WM_CHECK")
		if err == nil && strings.Contains(string(out), "window id") {
			xs.logger.Info("desktop session ready")
			if err := xs.setResolution(ctx, resolution); err != nil {
				xs.logger.Warn("display configuration failed", zap.Error(err))
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	xs.logger.Warn("desktop session started but no window manager yet")
	return nil
}

// setResolution switches the first connected output to resolution,
// creating a CVT mode when the driver has none built in.
func (xs *XServer) setResolution(ctx context.Context, resolution string) error {
	out, err := xs.runner.Run(ctx, "xrandr", "--query")
	if err != nil {
		return fmt.Errorf("xrandr query: %w", err)
	}
	output, current := connectedOutput(string(out))
	if output == "" || current == resolution {
		return nil
	}
	if _, err := xs.runner.Run(ctx, "xrandr", "--output", output, "--mode", resolution); err == nil {
		xs.logger.Info("display mode set", zap.String("output", output), zap.String("mode", resolution))
		return nil
	}

	w, h, err := parseResolution(resolution)
	if err != nil {
		return err
	}
	cvt, err := xs.runner.Run(ctx, "cvt", strconv.Itoa(w), strconv.Itoa(h), "60")
	if err != nil {
		return fmt.Errorf("cvt: %w", err)
	}
	name, params, ok := parseModeline(string(cvt))
	if !ok {
		return fmt.Errorf("cvt produced no modeline for %s", resolution)
	}
	xs.runner.Run(ctx, "xrandr", append([]string{"--newmode", name}, params...)...)
	xs.runner.Run(ctx, "xrandr", "--addmode", output, name)
	if _, err := xs.runner.Run(ctx, "xrandr", "--output", output, "--mode", name); err != nil {
		return fmt.Errorf("xrandr set mode %s: %w", name, err)
	}
	xs.logger.Info("display mode set", zap.String("output", output), zap.String("mode", name))
	return nil
}

func (xs *XServer) Stop() {
	stopProcess(xs.sessionCmd, os.Interrupt)
	stopProcess(xs.xorgCmd, syscall.SIGTERM)

	n := strings.TrimPrefix(xs.Display, ":")
	os.Remove("/tmp/.X" + n + "-lock")
	os.Remove(filepath.Join(socketDir, "X"+n))
	if xs.tmpDir != "" {
		os.RemoveAll(xs.tmpDir)
	}
	xs.logger.Info("Xorg stopped")
}

func stopProcess(cmd *exec.Cmd, sig os.Signal) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	cmd.Process.Signal(sig)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cmd.Process.Signal(syscall.Signal(0)) != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	cmd.Process.Kill()
}

func (xs *XServer) waitReady(ctx context.Context, timeout time.Duration) error {
	socket := filepath.Join(socketDir, "X"+strings.TrimPrefix(xs.Display, ":"))
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socket); err == nil {
			if _, err := xs.runner.Run(ctx, "xdpyinfo"); err == nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	if data, err := os.ReadFile(filepath.Join(xs.tmpDir, "xorg.log")); err == nil && len(data) > 0 {
		xs.logger.Error("Xorg did not come up", zap.ByteString("log", data))
	}
	return fmt.Errorf("timeout waiting for X server on %s", xs.Display)
}

// cleanStale kills Xorg processes left over from earlier runs and removes
// lock files whose owner is gone.
func cleanStale(logger *zap.Logger) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return
	}
	self := os.Getpid()
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == self {
			continue
		}
		cmdline, err := os.ReadFile(filepath.Join("/proc", e.Name(), "cmdline"))
		if err != nil {
			continue
		}
		if args := string(cmdline); strings.Contains(args, "Xorg") && strings.Contains(args, tmpPrefix) {
			logger.Warn("killing stale Xorg", zap.Int("pid", pid))
			syscall.Kill(pid, syscall.SIGTERM)
		}
	}
	for i := 1; i <= 99; i++ {
		lock := fmt.Sprintf("/tmp/.X%d-lock", i)
		data, err := os.ReadFile(lock)
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			continue
		}
		if syscall.Kill(pid, 0) != nil {
			logger.Info("removing stale X lock", zap.Int("display", i), zap.Int("pid", pid))
			os.Remove(lock)
			os.Remove(filepath.Join(socketDir, fmt.Sprintf("X%d", i)))
		}
	}
}

func nvidiaModulePath() string {
	if _, err := os.Stat("/usr/lib/xorg/modules/drivers/nvidia_drv.so"); err == nil {
		return ""
	}
	alt := "/usr/lib/x86_64-linux-gnu/nvidia/xorg"
	if _, err := os.Stat(filepath.Join(alt, "nvidia_drv.so")); err == nil {
		return alt
	}
	return ""
}
