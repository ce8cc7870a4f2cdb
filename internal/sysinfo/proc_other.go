//go:build !linux

package sysinfo

import (
	"errors"
	"runtime"
	"time"
)

var errUnsupported = errors.New("sysinfo: not supported on " + runtime.GOOS)

func kernelVersion() string { return "unknown" }

func processCPU() (time.Duration, error) { return 0, errUnsupported }

func processRSS() (int64, error) { return 0, errUnsupported }

func SystemUptime() (time.Duration, error) { return 0, errUnsupported }

func goroutines() int { return runtime.NumGoroutine() }
