//go:build linux

package sysinfo

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

func kernelVersion() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "unknown"
	}
	return unix.ByteSliceToString(u.Release[:])
}

func processCPU() (time.Duration, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, fmt.Errorf("getrusage: %w", err)
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano()), nil
}

// processRSS reads the resident set from /proc/self/statm; Maxrss from
// getrusage is only the peak.
func processRSS() (int64, error) {
	data, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		var ru unix.Rusage
		if rerr := unix.Getrusage(unix.RUSAGE_SELF, &ru); rerr != nil {
			return 0, fmt.Errorf("rss: %w", err)
		}
		return int64(ru.Maxrss) * 1024, nil
	}
	f := bytes.Fields(data)
	if len(f) < 2 {
		return 0, fmt.Errorf("rss: short statm %q", data)
	}
	pages, err := strconv.ParseInt(string(f[1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("rss: %w", err)
	}
	return pages * int64(unix.Getpagesize()), nil
}

// SystemUptime is the time since boot.
func SystemUptime() (time.Duration, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, err
	}
	return time.Duration(si.Uptime) * time.Second, nil
}

func goroutines() int { return runtime.NumGoroutine() }
