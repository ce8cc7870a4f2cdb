package xserver

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func parseResolution(s string) (w, h int, err error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if ok {
		w, err = strconv.Atoi(ws)
		if err == nil {
			h, err = strconv.Atoi(hs)
		}
	}
	if !ok || err != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution %q, want WIDTHxHEIGHT", s)
	}
	return w, h, nil
}

// freeDisplay returns the first display number with neither a socket nor
// a lock file under root.
func freeDisplay(root string) int {
	for i := 1; i <= 99; i++ {
		_, sockErr := os.Stat(filepath.Join(root, ".X11-unix", fmt.Sprintf("X%d", i)))
		_, lockErr := os.Stat(filepath.Join(root, fmt.Sprintf(".X%d-lock", i)))
		if os.IsNotExist(sockErr) && os.IsNotExist(lockErr) {
			return i
		}
	}
	return 99
}

// xorgBusID converts nvidia-smi's "00000000:01:00.0" (hex) into Xorg's
// "PCI:1:0:0" (decimal).
func xorgBusID(nv string) string {
	nv = strings.TrimSpace(nv)
	parts := strings.Split(nv, ":")
	if len(parts) != 3 {
		return "PCI:" + nv
	}
	bus, _ := strconv.ParseInt(parts[1], 16, 64)
	devStr, fnStr, _ := strings.Cut(parts[2], ".")
	dev, _ := strconv.ParseInt(devStr, 16, 64)
	fn, _ := strconv.ParseInt(fnStr, 16, 64)
	return fmt.Sprintf("PCI:%d:%d:%d", bus, dev, fn)
}

func nvidiaConf(busID string, w, h int) string {
	return fmt.Sprintf(`Section "ServerLayout"
    Identifier     "Layout0"
    Screen      0  "Screen0"
EndSection

Section "Device"
    Identifier     "Device0"
    Driver         "nvidia"
    BusID          "%s"
    Option         "AllowEmptyInitialConfiguration" "True"
    Option         "ConnectedMonitor" "DFP-0"
    Option         "ModeValidation" "NoEdidModes, NoMaxPClkCheck, NoHorizSyncCheck, NoVertRefreshCheck, NoMaxSizeCheck"
EndSection

Section "Screen"
    Identifier     "Screen0"
    Device         "Device0"
    Monitor        "Monitor0"
    DefaultDepth   24
    Option         "MetaModes" "DFP-0: %dx%d +0+0"
    SubSection "Display"
        Depth      24
        Virtual    %d %d
    EndSubSection
EndSection

Section "Monitor"
    Identifier     "Monitor0"
    Option         "Enable" "true"
EndSection
`, busID, w, h, w, h)
}

func dummyConf(w, h int) string {
	return fmt.Sprintf(`Section "Device"
    Identifier     "Device0"
    Driver         "dummy"
    VideoRam       256000
EndSection

Section "Monitor"
    Identifier     "Monitor0"
    HorizSync      5.0 - 1000.0
    VertRefresh    5.0 - 200.0
EndSection

Section "Screen"
    Identifier     "Screen0"
    Device         "Device0"
    Monitor        "Monitor0"
    DefaultDepth   24
    SubSection "Display"
        Depth      24
        Virtual    %d %d
    EndSubSection
EndSection
`, w, h)
}

// connectedOutput finds the first connected output in `xrandr --query`
// output and its current mode.
func connectedOutput(query string) (output, mode string) {
	for _, line := range strings.Split(query, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] != "connected" {
			continue
		}
		for _, f := range fields[2:] {
			if geom, _, ok := strings.Cut(f, "+"); ok {
				return fields[0], geom
			}
		}
		return fields[0], ""
	}
	return "", ""
}

// parseModeline extracts the mode name and timing parameters from cvt
// output.
func parseModeline(cvt string) (name string, params []string, ok bool) {
	for _, line := range strings.Split(cvt, "\n") {
		rest, found := strings.CutPrefix(strings.TrimSpace(line), "Modeline")
		if !found {
			continue
		}
		rest = strings.TrimSpace(rest)
		if !strings.HasPrefix(rest, `"`) {
			continue
		}
		end := strings.Index(rest[1:], `"`)
		if end < 0 {
			continue
		}
		return rest[1 : end+1], strings.Fields(rest[end+2:]), true
	}
	return "", nil, false
}
