package xserver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResolution(t *testing.T) {
	w, h, err := parseResolution("1920x1080")
	require.NoError(t, err)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)

	for _, bad := range []string{"", "1920", "x1080", "0x10", "axb"} {
		_, _, err := parseResolution(bad)
		assert.Error(t, err, bad)
	}
}

func TestFreeDisplay(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".X11-unix"), 0o755))
	assert.Equal(t, 1, freeDisplay(root))

	require.NoError(t, os.WriteFile(filepath.Join(root, ".X11-unix", "X1"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".X2-lock"), []byte("123"), 0o644))
	assert.Equal(t, 3, freeDisplay(root))
}

func TestXorgBusID(t *testing.T) {
	assert.Equal(t, "PCI:1:0:0", xorgBusID("00000000:01:00.0"))
	assert.Equal(t, "PCI:33:0:1", xorgBusID(" 00000000:21:00.1\n"))
	assert.Equal(t, "PCI:weird", xorgBusID("weird"))
}

func TestConfs(t *testing.T) {
	nv := nvidiaConf("PCI:1:0:0", 1280, 720)
	assert.Contains(t, nv, `BusID          "PCI:1:0:0"`)
	assert.Contains(t, nv, "Virtual    1280 720")
	assert.Contains(t, dummyConf(800, 600), `Driver         "dummy"`)
}

func TestConnectedOutput(t *testing.T) {
	query := `Screen 0: minimum 8 x 8, current 1920 x 1080, maximum 32767 x 32767
HDMI-0 disconnected (normal left inverted right x axis y axis)
DP-0 connected primary 1920x1080+0+0 (normal left inverted right x axis y axis) 598mm x 336mm
   1920x1080     60.00*+
`
	out, mode := connectedOutput(query)
	assert.Equal(t, "DP-0", out)
	assert.Equal(t, "1920x1080", mode)

	out, _ = connectedOutput("HDMI-0 disconnected\n")
	assert.Empty(t, out)
}

func TestParseModeline(t *testing.T) {
	cvt := `# 1366x768 59.79 Hz (CVT) hsync: 47.71 kHz; pclk: 85.25 MHz
Modeline "1368x768_60.00"   85.25  1368 1440 1576 1784  768 771 781 798 -hsync +vsync
`
	name, params, ok := parseModeline(cvt)
	require.True(t, ok)
	assert.Equal(t, "1368x768_60.00", name)
	assert.Equal(t, "85.25", params[0])
	assert.Equal(t, "+vsync", params[len(params)-1])

	_, _, ok = parseModeline("nothing here")
	assert.False(t, ok)
}
