package hotkey

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCombo(t *testing.T) {
	c, err := ParseCombo("Ctrl+Alt+Shift+U")
	require.NoError(t, err)
	assert.Equal(t, []string{"ctrl", "alt", "shift"}, c.Modifiers)
	assert.Equal(t, "u", c.Key)
	assert.Equal(t, "Ctrl+Alt+Shift+U", c.String())

	c, err = ParseCombo("control+control+f12")
	require.NoError(t, err)
	assert.Equal(t, []string{"ctrl"}, c.Modifiers)

	for _, bad := range []string{"U", "Hyper+U", "Ctrl+Katakana", ""} {
		_, err := ParseCombo(bad)
		assert.Error(t, err, bad)
	}
}

func TestMatcherFiresOnCompleteCombo(t *testing.T) {
	c, err := ParseCombo(DefaultCombo)
	require.NoError(t, err)
	m := NewMatcher(c, time.Second)
	now := time.Now()

	assert.False(t, m.Key(keyLeftCtrl, 1, now))
	assert.False(t, m.Key(keyRightAlt, 1, now))
	assert.False(t, m.Key(keyCodes["u"], 1, now), "shift missing")
	assert.False(t, m.Key(keyLeftShift, 1, now), "u was pressed before shift and is still down")

	// Releasing and pressing u again completes it.
	assert.False(t, m.Key(keyCodes["u"], 0, now))
	assert.True(t, m.Key(keyCodes["u"], 1, now))

	// Autorepeat never fires.
	assert.False(t, m.Key(keyCodes["u"], 2, now))
}

func TestMatcherDebounce(t *testing.T) {
	c, err := ParseCombo("Ctrl+U")
	require.NoError(t, err)
	m := NewMatcher(c, time.Second)
	now := time.Now()

	m.Key(keyLeftCtrl, 1, now)
	assert.True(t, m.Key(keyCodes["u"], 1, now))
	m.Key(keyCodes["u"], 0, now)

	assert.False(t, m.Key(keyCodes["u"], 1, now.Add(500*time.Millisecond)))
	m.Key(keyCodes["u"], 0, now)
	assert.True(t, m.Key(keyCodes["u"], 1, now.Add(1500*time.Millisecond)))
}

func TestMatcherReset(t *testing.T) {
	c, err := ParseCombo("Ctrl+U")
	require.NoError(t, err)
	m := NewMatcher(c, 0)
	now := time.Now()

	m.Key(keyLeftCtrl, 1, now)
	m.Reset()
	assert.False(t, m.Key(keyCodes["u"], 1, now))
}
