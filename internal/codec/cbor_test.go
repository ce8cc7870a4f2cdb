package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicMapEncoding(t *testing.T) {
	a, err := Marshal(map[string]any{"b": 1, "a": 2, "c": 3})
	require.NoError(t, err)
	b, err := Marshal(map[string]any{"c": 3, "a": 2, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGenericDecodeUsesStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"action": "heartbeat", "n": 7})
	require.NoError(t, err)

	var out any
	require.NoError(t, Unmarshal(data, &out))
	m, ok := out.(map[string]any)
	require.True(t, ok, "got %T", out)
	assert.Equal(t, "heartbeat", m["action"])
}

func TestStreamOfValues(t *testing.T) {
	type item struct {
		Seq  int       `cbor:"seq"`
		When time.Time `cbor:"when"`
	}
	now := time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC)

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for i := 0; i < 3; i++ {
		require.NoError(t, enc.Encode(item{Seq: i, When: now.Add(time.Duration(i) * time.Millisecond)}))
	}

	dec := NewDecoder(&buf)
	for i := 0; i < 3; i++ {
		var got item
		require.NoError(t, dec.Decode(&got))
		assert.Equal(t, i, got.Seq)
		assert.True(t, got.When.Equal(now.Add(time.Duration(i)*time.Millisecond)))
	}
}
