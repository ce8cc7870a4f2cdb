package syscmd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunCapturesStdout(t *testing.T) {
	e := &Exec{Display: ":42"}
	out, err := e.Run(context.Background(), "sh", "-c", `printf '%s' "$DISPLAY"`)
	require.NoError(t, err)
	assert.Equal(t, ":42", string(out))
}

func TestExecRunExitError(t *testing.T) {
	e := &Exec{}
	_, err := e.Run(context.Background(), "sh", "-c", "echo oops >&2; exit 3")
	require.Error(t, err)

	var ee *ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "oops", ee.Stderr)
	assert.Contains(t, err.Error(), "oops")
}

func TestExecRunMissingBinary(t *testing.T) {
	e := &Exec{}
	_, err := e.Run(context.Background(), "deskpilot-no-such-tool")
	require.Error(t, err)
	assert.True(t, NotFound(err))
}

func TestExecRunHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	e := &Exec{}
	start := time.Now()
	_, err := e.Run(ctx, "sleep", "5")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}
