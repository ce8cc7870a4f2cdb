package rpc

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"deskpilot/internal/codec"
	"deskpilot/internal/fault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startServer(t *testing.T, s *Server) (network, addr string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	select {
	case <-s.Ready():
	case err := <-done:
		t.Fatalf("server failed to start: %v", err)
	}
	return s.Addr().Network(), s.Addr().String()
}

func dial(t *testing.T, network, addr, token string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), network, addr, token)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

type echoRequest struct {
	Text string `cbor:"text"`
}

func newEchoServer(t *testing.T, token string) *Server {
	s := NewServer("tcp", "127.0.0.1:0", token, zaptest.NewLogger(t))
	s.Handle("echo", func(ctx context.Context, raw []byte) (any, error) {
		var req echoRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		if req.Text == "" {
			return nil, fault.Validationf("echo", "text is required")
		}
		return map[string]any{"text": req.Text}, nil
	})
	s.Handle("nothing", func(ctx context.Context, raw []byte) (any, error) {
		return nil, nil
	})
	return s
}

func TestUnaryCallsShareConnection(t *testing.T) {
	network, addr := startServer(t, newEchoServer(t, ""))
	c := dial(t, network, addr, "")

	for _, text := range []string{"one", "two", "three"} {
		var out struct {
			Text string `cbor:"text"`
		}
		require.NoError(t, c.Call(context.Background(), "echo", map[string]any{"text": text}, &out))
		assert.Equal(t, text, out.Text)
	}
	require.NoError(t, c.Call(context.Background(), "nothing", nil, nil))
}

func TestErrorKindsReachClient(t *testing.T) {
	network, addr := startServer(t, newEchoServer(t, ""))
	c := dial(t, network, addr, "")

	err := c.Call(context.Background(), "echo", nil, nil)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, fault.Validation, rerr.Kind)
	assert.Contains(t, rerr.Message, "text is required")

	// The connection survives an error reply.
	err = c.Call(context.Background(), "no_such_action", nil, nil)
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, fault.Unimplemented, rerr.Kind)
}

func TestTokenRequired(t *testing.T) {
	network, addr := startServer(t, newEchoServer(t, "secret"))

	bad := dial(t, network, addr, "wrong")
	err := bad.Call(context.Background(), "echo", map[string]any{"text": "x"}, nil)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Message, "authentication failed")

	good := dial(t, network, addr, "secret")
	require.NoError(t, good.Call(context.Background(), "echo", map[string]any{"text": "x"}, nil))
}

func TestPanicBecomesPlatformError(t *testing.T) {
	s := NewServer("tcp", "127.0.0.1:0", "", zaptest.NewLogger(t))
	s.Handle("boom", func(ctx context.Context, raw []byte) (any, error) {
		panic("kaboom")
	})
	network, addr := startServer(t, s)
	c := dial(t, network, addr, "")

	err := c.Call(context.Background(), "boom", nil, nil)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, fault.Platform, rerr.Kind)
	assert.Contains(t, rerr.Message, "internal error")
}

func TestDuplicateHandlerPanics(t *testing.T) {
	s := NewServer("tcp", "127.0.0.1:0", "", zaptest.NewLogger(t))
	s.Handle("a", func(ctx context.Context, raw []byte) (any, error) { return nil, nil })
	assert.Panics(t, func() {
		s.HandleStream("a", func(ctx context.Context, raw []byte, send func(any) error) error { return nil })
	})
}

func TestStream(t *testing.T) {
	s := NewServer("tcp", "127.0.0.1:0", "", zaptest.NewLogger(t))
	s.HandleStream("count", func(ctx context.Context, raw []byte, send func(any) error) error {
		var req struct {
			N    int  `cbor:"n"`
			Fail bool `cbor:"fail"`
		}
		if err := codec.Unmarshal(raw, &req); err != nil {
			return err
		}
		for i := range req.N {
			if err := send(map[string]any{"i": i}); err != nil {
				return err
			}
		}
		if req.Fail {
			return fault.Conflictf("count", "capture stopped")
		}
		return nil
	})
	network, addr := startServer(t, s)
	c := dial(t, network, addr, "")

	st, err := c.Stream(context.Background(), "count", map[string]any{"n": 3})
	require.NoError(t, err)
	defer st.Close()
	for i := range 3 {
		var item struct {
			I int `cbor:"i"`
		}
		require.NoError(t, st.Recv(&item))
		assert.Equal(t, i, item.I)
	}
	assert.ErrorIs(t, st.Recv(nil), io.EOF)

	failing, err := c.Stream(context.Background(), "count", map[string]any{"n": 1, "fail": true})
	require.NoError(t, err)
	defer failing.Close()
	require.NoError(t, failing.Recv(nil))
	err = failing.Recv(nil)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, fault.Conflict, rerr.Kind)
}

func TestStreamStopsWhenClientHangsUp(t *testing.T) {
	stopped := make(chan struct{})
	s := NewServer("tcp", "127.0.0.1:0", "", zaptest.NewLogger(t))
	s.HandleStream("forever", func(ctx context.Context, raw []byte, send func(any) error) error {
		defer close(stopped)
		for {
			if err := send("tick"); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
	})
	network, addr := startServer(t, s)
	c := dial(t, network, addr, "")

	st, err := c.Stream(context.Background(), "forever", nil)
	require.NoError(t, err)
	var tick string
	require.NoError(t, st.Recv(&tick))
	assert.Equal(t, "tick", tick)
	require.NoError(t, st.Close())

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("stream handler kept running after hang-up")
	}
}

func TestOnCloseRunsWhenConnectionDrops(t *testing.T) {
	var closed atomic.Int32
	released := make(chan struct{})
	s := NewServer("tcp", "127.0.0.1:0", "", zaptest.NewLogger(t))
	s.Handle("bind", func(ctx context.Context, raw []byte) (any, error) {
		ok := OnClose(ctx, func() {
			closed.Add(1)
			close(released)
		})
		return map[string]any{"bound": ok, "remote": RemoteAddr(ctx) != ""}, nil
	})
	network, addr := startServer(t, s)

	c, err := Dial(context.Background(), network, addr, "")
	require.NoError(t, err)
	var out struct {
		Bound  bool `cbor:"bound"`
		Remote bool `cbor:"remote"`
	}
	require.NoError(t, c.Call(context.Background(), "bind", nil, &out))
	assert.True(t, out.Bound)
	assert.True(t, out.Remote)
	assert.Zero(t, closed.Load())

	require.NoError(t, c.Close())
	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("close hook did not run")
	}
	assert.EqualValues(t, 1, closed.Load())
}

func TestIdleConnectionIsClosed(t *testing.T) {
	released := make(chan struct{})
	s := NewServer("tcp", "127.0.0.1:0", "", zaptest.NewLogger(t))
	s.SetIdleTimeout(200 * time.Millisecond)
	s.Handle("bind", func(ctx context.Context, raw []byte) (any, error) {
		OnClose(ctx, func() { close(released) })
		return nil, nil
	})
	network, addr := startServer(t, s)

	c := dial(t, network, addr, "")
	require.NoError(t, c.Call(context.Background(), "bind", nil, nil))
	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("idle connection was not closed")
	}
}

func TestOnCloseOutsideConnection(t *testing.T) {
	assert.False(t, OnClose(context.Background(), func() {}))
}

func TestUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpc.sock")
	s := NewServer("unix", path, "", zaptest.NewLogger(t))
	s.Handle("ping", func(ctx context.Context, raw []byte) (any, error) {
		return "pong", nil
	})
	network, addr := startServer(t, s)
	assert.Equal(t, "unix", network)

	c := dial(t, network, addr, "")
	var out string
	require.NoError(t, c.Call(context.Background(), "ping", nil, &out))
	assert.Equal(t, "pong", out)
}

func TestCallHonorsContext(t *testing.T) {
	s := NewServer("tcp", "127.0.0.1:0", "", zaptest.NewLogger(t))
	s.Handle("slow", func(ctx context.Context, raw []byte) (any, error) {
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
		return nil, nil
	})
	network, addr := startServer(t, s)
	c := dial(t, network, addr, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Call(ctx, "slow", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// A client whose call was cut off has to reconnect.
	assert.ErrorIs(t, c.Call(context.Background(), "slow", nil, nil), net.ErrClosed)
}
