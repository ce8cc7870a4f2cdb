package agent

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"deskpilot/internal/capture"
	"deskpilot/internal/fault"
	"deskpilot/internal/inputlock"
	"deskpilot/internal/stream"
	"deskpilot/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeDevices struct {
	mu       sync.Mutex
	floating map[int]bool
}

func (f *fakeDevices) Discover(context.Context) (types.InputDeviceRef, types.InputDeviceRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.InputDeviceRef{Kind: types.DeviceKeyboard, ID: 10, MasterID: 3, Floating: f.floating[10]},
		types.InputDeviceRef{Kind: types.DevicePointer, ID: 11, MasterID: 2, Floating: f.floating[11]}, nil
}

func (f *fakeDevices) Float(_ context.Context, d types.InputDeviceRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.floating[d.ID] = true
	return nil
}

func (f *fakeDevices) Reattach(_ context.Context, d types.InputDeviceRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.floating[d.ID] = false
	return nil
}

type fixture struct {
	mgr  *Manager
	lock *inputlock.Controller
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	capMgr := capture.NewManager(func() (types.Capturer, error) {
		return capture.NewSynthetic(320, 240), nil
	}, nil, logger)
	lock := inputlock.New(&fakeDevices{floating: map[int]bool{}}, inputlock.Options{
		Backoff: time.Millisecond,
		Logger:  logger,
	})
	if opts.Streamer == nil {
		opts.Streamer = capMgr
	}
	opts.Lock = lock
	opts.Logger = logger
	if opts.StreamOptions.FPS == 0 {
		opts.StreamOptions = stream.Options{FPS: 50}
	}
	m := NewManager(opts)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return fixture{mgr: m, lock: lock}
}

func TestPairingCodeFormat(t *testing.T) {
	re := regexp.MustCompile(`^[A-Z]{3}-[0-9]{3}$`)
	for i := 0; i < 20; i++ {
		assert.Regexp(t, re, NewPairingCode())
	}
}

func TestRegisterAndLifecycle(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	a, err := f.mgr.Register(ctx, "session-1", "wss://hub.example", "")
	require.NoError(t, err)
	assert.Regexp(t, `^agent-[0-9a-f-]{36}$`, a.ID)
	assert.Equal(t, StateConnected, a.State())

	id, err := f.mgr.StartCapture(ctx, a.ID, types.CaptureConfig{Format: types.FormatJPEG})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, StateCapturing, a.State())

	st, err := f.mgr.Status(a.ID)
	require.NoError(t, err)
	assert.True(t, st.Capturing)
	require.NotNil(t, st.Stream)

	require.NoError(t, f.mgr.StopCapture(a.ID))
	assert.Equal(t, StateConnected, a.State())

	require.NoError(t, f.mgr.Unregister(ctx, a.ID))
	assert.Equal(t, StateDisconnected, a.State())
	_, err = f.mgr.Get(a.ID)
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestNoDoubleCapture(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a, err := f.mgr.Register(ctx, "s", "", "")
	require.NoError(t, err)

	_, err = f.mgr.StartCapture(ctx, a.ID, types.CaptureConfig{})
	require.NoError(t, err)
	_, err = f.mgr.StartCapture(ctx, a.ID, types.CaptureConfig{})
	require.Error(t, err)
	assert.Equal(t, fault.Conflict, fault.KindOf(err))
	assert.Contains(t, err.Error(), "already active")
}

func TestStopWithoutCaptureSucceeds(t *testing.T) {
	f := newFixture(t, Options{})
	a, err := f.mgr.Register(context.Background(), "s", "", "")
	require.NoError(t, err)

	require.NoError(t, f.mgr.StopCapture(a.ID))
	require.NoError(t, f.mgr.StopCapture(a.ID))
	assert.Equal(t, StateConnected, a.State())

	_, err = f.mgr.Subscribe(a.ID)
	assert.Equal(t, fault.Conflict, fault.KindOf(err))
}

// slowStreamer takes delay to start, ignoring the caller's deadline the
// way a blocking capturer does.
type slowStreamer struct {
	delay   time.Duration
	inner   Streamer
	mu      sync.Mutex
	started []*stream.Pipeline
}

func (s *slowStreamer) StartStream(_ context.Context, cfg types.CaptureConfig, opts stream.Options) (*stream.Pipeline, error) {
	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	time.Sleep(delay)
	p, err := s.inner.StartStream(context.Background(), cfg, opts)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.started = append(s.started, p)
	s.mu.Unlock()
	return p, nil
}

func (s *slowStreamer) setDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

func TestStartPastDeadlineIsDiscarded(t *testing.T) {
	logger := zaptest.NewLogger(t)
	slow := &slowStreamer{
		delay: 300 * time.Millisecond,
		inner: capture.NewManager(func() (types.Capturer, error) {
			return capture.NewSynthetic(32, 32), nil
		}, nil, logger),
	}
	f := newFixture(t, Options{Streamer: slow})
	a, err := f.mgr.Register(context.Background(), "s", "", "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = f.mgr.StartCapture(ctx, a.ID, types.CaptureConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, StateConnected, a.State())
	st, err := f.mgr.Status(a.ID)
	require.NoError(t, err)
	assert.False(t, st.Capturing)

	slow.mu.Lock()
	require.Len(t, slow.started, 1)
	late := slow.started[0]
	slow.mu.Unlock()
	select {
	case <-late.Done():
	case <-time.After(time.Second):
		t.Fatal("late pipeline still running")
	}

	// A retry is not blocked by the discarded start.
	slow.setDelay(0)
	_, err = f.mgr.StartCapture(context.Background(), a.ID, types.CaptureConfig{})
	require.NoError(t, err)
	assert.Equal(t, StateCapturing, a.State())
}

func TestSubscribeReceivesFrames(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a, err := f.mgr.Register(ctx, "s", "", "")
	require.NoError(t, err)
	_, err = f.mgr.StartCapture(ctx, a.ID, types.CaptureConfig{Format: types.FormatRawLZ4})
	require.NoError(t, err)

	sub, err := f.mgr.Subscribe(a.ID)
	require.NoError(t, err)
	defer sub.Close()

	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	fr, err := sub.Next(rctx)
	require.NoError(t, err)
	assert.Equal(t, 320, fr.Width)

	obs, ok := f.mgr.SubscribeActive()
	require.True(t, ok)
	obs.Close()

	// Stopping ends the subscription.
	require.NoError(t, f.mgr.StopCapture(a.ID))
	for {
		_, err = sub.Next(rctx)
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, stream.ErrClosed)
}

func TestDisconnectReleasesLock(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a, err := f.mgr.Register(ctx, "s", "", "")
	require.NoError(t, err)
	_, err = f.mgr.StartCapture(ctx, a.ID, types.CaptureConfig{})
	require.NoError(t, err)
	require.NoError(t, f.lock.Lock(ctx))

	f.mgr.Disconnect(ctx, "transport closed")

	assert.False(t, f.lock.Locked())
	assert.Equal(t, StateDisconnected, a.State())
	assert.Nil(t, f.mgr.Current())
}

func TestRegisterReplacesPrevious(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first, err := f.mgr.Register(ctx, "one", "", "")
	require.NoError(t, err)
	require.NoError(t, f.lock.Lock(ctx))

	second, err := f.mgr.Register(ctx, "two", "", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, StateDisconnected, first.State())
	assert.False(t, f.lock.Locked())
	assert.Equal(t, second, f.mgr.Current())
}

func TestPairingRequired(t *testing.T) {
	f := newFixture(t, Options{RequirePairing: true})
	ctx := context.Background()

	_, err := f.mgr.Register(ctx, "s", "", "AAA-000-wrong")
	assert.Equal(t, fault.Validation, fault.KindOf(err))

	code := f.mgr.PairingCode()
	_, err = f.mgr.Register(ctx, "s", "", " "+code+" ")
	require.NoError(t, err)
}

func TestHeartbeatTimeout(t *testing.T) {
	f := newFixture(t, Options{HeartbeatTimeout: 30 * time.Second})
	ctx := context.Background()
	a, err := f.mgr.Register(ctx, "s", "", "")
	require.NoError(t, err)
	require.NoError(t, f.lock.Lock(ctx))

	ts, err := f.mgr.Heartbeat(a.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Second)

	assert.False(t, f.mgr.checkHeartbeat(ctx, time.Now().Add(10*time.Second)))
	assert.True(t, f.mgr.checkHeartbeat(ctx, time.Now().Add(31*time.Second)))
	assert.Equal(t, StateDisconnected, a.State())
	assert.False(t, f.lock.Locked())

	_, err = f.mgr.Heartbeat(a.ID)
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestMonitorDisconnectsSilentAgent(t *testing.T) {
	f := newFixture(t, Options{HeartbeatTimeout: 300 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := f.mgr.Register(ctx, "s", "", "")
	require.NoError(t, err)

	go f.mgr.Monitor(ctx)
	assert.Eventually(t, func() bool { return a.State() == StateDisconnected }, 3*time.Second, 20*time.Millisecond)
}

func TestDropIgnoresReplacedAgent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	first, err := f.mgr.Register(ctx, "a", "", "")
	require.NoError(t, err)
	second, err := f.mgr.Register(ctx, "b", "", "")
	require.NoError(t, err)

	f.mgr.Drop(ctx, first.ID, "connection closed")
	assert.Equal(t, StateConnected, second.State())

	f.mgr.Drop(ctx, second.ID, "connection closed")
	assert.Equal(t, StateDisconnected, second.State())
	assert.Nil(t, f.mgr.Current())
}
