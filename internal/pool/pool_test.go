package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"deskpilot/internal/fault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDoReturnsResult(t *testing.T) {
	p := New(2, 4, zaptest.NewLogger(t))
	defer p.Close()

	v, err := Call(context.Background(), p, "answer", time.Second, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	boom := errors.New("boom")
	err = p.Do(context.Background(), "fail", time.Second, func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestDoBoundsConcurrency(t *testing.T) {
	const workers = 3
	p := New(workers, 32, zaptest.NewLogger(t))
	defer p.Close()

	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Do(context.Background(), "slow", 5*time.Second, func(ctx context.Context) error {
				n := inFlight.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(workers))
	assert.Equal(t, uint64(12), p.Stats().Completed)
}

func TestDoTimeout(t *testing.T) {
	p := New(1, 1, zaptest.NewLogger(t))
	defer p.Close()

	start := time.Now()
	err := p.Do(context.Background(), "hang", 50*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, fault.Timeout, fault.KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, uint64(1), p.Stats().Timeouts)
}

func TestDoParentCancelIsNotTimeout(t *testing.T) {
	p := New(1, 1, zaptest.NewLogger(t))
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Do(ctx, "cancelled", time.Second, func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotEqual(t, fault.Timeout, fault.KindOf(err))
}

func TestDoRecoversPanic(t *testing.T) {
	p := New(1, 1, zaptest.NewLogger(t))
	defer p.Close()

	err := p.Do(context.Background(), "explode", time.Second, func(ctx context.Context) error {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Equal(t, fault.Platform, fault.KindOf(err))
	assert.Contains(t, err.Error(), "kaboom")

	// the worker survives
	err = p.Do(context.Background(), "after", time.Second, func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), p.Stats().Panics)
}

func TestCloseRejectsNewCalls(t *testing.T) {
	p := New(1, 0, zaptest.NewLogger(t))
	p.Close()
	p.Close()
	err := p.Do(context.Background(), "late", time.Second, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}
