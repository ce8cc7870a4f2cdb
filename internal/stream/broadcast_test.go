package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"deskpilot/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(seq uint64) *types.EncodedFrame {
	return &types.EncodedFrame{Sequence: seq, Width: 1, Height: 1, Data: []byte{1}}
}

func TestBroadcastDropsOldestPerSubscriber(t *testing.T) {
	b := NewBroadcast(3)
	slow := b.Subscribe()
	fast := b.Subscribe()
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		assert.Equal(t, 2, b.Publish(frame(i)))
		f, err := fast.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, f.Sequence)
	}

	assert.Equal(t, uint64(2), slow.Lagged())
	assert.Equal(t, uint64(0), fast.Lagged())
	assert.Equal(t, uint64(2), b.Lagged())

	for _, want := range []uint64{3, 4, 5} {
		f, err := slow.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, f.Sequence)
	}
}

func TestBroadcastNextWaits(t *testing.T) {
	b := NewBroadcast(2)
	s := b.Subscribe()

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Publish(frame(9))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), f.Sequence)
}

func TestBroadcastNextHonorsContext(t *testing.T) {
	b := NewBroadcast(2)
	s := b.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBroadcastCloseDeliversBacklogThenError(t *testing.T) {
	b := NewBroadcast(4)
	s := b.Subscribe()
	b.Publish(frame(1))

	boom := errors.New("display lost")
	b.Close(boom)
	b.Close(nil)

	f, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Sequence)

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, 0, b.Publish(frame(2)))
}

func TestSubscriptionCloseDetaches(t *testing.T) {
	b := NewBroadcast(1)
	s := b.Subscribe()
	assert.Equal(t, 1, b.Subscribers())

	s.Close()
	s.Close()
	assert.Equal(t, 0, b.Subscribers())

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
