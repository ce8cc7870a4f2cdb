package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"deskpilot/internal/types"
)

// ErrClosed ends a subscription whose stream stopped normally.
var ErrClosed = errors.New("stream closed")

// Broadcast fans encoded frames out to any number of subscribers. Each
// subscriber has its own bounded backlog; when it is full the oldest
// unread frame is dropped for that subscriber only. Publish never blocks.
type Broadcast struct {
	capacity int

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
	err    error
}

func NewBroadcast(capacity int) *Broadcast {
	if capacity < 1 {
		capacity = 1
	}
	return &Broadcast{capacity: capacity, subs: make(map[*Subscription]struct{})}
}

// Subscribe attaches a new receiver. Subscribing to a closed broadcast
// yields a subscription that immediately reports the close error.
func (b *Broadcast) Subscribe() *Subscription {
	s := &Subscription{
		b:      b,
		buf:    make([]*types.EncodedFrame, 0, b.capacity),
		notify: make(chan struct{}, 1),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		s.err = b.err
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish hands f to every subscriber. f must not be modified afterwards.
func (b *Broadcast) Publish(f *types.EncodedFrame) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	for s := range b.subs {
		s.push(f, b.capacity)
	}
	return len(b.subs)
}

// Close ends every subscription. A nil err means a clean stop.
func (b *Broadcast) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.err = err
	for s := range b.subs {
		s.end(err)
	}
	b.subs = nil
}

func (b *Broadcast) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Lagged is the total number of frames dropped across live subscribers.
func (b *Broadcast) Lagged() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n uint64
	for s := range b.subs {
		n += s.lagged.Load()
	}
	return n
}

func (b *Broadcast) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

// Subscription is one receiver's view of a Broadcast.
type Subscription struct {
	b      *Broadcast
	notify chan struct{}
	lagged atomic.Uint64

	mu     sync.Mutex
	buf    []*types.EncodedFrame
	closed bool
	err    error
}

func (s *Subscription) push(f *types.EncodedFrame, capacity int) {
	s.mu.Lock()
	if len(s.buf) >= capacity {
		copy(s.buf, s.buf[1:])
		s.buf = s.buf[:len(s.buf)-1]
		s.lagged.Add(1)
	}
	s.buf = append(s.buf, f)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) end(err error) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.err = err
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the oldest unread frame, waiting for one if needed. Frames
// still buffered when the stream closes are delivered before the close
// error.
func (s *Subscription) Next(ctx context.Context) (*types.EncodedFrame, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			f := s.buf[0]
			copy(s.buf, s.buf[1:])
			s.buf[len(s.buf)-1] = nil
			s.buf = s.buf[:len(s.buf)-1]
			s.mu.Unlock()
			return f, nil
		}
		if s.closed {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Lagged is the number of frames this subscriber lost to overflow.
func (s *Subscription) Lagged() uint64 { return s.lagged.Load() }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.b.remove(s)
	s.end(ErrClosed)
}
