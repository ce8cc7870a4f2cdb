package rpc

import (
	"context"
	"sync"
)

type connKey struct{}

// connState belongs to one client connection.
type connState struct {
	remote string

	mu     sync.Mutex
	closed bool
	hooks  []func()
}

func connFrom(ctx context.Context) *connState {
	cs, _ := ctx.Value(connKey{}).(*connState)
	if cs == nil {
		return &connState{}
	}
	return cs
}

func (c *connState) close() {
	c.mu.Lock()
	hooks := c.hooks
	c.hooks, c.closed = nil, true
	c.mu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

// OnClose registers fn to run when the connection serving ctx goes away,
// for whatever reason. It reports false, without registering, when ctx
// does not come from a server connection or the connection is already
// gone.
func OnClose(ctx context.Context, fn func()) bool {
	cs, _ := ctx.Value(connKey{}).(*connState)
	if cs == nil {
		return false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return false
	}
	cs.hooks = append(cs.hooks, fn)
	return true
}

// RemoteAddr is the peer address of the connection serving ctx.
func RemoteAddr(ctx context.Context) string {
	return connFrom(ctx).remote
}
