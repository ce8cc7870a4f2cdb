package inputlock

import (
	"context"
	"time"

	"deskpilot/internal/types"

	"go.uber.org/zap"
)

// Watch runs the lock watchdog until ctx is cancelled. Every interval it
// checks whether the lock outlived its timeout and, if so, forces an
// emergency unlock.
func (c *Controller) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			c.checkTimeout(ctx, now)
		}
	}
}

// checkTimeout reports whether it released an expired lock.
func (c *Controller) checkTimeout(ctx context.Context, now time.Time) bool {
	c.mu.RLock()
	locked, at, timeout := c.locked, c.lockedAt, c.timeout
	c.mu.RUnlock()
	if !locked || now.Sub(at) <= timeout {
		return false
	}
	return c.releaseExpired(ctx, at, now)
}

// releaseExpired force-unlocks only if the lock taken at at is still the
// one held. An unlock and relock in between leaves the new lock alone.
func (c *Controller) releaseExpired(ctx context.Context, at, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.locked || !c.lockedAt.Equal(at) {
		return false
	}

	held := now.Sub(at).Round(time.Second)
	c.logger.Error("input lock exceeded timeout",
		zap.Duration("held", held),
		zap.Duration("timeout", c.timeout))
	c.notify(types.NotifyError, "Input lock timed out",
		"Automated control held the keyboard and mouse for "+held.String()+"; releasing them.")

	if err := c.emergencyUnlockLocked(ctx, "lock timeout"); err != nil {
		c.logger.Error("watchdog unlock failed", zap.Error(err))
		return false
	}
	return true
}
