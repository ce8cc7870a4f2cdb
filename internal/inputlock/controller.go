// Package inputlock arbitrates the physical keyboard and mouse between a
// human and the automated controller. Locking floats the physical devices
// off their masters; synthetic input keeps working because it enters
// through the XTEST devices.
package inputlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"deskpilot/internal/fault"
	"deskpilot/internal/types"

	"go.uber.org/zap"
)

const (
	DefaultTimeout          = 5 * time.Minute
	DefaultWatchdogInterval = 5 * time.Second
	DefaultAttempts         = 3
	DefaultBackoff          = 100 * time.Millisecond
)

// ControlMode says who is driving the desktop.
type ControlMode string

const (
	ModeIdle      ControlMode = "idle"
	ModeAutomated ControlMode = "automated"
	ModeHuman     ControlMode = "human"
)

// State is a snapshot of the lock. LockedAt is non-nil exactly when
// Locked is true.
type State struct {
	Locked      bool                  `cbor:"locked" json:"locked"`
	LockedAt    *time.Time            `cbor:"locked_at,omitempty" json:"locked_at,omitempty"`
	LockTimeout time.Duration         `cbor:"lock_timeout" json:"lock_timeout"`
	Mode        ControlMode           `cbor:"control_mode" json:"control_mode"`
	Keyboard    *types.InputDeviceRef `cbor:"keyboard,omitempty" json:"keyboard,omitempty"`
	Pointer     *types.InputDeviceRef `cbor:"pointer,omitempty" json:"pointer,omitempty"`
}

// LockedFor is how long the lock has been held, zero when unlocked.
func (s State) LockedFor(now time.Time) time.Duration {
	if s.LockedAt == nil {
		return 0
	}
	return now.Sub(*s.LockedAt)
}

type Options struct {
	Timeout  time.Duration
	Attempts int
	// Backoff is the delay after the first failed attempt; it doubles
	// after each further failure.
	Backoff  time.Duration
	Notifier types.Notifier
	Logger   *zap.Logger
}

// Controller owns the lock state. Every transition holds the write lock
// for its whole duration, so lock, unlock, the watchdog and emergency
// unlock never interleave.
type Controller struct {
	devices  types.DeviceController
	notifier types.Notifier
	logger   *zap.Logger
	attempts int
	backoff  time.Duration

	mu       sync.RWMutex
	locked   bool
	lockedAt time.Time
	timeout  time.Duration
	mode     ControlMode
	keyboard types.InputDeviceRef
	pointer  types.InputDeviceRef
}

func New(devices types.DeviceController, opts Options) *Controller {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	return &Controller{
		devices:  devices,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		attempts: opts.Attempts,
		backoff:  opts.Backoff,
		timeout:  opts.Timeout,
		mode:     ModeIdle,
	}
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := State{
		Locked:      c.locked,
		LockTimeout: c.timeout,
		Mode:        c.mode,
	}
	if c.locked {
		at := c.lockedAt
		s.LockedAt = &at
		kb, ptr := c.keyboard, c.pointer
		s.Keyboard, s.Pointer = &kb, &ptr
	}
	return s
}

func (c *Controller) Locked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.locked
}

// SetLockTimeout changes the timeout applied by the watchdog, including
// to a lock that is already held.
func (c *Controller) SetLockTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Lock discovers the devices, floats them and records their masters.
// Locking while locked is a no-op.
func (c *Controller) Lock(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locked {
		c.logger.Debug("input already locked")
		return nil
	}

	// Always rediscover: ids change across hotplug and both slave and
	// master ids are needed later.
	kb, ptr, err := c.devices.Discover(ctx)
	if err != nil {
		return err
	}

	if err := c.retry(ctx, "float keyboard", func() error { return c.devices.Float(ctx, kb) }); err != nil {
		return err
	}
	kb.Floating = true

	if err := c.retry(ctx, "float pointer", func() error { return c.devices.Float(ctx, ptr) }); err != nil {
		if rerr := c.retry(ctx, "reattach keyboard", func() error { return c.devices.Reattach(ctx, kb) }); rerr != nil {
			c.logger.Error("keyboard left floating after failed lock", zap.Int("id", kb.ID), zap.Error(rerr))
			c.keyboard = kb
			c.locked = true
			c.lockedAt = time.Now()
			c.mode = ModeAutomated
			return fault.Safetyf("lock", "pointer float failed (%v) and keyboard could not be restored (%v)", err, rerr)
		}
		return err
	}
	ptr.Floating = true

	c.keyboard, c.pointer = kb, ptr
	c.locked = true
	c.lockedAt = time.Now()
	c.mode = ModeAutomated

	c.logger.Info("input locked",
		zap.Int("keyboard", kb.ID),
		zap.Int("keyboard_master", kb.MasterID),
		zap.Int("pointer", ptr.ID),
		zap.Int("pointer_master", ptr.MasterID),
		zap.Duration("timeout", c.timeout))
	c.notify(types.NotifyWarning, "Automated control active",
		fmt.Sprintf("Keyboard and mouse are locked. Press Ctrl+Alt+Shift+U to take back control. Auto-release in %s.", c.timeout))
	return nil
}

// Unlock reattaches the devices to their recorded masters. It succeeds
// without changes when nothing is locked.
func (c *Controller) Unlock(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasLocked := c.locked
	if err := c.unlockLocked(ctx); err != nil {
		return err
	}
	if wasLocked {
		c.notify(types.NotifySuccess, "Human control restored", "Keyboard and mouse have been returned to you.")
	}
	return nil
}

// EmergencyUnlock forces an unlock regardless of state and surfaces it as
// a notification. It is used by the operator, the watchdog, the hotkey
// and disconnect handling.
func (c *Controller) EmergencyUnlock(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emergencyUnlockLocked(ctx, reason)
}

func (c *Controller) emergencyUnlockLocked(ctx context.Context, reason string) error {
	wasLocked := c.locked
	c.logger.Error("emergency unlock", zap.String("reason", reason), zap.Bool("was_locked", wasLocked))

	err := c.unlockLocked(ctx)
	if err != nil {
		c.notify(types.NotifyError, "Emergency unlock failed", fmt.Sprintf("%s: %v", reason, err))
		return fault.Wrap(fault.SafetyFault, "emergency_unlock", err)
	}
	if wasLocked {
		c.notify(types.NotifyWarning, "Emergency unlock", fmt.Sprintf("Input released: %s.", reason))
	}
	return nil
}

// unlockLocked must be called with the write lock held.
func (c *Controller) unlockLocked(ctx context.Context) error {
	kb, ptr, derr := c.devices.Discover(ctx)
	if derr != nil {
		if !c.locked {
			c.logger.Debug("unlock with nothing locked; discovery failed", zap.Error(derr))
			return nil
		}
		// Fall back to what lock recorded.
		c.logger.Warn("device discovery failed during unlock, using recorded devices", zap.Error(derr))
		kb, ptr = c.keyboard, c.pointer
	}
	if c.locked {
		kb = merge(c.keyboard, kb)
		ptr = merge(c.pointer, ptr)
	}

	var errs []error
	for _, dev := range []types.InputDeviceRef{kb, ptr} {
		if !dev.Floating || dev.ID == 0 {
			continue
		}
		d := dev
		if err := c.retry(ctx, "reattach "+string(d.Kind), func() error { return c.devices.Reattach(ctx, d) }); err != nil {
			errs = append(errs, err)
			continue
		}
		if d.Kind == types.DeviceKeyboard {
			c.keyboard.Floating = false
		} else {
			c.pointer.Floating = false
		}
	}
	if len(errs) > 0 {
		// Still locked: the watchdog will try again.
		return fmt.Errorf("unlock: %w", errors.Join(errs...))
	}

	if c.locked {
		c.logger.Info("input unlocked", zap.Duration("held", time.Since(c.lockedAt)))
		c.mode = ModeHuman
	}
	c.locked = false
	c.lockedAt = time.Time{}
	c.keyboard, c.pointer = types.InputDeviceRef{}, types.InputDeviceRef{}
	return nil
}

// merge prefers the device recorded at lock time and fills in a master id
// from fresh discovery when the record lacks one.
func merge(recorded, discovered types.InputDeviceRef) types.InputDeviceRef {
	if recorded.ID == 0 {
		return discovered
	}
	out := recorded
	out.Floating = true
	if out.MasterID == 0 && discovered.ID == recorded.ID {
		out.MasterID = discovered.MasterID
	}
	return out
}

func (c *Controller) retry(ctx context.Context, what string, fn func() error) error {
	delay := c.backoff
	var err error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		c.logger.Warn("input device operation failed",
			zap.String("op", what),
			zap.Int("attempt", attempt),
			zap.Int("of", c.attempts),
			zap.Error(err))
		if attempt == c.attempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		}
		delay *= 2
	}
	return fmt.Errorf("%s failed after %d attempts: %w", what, c.attempts, err)
}

func (c *Controller) notify(level types.NotifyLevel, title, body string) {
	if err := c.notifier.Notify(level, title, body); err != nil {
		c.logger.Debug("notification failed", zap.String("title", title), zap.Error(err))
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(types.NotifyLevel, string, string) error { return nil }
