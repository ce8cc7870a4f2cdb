// Package notify posts desktop notifications so the person at the machine
// can see when automated control starts and stops.
package notify

import (
	"fmt"
	"sync"

	"deskpilot/internal/types"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	AppName = "deskpilot"

	busName    = "org.freedesktop.Notifications"
	objectPath = dbus.ObjectPath("/org/freedesktop/Notifications")
	method     = busName + ".Notify"
)

// Style is how a level is rendered by the notification daemon.
type Style struct {
	Urgency  byte
	Icon     string
	ExpireMs int32
}

// StyleFor maps a level to freedesktop urgency (0 low, 1 normal,
// 2 critical), an icon name and an expiry.
func StyleFor(level types.NotifyLevel) Style {
	switch level {
	case types.NotifySuccess:
		return Style{Urgency: 1, Icon: "emblem-ok", ExpireMs: 5000}
	case types.NotifyWarning:
		return Style{Urgency: 1, Icon: "dialog-warning", ExpireMs: 8000}
	case types.NotifyError:
		return Style{Urgency: 2, Icon: "dialog-error", ExpireMs: 10000}
	default:
		return Style{Urgency: 0, Icon: "dialog-information", ExpireMs: 5000}
	}
}

func levelName(level types.NotifyLevel) string {
	switch level {
	case types.NotifySuccess:
		return "success"
	case types.NotifyWarning:
		return "warning"
	case types.NotifyError:
		return "error"
	default:
		return "info"
	}
}

// caller is the subset of dbus.BusObject used here.
type caller interface {
	Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// DBus sends notifications to the session bus and logs every one of them.
// A failed send is logged and reported, never fatal.
type DBus struct {
	conn   *dbus.Conn
	obj    caller
	app    string
	logger *zap.Logger

	mu   sync.Mutex
	last uint32
}

func NewDBus(app string, logger *zap.Logger) (*DBus, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("notify: session bus: %w", err)
	}
	return &DBus{
		conn:   conn,
		obj:    conn.Object(busName, objectPath),
		app:    app,
		logger: logger,
	}, nil
}

func (n *DBus) Notify(level types.NotifyLevel, title, body string) error {
	logNotification(n.logger, level, title, body)

	st := StyleFor(level)
	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(st.Urgency),
	}
	app := n.app
	if app == "" {
		app = AppName
	}
	var id uint32
	call := n.obj.Call(method, 0,
		app, uint32(0), st.Icon, title, body, []string{}, hints, st.ExpireMs)
	if call.Err != nil {
		return fmt.Errorf("notify: %w", call.Err)
	}
	if err := call.Store(&id); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	n.mu.Lock()
	n.last = id
	n.mu.Unlock()
	return nil
}

func (n *DBus) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Close()
}

// Log only writes notifications to the log.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log { return &Log{logger: logger} }

func (n *Log) Notify(level types.NotifyLevel, title, body string) error {
	logNotification(n.logger, level, title, body)
	return nil
}

func logNotification(logger *zap.Logger, level types.NotifyLevel, title, body string) {
	fields := []zap.Field{
		zap.String("level", levelName(level)),
		zap.String("title", title),
		zap.String("body", body),
	}
	switch level {
	case types.NotifyError:
		logger.Error("notification", fields...)
	case types.NotifyWarning:
		logger.Warn("notification", fields...)
	default:
		logger.Info("notification", fields...)
	}
}

// New returns a D-Bus notifier when enabled and a session bus is
// reachable, otherwise a log-only one.
func New(enabled bool, app string, logger *zap.Logger) types.Notifier {
	if !enabled {
		return NewLog(logger)
	}
	n, err := NewDBus(app, logger)
	if err != nil {
		logger.Warn("desktop notifications unavailable, logging only", zap.Error(err))
		return NewLog(logger)
	}
	return n
}
