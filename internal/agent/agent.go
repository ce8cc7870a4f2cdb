// Package agent holds the session-scoped state of the one controller
// currently driving this machine: its lifecycle, its capture session and
// its liveness.
package agent

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"deskpilot/internal/fault"
	"deskpilot/internal/stream"
	"deskpilot/internal/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type State string

const (
	StateInitializing State = "initializing"
	StateConnected    State = "connected"
	StateCapturing    State = "capturing"
	StateDisconnected State = "disconnected"
)

const DefaultHeartbeatTimeout = 30 * time.Second

// Streamer starts capture pipelines.
type Streamer interface {
	StartStream(ctx context.Context, cfg types.CaptureConfig, opts stream.Options) (*stream.Pipeline, error)
}

// Unlocker is the part of the input lock a disconnect needs.
type Unlocker interface {
	Locked() bool
	EmergencyUnlock(ctx context.Context, reason string) error
}

// Agent is one registered controller session.
type Agent struct {
	ID        string
	SessionID string
	HubURL    string
	CreatedAt time.Time

	mu            sync.RWMutex
	state         State
	pipeline      *stream.Pipeline
	captureID     string
	lastHeartbeat time.Time
}

func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) LastHeartbeat() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastHeartbeat
}

// Status is what get_status reports.
type Status struct {
	AgentID   string        `cbor:"agent_id" json:"agent_id"`
	State     State         `cbor:"state" json:"state"`
	Capturing bool          `cbor:"capturing" json:"capturing"`
	CaptureID string        `cbor:"capture_id,omitempty" json:"capture_id,omitempty"`
	Stream    *stream.Stats `cbor:"stream,omitempty" json:"stream,omitempty"`
}

type Options struct {
	Streamer         Streamer
	Lock             Unlocker
	Notifier         types.Notifier
	StreamOptions    stream.Options
	HeartbeatTimeout time.Duration
	RequirePairing   bool
	Logger           *zap.Logger
}

// Manager owns the single active agent. Registering a new agent
// disconnects the previous one first.
type Manager struct {
	streamer    Streamer
	lock        Unlocker
	notifier    types.Notifier
	streamOpts  stream.Options
	timeout     time.Duration
	requirePair bool
	pairing     string
	logger      *zap.Logger

	mu      sync.RWMutex
	current *Agent
}

func NewManager(opts Options) *Manager {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	m := &Manager{
		streamer:    opts.Streamer,
		lock:        opts.Lock,
		notifier:    opts.Notifier,
		streamOpts:  opts.StreamOptions,
		timeout:     opts.HeartbeatTimeout,
		requirePair: opts.RequirePairing,
		pairing:     NewPairingCode(),
		logger:      opts.Logger,
	}
	return m
}

// PairingCode is the code a controller must present when pairing is
// required.
func (m *Manager) PairingCode() string { return m.pairing }

// NewPairingCode returns a code like "KQX-482".
func NewPairingCode() string {
	const letters = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	var b strings.Builder
	for i := 0; i < 3; i++ {
		b.WriteByte(letters[randInt(len(letters))])
	}
	b.WriteByte('-')
	for i := 0; i < 3; i++ {
		b.WriteByte(byte('0' + randInt(10)))
	}
	return b.String()
}

func randInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(err)
	}
	return int(v.Int64())
}

// Register creates the agent for a new controller session.
func (m *Manager) Register(ctx context.Context, sessionID, hubURL, pairingCode string) (*Agent, error) {
	if m.requirePair {
		got := strings.ToUpper(strings.TrimSpace(pairingCode))
		if subtle.ConstantTimeCompare([]byte(got), []byte(m.pairing)) != 1 {
			return nil, fault.Validationf("register_agent", "invalid pairing code")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev := m.current; prev != nil {
		m.logger.Info("replacing active agent", zap.String("agent_id", prev.ID))
		m.disconnectLocked(ctx, prev, "replaced by a new registration")
	}

	now := time.Now()
	a := &Agent{
		ID:            "agent-" + uuid.NewString(),
		SessionID:     sessionID,
		HubURL:        hubURL,
		CreatedAt:     now,
		lastHeartbeat: now,
		// The registering connection is the hub link, so registration
		// completes the Initializing step.
		state: StateConnected,
	}
	m.current = a

	m.logger.Info("agent registered",
		zap.String("agent_id", a.ID),
		zap.String("session_id", sessionID),
		zap.String("hub_url", hubURL))
	m.notify(types.NotifyInfo, "Controller connected", "A remote controller has connected to this desktop.")
	return a, nil
}

// Get returns the active agent with the given id.
func (m *Manager) Get(agentID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(agentID)
}

func (m *Manager) getLocked(agentID string) (*Agent, error) {
	if agentID == "" {
		return nil, fault.Validationf("agent", "agent_id is required")
	}
	if m.current == nil || m.current.ID != agentID {
		return nil, fault.NotFoundf("agent", "agent %s not registered", agentID)
	}
	return m.current, nil
}

// Current returns the active agent, or nil.
func (m *Manager) Current() *Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) Unregister(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.getLocked(agentID)
	if err != nil {
		return err
	}
	m.disconnectLocked(ctx, a, "unregistered")
	return nil
}

// Disconnect tears down the active agent after a transport failure.
func (m *Manager) Disconnect(ctx context.Context, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.disconnectLocked(ctx, m.current, reason)
	}
}

// Drop disconnects agentID when its transport goes away. Nothing happens
// if another agent has replaced it since.
func (m *Manager) Drop(ctx context.Context, agentID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.ID == agentID {
		m.disconnectLocked(ctx, m.current, reason)
	}
}

// disconnectLocked moves a to Disconnected, stopping its capture and
// releasing a held input lock. Work in flight is abandoned.
func (m *Manager) disconnectLocked(ctx context.Context, a *Agent, reason string) {
	a.mu.Lock()
	if a.state == StateDisconnected {
		a.mu.Unlock()
		return
	}
	p := a.pipeline
	a.pipeline, a.captureID = nil, ""
	a.state = StateDisconnected
	a.mu.Unlock()

	if p != nil {
		p.Stop()
	}
	if m.lock != nil && m.lock.Locked() {
		m.logger.Error("controller disconnected while input locked",
			zap.String("agent_id", a.ID),
			zap.String("reason", reason))
		if err := m.lock.EmergencyUnlock(ctx, "controller disconnected"); err != nil {
			m.logger.Error("unlock after disconnect failed", zap.Error(err))
		}
	}
	if m.current == a {
		m.current = nil
	}
	m.logger.Info("agent disconnected", zap.String("agent_id", a.ID), zap.String("reason", reason))
	m.notify(types.NotifyInfo, "Controller disconnected", "The remote controller has disconnected ("+reason+").")
}

// Heartbeat records liveness and returns the server time.
func (m *Manager) Heartbeat(agentID string) (time.Time, error) {
	a, err := m.Get(agentID)
	if err != nil {
		return time.Time{}, err
	}
	now := time.Now()
	a.mu.Lock()
	a.lastHeartbeat = now
	a.mu.Unlock()
	return now, nil
}

// StartCapture starts the agent's stream. Only one stream may run per
// agent.
func (m *Manager) StartCapture(ctx context.Context, agentID string, cfg types.CaptureConfig) (string, error) {
	a, err := m.Get(agentID)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case StateCapturing:
		return "", fault.Conflictf("start_capture", "capture %s already active for agent %s", a.captureID, a.ID)
	case StateDisconnected:
		return "", fault.NotFoundf("start_capture", "agent %s disconnected", a.ID)
	}

	p, err := m.streamer.StartStream(ctx, cfg, m.streamOpts)
	if err != nil {
		return "", err
	}
	// The caller already gave up; nothing may be left running.
	if err := ctx.Err(); err != nil {
		p.Stop()
		m.logger.Warn("capture started after deadline, discarded", zap.String("agent_id", a.ID))
		return "", fmt.Errorf("start_capture: %w", err)
	}
	a.pipeline = p
	a.captureID = "capture-" + uuid.NewString()
	a.state = StateCapturing
	go m.watchPipeline(a, p)

	pc := p.Config()
	m.logger.Info("capture started",
		zap.String("agent_id", a.ID),
		zap.String("capture_id", a.captureID),
		zap.String("mode", string(pc.Mode)),
		zap.String("format", string(pc.Format)),
		zap.Int("fps", pc.FPS))
	return a.captureID, nil
}

// watchPipeline returns the agent to Connected when its stream dies on
// its own.
func (m *Manager) watchPipeline(a *Agent, p *stream.Pipeline) {
	<-p.Done()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pipeline != p {
		return
	}
	a.pipeline, a.captureID = nil, ""
	if a.state == StateCapturing {
		a.state = StateConnected
	}
	m.logger.Warn("capture stream ended", zap.String("agent_id", a.ID), zap.Error(p.Err()))
}

// StopCapture stops the stream and waits for it; no frame is produced
// after it returns. Stopping an agent that is not capturing succeeds.
func (m *Manager) StopCapture(agentID string) error {
	a, err := m.Get(agentID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	p := a.pipeline
	if p == nil {
		a.mu.Unlock()
		m.logger.Debug("stop_capture with no active capture", zap.String("agent_id", a.ID))
		return nil
	}
	a.pipeline, a.captureID = nil, ""
	a.state = StateConnected
	a.mu.Unlock()

	p.Stop()
	stats := p.Stats()
	m.logger.Info("capture stopped",
		zap.String("agent_id", a.ID),
		zap.Uint64("frames_published", stats.FramesPublished),
		zap.Uint64("frames_dropped", stats.FramesDropped))
	return nil
}

// Subscribe attaches a new reader to the agent's stream.
func (m *Manager) Subscribe(agentID string) (*stream.Subscription, error) {
	a, err := m.Get(agentID)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.pipeline == nil {
		return nil, fault.Conflictf("stream_frames", "capture not started for agent %s", a.ID)
	}
	return a.pipeline.Subscribe(), nil
}

// SubscribeActive attaches to whichever stream is running, for observers
// such as the live viewer. ok is false when nothing is capturing.
func (m *Manager) SubscribeActive() (*stream.Subscription, bool) {
	a := m.Current()
	if a == nil {
		return nil, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.pipeline == nil {
		return nil, false
	}
	return a.pipeline.Subscribe(), true
}

func (m *Manager) Status(agentID string) (Status, error) {
	a, err := m.Get(agentID)
	if err != nil {
		return Status{}, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := Status{AgentID: a.ID, State: a.state, Capturing: a.pipeline != nil, CaptureID: a.captureID}
	if a.pipeline != nil {
		st := a.pipeline.Stats()
		s.Stream = &st
	}
	return s, nil
}

// Monitor disconnects the agent when heartbeats stop. It checks three
// times per timeout and returns when ctx is done.
func (m *Manager) Monitor(ctx context.Context) {
	t := time.NewTicker(m.timeout / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.checkHeartbeat(ctx, now)
		}
	}
}

func (m *Manager) checkHeartbeat(ctx context.Context, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.current
	if a == nil {
		return false
	}
	silent := now.Sub(a.LastHeartbeat())
	if silent <= m.timeout {
		return false
	}
	m.logger.Warn("agent heartbeat timed out",
		zap.String("agent_id", a.ID),
		zap.Duration("silent", silent),
		zap.Duration("timeout", m.timeout))
	m.disconnectLocked(ctx, a, "heartbeat timeout")
	return true
}

// Shutdown disconnects the active agent on process exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.Disconnect(ctx, "agent shutting down")
}

func (m *Manager) notify(level types.NotifyLevel, title, body string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(level, title, body); err != nil {
		m.logger.Debug("notification failed", zap.Error(err))
	}
}
