package service

import (
	"context"
	"time"

	"deskpilot/internal/agent"
	"deskpilot/internal/inputlock"
	"deskpilot/internal/pool"
	"deskpilot/internal/rpc"
	"deskpilot/internal/stream"
	"deskpilot/internal/sysinfo"

	"go.uber.org/zap"
)

type registerRequest struct {
	SessionID   string `cbor:"session_id"`
	HubURL      string `cbor:"hub_url"`
	PairingCode string `cbor:"pairing_code"`
}

type registerResponse struct {
	AgentID    string       `cbor:"agent_id"`
	Status     agent.State  `cbor:"status"`
	SystemInfo sysinfo.Info `cbor:"system_info"`
}

// registerAgent ties the new agent to the calling connection: when that
// connection drops, the agent is disconnected, which stops its capture
// and releases a held lock.
func (s *Service) registerAgent(ctx context.Context, req registerRequest) (any, error) {
	a, err := pool.Call(ctx, s.pool, "register_agent", s.timeouts.Lock, func(ctx context.Context) (*agent.Agent, error) {
		return s.agents.Register(ctx, req.SessionID, req.HubURL, req.PairingCode)
	})
	if err != nil {
		return nil, err
	}

	id := a.ID
	// Drop runs outside the pool; queued platform calls never delay it.
	rpc.OnClose(ctx, func() {
		dropCtx, cancel := context.WithTimeout(context.Background(), s.timeouts.Lock)
		defer cancel()
		s.agents.Drop(dropCtx, id, "connection closed")
	})

	info, err := pool.Call(ctx, s.pool, "get_system_info", s.timeouts.Query, s.system.SystemInfo)
	if err != nil {
		s.logger.Warn("system info unavailable at registration", zap.Error(err))
	} else {
		s.validator.SetScreen(info.ScreenWidth, info.ScreenHeight)
	}
	s.logger.Info("controller registered",
		zap.String("agent_id", id),
		zap.String("remote", rpc.RemoteAddr(ctx)))
	return registerResponse{AgentID: id, Status: a.State(), SystemInfo: info}, nil
}

func (s *Service) unregisterAgent(ctx context.Context, req agentRequest) (any, error) {
	err := s.pool.Do(ctx, "unregister_agent", s.timeouts.Lock, func(ctx context.Context) error {
		return s.agents.Unregister(ctx, req.AgentID)
	})
	if err != nil {
		return nil, err
	}
	return success, nil
}

type heartbeatResponse struct {
	ServerTimestamp int64  `cbor:"server_timestamp"`
	Status          string `cbor:"status"`
}

func (s *Service) heartbeat(_ context.Context, req agentRequest) (any, error) {
	now, err := s.agents.Heartbeat(req.AgentID)
	if err != nil {
		return nil, err
	}
	return heartbeatResponse{ServerTimestamp: now.UnixMilli(), Status: "ok"}, nil
}

type statusResponse struct {
	AgentID     string                `cbor:"agent_id"`
	State       agent.State           `cbor:"state"`
	Capturing   bool                  `cbor:"capturing"`
	CaptureID   string                `cbor:"capture_id,omitempty"`
	Stream      *stream.Stats         `cbor:"stream,omitempty"`
	Locked      bool                  `cbor:"locked"`
	LockedForMs int64                 `cbor:"locked_for_ms"`
	ControlMode inputlock.ControlMode `cbor:"control_mode"`
	Pool        pool.Stats            `cbor:"pool"`
}

func (s *Service) getStatus(_ context.Context, req agentRequest) (any, error) {
	st, err := s.agents.Status(req.AgentID)
	if err != nil {
		return nil, err
	}
	lock := s.lock.State()
	return statusResponse{
		AgentID:     st.AgentID,
		State:       st.State,
		Capturing:   st.Capturing,
		CaptureID:   st.CaptureID,
		Stream:      st.Stream,
		Locked:      lock.Locked,
		LockedForMs: lock.LockedFor(time.Now()).Milliseconds(),
		ControlMode: lock.Mode,
		Pool:        s.pool.Stats(),
	}, nil
}

type lockRequest struct {
	AgentID string `cbor:"agent_id"`
	Locked  bool   `cbor:"locked"`
}

type lockResponse struct {
	Success bool `cbor:"success"`
	Locked  bool `cbor:"locked"`
}

func (s *Service) setInputLock(ctx context.Context, req lockRequest) (any, error) {
	if _, err := s.requireAgent(req.AgentID); err != nil {
		return nil, err
	}
	err := s.pool.Do(ctx, "set_input_lock", s.timeouts.Lock, func(ctx context.Context) error {
		if req.Locked {
			return s.lock.Lock(ctx)
		}
		return s.lock.Unlock(ctx)
	})
	if err != nil {
		return nil, err
	}
	return lockResponse{Success: true, Locked: s.lock.Locked()}, nil
}

type emergencyRequest struct {
	Reason string `cbor:"reason"`
}

// emergencyUnlock is an operator override and needs no agent.
func (s *Service) emergencyUnlock(ctx context.Context, req emergencyRequest) (any, error) {
	reason := req.Reason
	if reason == "" {
		reason = "operator request"
	}
	err := s.pool.Do(ctx, "emergency_unlock", s.timeouts.Lock, func(ctx context.Context) error {
		return s.lock.EmergencyUnlock(ctx, reason)
	})
	if err != nil {
		return nil, err
	}
	return success, nil
}
