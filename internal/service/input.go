package service

import (
	"context"

	"deskpilot/internal/fault"
	"deskpilot/internal/types"
)

type keyRequest struct {
	AgentID   string   `cbor:"agent_id"`
	Key       string   `cbor:"key"`
	Modifiers []string `cbor:"modifiers"`
}

type textRequest struct {
	AgentID string `cbor:"agent_id"`
	Text    string `cbor:"text"`
}

type moveRequest struct {
	AgentID string `cbor:"agent_id"`
	X       int    `cbor:"x"`
	Y       int    `cbor:"y"`
}

// clickRequest moves to (X, Y) first when both are present.
type clickRequest struct {
	AgentID string `cbor:"agent_id"`
	Button  string `cbor:"button"`
	Count   int    `cbor:"count"`
	X       *int   `cbor:"x"`
	Y       *int   `cbor:"y"`
}

type scrollRequest struct {
	AgentID string `cbor:"agent_id"`
	DX      int    `cbor:"dx"`
	DY      int    `cbor:"dy"`
}

// inject runs fn on the pool for the registered agent. Callers validate
// the arguments first.
func (s *Service) inject(ctx context.Context, agentID, op string, fn func(ctx context.Context) error) (any, error) {
	if _, err := s.requireAgent(agentID); err != nil {
		return nil, err
	}
	if err := s.pool.Do(ctx, op, s.timeouts.Input, fn); err != nil {
		return nil, err
	}
	return success, nil
}

func (s *Service) injectKeyPress(ctx context.Context, req keyRequest) (any, error) {
	if err := s.validator.Key(req.Key, req.Modifiers); err != nil {
		return nil, err
	}
	return s.inject(ctx, req.AgentID, "inject_key_press", func(ctx context.Context) error {
		return s.injector.InjectKey(ctx, req.Key, req.Modifiers)
	})
}

func (s *Service) injectText(ctx context.Context, req textRequest) (any, error) {
	if err := s.validator.Text(req.Text); err != nil {
		return nil, err
	}
	return s.inject(ctx, req.AgentID, "inject_text", func(ctx context.Context) error {
		return s.injector.InjectText(ctx, req.Text)
	})
}

func (s *Service) injectMouseMove(ctx context.Context, req moveRequest) (any, error) {
	if err := s.validator.Coordinates(req.X, req.Y); err != nil {
		return nil, err
	}
	return s.inject(ctx, req.AgentID, "inject_mouse_move", func(ctx context.Context) error {
		return s.injector.InjectMouseMove(ctx, req.X, req.Y)
	})
}

func (s *Service) injectMouseClick(ctx context.Context, req clickRequest) (any, error) {
	button, err := types.ParseMouseButton(req.Button)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "inject_mouse_click", err)
	}
	count := req.Count
	if count == 0 {
		count = 1
	}
	if err := s.validator.Click(button, count); err != nil {
		return nil, err
	}
	if (req.X == nil) != (req.Y == nil) {
		return nil, fault.Validationf("inject_mouse_click", "x and y must be given together")
	}
	move := req.X != nil
	if move {
		if err := s.validator.Coordinates(*req.X, *req.Y); err != nil {
			return nil, err
		}
	}
	return s.inject(ctx, req.AgentID, "inject_mouse_click", func(ctx context.Context) error {
		if move {
			if err := s.injector.InjectMouseMove(ctx, *req.X, *req.Y); err != nil {
				return err
			}
		}
		return s.injector.InjectMouseClick(ctx, button, count)
	})
}

func (s *Service) injectScroll(ctx context.Context, req scrollRequest) (any, error) {
	if err := s.validator.Scroll(req.DX, req.DY); err != nil {
		return nil, err
	}
	return s.inject(ctx, req.AgentID, "inject_scroll", func(ctx context.Context) error {
		return s.injector.InjectScroll(ctx, req.DX, req.DY)
	})
}

// ViewerInput applies an event from a live viewer. Viewer input is
// refused while automated control holds the input lock. Clicks land at
// the event's position.
func (s *Service) ViewerInput(ctx context.Context, ev types.InputEvent) error {
	if s.lock.Locked() {
		return fault.Conflictf("viewer_input", "automated control active")
	}

	var fn func(ctx context.Context) error
	switch ev.Type {
	case "mouse_move":
		if err := s.validator.Coordinates(ev.X, ev.Y); err != nil {
			return err
		}
		fn = func(ctx context.Context) error { return s.injector.InjectMouseMove(ctx, ev.X, ev.Y) }
	case "mouse_click":
		button, err := types.ParseMouseButton(ev.Button)
		if err != nil {
			return fault.Wrap(fault.Validation, "viewer_input", err)
		}
		count := max(ev.Count, 1)
		if err := s.validator.Click(button, count); err != nil {
			return err
		}
		if err := s.validator.Coordinates(ev.X, ev.Y); err != nil {
			return err
		}
		fn = func(ctx context.Context) error {
			if err := s.injector.InjectMouseMove(ctx, ev.X, ev.Y); err != nil {
				return err
			}
			return s.injector.InjectMouseClick(ctx, button, count)
		}
	case "scroll":
		if err := s.validator.Scroll(ev.DX, ev.DY); err != nil {
			return err
		}
		fn = func(ctx context.Context) error { return s.injector.InjectScroll(ctx, ev.DX, ev.DY) }
	case "key":
		if err := s.validator.Key(ev.Key, ev.Modifiers); err != nil {
			return err
		}
		fn = func(ctx context.Context) error { return s.injector.InjectKey(ctx, ev.Key, ev.Modifiers) }
	case "text":
		if err := s.validator.Text(ev.Text); err != nil {
			return err
		}
		fn = func(ctx context.Context) error { return s.injector.InjectText(ctx, ev.Text) }
	default:
		return fault.Validationf("viewer_input", "unknown input event type %q", ev.Type)
	}
	return s.pool.Do(ctx, "viewer_"+ev.Type, s.timeouts.Input, fn)
}
