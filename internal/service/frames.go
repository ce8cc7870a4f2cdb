package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"deskpilot/internal/codec"
	"deskpilot/internal/fault"
	"deskpilot/internal/pool"
	"deskpilot/internal/stream"
	"deskpilot/internal/types"

	"go.uber.org/zap"
)

type captureRequest struct {
	AgentID string              `cbor:"agent_id"`
	Config  types.CaptureConfig `cbor:"config"`
}

type frameResponse struct {
	Frame *types.EncodedFrame `cbor:"frame"`
}

// withDefaults fills what the request left unset from the configured
// capture defaults.
func (s *Service) withDefaults(cfg types.CaptureConfig) types.CaptureConfig {
	if cfg.Format == "" {
		cfg.Format = s.defaults.Format
	}
	if cfg.Quality == "" {
		cfg.Quality = s.defaults.Quality
	}
	if cfg.FPS == 0 {
		cfg.FPS = s.defaults.FPS
	}
	return cfg
}

func (s *Service) getFrame(ctx context.Context, req captureRequest) (any, error) {
	if _, err := s.requireAgent(req.AgentID); err != nil {
		return nil, err
	}
	cfg := s.withDefaults(req.Config)
	f, err := pool.Call(ctx, s.pool, "get_frame", s.timeouts.Capture, func(ctx context.Context) (*types.EncodedFrame, error) {
		return s.capture.CaptureOnce(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	return frameResponse{Frame: f}, nil
}

type screenshotRequest struct {
	AgentID  string `cbor:"agent_id"`
	SavePath string `cbor:"save_path"`
}

type screenshotResponse struct {
	Success   bool   `cbor:"success"`
	FilePath  string `cbor:"file_path"`
	ImageData []byte `cbor:"image_data"`
}

// takeScreenshot captures the full desktop as PNG and writes it to disk.
func (s *Service) takeScreenshot(ctx context.Context, req screenshotRequest) (any, error) {
	if _, err := s.requireAgent(req.AgentID); err != nil {
		return nil, err
	}
	path, err := s.screenshotPath(req.SavePath, time.Now())
	if err != nil {
		return nil, err
	}
	cfg := types.CaptureConfig{Mode: types.ModeFullDesktop, Format: types.FormatPNG}
	f, err := pool.Call(ctx, s.pool, "take_screenshot", s.timeouts.Capture, func(ctx context.Context) (*types.EncodedFrame, error) {
		f, err := s.capture.CaptureOnce(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fault.Platformf("take_screenshot", err, "create directory for %s", path)
		}
		if err := os.WriteFile(path, f.Data, 0o644); err != nil {
			return nil, fault.Platformf("take_screenshot", err, "write %s", path)
		}
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("screenshot saved", zap.String("path", path), zap.Int("bytes", len(f.Data)))
	return screenshotResponse{Success: true, FilePath: path, ImageData: f.Data}, nil
}

func (s *Service) screenshotPath(requested string, now time.Time) (string, error) {
	if requested != "" {
		if strings.HasPrefix(requested, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fault.Platformf("take_screenshot", err, "no home directory")
			}
			requested = filepath.Join(home, requested[2:])
		}
		return filepath.Clean(requested), nil
	}
	dir := s.shotDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fault.Platformf("take_screenshot", err, "no home directory")
		}
		dir = filepath.Join(home, "Pictures")
	}
	return filepath.Join(dir, fmt.Sprintf("screenshot_%s.png", now.Format("20060102_150405"))), nil
}

type startCaptureResponse struct {
	Success   bool   `cbor:"success"`
	CaptureID string `cbor:"capture_id"`
}

func (s *Service) startCapture(ctx context.Context, req captureRequest) (any, error) {
	cfg := s.withDefaults(req.Config)
	id, err := pool.Call(ctx, s.pool, "start_capture", s.timeouts.Capture, func(ctx context.Context) (string, error) {
		return s.agents.StartCapture(ctx, req.AgentID, cfg)
	})
	if err != nil {
		return nil, err
	}
	return startCaptureResponse{Success: true, CaptureID: id}, nil
}

func (s *Service) stopCapture(ctx context.Context, req agentRequest) (any, error) {
	err := s.pool.Do(ctx, "stop_capture", s.timeouts.Capture, func(context.Context) error {
		return s.agents.StopCapture(req.AgentID)
	})
	if err != nil {
		return nil, err
	}
	return success, nil
}

// streamFrames sends every frame the agent's capture publishes until the
// capture stops or the client goes away.
func (s *Service) streamFrames(ctx context.Context, raw []byte, send func(any) error) error {
	var req agentRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return fault.Validationf("stream_frames", "invalid request: %v", err)
	}
	sub, err := s.agents.Subscribe(req.AgentID)
	if err != nil {
		return err
	}
	defer sub.Close()

	sent := 0
	defer func() {
		s.logger.Debug("frame stream finished",
			zap.String("agent_id", req.AgentID),
			zap.Int("sent", sent),
			zap.Uint64("lagged", sub.Lagged()))
	}()
	for {
		f, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, stream.ErrClosed) {
				return nil
			}
			return err
		}
		if err := send(f); err != nil {
			return err
		}
		sent++
	}
}
