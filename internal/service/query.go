package service

import (
	"context"

	"deskpilot/internal/input"
	"deskpilot/internal/launcher"
	"deskpilot/internal/pool"
	"deskpilot/internal/sysinfo"
)

type emptyRequest struct{}

func (s *Service) getSystemInfo(ctx context.Context, _ emptyRequest) (any, error) {
	return pool.Call(ctx, s.pool, "get_system_info", s.timeouts.Query, s.system.SystemInfo)
}

type windowsResponse struct {
	Windows []sysinfo.Window `cbor:"windows"`
}

func (s *Service) getWindowList(ctx context.Context, _ emptyRequest) (any, error) {
	ws, err := pool.Call(ctx, s.pool, "get_window_list", s.timeouts.Query, s.system.Windows)
	if err != nil {
		return nil, err
	}
	return windowsResponse{Windows: ws}, nil
}

type processesResponse struct {
	Processes []string `cbor:"processes"`
}

func (s *Service) getProcessList(ctx context.Context, _ emptyRequest) (any, error) {
	ps, err := pool.Call(ctx, s.pool, "get_process_list", s.timeouts.Query, s.system.Processes)
	if err != nil {
		return nil, err
	}
	return processesResponse{Processes: ps}, nil
}

type clipboardResponse struct {
	Text string `cbor:"text"`
}

func (s *Service) getClipboard(ctx context.Context, _ emptyRequest) (any, error) {
	text, err := pool.Call(ctx, s.pool, "get_clipboard", s.timeouts.Query, s.system.Clipboard)
	if err != nil {
		return nil, err
	}
	return clipboardResponse{Text: text}, nil
}

type listFilesRequest struct {
	Directory string `cbor:"directory"`
}

type filesResponse struct {
	Files []sysinfo.FileEntry `cbor:"files"`
}

func (s *Service) listFiles(ctx context.Context, req listFilesRequest) (any, error) {
	files, err := pool.Call(ctx, s.pool, "list_files", s.timeouts.Query, func(context.Context) ([]sysinfo.FileEntry, error) {
		return sysinfo.ListFiles(req.Directory)
	})
	if err != nil {
		return nil, err
	}
	return filesResponse{Files: files}, nil
}

type healthResponse struct {
	sysinfo.Health
	Pool pool.Stats `cbor:"pool"`
}

func (s *Service) getHealth(ctx context.Context, _ emptyRequest) (any, error) {
	h, err := pool.Call(ctx, s.pool, "get_health", s.timeouts.Query, func(context.Context) (sysinfo.Health, error) {
		return s.system.Health()
	})
	if err != nil {
		return nil, err
	}
	return healthResponse{Health: h, Pool: s.pool.Stats()}, nil
}

type appRequest struct {
	AgentID string `cbor:"agent_id"`
	AppName string `cbor:"app_name"`
}

type launchResponse struct {
	Success  bool               `cbor:"success"`
	Strategy string             `cbor:"strategy"`
	Entry    string             `cbor:"entry,omitempty"`
	Attempts []launcher.Attempt `cbor:"attempts"`
}

func (s *Service) launchApplication(ctx context.Context, req appRequest) (any, error) {
	if _, err := s.requireAgent(req.AgentID); err != nil {
		return nil, err
	}
	if err := input.AppName(req.AppName); err != nil {
		return nil, err
	}
	res, err := pool.Call(ctx, s.pool, "launch_application", s.timeouts.Launch, func(ctx context.Context) (launcher.Result, error) {
		return s.launcher.Launch(ctx, req.AppName)
	})
	if err != nil {
		return nil, err
	}
	return launchResponse{Success: true, Strategy: res.Strategy, Entry: res.Entry, Attempts: res.Attempts}, nil
}

type closeResponse struct {
	Success bool   `cbor:"success"`
	Method  string `cbor:"method"`
	Windows int    `cbor:"windows"`
}

func (s *Service) closeApplication(ctx context.Context, req appRequest) (any, error) {
	if _, err := s.requireAgent(req.AgentID); err != nil {
		return nil, err
	}
	if err := input.AppName(req.AppName); err != nil {
		return nil, err
	}
	res, err := pool.Call(ctx, s.pool, "close_application", s.timeouts.Launch, func(ctx context.Context) (launcher.CloseResult, error) {
		return s.launcher.Close(ctx, req.AppName)
	})
	if err != nil {
		return nil, err
	}
	return closeResponse{Success: true, Method: res.Method, Windows: res.Windows}, nil
}
