package launcher

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"deskpilot/internal/fault"
	"deskpilot/internal/syscmd"

	"go.uber.org/zap"
)

// Attempt records one strategy tried during a launch.
type Attempt struct {
	Strategy string `cbor:"strategy" json:"strategy"`
	Error    string `cbor:"error,omitempty" json:"error,omitempty"`
}

type Result struct {
	Strategy string    `cbor:"strategy" json:"strategy"`
	Entry    string    `cbor:"entry,omitempty" json:"entry,omitempty"`
	Attempts []Attempt `cbor:"attempts" json:"attempts"`
}

// strategy is one way of starting an application. needsEntry strategies
// only apply when the index had a match.
type strategy struct {
	name       string
	needsEntry bool
	args       func(name string, e Entry) (string, []string)
}

var strategies = []strategy{
	{"gio", true, func(_ string, e Entry) (string, []string) {
		return "gio", []string{"launch", e.Path}
	}},
	{"gtk-launch", true, func(_ string, e Entry) (string, []string) {
		return "gtk-launch", []string{e.ID}
	}},
	{"xdg-open", true, func(_ string, e Entry) (string, []string) {
		return "xdg-open", []string{e.Path}
	}},
	{"exec", false, func(name string, e Entry) (string, []string) {
		cmd := name
		if e.Exec != "" {
			cmd = e.CommandLine()
		}
		return "sh", []string{"-c", "nohup " + cmd + " >/dev/null 2>&1 &"}
	}},
}

// Launcher resolves names through the index and runs the strategies in
// order until one succeeds.
type Launcher struct {
	index  *Index
	runner syscmd.Runner
	logger *zap.Logger
}

func New(index *Index, runner syscmd.Runner, logger *zap.Logger) *Launcher {
	return &Launcher{index: index, runner: runner, logger: logger}
}

// Launch starts the application called name. name must already be
// validated; it reaches a shell in the last strategy.
func (l *Launcher) Launch(ctx context.Context, name string) (Result, error) {
	var (
		res   Result
		entry Entry
		found bool
	)
	if m, ok := l.index.Lookup(name); ok {
		entry, found = m.Entry, true
		res.Entry = entry.ID
		l.logger.Debug("application resolved",
			zap.String("query", name),
			zap.String("entry", entry.ID),
			zap.Int("score", m.Score))
	}

	for _, s := range strategies {
		if s.needsEntry && !found {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		cmd, args := s.args(name, entry)
		_, err := l.runner.Run(ctx, cmd, args...)
		if err == nil {
			res.Strategy = s.name
			res.Attempts = append(res.Attempts, Attempt{Strategy: s.name})
			l.logger.Info("application launched",
				zap.String("name", name),
				zap.String("strategy", s.name),
				zap.Int("attempts", len(res.Attempts)))
			return res, nil
		}
		res.Attempts = append(res.Attempts, Attempt{Strategy: s.name, Error: err.Error()})
		l.logger.Debug("launch strategy failed", zap.String("strategy", s.name), zap.Error(err))
	}
	return res, fault.Platformf("launch_application", nil, "all %d launch strategies failed for %q", len(res.Attempts), name)
}

type CloseResult struct {
	Method  string `cbor:"method" json:"method"`
	Windows int    `cbor:"windows" json:"windows"`
}

// Close closes every window whose process matches name, falling back to
// pkill when none does.
func (l *Launcher) Close(ctx context.Context, name string) (CloseResult, error) {
	needle := strings.ToLower(name)
	closed := 0

	out, err := l.runner.Run(ctx, "wmctrl", "-lp")
	if err == nil {
		for _, w := range parseWmctrlPids(out) {
			comm, err := l.runner.Run(ctx, "ps", "-p", w.pid, "-o", "comm=")
			if err != nil {
				continue
			}
			if !strings.Contains(strings.ToLower(strings.TrimSpace(string(comm))), needle) {
				continue
			}
			if _, err := l.runner.Run(ctx, "wmctrl", "-ic", w.id); err != nil {
				l.logger.Warn("closing window failed", zap.String("window", w.id), zap.Error(err))
				continue
			}
			closed++
		}
	} else {
		l.logger.Debug("wmctrl unavailable for close", zap.Error(err))
	}
	if closed > 0 {
		l.logger.Info("application closed", zap.String("name", name), zap.Int("windows", closed))
		return CloseResult{Method: "wmctrl", Windows: closed}, nil
	}

	if _, err := l.runner.Run(ctx, "pkill", "-f", name); err != nil {
		// pkill exits 1 when nothing matched.
		return CloseResult{}, fault.NotFoundf("close_application", "no running application matches %q", name)
	}
	l.logger.Info("application killed", zap.String("name", name))
	return CloseResult{Method: "pkill"}, nil
}

type windowPid struct {
	id  string
	pid string
}

// parseWmctrlPids reads `wmctrl -lp`: id, desktop, pid, host, title.
func parseWmctrlPids(out []byte) []windowPid {
	var ws []windowPid
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) < 3 || f[2] == "0" {
			continue
		}
		ws = append(ws, windowPid{id: f[0], pid: f[2]})
	}
	return ws
}

func (r Result) String() string {
	return fmt.Sprintf("%s after %d attempts", r.Strategy, len(r.Attempts))
}
