package launcher

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	// MinScore is the lowest score that counts as a match.
	MinScore = 31

	refreshDebounce = 500 * time.Millisecond
)

// DefaultDirs lists where desktop entries are installed. A leading ~ is
// the user's home.
var DefaultDirs = []string{
	"/usr/share/applications",
	"/usr/local/share/applications",
	"~/.local/share/applications",
	"/var/lib/flatpak/exports/share/applications",
	"~/.local/share/flatpak/exports/share/applications",
	"/var/lib/snapd/desktop/applications",
}

func expandHome(dirs []string) []string {
	home, _ := os.UserHomeDir()
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if strings.HasPrefix(d, "~/") {
			if home == "" {
				continue
			}
			d = filepath.Join(home, d[2:])
		}
		out = append(out, d)
	}
	return out
}

// Index is the set of launchable desktop entries. Later directories
// override earlier ones for the same id.
type Index struct {
	dirs   []string
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]Entry
	loaded  time.Time
}

func NewIndex(dirs []string, logger *zap.Logger) *Index {
	return &Index{dirs: expandHome(dirs), logger: logger, entries: make(map[string]Entry)}
}

// Load rescans every directory. Missing directories are skipped.
func (x *Index) Load() {
	entries := make(map[string]Entry)
	for _, dir := range x.dirs {
		matches, err := filepath.Glob(filepath.Join(dir, "*.desktop"))
		if err != nil {
			continue
		}
		for _, path := range matches {
			e, err := loadEntry(path)
			if err != nil {
				x.logger.Debug("skipping desktop entry", zap.String("path", path), zap.Error(err))
				continue
			}
			if !e.Launchable() {
				delete(entries, e.ID)
				continue
			}
			entries[e.ID] = e
		}
	}
	x.mu.Lock()
	x.entries = entries
	x.loaded = time.Now()
	x.mu.Unlock()
	x.logger.Debug("desktop entries indexed", zap.Int("count", len(entries)))
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Match is a scored lookup result.
type Match struct {
	Entry Entry
	Score int
}

// Lookup returns the best entry for name scoring at least MinScore.
// Ties go to the shorter name, then the id.
func (x *Index) Lookup(name string) (Match, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var matches []Match
	for _, e := range x.entries {
		if s := Score(name, e); s >= MinScore {
			matches = append(matches, Match{Entry: e, Score: s})
		}
	}
	if len(matches) == 0 {
		return Match{}, false
	}
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if len(a.Entry.Name) != len(b.Entry.Name) {
			return len(a.Entry.Name) < len(b.Entry.Name)
		}
		return a.Entry.ID < b.Entry.ID
	})
	return matches[0], true
}

// Score rates how well query names e: exact 100, prefix 80, whole word
// 60, substring 50, keyword or generic name 40.
func Score(query string, e Entry) int {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0
	}
	name := strings.ToLower(e.Name)
	id := strings.ToLower(e.ID)
	switch {
	case name == q || id == q || lastDotted(id) == q:
		return 100
	case strings.HasPrefix(name, q) || strings.HasPrefix(id, q):
		return 80
	}
	for _, w := range strings.Fields(name) {
		if w == q {
			return 60
		}
	}
	if strings.Contains(name, q) || strings.Contains(id, q) {
		return 50
	}
	if strings.Contains(strings.ToLower(e.GenericName), q) {
		return 40
	}
	for _, k := range e.Keywords {
		if strings.Contains(strings.ToLower(k), q) {
			return 40
		}
	}
	return 0
}

// lastDotted turns reverse-DNS ids like org.gnome.Calculator into
// "calculator".
func lastDotted(id string) string {
	if i := strings.LastIndexByte(id, '.'); i >= 0 {
		return id[i+1:]
	}
	return id
}

// Watch reloads the index when entries are added, removed or changed.
// It returns when ctx is done.
func (x *Index) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	watched := 0
	for _, d := range x.dirs {
		if err := w.Add(d); err == nil {
			watched++
		}
	}
	x.logger.Debug("watching application directories", zap.Int("dirs", watched))

	var (
		timer  *time.Timer
		reload = make(chan struct{}, 1)
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".desktop") {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(refreshDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			x.Load()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			x.logger.Warn("application directory watch error", zap.Error(err))
		}
	}
}
