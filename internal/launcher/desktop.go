// Package launcher starts and closes desktop applications by name. Names
// are resolved against the installed .desktop entries and launched
// through an ordered list of strategies, each tried in turn.
package launcher

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Entry is the part of a .desktop file used for matching and launching.
type Entry struct {
	ID          string
	Path        string
	Name        string
	GenericName string
	Keywords    []string
	Exec        string
	Type        string
	NoDisplay   bool
	Hidden      bool
}

// Launchable reports whether the entry is a visible application.
func (e Entry) Launchable() bool {
	return e.Type == "Application" && !e.NoDisplay && !e.Hidden
}

// ParseDesktopEntry reads the [Desktop Entry] group. Localized keys are
// ignored.
func ParseDesktopEntry(r io.Reader) (Entry, error) {
	var e Entry
	inGroup := false
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			inGroup = line == "[Desktop Entry]"
			continue
		}
		if !inGroup {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		switch key {
		case "Name":
			e.Name = val
		case "GenericName":
			e.GenericName = val
		case "Keywords":
			for _, k := range strings.Split(val, ";") {
				if k = strings.TrimSpace(k); k != "" {
					e.Keywords = append(e.Keywords, k)
				}
			}
		case "Exec":
			e.Exec = val
		case "Type":
			e.Type = val
		case "NoDisplay":
			e.NoDisplay = strings.EqualFold(val, "true")
		case "Hidden":
			e.Hidden = strings.EqualFold(val, "true")
		}
	}
	return e, sc.Err()
}

func loadEntry(path string) (Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()
	e, err := ParseDesktopEntry(f)
	if err != nil {
		return Entry{}, err
	}
	e.Path = path
	e.ID = strings.TrimSuffix(filepath.Base(path), ".desktop")
	return e, nil
}

var fieldCodes = map[string]bool{
	"%u": true, "%U": true, "%f": true, "%F": true,
	"%i": true, "%c": true, "%k": true,
	"%d": true, "%D": true, "%n": true, "%N": true, "%v": true, "%m": true,
}

// CommandLine is Exec with its field codes removed.
func (e Entry) CommandLine() string {
	f := strings.Fields(e.Exec)
	out := f[:0]
	for _, tok := range f {
		if fieldCodes[tok] {
			continue
		}
		out = append(out, strings.ReplaceAll(tok, "%%", "%"))
	}
	return strings.Join(out, " ")
}
