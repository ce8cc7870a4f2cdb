// Package input injects keyboard and mouse events and enumerates the
// physical devices the input lock floats.
package input

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// X11 keysym constants
const (
	XK_BackSpace   = 0xFF08
	XK_Tab         = 0xFF09
	XK_Return      = 0xFF0D
	XK_Pause       = 0xFF13
	XK_Scroll_Lock = 0xFF14
	XK_Escape      = 0xFF1B
	XK_Home        = 0xFF50
	XK_Left        = 0xFF51
	XK_Up          = 0xFF52
	XK_Right       = 0xFF53
	XK_Down        = 0xFF54
	XK_Page_Up     = 0xFF55
	XK_Page_Down   = 0xFF56
	XK_End         = 0xFF57
	XK_Print       = 0xFF61
	XK_Insert      = 0xFF63
	XK_Menu        = 0xFF67
	XK_Num_Lock    = 0xFF7F
	XK_F1          = 0xFFBE
	XK_Shift_L     = 0xFFE1
	XK_Control_L   = 0xFFE3
	XK_Caps_Lock   = 0xFFE5
	XK_Alt_L       = 0xFFE9
	XK_Super_L     = 0xFFEB
	XK_Delete      = 0xFFFF
	XK_space       = 0x0020
)

// namedKey is a non-printable key: its keysym and the name xdotool
// expects for it.
type namedKey struct {
	sym   uint32
	xname string
}

// namedKeys is keyed by lower-cased name. Browser KeyboardEvent names
// and X keysym names both resolve.
var namedKeys = map[string]namedKey{
	"backspace":   {XK_BackSpace, "BackSpace"},
	"tab":         {XK_Tab, "Tab"},
	"enter":       {XK_Return, "Return"},
	"return":      {XK_Return, "Return"},
	"escape":      {XK_Escape, "Escape"},
	"esc":         {XK_Escape, "Escape"},
	"delete":      {XK_Delete, "Delete"},
	"del":         {XK_Delete, "Delete"},
	"home":        {XK_Home, "Home"},
	"end":         {XK_End, "End"},
	"pageup":      {XK_Page_Up, "Page_Up"},
	"page_up":     {XK_Page_Up, "Page_Up"},
	"prior":       {XK_Page_Up, "Page_Up"},
	"pagedown":    {XK_Page_Down, "Page_Down"},
	"page_down":   {XK_Page_Down, "Page_Down"},
	"next":        {XK_Page_Down, "Page_Down"},
	"left":        {XK_Left, "Left"},
	"arrowleft":   {XK_Left, "Left"},
	"up":          {XK_Up, "Up"},
	"arrowup":     {XK_Up, "Up"},
	"right":       {XK_Right, "Right"},
	"arrowright":  {XK_Right, "Right"},
	"down":        {XK_Down, "Down"},
	"arrowdown":   {XK_Down, "Down"},
	"insert":      {XK_Insert, "Insert"},
	"space":       {XK_space, "space"},
	"print":       {XK_Print, "Print"},
	"printscreen": {XK_Print, "Print"},
	"scrolllock":  {XK_Scroll_Lock, "Scroll_Lock"},
	"pause":       {XK_Pause, "Pause"},
	"numlock":     {XK_Num_Lock, "Num_Lock"},
	"capslock":    {XK_Caps_Lock, "Caps_Lock"},
	"menu":        {XK_Menu, "Menu"},
	"contextmenu": {XK_Menu, "Menu"},
	"ctrl":        {XK_Control_L, "ctrl"},
	"control":     {XK_Control_L, "ctrl"},
	"alt":         {XK_Alt_L, "alt"},
	"shift":       {XK_Shift_L, "shift"},
	"super":       {XK_Super_L, "super"},
	"meta":        {XK_Super_L, "super"},
}

func init() {
	for i := 1; i <= 12; i++ {
		name := fmt.Sprintf("F%d", i)
		namedKeys[strings.ToLower(name)] = namedKey{uint32(XK_F1 + i - 1), name}
	}
}

// punctNames are the keysym names of printable ASCII punctuation, used
// when a punctuation key is part of a chord.
var punctNames = map[rune]string{
	' ': "space", '!': "exclam", '"': "quotedbl", '#': "numbersign",
	'$': "dollar", '%': "percent", '&': "ampersand", '\'': "apostrophe",
	'(': "parenleft", ')': "parenright", '*': "asterisk", '+': "plus",
	',': "comma", '-': "minus", '.': "period", '/': "slash",
	':': "colon", ';': "semicolon", '<': "less", '=': "equal",
	'>': "greater", '?': "question", '@': "at", '[': "bracketleft",
	'\\': "backslash", ']': "bracketright", '^': "asciicircum", '_': "underscore",
	'`': "grave", '{': "braceleft", '|': "bar", '}': "braceright",
	'~': "asciitilde",
}

// Modifier names after normalization.
const (
	ModCtrl  = "ctrl"
	ModAlt   = "alt"
	ModShift = "shift"
	ModSuper = "super"
)

var modifierAliases = map[string]string{
	"ctrl": ModCtrl, "control": ModCtrl, "ctl": ModCtrl,
	"alt": ModAlt, "option": ModAlt, "opt": ModAlt,
	"shift": ModShift,
	"super": ModSuper, "meta": ModSuper, "win": ModSuper, "cmd": ModSuper, "command": ModSuper,
}

var modifierKeysyms = map[string]uint32{
	ModCtrl:  XK_Control_L,
	ModAlt:   XK_Alt_L,
	ModShift: XK_Shift_L,
	ModSuper: XK_Super_L,
}

// NormalizeModifier maps a modifier alias to its canonical name.
func NormalizeModifier(m string) (string, error) {
	if n, ok := modifierAliases[strings.ToLower(strings.TrimSpace(m))]; ok {
		return n, nil
	}
	return "", fmt.Errorf("unknown modifier %q", m)
}

// NormalizeModifiers canonicalizes mods and drops duplicates, keeping
// the first occurrence order.
func NormalizeModifiers(mods []string) ([]string, error) {
	out := make([]string, 0, len(mods))
	seen := make(map[string]bool, len(mods))
	for _, m := range mods {
		n, err := NormalizeModifier(m)
		if err != nil {
			return nil, err
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out, nil
}

// Printable reports whether key is a single printable character.
func Printable(key string) bool {
	if utf8.RuneCountInString(key) != 1 {
		return false
	}
	r, _ := utf8.DecodeRuneInString(key)
	return unicode.IsPrint(r)
}

// Keysym resolves a key name or single character to an X keysym.
func Keysym(key string) (uint32, bool) {
	if Printable(key) {
		r, _ := utf8.DecodeRuneInString(key)
		return RuneKeysym(r), true
	}
	if k, ok := namedKeys[strings.ToLower(key)]; ok {
		return k.sym, true
	}
	// Browser physical key codes: KeyA, Digit5.
	if rest, ok := strings.CutPrefix(key, "Key"); ok && len(rest) == 1 {
		return uint32(unicode.ToLower(rune(rest[0]))), true
	}
	if rest, ok := strings.CutPrefix(key, "Digit"); ok && len(rest) == 1 && rest[0] >= '0' && rest[0] <= '9' {
		return uint32(rest[0]), true
	}
	return 0, false
}

// RuneKeysym maps a character to its keysym: Latin-1 maps directly, the
// rest of Unicode uses the 0x01000000 range.
func RuneKeysym(r rune) uint32 {
	if r < 0x100 {
		return uint32(r)
	}
	return 0x01000000 | uint32(r)
}

// XdotoolName returns the keysym name xdotool accepts for key.
func XdotoolName(key string) (string, bool) {
	if Printable(key) {
		r, _ := utf8.DecodeRuneInString(key)
		if n, ok := punctNames[r]; ok {
			return n, true
		}
		return key, true
	}
	if k, ok := namedKeys[strings.ToLower(key)]; ok {
		return k.xname, true
	}
	if sym, ok := Keysym(key); ok && sym < 0x80 {
		return string(rune(sym)), true
	}
	return "", false
}

// Chord renders modifiers and key as an xdotool key chord such as
// "ctrl+alt+t".
func Chord(key string, mods []string) (string, error) {
	name, ok := XdotoolName(key)
	if !ok {
		return "", fmt.Errorf("unknown key %q", key)
	}
	norm, err := NormalizeModifiers(mods)
	if err != nil {
		return "", err
	}
	return strings.Join(append(norm, name), "+"), nil
}
