// Package platform resolves the X display the agent drives, starting a
// private headless one when asked to.
package platform

// Config is the display-related slice of the agent configuration.
type Config struct {
	Display    string
	StartX     bool
	Resolution string
	GPU        int
}

// Display is the X display in use and how to release it.
type Display struct {
	Name       string
	Xauthority string
	// Headless is set when the display was started by Init.
	Headless bool
	stop     func()
}

// Close stops a display started by Init. It is a no-op otherwise.
func (d *Display) Close() {
	if d.stop != nil {
		d.stop()
		d.stop = nil
	}
}
