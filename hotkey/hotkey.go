// Package hotkey listens for the global Ctrl+Shift+Space combination that
// toggles listening while the terminal is not focused.
package hotkey

type Hotkey interface {
	Register() error
	Unregister()
	Keydown() <-chan struct{}
	Keyup() <-chan struct{}
}

// Combo is the human-readable key combination.
const Combo = "Ctrl+Shift+Space"
