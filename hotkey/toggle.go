package hotkey

import "time"

type Action int

const (
	// Press is a keydown of the combination; it toggles listening.
	Press Action = iota
	// HoldRelease is the keyup that ends a press held past the hold
	// threshold, for push-to-talk use.
	HoldRelease
)

// Toggler turns raw key events into Actions. A tap yields one Press; a press
// held longer than the threshold also yields a HoldRelease on keyup.
type Toggler struct {
	actions chan Action
	stop    chan struct{}
}

func NewToggler(hk Hotkey, hold time.Duration) *Toggler {
	t := &Toggler{
		actions: make(chan Action, 2),
		stop:    make(chan struct{}),
	}
	go t.run(hk, hold)
	return t
}

func (t *Toggler) Actions() <-chan Action { return t.actions }

// Stop ends the toggler goroutine. It must be called at most once.
func (t *Toggler) Stop() { close(t.stop) }

func (t *Toggler) send(a Action) bool {
	select {
	case t.actions <- a:
		return true
	case <-t.stop:
		return false
	}
}

func (t *Toggler) run(hk Hotkey, hold time.Duration) {
	for {
		select {
		case <-hk.Keydown():
		case <-t.stop:
			return
		}
		if !t.send(Press) {
			return
		}

		timer := time.NewTimer(hold)
		select {
		case <-hk.Keyup():
			timer.Stop()
		case <-timer.C:
			select {
			case <-hk.Keyup():
			case <-t.stop:
				return
			}
			if !t.send(HoldRelease) {
				return
			}
		case <-t.stop:
			timer.Stop()
			return
		}
	}
}
