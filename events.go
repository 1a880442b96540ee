package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"hark/audio"
	"hark/command"
	"hark/notify"
	"hark/voice"
)

// EventSink abstracts the display layer so the Bubble Tea TUI and the
// line-oriented headless and test modes receive the same events. Methods
// are called from the voice loop and must not block for long.
type EventSink interface {
	StateChanged(from, to voice.State)
	Spectrum(s audio.Sample)
	Interim(text string)
	Command(cmd command.Command)
	Notifications(list []notify.Notification)
	Theme(name string)
	ModeLine(text string)
	DeviceLine(text string)
}

const maxSeen = 256

// lineSink writes one line per event. Spectrum samples are not printed.
type lineSink struct {
	mu   sync.Mutex
	w    io.Writer
	seen map[string]bool
}

func newLineSink(w io.Writer) *lineSink {
	return &lineSink{w: w, seen: make(map[string]bool)}
}

func (s *lineSink) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format+"\n", args...)
}

func (s *lineSink) StateChanged(_, to voice.State) { s.printf("STATE %s", to) }

func (s *lineSink) Spectrum(audio.Sample) {}

func (s *lineSink) Interim(text string) { s.printf("PARTIAL %s", text) }

func (s *lineSink) Command(cmd command.Command) {
	keys := make([]string, 0, len(cmd.Params))
	for k := range cmd.Params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := []string{cmd.Intent.String()}
	for _, k := range keys {
		parts = append(parts, k+"="+cmd.Params[k])
	}
	s.printf("COMMAND %s", strings.Join(parts, " "))
}

// Notifications prints each notification once, oldest first.
func (s *lineSink) Notifications(list []notify.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(list) - 1; i >= 0; i-- {
		n := list[i]
		if s.seen[n.ID] {
			continue
		}
		s.seen[n.ID] = true
		fmt.Fprintf(s.w, "NOTIFY %s %s\n", n.Kind, n.Message)
	}
	if len(s.seen) > maxSeen {
		s.seen = make(map[string]bool, len(list))
		for _, n := range list {
			s.seen[n.ID] = true
		}
	}
}

func (s *lineSink) Theme(name string) { s.printf("THEME %s", name) }

func (s *lineSink) ModeLine(text string) { s.printf("MODE %s", text) }

func (s *lineSink) DeviceLine(text string) { s.printf("DEVICE %s", text) }
