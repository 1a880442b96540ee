package transcriber

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Fake is an in-process Recognizer for tests and the -test mode. Sessions do
// nothing on their own; results are injected with Emit and Fail.
type Fake struct {
	mu       sync.Mutex
	startErr error
	sessions []*FakeSession
	started  chan *FakeSession
}

func NewFake() *Fake {
	return &Fake{started: make(chan *FakeSession, 16)}
}

func (f *Fake) Name() string { return "fake" }

// FailStart makes subsequent Start calls return err. nil restores them.
func (f *Fake) FailStart(err error) {
	f.mu.Lock()
	f.startErr = err
	f.mu.Unlock()
}

func (f *Fake) Start(ctx context.Context, cfg Config) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &FakeSession{
		id:     uuid.NewString(),
		cfg:    cfg,
		events: make(chan Event, 64),
	}
	f.sessions = append(f.sessions, s)
	select {
	case f.started <- s:
	default:
	}
	return s, nil
}

// Started delivers each session as it is started.
func (f *Fake) Started() <-chan *FakeSession { return f.started }

// Last returns the most recently started session, or nil.
func (f *Fake) Last() *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

func (f *Fake) Sessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

type FakeSession struct {
	id     string
	cfg    Config
	events chan Event

	mu      sync.Mutex
	ended   bool
	stopped bool
	aborted bool
	fed     int
}

func (s *FakeSession) ID() string { return s.id }

func (s *FakeSession) Config() Config { return s.cfg }

func (s *FakeSession) Events() <-chan Event { return s.events }

func (s *FakeSession) Feed(pcm []byte) {
	s.mu.Lock()
	if !s.ended {
		s.fed += len(pcm)
	}
	s.mu.Unlock()
}

// Fed returns the number of PCM bytes received.
func (s *FakeSession) Fed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fed
}

func (s *FakeSession) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.endLocked()
}

func (s *FakeSession) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	s.endLocked()
}

func (s *FakeSession) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped || s.aborted
}

func (s *FakeSession) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Emit delivers a result. Interim results are dropped unless the session
// asked for them. A final ends a non-continuous session. It reports false
// once the session has ended.
func (s *FakeSession) Emit(text string, final bool, confidence float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	if !final && !s.cfg.InterimResults {
		return true
	}
	s.sendLocked(Event{Text: text, IsFinal: final, Confidence: confidence})
	if final && !s.cfg.Continuous {
		s.endLocked()
	}
	return true
}

// Fail delivers a terminal error with the given code and ends the session.
func (s *FakeSession) Fail(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	var cause error
	if code == CodeNoSpeech {
		cause = ErrNoSpeech
	} else {
		cause = errors.New("fake " + code)
	}
	s.sendLocked(Event{Err: NewEngineError(code, cause)})
	s.endLocked()
	return true
}

// End closes the session as if the engine stopped on its own.
func (s *FakeSession) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked()
}

func (s *FakeSession) sendLocked(ev Event) {
	ev.SessionID = s.id
	select {
	case s.events <- ev:
	default:
	}
}

func (s *FakeSession) endLocked() {
	if s.ended {
		return
	}
	s.ended = true
	close(s.events)
}
