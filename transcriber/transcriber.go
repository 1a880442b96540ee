package transcriber

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Config describes one recognition session.
type Config struct {
	Continuous     bool // keep listening after a final result
	InterimResults bool // emit non-final hypotheses
	Locale         string
	SampleRate     int
	Channels       int
	Model          string
}

func (c Config) bytesPerSecond() int {
	rate, ch := c.SampleRate, c.Channels
	if rate <= 0 {
		rate = 16000
	}
	if ch <= 0 {
		ch = 1
	}
	return rate * ch * 2
}

// Event is one recognition result or a terminal error. An Event with Err set
// is the last one a session delivers.
type Event struct {
	Text       string
	IsFinal    bool
	Confidence float64 // 0 when the engine does not report one
	SessionID  string
	Err        *EngineError
}

const (
	CodeNetwork    = "network"
	CodeNoSpeech   = "no-speech"
	CodeNotAllowed = "not-allowed"
	CodeAborted    = "aborted"
	CodeEngine     = "engine"
)

// ErrNoSpeech means the recognizer heard nothing usable before timing out.
var ErrNoSpeech = errors.New("no speech detected")

type EngineError struct {
	Code string
	Err  error
}

func (e *EngineError) Error() string {
	if e.Err == nil {
		return "recognition " + e.Code
	}
	return fmt.Sprintf("recognition %s: %v", e.Code, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

func (e *EngineError) Is(target error) bool {
	return target == ErrNoSpeech && e.Code == CodeNoSpeech
}

// NewEngineError builds an EngineError, defaulting unknown codes to CodeEngine.
func NewEngineError(code string, err error) *EngineError {
	switch code {
	case CodeNetwork, CodeNoSpeech, CodeNotAllowed, CodeAborted, CodeEngine:
	default:
		code = CodeEngine
	}
	return &EngineError{Code: code, Err: err}
}

// Recognizer starts streaming recognition sessions.
type Recognizer interface {
	Name() string
	Start(ctx context.Context, cfg Config) (Session, error)
}

// Session is one live recognition stream. Events is closed when the session
// ends for any reason. Stop finishes gracefully and may still deliver a final
// result; Abort drops whatever is in flight. Both are idempotent and never
// block on the network.
type Session interface {
	ID() string
	Feed(pcm []byte)
	Events() <-chan Event
	Stop()
	Abort()
}

// New returns the recognizer named by provider. An empty provider picks
// Deepgram when DEEPGRAM_API_KEY is set.
func New(provider, model string) (Recognizer, error) {
	switch strings.ToLower(provider) {
	case "fake":
		return NewFake(), nil
	case "", "deepgram":
		key := os.Getenv("DEEPGRAM_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("set DEEPGRAM_API_KEY environment variable")
		}
		return NewDeepgram(key, model), nil
	default:
		return nil, fmt.Errorf("unknown speech provider %q", provider)
	}
}
