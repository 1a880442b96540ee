// Package voice owns the interaction state machine. One loop goroutine
// handles every input in order: activate and deactivate requests, microphone
// acquisition results, spectrum samples and recognizer events. Callbacks from
// asynchronous sources carry the session token they were issued under and are
// dropped when it is stale.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hark/audio"
	"hark/log"
	"hark/notify"
	"hark/observe"
	"hark/transcriber"
)

// Capture acquires and releases the microphone. *audio.Provider satisfies it.
type Capture interface {
	Acquire(ctx context.Context) (*audio.Stream, error)
	Release(s *audio.Stream)
}

// Sampler polls a stream for spectrum samples. Stop must be synchronous.
// *viz.Sampler satisfies it.
type Sampler interface {
	Start(s *audio.Stream, onSample func(audio.Sample))
	Stop()
}

// TranscriptHandler receives final transcripts. *command.Router satisfies it.
type TranscriptHandler interface {
	HandleTranscript(ev transcriber.Event)
}

type Config struct {
	Speech transcriber.Config

	// MinConfidence drops finals whose reported confidence is below it.
	// Zero routes every final.
	MinConfidence float64

	// SpeechLevel is the amplitude at which a sample counts as voice.
	SpeechLevel float64

	SilenceWarn     time.Duration
	NoSpeechTimeout time.Duration // zero disables
}

func DefaultConfig() Config {
	return Config{
		Speech: transcriber.Config{
			Continuous:     true,
			InterimResults: true,
			Locale:         "en-US",
			SampleRate:     audio.SampleRate,
			Channels:       audio.Channels,
		},
		SpeechLevel:     0.12,
		SilenceWarn:     8 * time.Second,
		NoSpeechTimeout: 30 * time.Second,
	}
}

type Deps struct {
	Capture    Capture
	Recognizer transcriber.Recognizer
	Sampler    Sampler
	Handler    TranscriptHandler
	Notifier   notify.Sink
	Metrics    *observe.Metrics
}

type op int

const (
	opActivate op = iota
	opDeactivate
	opToggle
	opClose
)

type request struct {
	op   op
	done chan struct{}
}

type acquireResult struct {
	token  uint64
	stream *audio.Stream
	err    error
}

type transcriptMsg struct {
	token uint64
	ev    transcriber.Event
}

type sessionEnded struct {
	token uint64
}

type sampleMsg struct {
	token  uint64
	sample audio.Sample
}

// Machine is safe for concurrent use. Listener callbacks run on the loop
// goroutine and must not call Activate, Deactivate, Toggle or Close
// synchronously.
type Machine struct {
	cfg  Config
	deps Deps

	ctx    context.Context
	cancel context.CancelFunc

	reqs    chan request
	events  chan any
	samples chan sampleMsg // at most one pending
	quit    chan struct{}
	done    chan struct{}

	acquiring sync.WaitGroup // in-flight Acquire calls

	mu            sync.Mutex
	state         State
	token         uint64
	onStateChange []func(from, to State)
	onSample      func(audio.Sample)
	onInterim     func(transcriber.Event)

	// loop-owned
	stream      *audio.Stream
	session     transcriber.Session
	cancelReq   context.CancelFunc
	silence     *silenceClock
	sessionCmds int
}

func New(cfg Config, deps Deps) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		cfg:     cfg,
		deps:    deps,
		ctx:     ctx,
		cancel:  cancel,
		reqs:    make(chan request),
		events:  make(chan any, 64),
		samples: make(chan sampleMsg, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Token returns the current session token. It increases on every activate
// and deactivate.
func (m *Machine) Token() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

func (m *Machine) OnStateChange(fn func(from, to State)) {
	m.mu.Lock()
	m.onStateChange = append(m.onStateChange, fn)
	m.mu.Unlock()
}

func (m *Machine) OnSample(fn func(audio.Sample)) {
	m.mu.Lock()
	m.onSample = fn
	m.mu.Unlock()
}

func (m *Machine) OnInterim(fn func(transcriber.Event)) {
	m.mu.Lock()
	m.onInterim = fn
	m.mu.Unlock()
}

// Activate starts acquiring the microphone. It returns once the request has
// been processed, usually in Requesting; failures surface as state changes
// and notifications.
func (m *Machine) Activate() { m.do(opActivate) }

// Deactivate tears the session down. When it returns the sampler is stopped,
// the recognizer is stopped, the stream is released and no further sample or
// transcript callback will run for the old session.
func (m *Machine) Deactivate() { m.do(opDeactivate) }

func (m *Machine) Toggle() { m.do(opToggle) }

// Close deactivates and stops the loop. It waits for in-flight acquires and
// releases any stream they returned. Later calls are no-ops.
func (m *Machine) Close() {
	m.do(opClose)
	<-m.done
	m.acquiring.Wait()
	for {
		select {
		case ev := <-m.events:
			if res, ok := ev.(acquireResult); ok && res.stream != nil {
				m.deps.Capture.Release(res.stream)
			}
		default:
			return
		}
	}
}

func (m *Machine) do(o op) {
	r := request{op: o, done: make(chan struct{})}
	select {
	case m.reqs <- r:
	case <-m.quit:
		return
	}
	<-r.done
}

func (m *Machine) post(ev any) {
	select {
	case m.events <- ev:
	case <-m.quit:
		if res, ok := ev.(acquireResult); ok && res.stream != nil {
			m.deps.Capture.Release(res.stream)
		}
	}
}

// postSample keeps only the newest pending sample.
func (m *Machine) postSample(s sampleMsg) {
	for {
		select {
		case m.samples <- s:
			return
		default:
		}
		select {
		case <-m.samples:
		default:
		}
	}
}

func (m *Machine) loop() {
	defer close(m.done)
	for {
		select {
		case r := <-m.reqs:
			stop := m.handleRequest(r.op)
			close(r.done)
			if stop {
				return
			}
		case ev := <-m.events:
			m.handleEvent(ev)
		case s := <-m.samples:
			m.handleSample(s)
		}
	}
}

func (m *Machine) handleRequest(o op) bool {
	state := m.State()
	switch o {
	case opActivate:
		m.activate(state)
	case opDeactivate:
		m.deactivate(state)
	case opToggle:
		if state.Active() {
			m.deactivate(state)
		} else {
			m.activate(state)
		}
	case opClose:
		m.deactivate(state)
		close(m.quit)
		m.cancel()
		return true
	}
	return false
}

func (m *Machine) handleEvent(ev any) {
	switch ev := ev.(type) {
	case acquireResult:
		m.handleAcquire(ev)
	case transcriptMsg:
		if ev.token != m.Token() {
			return
		}
		m.handleTranscript(ev.ev)
	case sessionEnded:
		if ev.token != m.Token() {
			return
		}
		log.Info("recognizer ended the session")
		m.teardown(false)
		m.transition(Idle)
		m.notify(notify.Info, "Listening stopped")
	}
}

func (m *Machine) activate(state State) {
	if state.Active() {
		return
	}
	token := m.bump()
	m.transition(Requesting)

	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelReq = cancel
	m.acquiring.Add(1)
	go func() {
		defer m.acquiring.Done()
		stream, err := m.deps.Capture.Acquire(ctx)
		m.post(acquireResult{token: token, stream: stream, err: err})
	}()
}

func (m *Machine) deactivate(state State) {
	if state == Idle {
		return
	}
	m.teardown(true)
	m.transition(Idle)
}

func (m *Machine) handleAcquire(res acquireResult) {
	if res.token != m.Token() || m.State() != Requesting {
		if res.stream != nil {
			m.deps.Capture.Release(res.stream)
		}
		return
	}
	if m.cancelReq != nil {
		m.cancelReq()
		m.cancelReq = nil
	}
	if res.err != nil {
		m.fail(res.err)
		return
	}

	m.stream = res.stream
	session, err := m.deps.Recognizer.Start(m.ctx, m.cfg.Speech)
	if err != nil {
		m.fail(transcriber.NewEngineError(transcriber.CodeEngine, err))
		return
	}
	m.session = session
	m.sessionCmds = 0
	m.silence = &silenceClock{
		mon:   newSilenceMonitor(m.cfg.SilenceWarn, m.cfg.NoSpeechTimeout),
		level: m.cfg.SpeechLevel,
	}

	token := res.token
	res.stream.SetSink(session.Feed)
	go m.pump(token, session)
	if m.deps.Sampler != nil {
		m.deps.Sampler.Start(res.stream, func(s audio.Sample) {
			m.postSample(sampleMsg{token: token, sample: s})
		})
	}

	log.SessionStart(m.deps.Recognizer.Name(), m.cfg.Speech.Locale, m.cfg.Speech.Continuous, m.cfg.Speech.InterimResults)
	m.deps.Metrics.SessionStarted(m.ctx)
	m.transition(Listening)
}

// pump forwards session events to the loop in order.
func (m *Machine) pump(token uint64, s transcriber.Session) {
	for ev := range s.Events() {
		m.post(transcriptMsg{token: token, ev: ev})
	}
	m.post(sessionEnded{token: token})
}

func (m *Machine) handleTranscript(ev transcriber.Event) {
	state := m.State()
	if state != Listening && state != Processing {
		return
	}
	if ev.Err != nil {
		m.fail(ev.Err)
		return
	}
	if !ev.IsFinal {
		m.mu.Lock()
		fn := m.onInterim
		m.mu.Unlock()
		if fn != nil {
			fn(ev)
		}
		return
	}
	if m.cfg.MinConfidence > 0 && ev.Confidence > 0 && ev.Confidence < m.cfg.MinConfidence {
		log.Infof("dropped final below confidence %.2f (%.2f)", m.cfg.MinConfidence, ev.Confidence)
		return
	}

	m.transition(Processing)
	m.sessionCmds++
	if m.deps.Handler != nil {
		m.deps.Handler.HandleTranscript(ev)
	}
	if m.cfg.Speech.Continuous {
		m.transition(Listening)
		return
	}
	m.teardown(true)
	m.transition(Idle)
}

func (m *Machine) handleSample(s sampleMsg) {
	if s.token != m.Token() {
		return
	}
	state := m.State()
	if state != Listening && state != Processing {
		return
	}
	m.mu.Lock()
	fn := m.onSample
	m.mu.Unlock()
	if fn != nil {
		fn(s.sample)
	}

	if m.silence == nil || state != Listening {
		return
	}
	switch m.silence.observe(s.sample.Amplitude, s.sample.CapturedAt) {
	case silenceWarn:
		m.notify(notify.Warning, "No voice detected")
	case silenceClear:
		log.Info("voice detected again")
	case silenceTimeout:
		m.fail(transcriber.NewEngineError(transcriber.CodeNoSpeech, transcriber.ErrNoSpeech))
	}
}

// fail tears the session down, enters Error, reports exactly one
// notification and settles in Disconnected.
func (m *Machine) fail(err error) {
	kind, msg := describeFailure(err)
	log.Errorf("voice session failed (%s): %v", kind, err)
	var ee *transcriber.EngineError
	if errors.As(err, &ee) && m.deps.Recognizer != nil {
		log.EngineError(m.deps.Recognizer.Name(), ee.Code, ee.Err)
	}
	m.deps.Metrics.RecordProviderError(m.ctx, kind)

	m.teardown(false)
	m.transition(Error)
	m.notify(notify.Error, msg)
	m.transition(Disconnected)
}

// teardown stops the sampler, then the recognizer, then releases the stream,
// and invalidates the session token. graceful selects Stop over Abort.
func (m *Machine) teardown(graceful bool) {
	m.bump()
	if m.cancelReq != nil {
		m.cancelReq()
		m.cancelReq = nil
	}
	if m.deps.Sampler != nil {
		m.deps.Sampler.Stop()
	}
	// drop a sample that raced in before the sampler stopped
	select {
	case <-m.samples:
	default:
	}
	hadSession := m.session != nil
	if m.session != nil {
		if graceful {
			m.session.Stop()
		} else {
			m.session.Abort()
		}
		m.session = nil
	}
	if m.stream != nil {
		m.stream.ClearSink()
		m.deps.Capture.Release(m.stream)
		m.stream = nil
	}
	m.silence = nil
	if hadSession {
		log.SessionEnd(m.sessionCmds)
		m.deps.Metrics.SessionEnded(m.ctx)
	}
}

func (m *Machine) bump() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token++
	return m.token
}

func (m *Machine) transition(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	token := m.token
	listeners := m.onStateChange
	m.mu.Unlock()

	log.Transition(from.String(), to.String(), token)
	m.deps.Metrics.RecordTransition(m.ctx, from.String(), to.String())
	for _, fn := range listeners {
		fn(from, to)
	}
}

func (m *Machine) notify(kind notify.Kind, msg string) {
	if m.deps.Notifier == nil {
		return
	}
	m.deps.Notifier.Push(notify.Notification{Kind: kind, Message: msg})
}

// describeFailure maps a provider error to a metric label and a message for
// the user.
func describeFailure(err error) (kind, msg string) {
	var ee *transcriber.EngineError
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return "permission_denied", "Microphone permission denied"
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return "device_unavailable", "No microphone available"
	case errors.As(err, &ee):
		switch ee.Code {
		case transcriber.CodeNoSpeech:
			return "no_speech", "No speech detected"
		case transcriber.CodeNetwork:
			return "network", "Speech service unreachable"
		case transcriber.CodeNotAllowed:
			return "not_allowed", "Speech recognition not allowed; check the API key"
		case transcriber.CodeAborted:
			return "aborted", "Speech recognition was interrupted"
		default:
			return "engine", fmt.Sprintf("Speech recognition failed (%s)", ee.Code)
		}
	default:
		return "capture", fmt.Sprintf("Voice input failed: %v", err)
	}
}
