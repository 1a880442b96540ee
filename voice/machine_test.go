package voice

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hark/audio"
	"hark/notify"
	"hark/transcriber"
)

type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.steps = append(r.steps, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steps...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.steps = nil
	r.mu.Unlock()
}

// testCapture wraps a real provider over a push context. When gate is set,
// Acquire waits for it and ignores cancellation.
type testCapture struct {
	p     *audio.Provider
	order *recorder
	gate  chan struct{}

	mu       sync.Mutex
	acquires int
	ctxs     []context.Context
	streams  []*audio.Stream
}

func (c *testCapture) Acquire(ctx context.Context) (*audio.Stream, error) {
	c.mu.Lock()
	c.acquires++
	c.ctxs = append(c.ctxs, ctx)
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		<-gate
		ctx = context.Background()
	}
	s, err := c.p.Acquire(ctx)
	if s != nil {
		c.mu.Lock()
		c.streams = append(c.streams, s)
		c.mu.Unlock()
	}
	return s, err
}

func (c *testCapture) Release(s *audio.Stream) {
	c.order.add("capture")
	c.p.Release(s)
}

func (c *testCapture) lastStream() *audio.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return nil
	}
	return c.streams[len(c.streams)-1]
}

func (c *testCapture) contexts() []context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]context.Context(nil), c.ctxs...)
}

func (c *testCapture) acquireCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquires
}

type testSampler struct {
	order *recorder

	mu      sync.Mutex
	fn      func(audio.Sample)
	running bool
}

func (s *testSampler) Start(_ *audio.Stream, fn func(audio.Sample)) {
	s.mu.Lock()
	s.fn, s.running = fn, true
	s.mu.Unlock()
}

func (s *testSampler) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	s.fn, s.running = nil, false
	s.mu.Unlock()
	if wasRunning {
		s.order.add("sampler")
	}
}

func (s *testSampler) callback() func(audio.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fn
}

func (s *testSampler) push(smp audio.Sample) bool {
	fn := s.callback()
	if fn == nil {
		return false
	}
	fn(smp)
	return true
}

type orderedRecognizer struct {
	*transcriber.Fake
	order *recorder
	flush string // final emitted by a graceful Stop
}

func (r *orderedRecognizer) Start(ctx context.Context, cfg transcriber.Config) (transcriber.Session, error) {
	s, err := r.Fake.Start(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &orderedSession{Session: s, order: r.order, flush: r.flush}, nil
}

type orderedSession struct {
	transcriber.Session
	order *recorder
	flush string
}

func (s *orderedSession) Stop() {
	s.order.add("recognizer")
	if fs, ok := s.Session.(*transcriber.FakeSession); ok && s.flush != "" {
		fs.Emit(s.flush, true, 0.9)
	}
	s.Session.Stop()
}

func (s *orderedSession) Abort() {
	s.order.add("recognizer")
	s.Session.Abort()
}

type recordingHandler struct {
	mu     sync.Mutex
	finals []transcriber.Event
}

func (h *recordingHandler) HandleTranscript(ev transcriber.Event) {
	h.mu.Lock()
	h.finals = append(h.finals, ev)
	h.mu.Unlock()
}

func (h *recordingHandler) texts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, ev := range h.finals {
		out = append(out, ev.Text)
	}
	return out
}

type harness struct {
	m       *Machine
	pc      *audio.FakeContext
	perm    *audio.FakePermission
	capture *testCapture
	rec     *transcriber.Fake
	recog   *orderedRecognizer
	sampler *testSampler
	handler *recordingHandler
	center  *notify.Center
	order   *recorder
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	order := &recorder{}
	pc := audio.NewPushContext()
	perm := &audio.FakePermission{}
	pcfg := audio.DefaultProviderConfig()
	pcfg.Permission = perm.Func()

	h := &harness{
		pc:      pc,
		perm:    perm,
		capture: &testCapture{p: audio.NewProvider(pc, pcfg), order: order},
		rec:     transcriber.NewFake(),
		sampler: &testSampler{order: order},
		handler: &recordingHandler{},
		center:  notify.New(20, time.Minute),
		order:   order,
	}
	h.recog = &orderedRecognizer{Fake: h.rec, order: order}
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h.m = New(cfg, Deps{
		Capture:    h.capture,
		Recognizer: h.recog,
		Sampler:    h.sampler,
		Handler:    h.handler,
		Notifier:   h.center,
	})
	t.Cleanup(func() {
		h.m.Close()
		h.center.Close()
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return h.m.State() == want })
}

// listen activates and returns the recognizer session once Listening.
func (h *harness) listen(t *testing.T) *transcriber.FakeSession {
	t.Helper()
	h.m.Activate()
	h.waitState(t, Listening)
	s := h.rec.Last()
	if s == nil {
		t.Fatal("no recognizer session")
	}
	return s
}

func (h *harness) notifications(kind notify.Kind) []notify.Notification {
	var out []notify.Notification
	for _, n := range h.center.List() {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func TestActivateReachesListening(t *testing.T) {
	h := newHarness(t, nil)

	var mu sync.Mutex
	var seen []State
	h.m.OnStateChange(func(_, to State) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})

	s := h.listen(t)
	if h.perm.Prompts() != 1 {
		t.Errorf("permission prompts = %d, want 1", h.perm.Prompts())
	}
	cfg := s.Config()
	if !cfg.Continuous || !cfg.InterimResults || cfg.Locale != "en-US" {
		t.Errorf("recognizer config = %+v", cfg)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != Requesting || seen[1] != Listening {
		t.Errorf("transitions = %v", seen)
	}
}

func TestAudioFlowsToRecognizer(t *testing.T) {
	h := newHarness(t, nil)
	s := h.listen(t)

	if !h.pc.Push(audio.Tone(440, 0.5, 20*time.Millisecond)) {
		t.Fatal("push failed")
	}
	if s.Fed() == 0 {
		t.Error("recognizer received no audio")
	}
}

func TestDeactivateReleasesInOrder(t *testing.T) {
	h := newHarness(t, nil)
	s := h.listen(t)
	stream := h.capture.lastStream()
	h.order.reset()

	tokenBefore := h.m.Token()
	h.m.Deactivate()

	if got := h.m.State(); got != Idle {
		t.Fatalf("state = %v, want idle", got)
	}
	want := []string{"sampler", "recognizer", "capture"}
	got := h.order.list()
	if len(got) != len(want) {
		t.Fatalf("teardown order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("teardown order = %v, want %v", got, want)
		}
	}
	if !s.Stopped() {
		t.Error("recognizer not stopped")
	}
	if !stream.Released() {
		t.Error("stream not released")
	}
	if h.m.Token() <= tokenBefore {
		t.Error("token did not advance")
	}
}

func TestNoCallbacksAfterDeactivate(t *testing.T) {
	h := newHarness(t, nil)

	var samples, interims atomic.Int64
	h.m.OnSample(func(audio.Sample) { samples.Add(1) })
	h.m.OnInterim(func(transcriber.Event) { interims.Add(1) })

	s := h.listen(t)
	staleSample := h.sampler.callback()

	h.sampler.push(audio.ZeroSample(4, time.Now()))
	s.Emit("hello", false, 0)
	waitFor(t, "first sample and interim", func() bool {
		return samples.Load() == 1 && interims.Load() == 1
	})

	h.m.Deactivate()
	afterSamples, afterInterims := samples.Load(), interims.Load()

	// late deliveries from the torn-down session
	staleSample(audio.ZeroSample(4, time.Now()))
	s.Emit("late", true, 0.9)
	time.Sleep(20 * time.Millisecond)

	if samples.Load() != afterSamples || interims.Load() != afterInterims {
		t.Errorf("callbacks after deactivate: samples %d->%d interims %d->%d",
			afterSamples, samples.Load(), afterInterims, interims.Load())
	}
	if len(h.handler.texts()) != 0 {
		t.Errorf("handler got %v after deactivate", h.handler.texts())
	}
}

func TestFinalFlushedOnStopIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.recog.flush = "open settings"

	h.listen(t)
	h.m.Deactivate()
	time.Sleep(20 * time.Millisecond)

	if got := h.handler.texts(); len(got) != 0 {
		t.Errorf("handler got %v flushed by deactivate", got)
	}
	if got := h.m.State(); got != Idle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestDeactivateRacesLateEvents(t *testing.T) {
	h := newHarness(t, nil)
	var samples atomic.Int64
	var deactivated atomic.Bool
	var late atomic.Int64
	h.m.OnSample(func(audio.Sample) {
		samples.Add(1)
		if deactivated.Load() {
			late.Add(1)
		}
	})

	for round := 0; round < 20; round++ {
		deactivated.Store(false)
		s := h.listen(t)
		stale := h.sampler.callback()

		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					stale(audio.ZeroSample(2, time.Now()))
				}
			}
		}()
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					s.Emit("word", false, 0)
				}
			}
		}()

		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
		h.m.Deactivate()
		deactivated.Store(true)
		time.Sleep(2 * time.Millisecond)
		close(stop)
		wg.Wait()
	}
	time.Sleep(10 * time.Millisecond)
	if late.Load() != 0 {
		t.Errorf("%d samples delivered after deactivate", late.Load())
	}
}

func TestActivateSerialization(t *testing.T) {
	h := newHarness(t, nil)
	gate := make(chan struct{})
	h.capture.gate = gate

	h.m.Activate()
	h.m.Activate()
	h.m.Toggle() // active: deactivates
	if got := h.m.State(); got != Idle {
		t.Fatalf("state after toggle = %v, want idle", got)
	}
	h.m.Deactivate() // idle: no-op
	token := h.m.Token()
	h.m.Deactivate()
	if h.m.Token() != token {
		t.Error("deactivate while idle changed the token")
	}
	close(gate)

	waitFor(t, "stale stream released", func() bool {
		s := h.capture.lastStream()
		return s != nil && s.Released()
	})
	if n := h.capture.acquireCount(); n != 1 {
		t.Errorf("acquire calls = %d, want 1", n)
	}
	if got := h.m.State(); got != Idle {
		t.Errorf("state = %v, want idle", got)
	}
	if h.rec.Sessions() != 0 {
		t.Errorf("recognizer started %d sessions for a stale acquire", h.rec.Sessions())
	}
}

func TestActivateWhileListeningIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	h.listen(t)
	token := h.m.Token()
	h.m.Activate()
	if h.m.Token() != token || h.m.State() != Listening {
		t.Errorf("second activate changed state: %v token %d->%d", h.m.State(), token, h.m.Token())
	}
	if h.capture.acquireCount() != 1 {
		t.Errorf("acquire calls = %d", h.capture.acquireCount())
	}
}

func TestPermissionDeniedThenGranted(t *testing.T) {
	h := newHarness(t, nil)
	h.perm.Deny()

	h.m.Activate()
	h.waitState(t, Disconnected)

	errs := h.notifications(notify.Error)
	if len(errs) != 1 || errs[0].Message != "Microphone permission denied" {
		t.Fatalf("error notifications = %+v", errs)
	}

	h.perm.Grant()
	h.listen(t)
	if h.perm.Prompts() != 2 {
		t.Errorf("prompts = %d, want 2", h.perm.Prompts())
	}
}

func TestDeviceUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.pc.FailWith(errors.New("no such device"))

	var mu sync.Mutex
	var seen []State
	h.m.OnStateChange(func(_, to State) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})

	h.m.Activate()
	h.waitState(t, Disconnected)

	errs := h.notifications(notify.Error)
	if len(errs) != 1 || errs[0].Message != "No microphone available" {
		t.Errorf("error notifications = %+v", errs)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []State{Requesting, Error, Disconnected}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", seen, want)
		}
	}
}

func TestEngineErrorDisconnects(t *testing.T) {
	h := newHarness(t, nil)
	s := h.listen(t)
	stream := h.capture.lastStream()

	s.Fail(transcriber.CodeNetwork)
	h.waitState(t, Disconnected)

	if !stream.Released() {
		t.Error("stream not released after engine error")
	}
	errs := h.notifications(notify.Error)
	if len(errs) != 1 || errs[0].Message != "Speech service unreachable" {
		t.Errorf("error notifications = %+v", errs)
	}

	h.listen(t)
	if h.rec.Sessions() != 2 {
		t.Errorf("sessions = %d, want 2", h.rec.Sessions())
	}
}

func TestRecognizerStartFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.rec.FailStart(errors.New("boom"))

	h.m.Activate()
	h.waitState(t, Disconnected)
	if s := h.capture.lastStream(); s == nil || !s.Released() {
		t.Error("stream not released after recognizer start failure")
	}
	if n := len(h.notifications(notify.Error)); n != 1 {
		t.Errorf("error notifications = %d, want 1", n)
	}
}

func TestContinuousKeepsListening(t *testing.T) {
	h := newHarness(t, nil)

	var mu sync.Mutex
	var seen []State
	h.m.OnStateChange(func(_, to State) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})

	s := h.listen(t)
	s.Emit("show dashboard", true, 0.9)
	s.Emit("dark mode", true, 0.8)
	waitFor(t, "six transitions", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 6
	})

	if h.m.State() != Listening {
		t.Errorf("state = %v, want listening", h.m.State())
	}
	if got := h.handler.texts(); len(got) != 2 || got[0] != "show dashboard" {
		t.Errorf("finals = %v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []State{Requesting, Listening, Processing, Listening, Processing, Listening}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", seen, want)
		}
	}
}

func TestSingleShotReturnsToIdle(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Speech.Continuous = false })
	s := h.listen(t)
	stream := h.capture.lastStream()

	s.Emit("search for budget review", true, 0.9)
	h.waitState(t, Idle)

	if got := h.handler.texts(); len(got) != 1 {
		t.Fatalf("finals = %v", got)
	}
	if !stream.Released() {
		t.Error("stream not released")
	}
	if h.center.Len() != 0 {
		t.Errorf("unexpected notifications: %+v", h.center.List())
	}
}

func TestRecognizerEndTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	s := h.listen(t)
	stream := h.capture.lastStream()

	s.End()
	h.waitState(t, Idle)

	if !stream.Released() {
		t.Error("stream not released")
	}
	infos := h.notifications(notify.Info)
	if len(infos) != 1 {
		t.Errorf("info notifications = %+v", infos)
	}
}

func TestInterimNotRouted(t *testing.T) {
	h := newHarness(t, nil)
	var interim atomic.Value
	h.m.OnInterim(func(ev transcriber.Event) { interim.Store(ev.Text) })

	s := h.listen(t)
	s.Emit("show dash", false, 0)
	waitFor(t, "interim", func() bool { return interim.Load() == "show dash" })
	if len(h.handler.texts()) != 0 {
		t.Error("interim reached the handler")
	}
}

func TestMinConfidence(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MinConfidence = 0.5 })
	s := h.listen(t)

	s.Emit("mumble", true, 0.2)
	s.Emit("no score", true, 0)
	s.Emit("show dashboard", true, 0.9)
	waitFor(t, "finals", func() bool { return len(h.handler.texts()) == 2 })

	got := h.handler.texts()
	if got[0] != "no score" || got[1] != "show dashboard" {
		t.Errorf("routed = %v", got)
	}
}

func TestSilenceWarnsThenTimesOut(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.SilenceWarn = time.Second
		c.NoSpeechTimeout = 3 * time.Second
	})
	var delivered atomic.Int64
	h.m.OnSample(func(audio.Sample) { delivered.Add(1) })
	h.listen(t)

	start := time.Now()
	push := func(at time.Duration) {
		t.Helper()
		n := delivered.Load()
		h.sampler.push(audio.Sample{Bins: []float64{0}, CapturedAt: start.Add(at)})
		waitFor(t, "sample delivery", func() bool { return delivered.Load() > n })
	}

	push(0)
	push(1050 * time.Millisecond)
	waitFor(t, "silence warning", func() bool { return len(h.notifications(notify.Warning)) == 1 })
	if h.m.State() != Listening {
		t.Fatalf("state after warning = %v", h.m.State())
	}

	push(3100 * time.Millisecond)
	h.waitState(t, Disconnected)
	errs := h.notifications(notify.Error)
	if len(errs) != 1 || errs[0].Message != "No speech detected" {
		t.Errorf("error notifications = %+v", errs)
	}
}

func TestSettledStatesAlwaysDefined(t *testing.T) {
	h := newHarness(t, nil)
	r := rand.New(rand.NewSource(1))

	for i := 0; i < 200; i++ {
		switch r.Intn(5) {
		case 0, 1:
			h.m.Activate()
		case 2, 3:
			h.m.Deactivate()
		case 4:
			h.m.Toggle()
		}
		if i%7 == 0 {
			time.Sleep(time.Millisecond)
		}
		switch st := h.m.State(); st {
		case Idle, Requesting, Listening, Processing, Error, Disconnected:
		default:
			t.Fatalf("step %d: settled in %v", i, st)
		}
	}
	h.m.Deactivate()
	waitFor(t, "all streams released", func() bool {
		h.capture.mu.Lock()
		defer h.capture.mu.Unlock()
		for _, s := range h.capture.streams {
			if !s.Released() {
				return false
			}
		}
		return true
	})
}

func TestCloseTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	s := h.listen(t)
	stream := h.capture.lastStream()

	h.m.Close()
	if !stream.Released() || !s.Stopped() {
		t.Error("close left resources held")
	}
	h.m.Activate() // no-op after close
	if h.m.State() != Idle {
		t.Errorf("state after close = %v", h.m.State())
	}
}

func TestCloseReleasesLateAcquire(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, nil)
		gate := make(chan struct{})
		h.capture.gate = gate
		h.m.Activate()

		closed := make(chan struct{})
		go func() {
			h.m.Close()
			close(closed)
		}()
		waitFor(t, "close stops the loop", func() bool {
			select {
			case <-h.m.done:
				return true
			default:
				return false
			}
		})
		close(gate)
		select {
		case <-closed:
		case <-time.After(2 * time.Second):
			t.Fatal("Close did not return after the acquire finished")
		}
		s := h.capture.lastStream()
		if s == nil || !s.Released() {
			t.Fatalf("run %d: stream acquired after close left open", i)
		}
	}
}

func TestAcquireContextCancelledAfterListen(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		h.listen(t)
		h.m.Deactivate()
	}
	ctxs := h.capture.contexts()
	if len(ctxs) != 3 {
		t.Fatalf("acquires = %d, want 3", len(ctxs))
	}
	for i, ctx := range ctxs {
		if ctx.Err() == nil {
			t.Errorf("acquire context %d still live", i)
		}
	}
}

func TestDescribeFailure(t *testing.T) {
	tests := []struct {
		err  error
		kind string
		msg  string
	}{
		{audio.ErrPermissionDenied, "permission_denied", "Microphone permission denied"},
		{errors.Join(audio.ErrDeviceUnavailable, errors.New("x")), "device_unavailable", "No microphone available"},
		{transcriber.NewEngineError(transcriber.CodeNoSpeech, nil), "no_speech", "No speech detected"},
		{transcriber.NewEngineError(transcriber.CodeEngine, nil), "engine", "Speech recognition failed (engine)"},
		{errors.New("odd"), "capture", "Voice input failed: odd"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			kind, msg := describeFailure(tt.err)
			if kind != tt.kind || msg != tt.msg {
				t.Errorf("describeFailure(%v) = %q, %q", tt.err, kind, msg)
			}
		})
	}
}
