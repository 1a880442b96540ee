package command

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"hark/analysis"
	"hark/log"
	"hark/notify"
	"hark/observe"
	"hark/transcriber"
)

// HandlerFunc performs an application action for a command. The returned
// message, when non-empty, replaces the default outcome text.
type HandlerFunc func(ctx context.Context, cmd Command) (string, error)

// Analyzer is the outbound analysis service. *analysis.Client satisfies it.
// Calls are skipped while Enabled reports false.
type Analyzer interface {
	Enabled() bool
	ProcessVoiceInput(ctx context.Context, text, sessionID string) error
	FullAnalysis(ctx context.Context, req analysis.Request) error
}

type Option func(*Router)

func WithMatcher(m *Matcher) Option { return func(r *Router) { r.matcher = m } }

func WithParticipants(p []string) Option {
	return func(r *Router) { r.participants = append([]string(nil), p...) }
}

// WithContextLabel sets the label sent with full analysis requests.
func WithContextLabel(label string) Option { return func(r *Router) { r.contextLabel = label } }

func WithMetrics(m *observe.Metrics) Option { return func(r *Router) { r.metrics = m } }

// Router routes final transcripts, runs the registered intent handler,
// reports exactly one outcome notification per command and forwards
// utterances to the analysis service. Outbound failures only produce a
// notification.
type Router struct {
	matcher      *Matcher
	notifier     notify.Sink
	analyzer     Analyzer
	participants []string
	contextLabel string
	metrics      *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	handlers   map[Intent]HandlerFunc
	sessionID  string
	transcript []string
	commands   int
}

// NewRouter builds a Router. analyzer may be nil.
func NewRouter(notifier notify.Sink, analyzer Analyzer, opts ...Option) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		matcher:  defaultMatcher,
		notifier: notifier,
		analyzer: analyzer,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[Intent]HandlerFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle registers fn for intent, replacing any previous handler.
func (r *Router) Handle(intent Intent, fn HandlerFunc) {
	r.mu.Lock()
	r.handlers[intent] = fn
	r.mu.Unlock()
}

// HandleTranscript routes a final transcript event. Interim events and empty
// text are ignored.
func (r *Router) HandleTranscript(ev transcriber.Event) {
	r.Dispatch(ev)
}

// Dispatch is HandleTranscript returning the routed command. ok is false
// when the event was not routable.
func (r *Router) Dispatch(ev transcriber.Event) (cmd Command, ok bool) {
	if !ev.IsFinal || ev.Err != nil || strings.TrimSpace(ev.Text) == "" {
		return Command{}, false
	}

	cmd = r.matcher.Route(ev.Text)

	r.mu.Lock()
	if ev.SessionID != r.sessionID {
		r.sessionID = ev.SessionID
		r.transcript = nil
	}
	r.transcript = append(r.transcript, cmd.Raw)
	full := strings.Join(r.transcript, "\n")
	handler := r.handlers[cmd.Intent]
	r.commands++
	r.mu.Unlock()

	log.Command(cmd.Intent.String(), cmd.Params, ev.SessionID)
	r.metrics.RecordCommand(r.ctx, cmd.Intent.String())

	r.outbound(analysis.CallProcess, func(ctx context.Context) error {
		return r.analyzer.ProcessVoiceInput(ctx, cmd.Raw, ev.SessionID)
	})
	if cmd.Intent == AnalysisRequest {
		req := analysis.Request{Transcript: full, Participants: r.participants, Context: r.contextLabel}
		r.outbound(analysis.CallAnalysis, func(ctx context.Context) error {
			return r.analyzer.FullAnalysis(ctx, req)
		})
	}

	kind, msg := outcome(cmd)
	if handler != nil {
		custom, err := handler(r.ctx, cmd)
		switch {
		case err != nil:
			kind, msg = notify.Error, fmt.Sprintf("Couldn't %s: %v", describe(cmd), err)
		case custom != "":
			msg = custom
		}
	}
	r.push(kind, msg)
	return cmd, true
}

// Transcript returns the utterances of the current session, oldest first.
func (r *Router) Transcript() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.transcript...)
}

// Commands returns the number of commands routed so far.
func (r *Router) Commands() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commands
}

// Wait blocks until in-flight outbound calls finish.
func (r *Router) Wait() { r.wg.Wait() }

// Close cancels outbound calls and waits for them.
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Router) outbound(call string, fn func(ctx context.Context) error) {
	if r.analyzer == nil || !r.analyzer.Enabled() {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := fn(r.ctx); err != nil {
			if r.ctx.Err() != nil {
				return
			}
			log.Warnf("outbound %s: %v", call, err)
			r.push(notify.Error, networkMessage(call))
		}
	}()
}

func (r *Router) push(kind notify.Kind, msg string) {
	if r.notifier == nil {
		return
	}
	r.notifier.Push(notify.Notification{Kind: kind, Message: msg})
}

func networkMessage(call string) string {
	if call == analysis.CallAnalysis {
		return "Analysis service unreachable; analysis not started"
	}
	return "Analysis service unreachable; utterance not sent"
}

func outcome(cmd Command) (notify.Kind, string) {
	switch cmd.Intent {
	case Navigate:
		return notify.Success, "Opening " + cmd.Param("target")
	case Search:
		return notify.Success, fmt.Sprintf("Searching for %q", cmd.Param("query"))
	case ThemeSwitch:
		return notify.Success, "Switched to " + cmd.Param("theme") + " mode"
	case AnalysisRequest:
		return notify.Success, "Analysis requested"
	case Help:
		return notify.Info, "Try: " + strings.Join(Examples(), ", ")
	default:
		return notify.Info, fmt.Sprintf("Heard: %q", cmd.Raw)
	}
}

func describe(cmd Command) string {
	switch cmd.Intent {
	case Navigate:
		return "open " + cmd.Param("target")
	case Search:
		return "search"
	case ThemeSwitch:
		return "switch theme"
	case AnalysisRequest:
		return "request analysis"
	case Help:
		return "show help"
	default:
		return "handle request"
	}
}
