package main

import (
	"context"
	"fmt"
	"sync"

	"hark/audio"
	"hark/beep"
	"hark/command"
	"hark/config"
	"hark/log"
	"hark/notify"
	"hark/observe"
	"hark/transcriber"
	"hark/viz"
	"hark/voice"
)

type appDeps struct {
	provider   *audio.Provider
	recognizer transcriber.Recognizer
	analyzer   command.Analyzer // nil disables outbound calls
	metrics    *observe.Metrics
	sink       EventSink
}

// app wires the voice pipeline: machine -> router -> notifications, with
// every user-visible event mirrored to the sink.
type app struct {
	cfg     *config.Config
	sink    EventSink
	center  *notify.Center
	router  *command.Router
	sampler *viz.Sampler
	machine *voice.Machine

	mu    sync.Mutex
	theme string

	closeOnce sync.Once
}

func newApp(cfg *config.Config, d appDeps) *app {
	a := &app{cfg: cfg, sink: d.sink, theme: "dark"}

	a.center = notify.New(cfg.Notifications.Max, cfg.Notifications.TTL)
	a.center.OnPush(func(n notify.Notification) {
		log.Notification(n.Kind.String(), n.Message)
		d.metrics.RecordNotification(context.Background(), n.Kind.String())
	})
	a.center.Subscribe(d.sink.Notifications)

	a.router = command.NewRouter(a.center, d.analyzer,
		command.WithParticipants(cfg.Analysis.Participants),
		command.WithContextLabel(cfg.Analysis.Context),
		command.WithMetrics(d.metrics),
	)
	for _, intent := range []command.Intent{command.Navigate, command.Search, command.AnalysisRequest, command.Help, command.GenericQuery} {
		a.router.Handle(intent, a.show)
	}
	a.router.Handle(command.ThemeSwitch, a.switchTheme)

	a.sampler = viz.New(d.provider, cfg.SampleInterval())

	vcfg := voice.DefaultConfig()
	vcfg.Speech = transcriber.Config{
		Continuous:     cfg.Speech.Continuous,
		InterimResults: cfg.Speech.InterimResults,
		Locale:         cfg.Locale(),
		SampleRate:     cfg.Audio.SampleRate,
		Channels:       audio.Channels,
		Model:          cfg.Speech.Model,
	}
	vcfg.MinConfidence = cfg.Speech.MinConfidence
	vcfg.NoSpeechTimeout = cfg.Speech.NoSpeechTimeout

	a.machine = voice.New(vcfg, voice.Deps{
		Capture:    d.provider,
		Recognizer: d.recognizer,
		Sampler:    a.sampler,
		Handler:    a.router,
		Notifier:   a.center,
		Metrics:    d.metrics,
	})
	a.machine.OnStateChange(func(from, to voice.State) {
		if cue, ok := cueFor(from, to); ok {
			beep.Play(cue)
		}
		d.sink.StateChanged(from, to)
	})
	a.machine.OnSample(d.sink.Spectrum)
	a.machine.OnInterim(func(ev transcriber.Event) { d.sink.Interim(ev.Text) })
	return a
}

func (a *app) toggle()     { a.machine.Toggle() }
func (a *app) deactivate() { a.machine.Deactivate() }

// close tears the session down before the router and notifications go away.
func (a *app) close() {
	a.closeOnce.Do(func() {
		a.machine.Close()
		a.router.Close()
		a.center.Close()
	})
}

func (a *app) show(_ context.Context, cmd command.Command) (string, error) {
	a.sink.Command(cmd)
	return "", nil
}

func (a *app) switchTheme(_ context.Context, cmd command.Command) (string, error) {
	theme := cmd.Param("theme")
	a.mu.Lock()
	same := a.theme == theme
	a.theme = theme
	a.mu.Unlock()
	a.sink.Command(cmd)
	a.sink.Theme(theme)
	if same {
		return fmt.Sprintf("Already in %s mode", theme), nil
	}
	return "", nil
}

func (a *app) currentTheme() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.theme
}

// cueFor picks the audio cue for a transition.
func cueFor(from, to voice.State) (beep.Cue, bool) {
	switch {
	case to == voice.Listening && from == voice.Requesting:
		return beep.Listening, true
	case to == voice.Idle && from.Active():
		return beep.Stopped, true
	case to == voice.Error:
		return beep.Failed, true
	}
	return 0, false
}
