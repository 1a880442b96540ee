package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"hark/audio"
	"hark/beep"
	"hark/config"
	"hark/hotkey"
	"hark/log"
	"hark/observe"
	"hark/transcriber"
	"hark/voice"
)

const scriptWait = 5 * time.Second

// testEnv is the headless, stdin-driven harness behind -test. The microphone,
// the recognizer and the hotkey are fakes steered by script commands.
type testEnv struct {
	app  *app
	out  *lineSink
	mic  *audio.FakeContext
	perm *audio.FakePermission
	rec  *transcriber.Fake
	hk   *hotkey.FakeHotkey
}

func newTestEnv(cfg *config.Config, metrics *observe.Metrics, wavPath string, out io.Writer) (*testEnv, error) {
	beep.Disable()
	mic := audio.NewPushContext()
	if wavPath != "" {
		var err error
		if mic, err = audio.NewFakeContext(wavPath, true); err != nil {
			return nil, fmt.Errorf("loading WAV: %w", err)
		}
	}
	env := &testEnv{
		out:  newLineSink(out),
		mic:  mic,
		perm: &audio.FakePermission{},
		rec:  transcriber.NewFake(),
		hk:   hotkey.NewFake(),
	}
	provider := audio.NewProvider(mic, audio.ProviderConfig{
		SampleRate: uint32(cfg.Audio.SampleRate),
		Bins:       cfg.Audio.Bins,
		Permission: env.perm.Func(),
	})
	env.app = newApp(cfg, appDeps{
		provider:   provider,
		recognizer: env.rec,
		metrics:    metrics,
		sink:       env.out,
	})
	return env, nil
}

func runTestMode(cfg *config.Config, metrics *observe.Metrics, wavPath string, in io.Reader, out io.Writer) error {
	env, err := newTestEnv(cfg, metrics, wavPath, out)
	if err != nil {
		return err
	}
	defer env.app.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serveHotkey(ctx, env.app, env.hk, 350*time.Millisecond)

	log.SessionStart("fake", cfg.Locale(), cfg.Speech.Continuous, cfg.Speech.InterimResults)
	return env.run(in)
}

// run executes script commands from in until QUIT or EOF.
func (e *testEnv) run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		quit, err := e.exec(line)
		if err != nil {
			e.out.printf("ERR %s: %v", line, err)
		}
		if quit {
			return nil
		}
	}
	return scanner.Err()
}

func (e *testEnv) exec(line string) (quit bool, err error) {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "TOGGLE":
		e.app.toggle()
	case "START":
		e.app.machine.Activate()
	case "STOP":
		e.app.machine.Deactivate()
	case "KEYDOWN":
		e.hk.SimKeydown()
	case "KEYUP":
		e.hk.SimKeyup()
	case "PRESS":
		e.hk.SimPress()
	case "SAY":
		return false, e.emit(arg, true)
	case "PARTIAL":
		return false, e.emit(arg, false)
	case "FAIL":
		if s := e.session(); s == nil || !s.Fail(arg) {
			return false, errNoSession
		}
	case "END":
		s := e.session()
		if s == nil {
			return false, errNoSession
		}
		s.End()
	case "DENY":
		e.perm.Deny()
	case "GRANT":
		e.perm.Grant()
	case "UNPLUG":
		e.mic.FailWith(fmt.Errorf("%w: unplugged", audio.ErrDeviceUnavailable))
	case "PLUG":
		e.mic.FailWith(nil)
	case "TONE":
		ms, err := strconv.Atoi(arg)
		if err != nil {
			return false, err
		}
		if !e.mic.Push(audio.Tone(440, 0.5, time.Duration(ms)*time.Millisecond)) {
			return false, errors.New("no capture running")
		}
	case "WAIT":
		return false, e.waitState(arg)
	case "WAIT_COMMANDS":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return false, err
		}
		return false, waitFor(func() bool { return e.app.router.Commands() >= n })
	case "WAIT_AUDIO_DONE":
		c := e.mic.LastCapture()
		if c == nil {
			return false, errors.New("no capture opened")
		}
		select {
		case <-c.AudioDone():
		case <-time.After(scriptWait):
			return false, errors.New("timeout")
		}
	case "SLEEP":
		ms, err := strconv.Atoi(arg)
		if err != nil {
			return false, err
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
	case "STATE":
		e.out.printf("AT %s", e.app.machine.State())
	case "QUIT":
		e.app.close()
		log.SessionEnd(e.app.router.Commands())
		return true, nil
	default:
		return false, errors.New("unknown command")
	}
	return false, nil
}

var errNoSession = errors.New("no live recognition session")

func (e *testEnv) session() *transcriber.FakeSession {
	s := e.rec.Last()
	if s == nil || s.Ended() {
		return nil
	}
	return s
}

func (e *testEnv) emit(text string, final bool) error {
	s := e.session()
	if s == nil || !s.Emit(text, final, 0.9) {
		return errNoSession
	}
	return nil
}

func (e *testEnv) waitState(name string) error {
	want, ok := voice.ParseState(name)
	if !ok {
		return fmt.Errorf("unknown state %q", name)
	}
	return waitFor(func() bool { return e.app.machine.State() == want })
}

func waitFor(cond func() bool) error {
	deadline := time.Now().Add(scriptWait)
	for !cond() {
		if time.Now().After(deadline) {
			return errors.New("timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}
