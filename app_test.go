package main

import (
	"flag"
	"strings"
	"testing"

	"hark/beep"
	"hark/command"
	"hark/config"
	"hark/notify"
	"hark/voice"
)

func TestCueFor(t *testing.T) {
	tests := []struct {
		from, to voice.State
		want     beep.Cue
		ok       bool
	}{
		{voice.Requesting, voice.Listening, beep.Listening, true},
		{voice.Processing, voice.Listening, 0, false},
		{voice.Listening, voice.Idle, beep.Stopped, true},
		{voice.Requesting, voice.Idle, beep.Stopped, true},
		{voice.Listening, voice.Error, beep.Failed, true},
		{voice.Error, voice.Disconnected, 0, false},
		{voice.Idle, voice.Requesting, 0, false},
	}
	for _, tt := range tests {
		got, ok := cueFor(tt.from, tt.to)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("cueFor(%s, %s) = (%v, %v), want (%v, %v)", tt.from, tt.to, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSwitchThemeReportsNoChange(t *testing.T) {
	var out syncBuffer
	env, err := newTestEnv(config.Default(), nil, "", &out)
	if err != nil {
		t.Fatal(err)
	}
	defer env.app.close()

	cmd := command.Route("dark mode")
	msg, err := env.app.switchTheme(t.Context(), cmd)
	if err != nil || msg != "Already in dark mode" {
		t.Errorf("same theme = (%q, %v)", msg, err)
	}
	msg, _ = env.app.switchTheme(t.Context(), command.Route("light mode"))
	if msg != "" || env.app.currentTheme() != "light" {
		t.Errorf("switch to light = %q, theme %q", msg, env.app.currentTheme())
	}
}

func TestLineSinkPrintsNotificationsOnce(t *testing.T) {
	var out syncBuffer
	s := newLineSink(&out)
	a := notify.Notification{ID: "a", Kind: notify.Info, Message: "first"}
	b := notify.Notification{ID: "b", Kind: notify.Error, Message: "second"}

	s.Notifications([]notify.Notification{a})
	s.Notifications([]notify.Notification{b, a})
	s.Notifications([]notify.Notification{b})

	want := "NOTIFY info first\nNOTIFY error second\n"
	if got := out.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestLineSinkCommandParamsSorted(t *testing.T) {
	var out syncBuffer
	s := newLineSink(&out)
	s.Command(command.Command{Intent: command.Search, Params: map[string]string{"query": "q", "engine": "e"}})
	if got := out.String(); got != "COMMAND search engine=e query=q\n" {
		t.Errorf("output = %q", got)
	}
}

func TestApplyFlagsOnlyOverridesSetFlags(t *testing.T) {
	cfg := config.Default()
	cfg.Speech.Locale = "de-DE"

	fs := flag.NewFlagSet("hark", flag.ContinueOnError)
	f, set, err := parseFlags(fs, []string{"-continuous=false", "-metrics", ":9464"})
	if err != nil {
		t.Fatal(err)
	}
	if err := applyFlags(cfg, f, set); err != nil {
		t.Fatal(err)
	}
	if cfg.Speech.Continuous {
		t.Error("continuous not overridden")
	}
	if cfg.Metrics.Addr != ":9464" {
		t.Errorf("metrics addr = %q", cfg.Metrics.Addr)
	}
	if cfg.Speech.Locale != "de-DE" {
		t.Errorf("unset -lang clobbered locale: %q", cfg.Speech.Locale)
	}
}

func TestApplyFlagsRejectsBadLocale(t *testing.T) {
	fs := flag.NewFlagSet("hark", flag.ContinueOnError)
	f, set, err := parseFlags(fs, []string{"-lang", "not a tag!"})
	if err != nil {
		t.Fatal(err)
	}
	err = applyFlags(config.Default(), f, set)
	if err == nil || !strings.Contains(err.Error(), "speech.locale") {
		t.Errorf("err = %v, want locale error", err)
	}
}

func TestModeLineText(t *testing.T) {
	cfg := config.Default()
	if got := modeLineText(cfg); got != "[deepgram | en-US | continuous | interim]" {
		t.Errorf("default = %q", got)
	}
	cfg.Speech.Continuous = false
	cfg.Speech.InterimResults = false
	if got := modeLineText(cfg); got != "[deepgram | en-US | single]" {
		t.Errorf("single = %q", got)
	}
}
