package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"hark/analysis"
	"hark/audio"
	"hark/beep"
	"hark/config"
	"hark/hotkey"
	"hark/log"
	"hark/observe"
	"hark/shutdown"
	"hark/transcriber"
)

var version = "dev"

type flags struct {
	config     string
	lang       string
	continuous bool
	interim    bool
	device     string
	setup      bool
	logPath    string
	metrics    string
	longPress  time.Duration
	tui        bool
	quiet      bool
	test       bool
	version    bool
	crash      bool
}

func parseFlags(fs *flag.FlagSet, args []string) (flags, map[string]bool, error) {
	var f flags
	fs.StringVar(&f.config, "config", "", "Path to YAML config file")
	fs.StringVar(&f.lang, "lang", "", "Recognition locale as a BCP-47 tag (e.g., en-US, de-DE)")
	fs.BoolVar(&f.continuous, "continuous", true, "Keep listening after each command")
	fs.BoolVar(&f.interim, "interim", true, "Show interim transcripts while speaking")
	fs.StringVar(&f.device, "device", "", "Use named microphone device")
	fs.BoolVar(&f.setup, "setup", false, "Select microphone device interactively")
	fs.StringVar(&f.logPath, "logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	fs.StringVar(&f.metrics, "metrics", "", "Serve Prometheus metrics on this address (e.g., :9464)")
	fs.DurationVar(&f.longPress, "longpress", 350*time.Millisecond, "Hotkey hold threshold: holding longer stops listening on release")
	fs.BoolVar(&f.tui, "tui", true, "Run with terminal UI")
	fs.BoolVar(&f.quiet, "quiet", false, "Disable audio cues")
	fs.BoolVar(&f.test, "test", false, "Test mode (headless, stdin-driven)")
	fs.BoolVar(&f.version, "version", false, "Print version and exit")
	fs.BoolVar(&f.crash, "crash", false, "Trigger synthetic panic for testing crash logging")
	if err := fs.Parse(args); err != nil {
		return f, nil, err
	}
	set := make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	return f, set, nil
}

// applyFlags overlays explicitly set flags on cfg and revalidates it.
func applyFlags(cfg *config.Config, f flags, set map[string]bool) error {
	if set["lang"] {
		cfg.Speech.Locale = f.lang
	}
	if set["continuous"] {
		cfg.Speech.Continuous = f.continuous
	}
	if set["interim"] {
		cfg.Speech.InterimResults = f.interim
	}
	if set["device"] {
		cfg.Audio.Device = f.device
	}
	if set["logpath"] {
		cfg.Log.Path = f.logPath
	}
	if set["metrics"] {
		cfg.Metrics.Addr = f.metrics
	}
	return config.Validate(cfg)
}

func modeLineText(cfg *config.Config) string {
	mode := "single"
	if cfg.Speech.Continuous {
		mode = "continuous"
	}
	label := fmt.Sprintf("[%s | %s | %s", cfg.Speech.Provider, cfg.Locale(), mode)
	if cfg.Speech.InterimResults {
		label += " | interim"
	}
	return label + "]"
}

func initCrashLog() {
	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(crashFile, debug.CrashOptions{})
}

func run() {
	if err := runApp(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runApp(args []string) error {
	f, set, err := parseFlags(flag.CommandLine, args)
	if err != nil {
		return err
	}
	if f.version {
		fmt.Printf("hark %s\n", version)
		return nil
	}

	cfg := config.Default()
	if f.config != "" {
		if cfg, err = config.Load(f.config); err != nil {
			return err
		}
	}
	if err := applyFlags(cfg, f, set); err != nil {
		return err
	}

	logPath, err := log.ResolveDir(cfg.Log.Path)
	if err != nil {
		return fmt.Errorf("failed to resolve log directory: %w", err)
	}
	log.SetDir(logPath)
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()
	initCrashLog()

	if f.crash {
		panic("TEST CRASH: synthetic panic to verify crash logging")
	}
	if f.quiet || f.test {
		beep.Disable()
	}

	handler, metrics, shutdownMetrics, err := observe.InitProvider(version)
	if err != nil {
		return fmt.Errorf("metrics init: %w", err)
	}
	defer shutdownMetrics(context.Background())

	if f.test {
		return runTestMode(cfg, metrics, flag.Arg(0), os.Stdin, os.Stdout)
	}

	recognizer, err := transcriber.New(cfg.Speech.Provider, cfg.Speech.Model)
	if err != nil {
		return err
	}

	actx, err := audio.NewContext()
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		return fmt.Errorf("initializing audio context: %w", err)
	}
	defer actx.Close()

	var dev *audio.DeviceInfo
	if f.setup {
		if dev, err = audio.SelectDevice(actx); err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Printf("Warning: device selection failed: %v\n", err)
			fmt.Println("Falling back to default device")
			dev = nil
		}
	} else if dev, err = audio.FindDevice(actx, cfg.Audio.Device); err != nil {
		return err
	}
	preferred := ""
	if dev != nil {
		preferred = dev.Name
	}

	provider := audio.NewProvider(actx, audio.ProviderConfig{
		Device:     dev,
		SampleRate: uint32(cfg.Audio.SampleRate),
		Bins:       cfg.Audio.Bins,
	})

	analyzer := analysis.New(analysis.Config{
		Endpoint: cfg.Analysis.Endpoint,
		Token:    os.Getenv("HARK_ANALYSIS_TOKEN"),
		Timeout:  cfg.Analysis.Timeout,
	}, metrics)
	if analyzer.Enabled() {
		go analyzer.Warm()
	}

	ctx, stop := shutdown.Context(context.Background())
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	var sink EventSink
	var prog *tea.Program
	var toggle func()
	if f.tui {
		prog = newTUIProgram(func() { toggle() })
		sink = tuiSink{p: prog}
	} else {
		sink = newLineSink(os.Stdout)
	}

	a := newApp(cfg, appDeps{
		provider:   provider,
		recognizer: recognizer,
		analyzer:   analyzer,
		metrics:    metrics,
		sink:       sink,
	})
	defer a.close()
	toggle = a.toggle

	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return observe.Serve(ctx, cfg.Metrics.Addr, handler) })
	}
	g.Go(func() error { return listenHotkey(ctx, a, f.longPress) })
	g.Go(func() error {
		return watchDevices(ctx, actx, provider, preferred, func(d *audio.DeviceInfo) {
			sink.DeviceLine(deviceLineText(d))
			if d == nil {
				a.center.Warn("Microphone disconnected; using system default")
			}
		})
	})

	if prog != nil {
		g.Go(func() error {
			<-ctx.Done()
			prog.Quit()
			return nil
		})
		g.Go(func() error {
			defer stop()
			if _, err := prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return fmt.Errorf("TUI: %w", err)
			}
			return nil
		})
	}

	sink.ModeLine(modeLineText(cfg))
	sink.DeviceLine(deviceLineText(dev))
	log.Infof("hark %s ready", version)

	err = g.Wait()
	a.close()
	return err
}

// listenHotkey maps the global hotkey onto the machine: a press toggles, a
// long hold stops listening on release. A hotkey that cannot be registered
// is reported and the app keeps running with the TUI key only.
func listenHotkey(ctx context.Context, a *app, hold time.Duration) error {
	hk := hotkey.New()
	if err := hk.Register(); err != nil {
		log.Errorf("hotkey register error: %v", err)
		if diag, derr := hotkey.Diagnose(); derr != nil {
			log.Warnf("hotkey diagnose: %v", derr)
		} else {
			log.Info(diag)
		}
		a.center.Warn("Global hotkey " + hotkey.Combo + " unavailable")
		return nil
	}
	defer hk.Unregister()
	return serveHotkey(ctx, a, hk, hold)
}

func serveHotkey(ctx context.Context, a *app, hk hotkey.Hotkey, hold time.Duration) error {
	t := hotkey.NewToggler(hk, hold)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case act := <-t.Actions():
			switch act {
			case hotkey.Press:
				log.Info("hotkey_press")
				a.toggle()
			case hotkey.HoldRelease:
				log.Info("hotkey_hold_release")
				a.deactivate()
			}
		}
	}
}
