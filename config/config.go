// Package config loads hark's YAML configuration. Unset keys keep their
// defaults; command-line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Speech        Speech        `yaml:"speech"`
	Audio         Audio         `yaml:"audio"`
	Notifications Notifications `yaml:"notifications"`
	Analysis      Analysis      `yaml:"analysis"`
	Log           Log           `yaml:"log"`
	Metrics       Metrics       `yaml:"metrics"`
}

type Speech struct {
	Provider        string        `yaml:"provider"` // deepgram or fake
	Model           string        `yaml:"model"`
	Locale          string        `yaml:"locale"` // BCP-47
	Continuous      bool          `yaml:"continuous"`
	InterimResults  bool          `yaml:"interim_results"`
	MinConfidence   float64       `yaml:"min_confidence"`
	NoSpeechTimeout time.Duration `yaml:"no_speech_timeout"`
}

type Audio struct {
	Device     string `yaml:"device"`
	SampleRate int    `yaml:"sample_rate"`
	Bins       int    `yaml:"bins"`
	FPS        int    `yaml:"fps"`
}

type Notifications struct {
	Max int           `yaml:"max"`
	TTL time.Duration `yaml:"ttl"`
}

type Analysis struct {
	Endpoint     string        `yaml:"endpoint"` // empty disables outbound calls
	Timeout      time.Duration `yaml:"timeout"`
	Context      string        `yaml:"context"`
	Participants []string      `yaml:"participants"`
}

type Log struct {
	Path string `yaml:"path"`
}

type Metrics struct {
	Addr string `yaml:"addr"` // empty disables the /metrics listener
}

// ValidProviders lists the recognized speech providers.
var ValidProviders = []string{"deepgram", "fake"}

func Default() *Config {
	return &Config{
		Speech: Speech{
			Provider:        "deepgram",
			Locale:          "en-US",
			Continuous:      true,
			InterimResults:  true,
			NoSpeechTimeout: 30 * time.Second,
		},
		Audio: Audio{
			SampleRate: 16000,
			Bins:       32,
			FPS:        60,
		},
		Notifications: Notifications{
			Max: 5,
			TTL: 4 * time.Second,
		},
		Analysis: Analysis{
			Timeout: 10 * time.Second,
		},
	}
}

// Load reads the YAML file at path over the defaults and validates it.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates the
// result. Unknown keys are errors. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns every problem in cfg joined into one error.
func Validate(cfg *Config) error {
	var errs []error

	if !slices.Contains(ValidProviders, strings.ToLower(cfg.Speech.Provider)) {
		errs = append(errs, fmt.Errorf("speech.provider %q is invalid; valid values: %s",
			cfg.Speech.Provider, strings.Join(ValidProviders, ", ")))
	}
	if _, err := language.Parse(cfg.Speech.Locale); err != nil {
		errs = append(errs, fmt.Errorf("speech.locale %q is not a BCP-47 tag: %w", cfg.Speech.Locale, err))
	}
	if c := cfg.Speech.MinConfidence; c < 0 || c > 1 {
		errs = append(errs, fmt.Errorf("speech.min_confidence %.2f is out of range [0, 1]", c))
	}
	if cfg.Speech.NoSpeechTimeout < 0 {
		errs = append(errs, fmt.Errorf("speech.no_speech_timeout %v must not be negative", cfg.Speech.NoSpeechTimeout))
	}

	switch cfg.Audio.SampleRate {
	case 8000, 16000, 44100, 48000:
	default:
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is invalid; valid values: 8000, 16000, 44100, 48000", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Bins < 1 || cfg.Audio.Bins > 256 {
		errs = append(errs, fmt.Errorf("audio.bins %d is out of range [1, 256]", cfg.Audio.Bins))
	}
	if cfg.Audio.FPS < 1 || cfg.Audio.FPS > 240 {
		errs = append(errs, fmt.Errorf("audio.fps %d is out of range [1, 240]", cfg.Audio.FPS))
	}

	if cfg.Notifications.Max < 1 {
		errs = append(errs, fmt.Errorf("notifications.max must be at least 1, got %d", cfg.Notifications.Max))
	}
	if cfg.Notifications.TTL <= 0 {
		errs = append(errs, fmt.Errorf("notifications.ttl must be positive, got %v", cfg.Notifications.TTL))
	}

	if e := cfg.Analysis.Endpoint; e != "" && !strings.HasPrefix(e, "http://") && !strings.HasPrefix(e, "https://") {
		errs = append(errs, fmt.Errorf("analysis.endpoint %q must be an http or https URL", e))
	}
	if cfg.Analysis.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("analysis.timeout must be positive, got %v", cfg.Analysis.Timeout))
	}

	return errors.Join(errs...)
}

// Locale returns the canonical form of the configured locale, falling back
// to the raw value when it does not parse.
func (c *Config) Locale() string {
	tag, err := language.Parse(c.Speech.Locale)
	if err != nil {
		return c.Speech.Locale
	}
	return tag.String()
}

// SampleInterval is the visualization cadence.
func (c *Config) SampleInterval() time.Duration {
	if c.Audio.FPS <= 0 {
		return time.Second / 60
	}
	return time.Second / time.Duration(c.Audio.FPS)
}
