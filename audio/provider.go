package audio

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"
)

// PermissionFunc asks the user or OS for microphone access. It is called
// exactly once per Acquire and may block until the prompt is answered.
// Returning an error wrapping ErrPermissionDenied refuses access.
type PermissionFunc func(ctx context.Context) error

type ProviderConfig struct {
	Device     *DeviceInfo
	SampleRate uint32
	Channels   uint32
	Bins       int // bars per Sample
	WindowSize int // FFT window in samples, power of two
	Permission PermissionFunc
}

func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		SampleRate: SampleRate,
		Channels:   Channels,
		Bins:       32,
		WindowSize: 512,
	}
}

// Provider owns microphone acquisition and turns the live stream into
// frequency-domain Samples.
type Provider struct {
	ctx Context
	cfg ProviderConfig

	devMu  sync.Mutex
	device *DeviceInfo

	specMu sync.Mutex
	spec   *spectrum
	pcm    []int16
	levels []float64

	nextID atomic.Uint64
}

func NewProvider(ctx Context, cfg ProviderConfig) *Provider {
	def := DefaultProviderConfig()
	if cfg.SampleRate == 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Channels == 0 {
		cfg.Channels = def.Channels
	}
	if cfg.Bins <= 0 {
		cfg.Bins = def.Bins
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	return &Provider{
		ctx:    ctx,
		cfg:    cfg,
		device: cfg.Device,
		spec:   newSpectrum(cfg.WindowSize, cfg.Bins, int(cfg.SampleRate)),
		pcm:    make([]int16, cfg.WindowSize),
		levels: make([]float64, cfg.Bins),
	}
}

func (p *Provider) Bins() int { return p.cfg.Bins }

func (p *Provider) SampleRate() uint32 { return p.cfg.SampleRate }

// SetDevice selects the device used by the next Acquire. nil means the
// system default. A stream that is already open keeps its device.
func (p *Provider) SetDevice(d *DeviceInfo) {
	p.devMu.Lock()
	p.device = d
	p.devMu.Unlock()
}

func (p *Provider) Device() *DeviceInfo {
	p.devMu.Lock()
	defer p.devMu.Unlock()
	return p.device
}

// Acquire prompts for permission, then opens and starts the capture device.
// Failures wrap ErrPermissionDenied or ErrDeviceUnavailable.
func (p *Provider) Acquire(ctx context.Context) (*Stream, error) {
	if p.cfg.Permission != nil {
		if err := p.cfg.Permission(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, classify(err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	capture, err := p.ctx.NewCapture(p.Device(), CaptureConfig{
		SampleRate: p.cfg.SampleRate,
		Channels:   p.cfg.Channels,
	})
	if err != nil {
		return nil, classify(err)
	}

	s := &Stream{
		id:        p.nextID.Add(1),
		capture:   capture,
		channels:  int(p.cfg.Channels),
		ring:      make([]int16, p.cfg.WindowSize),
		startedAt: time.Now(),
	}
	capture.SetCallback(s.onData)
	if err := capture.Start(); err != nil {
		capture.ClearCallback()
		capture.Close()
		return nil, classify(err)
	}
	return s, nil
}

// Sample returns the spectrum of the most recent window. It never blocks on
// the device; a released stream or silence yields an all-zero Sample.
func (p *Provider) Sample(s *Stream) Sample {
	now := time.Now()
	if s == nil || s.released.Load() {
		return ZeroSample(p.cfg.Bins, now)
	}

	p.specMu.Lock()
	defer p.specMu.Unlock()
	if !s.snapshot(p.pcm) {
		return ZeroSample(p.cfg.Bins, now)
	}
	p.spec.compute(p.pcm, p.levels)
	return Normalize(p.levels, now)
}

// Release stops and closes the stream. Safe to call repeatedly and on nil.
func (p *Provider) Release(s *Stream) {
	if s == nil {
		return
	}
	s.release()
}

// Stream is one acquired microphone handle.
type Stream struct {
	id        uint64
	capture   CaptureDevice
	channels  int
	startedAt time.Time

	mu     sync.Mutex
	ring   []int16
	pos    int
	filled bool
	frames uint64

	sink        atomic.Pointer[func([]byte)]
	released    atomic.Bool
	releaseOnce sync.Once
}

func (s *Stream) ID() uint64 { return s.id }

func (s *Stream) DeviceName() string { return s.capture.DeviceName() }

func (s *Stream) Released() bool { return s.released.Load() }

// Frames returns the number of frames delivered by the device so far.
func (s *Stream) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// SetSink installs a PCM tap. fn receives its own copy of every chunk.
func (s *Stream) SetSink(fn func(pcm []byte)) {
	s.sink.Store(&fn)
}

func (s *Stream) ClearSink() {
	s.sink.Store(nil)
}

func (s *Stream) onData(data []byte, frameCount uint32) {
	if s.released.Load() {
		return
	}
	step := s.channels * BytesPerSample
	if step <= 0 {
		step = BytesPerSample
	}

	s.mu.Lock()
	s.frames += uint64(frameCount)
	for i := 0; i+1 < len(data); i += step {
		s.ring[s.pos] = int16(binary.LittleEndian.Uint16(data[i:]))
		s.pos++
		if s.pos == len(s.ring) {
			s.pos = 0
			s.filled = true
		}
	}
	s.mu.Unlock()

	if fn := s.sink.Load(); fn != nil && len(data) > 0 {
		pcm := make([]byte, len(data))
		copy(pcm, data)
		(*fn)(pcm)
	}
}

// snapshot copies the ring into dst in chronological order. It reports false
// when nothing has been captured yet.
func (s *Stream) snapshot(dst []int16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.filled && s.pos == 0 {
		return false
	}
	if !s.filled {
		clear(dst)
		copy(dst[len(dst)-s.pos:], s.ring[:s.pos])
		return true
	}
	n := copy(dst, s.ring[s.pos:])
	copy(dst[n:], s.ring[:s.pos])
	return true
}

func (s *Stream) release() {
	s.releaseOnce.Do(func() {
		s.released.Store(true)
		s.sink.Store(nil)
		s.capture.Stop()
		s.capture.ClearCallback()
		s.capture.Close()
	})
}
