// Package viz polls the capture provider at a fixed cadence and hands
// normalized spectrum samples to a renderer.
package viz

import (
	"sync"
	"sync/atomic"
	"time"

	"hark/audio"
)

// DefaultInterval is one frame at 60 fps.
const DefaultInterval = time.Second / 60

// Source produces a spectrum snapshot for a stream. *audio.Provider
// satisfies it.
type Source interface {
	Sample(s *audio.Stream) audio.Sample
}

// Sampler runs one polling loop at a time. A slow consumer makes the ticker
// drop frames instead of queueing them.
type Sampler struct {
	src      Source
	interval time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}

	ticks atomic.Uint64
}

func New(src Source, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{src: src, interval: interval}
}

func (s *Sampler) Interval() time.Duration { return s.interval }

// Start begins polling stream and calls onSample from the sampler goroutine.
// A running loop is stopped first.
func (s *Sampler) Start(stream *audio.Stream, onSample func(audio.Sample)) {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop, s.done = stop, done
	go s.loop(stream, onSample, stop, done)
}

// Stop ends the loop and waits for it. Once Stop returns no onSample call is
// running or will run. Safe to call when not started.
func (s *Sampler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Running reports whether a loop is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

// Ticks returns the number of samples delivered since construction.
func (s *Sampler) Ticks() uint64 { return s.ticks.Load() }

func (s *Sampler) loop(stream *audio.Stream, onSample func(audio.Sample), stop, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		// stop may have been closed while the tick was pending
		select {
		case <-stop:
			return
		default:
		}
		raw := s.src.Sample(stream)
		sample := audio.Normalize(raw.Bins, raw.CapturedAt)
		s.ticks.Add(1)
		if onSample != nil {
			onSample(sample)
		}
	}
}
