package voice

import "time"

const (
	silenceTick      = 100 * time.Millisecond
	speechMinRatio   = 0.10
	speechClearRatio = 0.25 // higher threshold to clear warning (hysteresis)
)

type silenceEvent int

const (
	silenceNone    silenceEvent = iota
	silenceWarn                 // no voice detected
	silenceClear                // speech resumed after warning
	silenceTimeout              // nothing heard for the whole timeout window
)

// silenceMonitor keeps a sliding window of per-tick speech flags.
type silenceMonitor struct {
	warnAt   int
	windowSz int
	timeout  bool

	ticks       int
	window      []bool
	speechCount int
	warned      bool
}

// newSilenceMonitor warns after warnAfter of silence and times out after
// timeout. A zero timeout disables the timeout.
func newSilenceMonitor(warnAfter, timeout time.Duration) *silenceMonitor {
	warnAt := int(warnAfter / silenceTick)
	if warnAt < 1 {
		warnAt = 1
	}
	windowSz := int(timeout / silenceTick)
	if windowSz < warnAt {
		windowSz = warnAt
	}
	return &silenceMonitor{
		warnAt:   warnAt,
		windowSz: windowSz,
		timeout:  timeout > 0,
		window:   make([]bool, windowSz),
	}
}

func (m *silenceMonitor) ratio(n int) float64 {
	if m.ticks < n {
		n = m.ticks
	}
	if n == 0 {
		return 1.0
	}
	count := 0
	for i := 0; i < n; i++ {
		if m.window[(m.ticks-1-i+m.windowSz)%m.windowSz] {
			count++
		}
	}
	return float64(count) / float64(n)
}

func (m *silenceMonitor) Tick(hasSpeech bool) silenceEvent {
	idx := m.ticks % m.windowSz
	if m.ticks >= m.windowSz && m.window[idx] {
		m.speechCount--
	}
	m.window[idx] = hasSpeech
	if hasSpeech {
		m.speechCount++
	}
	m.ticks++

	r := m.ratio(m.warnAt)

	if m.ticks >= m.warnAt && r < speechMinRatio && !m.warned {
		m.warned = true
		return silenceWarn
	}
	if m.warned && r >= speechClearRatio {
		m.warned = false
		return silenceClear
	}

	if m.timeout && m.ticks >= m.windowSz && float64(m.speechCount)/float64(m.windowSz) < speechMinRatio {
		return silenceTimeout
	}
	return silenceNone
}

// silenceClock turns irregular sample timestamps into fixed monitor ticks.
// The loudest amplitude seen since the last tick decides speech.
type silenceClock struct {
	mon   *silenceMonitor
	level float64
	last  time.Time
	peak  float64
}

func (c *silenceClock) observe(amplitude float64, at time.Time) silenceEvent {
	if amplitude > c.peak {
		c.peak = amplitude
	}
	if c.last.IsZero() {
		c.last = at
		return silenceNone
	}
	out := silenceNone
	for at.Sub(c.last) >= silenceTick {
		c.last = c.last.Add(silenceTick)
		ev := c.mon.Tick(c.peak >= c.level)
		c.peak = 0
		if ev != silenceNone {
			out = ev
		}
		if ev == silenceTimeout {
			break
		}
	}
	return out
}
