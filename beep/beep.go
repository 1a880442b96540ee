// Package beep plays short audio cues for listening state changes.
package beep

import (
	"math"
	"sync/atomic"
)

const sampleRate = 44100

type Cue int

const (
	Listening Cue = iota // high tick when the microphone opens
	Stopped              // lower tick on return to idle
	Failed               // low double beep on error
)

type tone struct {
	freq     float64
	volume   float64
	decay    float64
	duration float64 // seconds per beep
	gap      float64 // seconds of silence before the second beep; 0 for one beep
}

func (c Cue) tone() tone {
	switch c {
	case Listening:
		return tone{freq: 1200, volume: 0.5, decay: 60, duration: cueDuration}
	case Stopped:
		return tone{freq: 900, volume: 0.5, decay: 40, duration: cueDuration}
	default:
		return tone{freq: 350, volume: 0.6, decay: 30, duration: 0.08, gap: 0.05}
	}
}

var disabled atomic.Bool

func Disable() { disabled.Store(true) }

// Play starts the cue and returns without waiting for it to finish.
func Play(c Cue) {
	if disabled.Load() {
		return
	}
	play(c)
}

// render synthesizes a mono PCM16 cue with an exponential decay envelope.
func render(c Cue, rate int) []int16 {
	t := c.tone()
	one := renderTick(rate, t)
	if t.gap <= 0 {
		return one
	}
	out := make([]int16, 0, 2*len(one)+int(float64(rate)*t.gap))
	out = append(out, one...)
	out = append(out, make([]int16, int(float64(rate)*t.gap))...)
	return append(out, one...)
}

func renderTick(rate int, t tone) []int16 {
	n := int(float64(rate) * t.duration)
	out := make([]int16, n)
	for i := range out {
		at := float64(i) / float64(rate)
		env := math.Exp(-at * t.decay)
		out[i] = int16(math.Sin(2*math.Pi*t.freq*at) * 32767 * t.volume * env)
	}
	return out
}

func pcmBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		buf[i*2] = byte(s)
		buf[i*2+1] = byte(s >> 8)
	}
	return buf
}
