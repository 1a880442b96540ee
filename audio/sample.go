package audio

import "time"

// Sample is one frequency-domain snapshot of the microphone. Amplitude and
// every bin are within [0,1]. Samples are never mutated after creation.
type Sample struct {
	Amplitude  float64
	Bins       []float64
	CapturedAt time.Time
}

// ZeroSample returns a silent sample with n bins.
func ZeroSample(n int, at time.Time) Sample {
	return Sample{Bins: make([]float64, n), CapturedAt: at}
}

// Normalize copies bins into a new Sample, clipping each value to [0,1] and
// setting Amplitude to their mean. NaN counts as 0.
func Normalize(bins []float64, at time.Time) Sample {
	out := make([]float64, len(bins))
	var sum float64
	for i, v := range bins {
		switch {
		case v != v, v <= 0:
			v = 0
		case v > 1:
			v = 1
		}
		out[i] = v
		sum += v
	}
	var amp float64
	if len(out) > 0 {
		amp = sum / float64(len(out))
	}
	if amp > 1 {
		amp = 1
	}
	return Sample{Amplitude: amp, Bins: out, CapturedAt: at}
}
