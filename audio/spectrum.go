package audio

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	spectrumMinHz = 60.0
	spectrumMinDB = -80.0
	spectrumMaxDB = -10.0
)

// spectrum turns a window of PCM16 samples into log-spaced band levels.
// Not safe for concurrent use; Provider guards it.
type spectrum struct {
	fft    *fourier.FFT
	size   int
	bins   int
	hann   []float64
	gain   float64 // 2 / sum(hann): scales a full-scale sine to magnitude 1
	seq    []float64
	coeffs []complex128
	edges  []int // len(bins)+1 coefficient indices
}

func newSpectrum(size, bins, sampleRate int) *spectrum {
	hann := make([]float64, size)
	var sum float64
	for i := range hann {
		hann[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(size-1))
		sum += hann[i]
	}
	return &spectrum{
		fft:    fourier.NewFFT(size),
		size:   size,
		bins:   bins,
		hann:   hann,
		gain:   2 / sum,
		seq:    make([]float64, size),
		coeffs: make([]complex128, size/2+1),
		edges:  bandEdges(size, bins, sampleRate),
	}
}

// bandEdges splits coefficients 1..size/2 into log-spaced bands between
// spectrumMinHz and Nyquist. Every band covers at least one coefficient.
func bandEdges(size, bins, sampleRate int) []int {
	nyquist := float64(sampleRate) / 2
	hzPerCoeff := float64(sampleRate) / float64(size)
	last := size / 2
	edges := make([]int, bins+1)
	ratio := math.Log(nyquist / spectrumMinHz)
	for i := 0; i <= bins; i++ {
		hz := spectrumMinHz * math.Exp(ratio*float64(i)/float64(bins))
		idx := int(math.Round(hz / hzPerCoeff))
		if idx < 1 {
			idx = 1
		}
		if i > 0 && idx <= edges[i-1] {
			idx = edges[i-1] + 1
		}
		edges[i] = idx
	}
	// Squeeze back under Nyquist if the minimum widths pushed us over.
	edges[bins] = last + 1
	for i := bins - 1; i >= 0; i-- {
		if edges[i] >= edges[i+1] {
			edges[i] = edges[i+1] - 1
		}
		if edges[i] < 1 {
			edges[i] = 1
		}
	}
	return edges
}

// compute writes one level per band into out. pcm shorter than the window is
// zero-padded at the front.
func (s *spectrum) compute(pcm []int16, out []float64) {
	offset := s.size - len(pcm)
	if offset < 0 {
		pcm = pcm[-offset:]
		offset = 0
	}
	silent := true
	for i := range s.seq {
		var v float64
		if i >= offset {
			v = float64(pcm[i-offset]) / 32768.0
			if v != 0 {
				silent = false
			}
		}
		s.seq[i] = v * s.hann[i]
	}
	if silent {
		clear(out)
		return
	}

	s.coeffs = s.fft.Coefficients(s.coeffs, s.seq)
	for b := 0; b < s.bins && b < len(out); b++ {
		var peak float64
		for k := s.edges[b]; k < s.edges[b+1] && k < len(s.coeffs); k++ {
			re, im := real(s.coeffs[k]), imag(s.coeffs[k])
			if m := math.Sqrt(re*re+im*im) * s.gain; m > peak {
				peak = m
			}
		}
		out[b] = levelFromMagnitude(peak)
	}
}

func levelFromMagnitude(m float64) float64 {
	if m <= 0 {
		return 0
	}
	db := 20 * math.Log10(m)
	v := (db - spectrumMinDB) / (spectrumMaxDB - spectrumMinDB)
	return math.Max(0, math.Min(1, v))
}
