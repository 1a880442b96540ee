//go:build windows

package beep

// No playback on Windows; cues are silent.

const cueDuration = 0.2

func play(Cue) {}
