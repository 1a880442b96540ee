package audio

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"sync"
	"time"
)

const (
	fakeFrameSize     = 1024
	fakeBytesPerFrame = 2 // 16-bit mono
)

// FakeContext stands in for a real microphone. It either replays a WAV file
// or stays silent until PCM is pushed through the most recent capture.
type FakeContext struct {
	pcm      []byte
	realtime bool

	mu       sync.Mutex
	err      error
	last     *FakeCapture
	captures int
}

func NewFakeContext(wavPath string, realtime bool) (*FakeContext, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	if len(data) > WAVHeaderSize {
		data = data[WAVHeaderSize:]
	}
	return &FakeContext{pcm: data, realtime: realtime}, nil
}

// NewPushContext returns a fake whose captures only deliver what Push sends.
func NewPushContext() *FakeContext {
	return &FakeContext{}
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

// FailWith makes subsequent NewCapture calls return err. nil restores them.
func (f *FakeContext) FailWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Captures reports how many captures have been opened.
func (f *FakeContext) Captures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures
}

func (f *FakeContext) LastCapture() *FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// Push delivers pcm through the most recent capture. It reports false when
// no capture is running.
func (f *FakeContext) Push(pcm []byte) bool {
	c := f.LastCapture()
	if c == nil {
		return false
	}
	return c.Push(pcm)
}

func (f *FakeContext) NewCapture(_ *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &FakeCapture{pcm: f.pcm, realtime: f.realtime, audioDone: make(chan struct{})}
	f.last = c
	f.captures++
	return c, nil
}

type FakeCapture struct {
	pcm       []byte
	realtime  bool
	audioDone chan struct{}

	mu       sync.Mutex
	cb       DataCallback
	running  bool
	closed   bool
	stopCh   chan struct{}
	feedDone chan struct{}
}

// AudioDone is closed once the replayed file has been fully delivered.
func (f *FakeCapture) AudioDone() <-chan struct{} { return f.audioDone }

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return "fake" }

func (f *FakeCapture) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *FakeCapture) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Push hands pcm to the callback synchronously.
func (f *FakeCapture) Push(pcm []byte) bool {
	f.mu.Lock()
	cb, running := f.cb, f.running
	f.mu.Unlock()
	if !running || cb == nil {
		return false
	}
	cb(pcm, uint32(len(pcm)/fakeBytesPerFrame))
	return true
}

func (f *FakeCapture) feedChunk(cb DataCallback, pos, chunkBytes int) int {
	end := min(pos+chunkBytes, len(f.pcm))
	chunk := make([]byte, end-pos)
	copy(chunk, f.pcm[pos:end])
	cb(chunk, uint32(len(chunk)/fakeBytesPerFrame))
	return end
}

func (f *FakeCapture) Start() error {
	f.mu.Lock()
	f.running = true
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	cb := f.cb
	f.mu.Unlock()

	chunkBytes := fakeFrameSize * fakeBytesPerFrame

	if len(f.pcm) == 0 {
		close(f.feedDone)
		return nil
	}

	if !f.realtime {
		if cb != nil {
			for pos := 0; pos < len(f.pcm); {
				pos = f.feedChunk(cb, pos, chunkBytes)
			}
		}
		close(f.audioDone)
		close(f.feedDone)
		return nil
	}

	interval := time.Duration(fakeFrameSize) * time.Second / time.Duration(SampleRate)
	go func() {
		defer close(f.feedDone)
		pos := 0
		silence := make([]byte, chunkBytes)
		audioFinished := false

		for {
			f.mu.Lock()
			cb := f.cb
			f.mu.Unlock()

			if cb != nil {
				if pos < len(f.pcm) {
					pos = f.feedChunk(cb, pos, chunkBytes)
				} else {
					if !audioFinished {
						audioFinished = true
						close(f.audioDone)
					}
					cb(silence, fakeFrameSize)
				}
			}

			select {
			case <-f.stopCh:
				return
			case <-time.After(interval):
			}
		}
	}()
	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	stopCh, feedDone := f.stopCh, f.feedDone
	f.mu.Unlock()

	close(stopCh)
	<-feedDone
}

func (f *FakeCapture) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// Tone renders a mono PCM16 sine at freq Hz for d. amp is relative to full
// scale and clipped to [0,1].
func Tone(freq, amp float64, d time.Duration) []byte {
	amp = math.Max(0, math.Min(1, amp))
	n := int(d.Seconds() * SampleRate)
	out := make([]byte, n*BytesPerSample)
	for i := 0; i < n; i++ {
		v := amp * 32767 * math.Sin(2*math.Pi*freq*float64(i)/SampleRate)
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(int16(v)))
	}
	return out
}

// FakePermission is a scripted PermissionFunc.
type FakePermission struct {
	mu      sync.Mutex
	denied  bool
	prompts int
}

func (p *FakePermission) Grant() {
	p.mu.Lock()
	p.denied = false
	p.mu.Unlock()
}

func (p *FakePermission) Deny() {
	p.mu.Lock()
	p.denied = true
	p.mu.Unlock()
}

// Prompts returns how many times the permission was asked for.
func (p *FakePermission) Prompts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompts
}

func (p *FakePermission) Func() PermissionFunc {
	return func(context.Context) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.prompts++
		if p.denied {
			return ErrPermissionDenied
		}
		return nil
	}
}
