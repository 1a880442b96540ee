package transcriber

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"hark/log"
)

const (
	streamChunkMs      = 200
	streamAudioBuffer  = 128 // chunks queued while the socket connects
	streamEventBuffer  = 32
	streamFinalizeIdle = 200 * time.Millisecond
	streamFinalizeMax  = 1000 * time.Millisecond
)

type rawStreamSession interface {
	Send(pcm []byte) error
	CloseSend() error
	Recv() (streamUpdate, error)
	Close() error
}

type streamUpdate struct {
	Transcript   string
	Confidence   float64
	IsFinal      bool // this segment will not change
	SpeechFinal  bool // the speaker finished an utterance
	FromFinalize bool
}

type dialFunc func(ctx context.Context) (rawStreamSession, error)

// streamSession adapts a provider websocket to Session. One goroutine (run)
// owns the events channel so delivery is ordered and never duplicated.
type streamSession struct {
	id  string
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	audioCh   chan []byte
	events    chan Event
	connected chan struct{}
	sendDone  chan struct{}
	finalized chan struct{}

	finalizedOnce sync.Once
	feedOnce      sync.Once
	stopOnce      sync.Once
	abortOnce     sync.Once

	chunkBytes int
	feedMu     sync.Mutex
	feedBuf    []byte
	fed        bool // feed closed

	mu      sync.Mutex
	ws      rawStreamSession
	closing bool
	stats   streamStats

	// receiver-owned
	pending []string
	confSum float64
	confN   int
}

type streamStats struct {
	ConnectDur   time.Duration
	SentChunks   int
	SentBytes    uint64
	Dropped      int
	RecvMessages int
	RecvFinal    int
	RecvInterim  int
	Finals       int
	StartedAt    time.Time
}

func newStreamSession(parent context.Context, id string, cfg Config, dial dialFunc) *streamSession {
	ctx, cancel := context.WithCancel(parent)
	ss := &streamSession{
		id:         id,
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		audioCh:    make(chan []byte, streamAudioBuffer),
		events:     make(chan Event, streamEventBuffer),
		connected:  make(chan struct{}),
		sendDone:   make(chan struct{}),
		finalized:  make(chan struct{}),
		chunkBytes: cfg.bytesPerSecond() * streamChunkMs / 1000,
	}
	ss.stats.StartedAt = time.Now()
	go ss.run(dial)
	return ss
}

func (s *streamSession) ID() string { return s.id }

func (s *streamSession) Events() <-chan Event { return s.events }

// Feed buffers pcm into fixed-size chunks. It never blocks: when the socket
// cannot keep up, chunks are dropped and counted.
func (s *streamSession) Feed(pcm []byte) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if s.fed {
		return
	}
	s.feedBuf = append(s.feedBuf, pcm...)
	for len(s.feedBuf) >= s.chunkBytes {
		chunk := make([]byte, s.chunkBytes)
		copy(chunk, s.feedBuf[:s.chunkBytes])
		s.feedBuf = s.feedBuf[s.chunkBytes:]
		s.enqueue(chunk)
	}
}

// enqueue must be called with feedMu held.
func (s *streamSession) enqueue(chunk []byte) {
	select {
	case s.audioCh <- chunk:
	default:
		s.mu.Lock()
		s.stats.Dropped++
		s.mu.Unlock()
	}
}

func (s *streamSession) closeFeed(flush bool) {
	s.feedOnce.Do(func() {
		s.feedMu.Lock()
		defer s.feedMu.Unlock()
		if flush && len(s.feedBuf) > 0 {
			s.enqueue(s.feedBuf)
		}
		s.feedBuf = nil
		s.fed = true
		close(s.audioCh)
	})
}

// Stop flushes buffered audio, asks the provider to finalize and closes the
// socket once the acknowledgment arrives or streamFinalizeMax passes.
func (s *streamSession) Stop() {
	s.stopOnce.Do(func() {
		s.closeFeed(true)
		go func() {
			select {
			case <-s.connected:
			case <-s.ctx.Done():
				return
			}
			if s.conn() == nil {
				return
			}
			select {
			case <-s.sendDone:
			case <-s.ctx.Done():
				return
			}
			select {
			case <-s.finalized:
				time.Sleep(streamFinalizeIdle)
			case <-time.After(streamFinalizeMax):
			case <-s.ctx.Done():
				return
			}
			s.shutdown()
		}()
	})
}

func (s *streamSession) Abort() {
	s.abortOnce.Do(func() {
		s.closeFeed(false)
		s.cancel()
		s.shutdown()
	})
}

func (s *streamSession) conn() rawStreamSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws
}

func (s *streamSession) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *streamSession) shutdown() {
	s.mu.Lock()
	s.closing = true
	ws := s.ws
	s.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
}

func (s *streamSession) emit(ev Event) {
	ev.SessionID = s.id
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *streamSession) fail(err error) {
	if s.ctx.Err() != nil {
		return
	}
	s.emit(Event{Err: classifyStreamErr(err)})
}

func (s *streamSession) run(dial dialFunc) {
	defer close(s.events)
	defer s.cancel()

	connectStart := time.Now()
	ws, err := dial(s.ctx)
	s.mu.Lock()
	s.stats.ConnectDur = time.Since(connectStart)
	s.ws = ws
	s.mu.Unlock()
	close(s.connected)
	if err != nil {
		s.fail(err)
		return
	}

	go s.runSender(ws)
	recvErr := s.receive(ws)
	s.shutdown()

	if recvErr != nil {
		s.fail(recvErr)
		s.logSummary()
		return
	}
	if s.ctx.Err() == nil {
		s.flushPending()
	}
	s.logSummary()
}

func (s *streamSession) runSender(ws rawStreamSession) {
	defer close(s.sendDone)
	for {
		select {
		case chunk, ok := <-s.audioCh:
			if !ok {
				if err := ws.CloseSend(); err != nil && !s.isClosing() {
					log.Warnf("stream finalize: %v", err)
				}
				return
			}
			if err := ws.Send(chunk); err != nil {
				if !s.isClosing() {
					log.Warnf("stream send: %v", err)
					ws.Close()
				}
				return
			}
			s.mu.Lock()
			s.stats.SentChunks++
			s.stats.SentBytes += uint64(len(chunk))
			s.mu.Unlock()
		case <-s.ctx.Done():
			return
		}
	}
}

// receive reads provider updates until the socket closes. It returns nil for
// a requested shutdown and the read error otherwise.
func (s *streamSession) receive(ws rawStreamSession) error {
	for {
		update, err := ws.Recv()
		if err != nil {
			if s.isClosing() || errors.Is(err, errStreamClosed) {
				return nil
			}
			return err
		}

		if update.FromFinalize {
			s.finalizedOnce.Do(func() { close(s.finalized) })
		}

		s.mu.Lock()
		s.stats.RecvMessages++
		if update.IsFinal {
			s.stats.RecvFinal++
		} else {
			s.stats.RecvInterim++
		}
		s.mu.Unlock()

		text := strings.TrimSpace(update.Transcript)
		if !update.IsFinal {
			if s.cfg.InterimResults && text != "" {
				s.emit(Event{Text: s.joinPending(text)})
			}
			continue
		}

		if text != "" {
			s.pending = append(s.pending, text)
			s.confSum += update.Confidence
			s.confN++
		}
		if !update.SpeechFinal && !update.FromFinalize {
			continue
		}
		if s.flushPending() && !s.cfg.Continuous {
			s.shutdown()
			return nil
		}
	}
}

func (s *streamSession) joinPending(tail string) string {
	if len(s.pending) == 0 {
		return tail
	}
	return strings.Join(s.pending, " ") + " " + tail
}

// flushPending emits the committed segments as one final event.
func (s *streamSession) flushPending() bool {
	if len(s.pending) == 0 {
		return false
	}
	ev := Event{Text: strings.Join(s.pending, " "), IsFinal: true}
	if s.confN > 0 {
		ev.Confidence = s.confSum / float64(s.confN)
	}
	s.pending, s.confSum, s.confN = nil, 0, 0
	s.mu.Lock()
	s.stats.Finals++
	s.mu.Unlock()
	s.emit(ev)
	return true
}

func (s *streamSession) logSummary() {
	s.mu.Lock()
	st := s.stats
	s.mu.Unlock()
	audioS := float64(st.SentBytes) / float64(s.cfg.bytesPerSecond())
	log.Infof("stream %s: connect=%dms audio=%.1fs chunks=%d dropped=%d recv=%d (%d final, %d interim) finals=%d total=%dms",
		s.id, st.ConnectDur.Milliseconds(), audioS, st.SentChunks, st.Dropped,
		st.RecvMessages, st.RecvFinal, st.RecvInterim, st.Finals, time.Since(st.StartedAt).Milliseconds())
}

// errStreamClosed is returned by Recv when the provider closed the stream
// normally.
var errStreamClosed = errors.New("stream closed")

func classifyStreamErr(err error) *EngineError {
	var ee *EngineError
	switch {
	case errors.As(err, &ee):
		return ee
	case errors.Is(err, ErrNoSpeech):
		return NewEngineError(CodeNoSpeech, err)
	case errors.Is(err, context.Canceled):
		return NewEngineError(CodeAborted, err)
	default:
		return NewEngineError(CodeNetwork, err)
	}
}
