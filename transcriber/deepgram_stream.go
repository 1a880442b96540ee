package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const (
	deepgramStreamURL    = "wss://api.deepgram.com/v1/listen"
	deepgramDefaultModel = "nova-3"
)

type Deepgram struct {
	apiKey string
	model  string
	url    string
}

func NewDeepgram(apiKey, model string) *Deepgram {
	if model == "" {
		model = deepgramDefaultModel
	}
	return &Deepgram{apiKey: apiKey, model: model, url: deepgramStreamURL}
}

func (d *Deepgram) Name() string { return "deepgram" }

func (d *Deepgram) Start(ctx context.Context, cfg Config) (Session, error) {
	endpoint, err := d.endpoint(cfg)
	if err != nil {
		return nil, err
	}
	dial := func(ctx context.Context) (rawStreamSession, error) {
		return d.dial(ctx, endpoint)
	}
	return newStreamSession(ctx, uuid.NewString(), cfg, dial), nil
}

func (d *Deepgram) endpoint(cfg Config) (string, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return "", err
	}
	model := cfg.Model
	if model == "" {
		model = d.model
	}
	q := u.Query()
	q.Set("model", model)
	q.Set("encoding", "linear16")
	if cfg.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if cfg.Locale != "" {
		q.Set("language", cfg.Locale)
	}
	// Interim results are always requested: utterance_end_ms depends on them
	// and the session filters them when the caller did not ask.
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", "1000")
	q.Set("endpointing", "300")
	q.Set("punctuate", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *Deepgram) dial(ctx context.Context, endpoint string) (rawStreamSession, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	streamCtx, cancel := context.WithCancel(ctx)
	conn, resp, err := websocket.Dial(streamCtx, endpoint, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		cancel()
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, NewEngineError(CodeNotAllowed, fmt.Errorf("deepgram: %s", resp.Status))
		}
		return nil, NewEngineError(CodeNetwork, err)
	}
	return &deepgramStreamSession{conn: conn, ctx: streamCtx, cancel: cancel}, nil
}

type deepgramStreamResponse struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	SpeechFinal  bool   `json:"speech_final"`
	FromFinalize bool   `json:"from_finalize"`
	Channel      struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

type deepgramStreamSession struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *deepgramStreamSession) Send(pcm []byte) error {
	return s.conn.Write(s.ctx, websocket.MessageBinary, pcm)
}

func (s *deepgramStreamSession) CloseSend() error {
	return s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"Finalize"}`))
}

// Recv returns the next transcript-bearing update, skipping metadata.
func (s *deepgramStreamSession) Recv() (streamUpdate, error) {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return streamUpdate{}, errStreamClosed
			}
			return streamUpdate{}, err
		}

		var resp deepgramStreamResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return streamUpdate{}, NewEngineError(CodeEngine, err)
		}

		switch resp.Type {
		case "", "Results":
		case "UtteranceEnd":
			return streamUpdate{IsFinal: true, SpeechFinal: true}, nil
		case "Error":
			msg := resp.Description
			if msg == "" {
				msg = resp.Message
			}
			return streamUpdate{}, NewEngineError(CodeEngine, errors.New(msg))
		default:
			continue
		}

		u := streamUpdate{
			IsFinal:      resp.IsFinal,
			SpeechFinal:  resp.SpeechFinal,
			FromFinalize: resp.FromFinalize,
		}
		if len(resp.Channel.Alternatives) > 0 {
			alt := resp.Channel.Alternatives[0]
			u.Transcript = strings.TrimSpace(alt.Transcript)
			u.Confidence = alt.Confidence
		}
		return u, nil
	}
}

func (s *deepgramStreamSession) Close() error {
	s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
