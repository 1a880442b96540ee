// Package analysis talks to the external analysis service: one call per
// recognized utterance and an on-demand full analysis of the session.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"hark/log"
	"hark/observe"
)

const (
	CallProcess  = "process"
	CallAnalysis = "analysis"

	defaultTimeout = 10 * time.Second
)

// NetworkError is every failure of an outbound call: transport errors,
// non-2xx responses and calls refused by the open breaker.
type NetworkError struct {
	Call       string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s call failed: status %d: %v", e.Call, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s call failed: %v", e.Call, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

type Config struct {
	Endpoint string // base URL; empty disables the client
	Token    string // bearer token, optional
	Timeout  time.Duration
}

// Request is the payload of a full analysis.
type Request struct {
	Transcript   string   `json:"transcript"`
	Participants []string `json:"participants"`
	Context      string   `json:"context"`
}

type voiceInput struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

type Client struct {
	base    string
	token   string
	timeout time.Duration
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	metrics *observe.Metrics
}

func New(cfg Config, metrics *observe.Metrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := &Client{
		base:    strings.TrimRight(cfg.Endpoint, "/"),
		token:   cfg.Token,
		timeout: cfg.Timeout,
		http:    newHTTPClient(),
		metrics: metrics,
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "analysis",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("circuit breaker %s: %s -> %s", name, from, to)
		},
	})
	return c
}

// Enabled reports whether an endpoint is configured.
func (c *Client) Enabled() bool { return c != nil && c.base != "" }

// Warm opens a connection to the service in the background of startup.
func (c *Client) Warm() {
	if !c.Enabled() {
		return
	}
	if d := warm(c.http, c.base); d > 0 {
		log.Infof("analysis: warm connection connect=%dms", d.Milliseconds())
	}
}

// ProcessVoiceInput posts one final utterance.
func (c *Client) ProcessVoiceInput(ctx context.Context, text, sessionID string) error {
	return c.post(ctx, CallProcess, "/voice/process", voiceInput{Text: text, SessionID: sessionID})
}

// FullAnalysis posts the accumulated session transcript.
func (c *Client) FullAnalysis(ctx context.Context, req Request) error {
	if req.Participants == nil {
		req.Participants = []string{}
	}
	return c.post(ctx, CallAnalysis, "/analysis", req)
}

func (c *Client) post(ctx context.Context, call, path string, payload any) error {
	if !c.Enabled() {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", call, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	var resp *reply
	_, err = c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err = send(c.http, req)
		if err != nil {
			return nil, err
		}
		if resp.status < 200 || resp.status > 299 {
			return nil, &NetworkError{Call: call, StatusCode: resp.status, Err: errors.New(statusText(resp))}
		}
		return nil, nil
	})
	elapsed := time.Since(start)

	status, reused := 0, false
	if resp != nil {
		status = resp.status
		reused = resp.timing.Reused
	}
	log.Outbound(call, status, float64(elapsed.Microseconds())/1000, reused, err)
	c.metrics.RecordOutbound(ctx, call, elapsed, err)

	if err == nil {
		return nil
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne
	}
	return &NetworkError{Call: call, StatusCode: status, Err: err}
}

func statusText(resp *reply) string {
	msg := strings.TrimSpace(string(resp.body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = http.StatusText(resp.status)
	}
	return msg
}
