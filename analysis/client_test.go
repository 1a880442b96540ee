package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func TestSendTimesAndReusesConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	hc := newHTTPClient()
	var last *reply
	for i := 0; i < 2; i++ {
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		if err != nil {
			t.Fatal(err)
		}
		if last, err = send(hc, req); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if last.status != http.StatusOK || string(last.body) != "ok" {
		t.Errorf("reply = %d %q", last.status, last.body)
	}
	if !last.timing.Reused {
		t.Error("second call did not reuse the connection")
	}
	if last.timing.Connect != 0 {
		t.Errorf("reused connection reported connect time %v", last.timing.Connect)
	}
	if last.timing.Total <= 0 {
		t.Error("total time not recorded")
	}
}

func TestSendCapsReplyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, maxReplyBody+100))
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	r, err := send(newHTTPClient(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.body) != maxReplyBody {
		t.Errorf("body length = %d, want %d", len(r.body), maxReplyBody)
	}
}

func TestProcessVoiceInput(t *testing.T) {
	var got voiceInput
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/voice/process" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL + "/", Token: "tok"}, nil)
	if err := c.ProcessVoiceInput(context.Background(), "show dashboard", "s-1"); err != nil {
		t.Fatal(err)
	}
	if got.Text != "show dashboard" || got.SessionID != "s-1" {
		t.Errorf("payload = %+v", got)
	}
	if auth != "Bearer tok" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestFullAnalysisPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analysis" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL}, nil)
	err := c.FullAnalysis(context.Background(), Request{Transcript: "a b", Context: "standup"})
	if err != nil {
		t.Fatal(err)
	}
	if got["transcript"] != "a b" || got["context"] != "standup" {
		t.Errorf("payload = %v", got)
	}
	if p, ok := got["participants"].([]any); !ok || len(p) != 0 {
		t.Errorf("participants = %#v, want empty list", got["participants"])
	}
}

func TestNon2xxIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL}, nil)
	err := c.ProcessVoiceInput(context.Background(), "x", "s")
	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("err = %v, want *NetworkError", err)
	}
	if ne.StatusCode != http.StatusServiceUnavailable || ne.Call != CallProcess {
		t.Errorf("NetworkError = %+v", ne)
	}
}

func TestTransportFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(Config{Endpoint: url, Timeout: time.Second}, nil)
	var ne *NetworkError
	if err := c.FullAnalysis(context.Background(), Request{}); !errors.As(err, &ne) {
		t.Fatalf("err = %v, want *NetworkError", err)
	}
	if ne.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0", ne.StatusCode)
	}
}

func TestBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL}, nil)
	for range 3 {
		c.ProcessVoiceInput(context.Background(), "x", "s")
	}
	err := c.ProcessVoiceInput(context.Background(), "x", "s")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("err = %v, want open breaker", err)
	}
	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Error("open breaker should still be a NetworkError")
	}
	if hits.Load() != 3 {
		t.Errorf("server hits = %d, want 3", hits.Load())
	}
}

func TestDisabledClient(t *testing.T) {
	c := New(Config{}, nil)
	if c.Enabled() {
		t.Error("client without endpoint reports enabled")
	}
	if err := c.ProcessVoiceInput(context.Background(), "x", "s"); err != nil {
		t.Errorf("disabled client returned %v", err)
	}
	var nilClient *Client
	if nilClient.Enabled() {
		t.Error("nil client reports enabled")
	}
}
