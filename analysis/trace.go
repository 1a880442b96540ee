package analysis

import (
	"io"
	"net/http"
	"net/http/httptrace"
	"time"
)

// maxReplyBody caps what is kept of a reply; the service only acknowledges.
const maxReplyBody = 64 << 10

// callTiming is where one outbound call spent its time.
type callTiming struct {
	Connect time.Duration // dial plus TLS; zero on a reused connection
	TTFB    time.Duration // request written to first response byte
	Total   time.Duration
	Reused  bool
}

type reply struct {
	status int
	body   []byte
	timing callTiming
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        2,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}
}

// send performs req and reads the capped reply body.
func send(hc *http.Client, req *http.Request) (*reply, error) {
	var t callTiming
	var connStart, wrote, firstByte time.Time

	trace := &httptrace.ClientTrace{
		GetConn: func(string) { connStart = time.Now() },
		GotConn: func(info httptrace.GotConnInfo) {
			t.Reused = info.Reused
			if !info.Reused {
				t.Connect = time.Since(connStart)
			}
		},
		WroteRequest: func(httptrace.WroteRequestInfo) { wrote = time.Now() },
		GotFirstResponseByte: func() {
			firstByte = time.Now()
			if !wrote.IsZero() {
				t.TTFB = firstByte.Sub(wrote)
			}
		},
	}

	start := time.Now()
	resp, err := hc.Do(req.WithContext(httptrace.WithClientTrace(req.Context(), trace)))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBody))
	if err != nil {
		return nil, err
	}
	t.Total = time.Since(start)
	return &reply{status: resp.StatusCode, body: body, timing: t}, nil
}

// warm opens a connection to url ahead of the first utterance and returns
// how long connecting took.
func warm(hc *http.Client, url string) time.Duration {
	req, err := http.NewRequest(http.MethodHead, url, nil)
	if err != nil {
		return 0
	}
	r, err := send(hc, req)
	if err != nil {
		return 0
	}
	return r.timing.Connect
}
