package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeStatus struct {
	peers any
	err   error
}

func (f *fakeStatus) Peers(ctx context.Context) (any, error) { return f.peers, f.err }

func (f *fakeStatus) Stats(ctx context.Context) (any, error) {
	return map[string]int{"frames": 3}, f.err
}

func TestRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "xrstream_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	signal := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv := NewServer(Options{
		Signaling:      signal,
		Registry:       reg,
		Status:         &fakeStatus{peers: []string{"a", "b"}},
		AllowedOrigins: []string{"http://localhost:3000"},
	}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{name: "health", method: http.MethodGet, path: "/api/health", wantStatus: http.StatusOK, wantBody: `"status":"ok"`},
		{name: "signaling", method: http.MethodGet, path: "/ws", wantStatus: http.StatusTeapot},
		{name: "metrics", method: http.MethodGet, path: "/metrics", wantStatus: http.StatusOK, wantBody: "xrstream_test_total 1"},
		{name: "peers", method: http.MethodGet, path: "/api/peers", wantStatus: http.StatusOK, wantBody: `["a","b"]`},
		{name: "stats", method: http.MethodGet, path: "/api/stats", wantStatus: http.StatusOK, wantBody: `"frames":3`},
		{name: "wrong method", method: http.MethodPost, path: "/api/stats", wantStatus: http.StatusMethodNotAllowed},
		{name: "preflight", method: http.MethodOptions, path: "/api/stats", wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, nil)
			if err != nil {
				t.Fatal(err)
			}
			req.Header.Set("Origin", "http://localhost:3000")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("%s %s: %v", tt.method, tt.path, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
				t.Errorf("Access-Control-Allow-Origin = %q", got)
			}
			if tt.wantBody == "" {
				return
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			if !strings.Contains(string(body), tt.wantBody) {
				t.Fatalf("body %q does not contain %q", body, tt.wantBody)
			}
		})
	}
}

func TestStatusUnavailable(t *testing.T) {
	srv := NewServer(Options{Status: &fakeStatus{err: errors.New("manager stopped")}}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/peers", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("/ws without signaling: status = %d, want 404", rec.Code)
	}
}

func TestUnknownOriginGetsNoCORS(t *testing.T) {
	srv := NewServer(Options{}, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want empty", got)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["status"] != "ok" {
		t.Fatalf("health body %q: %v", rec.Body.String(), err)
	}
}

func TestJoinLimiterSlidingWindow(t *testing.T) {
	l := NewJoinLimiter(2, time.Minute, nil)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	steps := []struct {
		ip      string
		advance time.Duration
		want    bool
	}{
		{ip: "10.0.0.1", want: true},
		{ip: "10.0.0.1", advance: 30 * time.Second, want: true},
		{ip: "10.0.0.1", want: false},
		{ip: "10.0.0.2", want: true},
		// First join leaves the window; the one at +30s still counts.
		{ip: "10.0.0.1", advance: 31 * time.Second, want: true},
		{ip: "10.0.0.1", want: false},
		{ip: "10.0.0.1", advance: 30 * time.Second, want: true},
	}
	for i, s := range steps {
		now = now.Add(s.advance)
		if got := l.Allow(s.ip); got != s.want {
			t.Fatalf("step %d: Allow(%s) = %v, want %v", i, s.ip, got, s.want)
		}
	}
}

func TestJoinLimiterForgetsIdleClients(t *testing.T) {
	l := NewJoinLimiter(1, time.Minute, nil)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	l.Allow("10.0.0.1")
	now = now.Add(2 * time.Minute)
	l.Allow("10.0.0.2")
	if _, ok := l.joins["10.0.0.1"]; ok {
		t.Fatal("idle client still tracked after sweep")
	}
}

func TestJoinLimitedSignaling(t *testing.T) {
	signal := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	srv := NewServer(Options{Signaling: signal, JoinRate: 1, JoinWindow: time.Hour}, nil)

	tests := []struct {
		name    string
		upgrade bool
		want    int
	}{
		{"first join", true, http.StatusOK},
		{"plain request not counted", false, http.StatusOK},
		{"second join", true, http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.RemoteAddr = "192.0.2.7:5000"
			if tt.upgrade {
				req.Header.Set("Connection", "Upgrade")
				req.Header.Set("Upgrade", "websocket")
			}
			srv.Handler().ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("code = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := NewServer(Options{Addr: "127.0.0.1:0"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
