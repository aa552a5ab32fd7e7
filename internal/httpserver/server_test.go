package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lawlink/consult-signaling/internal/config"
	"github.com/lawlink/consult-signaling/internal/metrics"
)

type staticRooms struct{ n int }

func (s staticRooms) ActiveRooms() int { return s.n }

func newTestHTTPServer(t *testing.T, mutate func(*config.Config, *Deps)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Config{
		ListenAddr: "127.0.0.1:0",
		STUNURLs:   []string{"stun:stun.example.com:3478"},
	}
	deps := Deps{Rooms: staticRooms{n: 2}}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	s := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), BuildInfo{Commit: "abc123", BuildTime: "2026-01-01T00:00:00Z"}, deps)
	ts := httptest.NewServer(s.srv.Handler)
	t.Cleanup(ts.Close)
	return s, ts
}

func getJSON(t *testing.T, ts *httptest.Server, path string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s: status %d, want %d", path, resp.StatusCode, wantStatus)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("GET %s: decode: %v", path, err)
	}
	return body
}

func TestServer_HealthVersionReadiness(t *testing.T) {
	s, ts := newTestHTTPServer(t, nil)

	if body := getJSON(t, ts, "/healthz", http.StatusOK); body["ok"] != true {
		t.Fatalf("healthz body: %v", body)
	}

	if body := getJSON(t, ts, "/version", http.StatusOK); body["commit"] != "abc123" {
		t.Fatalf("version body: %v", body)
	}

	// Serve has not run, so the server has not marked itself ready.
	getJSON(t, ts, "/readyz", http.StatusServiceUnavailable)
	s.ready.Store(true)
	if body := getJSON(t, ts, "/readyz", http.StatusOK); body["ready"] != true {
		t.Fatalf("readyz body: %v", body)
	}
}

func TestServer_Stats(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.ConnectionsAccepted)
	m.Inc(metrics.ConnectionsAccepted)

	_, ts := newTestHTTPServer(t, func(cfg *config.Config, deps *Deps) {
		deps.Metrics = m
		deps.Rooms = staticRooms{n: 5}
	})

	body := getJSON(t, ts, "/stats", http.StatusOK)
	if body["activeRooms"] != float64(5) {
		t.Fatalf("activeRooms=%v", body["activeRooms"])
	}
	counters, ok := body["counters"].(map[string]any)
	if !ok {
		t.Fatalf("counters missing: %v", body)
	}
	if counters[metrics.ConnectionsAccepted] != float64(2) {
		t.Fatalf("counters=%v", counters)
	}
}

func TestServer_ICEServers(t *testing.T) {
	_, ts := newTestHTTPServer(t, nil)

	body := getJSON(t, ts, "/ice", http.StatusOK)
	servers, ok := body["iceServers"].([]any)
	if !ok || len(servers) != 1 {
		t.Fatalf("iceServers=%v", body["iceServers"])
	}
	first := servers[0].(map[string]any)
	urls := first["urls"].([]any)
	if urls[0] != "stun:stun.example.com:3478" {
		t.Fatalf("urls=%v", urls)
	}
}

func TestServer_ICEIncludesTURNCredentials(t *testing.T) {
	_, ts := newTestHTTPServer(t, func(cfg *config.Config, deps *Deps) {
		cfg.TURNURLs = []string{"turn:turn.example.com:3478?transport=udp"}
		cfg.TURNSecret = "s3cret"
		cfg.TURNCredentialTTL = 10 * time.Minute
	})

	body := getJSON(t, ts, "/ice?userId=alice", http.StatusOK)
	servers := body["iceServers"].([]any)
	if len(servers) != 2 {
		t.Fatalf("iceServers=%v", servers)
	}
	turn := servers[1].(map[string]any)
	username, _ := turn["username"].(string)
	if !strings.HasSuffix(username, ":alice") {
		t.Fatalf("username=%q", username)
	}
	if cred, _ := turn["credential"].(string); cred == "" {
		t.Fatal("credential missing")
	}
}

func TestServer_OriginPolicy(t *testing.T) {
	_, ts := newTestHTTPServer(t, func(cfg *config.Config, deps *Deps) {
		cfg.AllowedOrigins = []string{"https://app.example.com"}
	})

	tests := []struct {
		name       string
		origin     string
		wantStatus int
		wantACAO   string
	}{
		{name: "no origin header", origin: "", wantStatus: http.StatusOK},
		{name: "allowed origin", origin: "https://app.example.com", wantStatus: http.StatusOK, wantACAO: "https://app.example.com"},
		{name: "allowed after normalization", origin: "HTTPS://App.Example.Com:443", wantStatus: http.StatusOK, wantACAO: "https://app.example.com"},
		{name: "other origin", origin: "https://evil.example.com", wantStatus: http.StatusForbidden},
		{name: "null origin", origin: "null", wantStatus: http.StatusForbidden},
		{name: "garbage origin", origin: "not a url", wantStatus: http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, ts.URL+"/ice", nil)
			if err != nil {
				t.Fatal(err)
			}
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			resp, err := ts.Client().Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status %d, want %d", resp.StatusCode, tc.wantStatus)
			}
			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tc.wantACAO {
				t.Fatalf("ACAO=%q, want %q", got, tc.wantACAO)
			}
		})
	}
}

func TestServer_DefaultOriginPolicyIsSameHost(t *testing.T) {
	_, ts := newTestHTTPServer(t, nil)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/ice", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Origin", ts.URL)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("same-host origin: status %d", resp.StatusCode)
	}

	req.Header.Set("Origin", "http://elsewhere.example.com")
	resp, err = ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-host origin: status %d", resp.StatusCode)
	}
}

func TestNormalizeOriginHeader(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{in: "https://app.example.com", want: "https://app.example.com", wantOK: true},
		{in: "https://app.example.com:443", want: "https://app.example.com", wantOK: true},
		{in: "http://app.example.com:80", want: "http://app.example.com", wantOK: true},
		{in: "http://app.example.com:8080", want: "http://app.example.com:8080", wantOK: true},
		{in: "HTTPS://APP.Example.COM", want: "https://app.example.com", wantOK: true},
		{in: "http://[::1]:3000", want: "http://[::1]:3000", wantOK: true},
		{in: "https://app.example.com/path", wantOK: false},
		{in: "https://user@app.example.com", wantOK: false},
		{in: "https://app.example.com?q=1", wantOK: false},
		{in: "ftp://app.example.com", wantOK: false},
		{in: "https://app.example.com:0", wantOK: false},
		{in: "https://app.example.com:banana", wantOK: false},
		{in: "null", wantOK: false},
		{in: "", wantOK: false},
	}
	for _, tc := range tests {
		got, _, ok := normalizeOriginHeader(tc.in)
		if ok != tc.wantOK || got != tc.want {
			t.Errorf("normalizeOriginHeader(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestOriginAllowed_Wildcard(t *testing.T) {
	norm, host, ok := normalizeOriginHeader("https://anything.example.com")
	if !ok {
		t.Fatal("normalize failed")
	}
	if !originAllowed(norm, host, "server.example.com", []string{"*"}) {
		t.Fatal("wildcard allow-list rejected origin")
	}
}
