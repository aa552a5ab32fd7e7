package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lawlink/consult-signaling/internal/auth"
	"github.com/lawlink/consult-signaling/internal/clock"
	"github.com/lawlink/consult-signaling/internal/config"
	"github.com/lawlink/consult-signaling/internal/metrics"
	"github.com/lawlink/consult-signaling/internal/room"
)

type staticEntitlements struct {
	roles map[string]room.Role
}

func (e staticEntitlements) Check(_ context.Context, _, userID string) (room.Entitlement, error) {
	role, ok := e.roles[userID]
	if !ok {
		return room.Entitlement{}, nil
	}
	return room.Entitlement{Allowed: true, Role: role}, nil
}

type nopStatus struct{}

func (nopStatus) UpdateStatus(context.Context, string, string) error { return nil }

type nopRecorder struct{}

func (nopRecorder) Start(context.Context, string) error { return nil }
func (nopRecorder) Stop(context.Context, string) error  { return nil }

type nopNotifier struct{}

func (nopNotifier) SendIncomingCall(context.Context, string, room.IncomingCall) error { return nil }

func newSignalingTestServer(t *testing.T, mutate func(*ServerConfig)) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	hub := NewHub(log, m)
	mgr := room.NewManager(log, clock.Real{}, m, room.ManagerConfig{
		MaxParticipants: 2,
		ReconnectGrace:  time.Second,
		EmptyRoomDelay:  time.Second,
	}, room.Deps{
		Registry: room.NewConnectionRegistry(),
		Sender:   hub,
		Entitlements: staticEntitlements{roles: map[string]room.Role{
			"alice": room.RoleLawyer,
			"bob":   room.RoleClient,
		}},
		Status:   nopStatus{},
		Recorder: nopRecorder{},
		Notifier: nopNotifier{},
	})
	t.Cleanup(mgr.Close)

	cfg := ServerConfig{
		Log:      log,
		Metrics:  m,
		Verifier: auth.TrustedVerifier{},
		Manager:  mgr,
		Hub:      hub,
		AuthMode: config.AuthModeNone,
		STUNURLs: []string{"stun:stun.example.com:3478"},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	ts := httptest.NewServer(NewServer(cfg))
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	if query != "" {
		url += "?" + query
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// waitFor reads frames until one of the wanted type arrives. Unrelated
// presence events in between are skipped.
func waitFor(t *testing.T, ws *websocket.Conn, want string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = ws.SetReadDeadline(deadline)
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", want, err)
		}
		var ev wireEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		if ev.Type == want {
			return ev.Data
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, frameType string, data any) {
	t.Helper()
	frame := map[string]any{"type": frameType}
	if data != nil {
		frame["data"] = data
	}
	if err := ws.WriteJSON(frame); err != nil {
		t.Fatalf("send %s: %v", frameType, err)
	}
}

func TestServer_QueryAuthJoinAndRoster(t *testing.T) {
	ts := newSignalingTestServer(t, nil)
	ws := dial(t, ts, "userId=alice&displayName=Alice")

	cfgData := waitFor(t, ws, "config")
	var cfgPayload ConfigPayload
	if err := json.Unmarshal(cfgData, &cfgPayload); err != nil {
		t.Fatalf("config payload: %v", err)
	}
	if cfgPayload.ConnectionID == "" || len(cfgPayload.STUNURLs) != 1 {
		t.Fatalf("config payload=%+v", cfgPayload)
	}

	send(t, ws, "join-consultation", map[string]any{"consultationId": "c1"})
	rosterData := waitFor(t, ws, "consultation-joined")
	var roster room.RosterPayload
	if err := json.Unmarshal(rosterData, &roster); err != nil {
		t.Fatalf("roster payload: %v", err)
	}
	if roster.ConsultationID != "c1" || len(roster.Participants) != 1 {
		t.Fatalf("roster=%+v", roster)
	}
	if roster.Participants[0].Role != room.RoleLawyer {
		t.Fatalf("role=%q, want LAWYER", roster.Participants[0].Role)
	}
}

func TestServer_AuthFrameLogin(t *testing.T) {
	ts := newSignalingTestServer(t, nil)
	ws := dial(t, ts, "")

	send(t, ws, "auth", map[string]any{"userId": "bob", "displayName": "Bob"})
	waitFor(t, ws, "config")
}

func TestServer_FrameBeforeAuthIsRejected(t *testing.T) {
	ts := newSignalingTestServer(t, nil)
	ws := dial(t, ts, "")

	send(t, ws, "join-consultation", map[string]any{"consultationId": "c1"})

	data := waitFor(t, ws, "error")
	var p ErrorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if p.Code != "unauthorized" {
		t.Fatalf("code=%q, want unauthorized", p.Code)
	}
}

func TestServer_AuthTimeout(t *testing.T) {
	ts := newSignalingTestServer(t, func(cfg *ServerConfig) {
		cfg.AuthTimeout = 100 * time.Millisecond
	})
	ws := dial(t, ts, "")

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				t.Fatalf("close err=%v, want policy violation", err)
			}
			return
		}
	}
}

func TestServer_OfferAndCandidateRelay(t *testing.T) {
	ts := newSignalingTestServer(t, nil)

	wsA := dial(t, ts, "userId=alice")
	waitFor(t, wsA, "config")
	send(t, wsA, "join-consultation", map[string]any{"consultationId": "c1"})
	waitFor(t, wsA, "consultation-joined")

	wsB := dial(t, ts, "userId=bob")
	waitFor(t, wsB, "config")
	send(t, wsB, "join-consultation", map[string]any{"consultationId": "c1"})
	waitFor(t, wsB, "consultation-joined")
	waitFor(t, wsA, "participant-joined")

	send(t, wsA, "offer", map[string]any{
		"targetUserId":   "bob",
		"consultationId": "c1",
		"payload":        map[string]any{"type": "offer", "sdp": "v=0 offer"},
	})
	offerData := waitFor(t, wsB, "offer")
	var offer RelaySDPPayload
	if err := json.Unmarshal(offerData, &offer); err != nil {
		t.Fatalf("offer payload: %v", err)
	}
	if offer.FromUserID != "alice" || offer.ConsultationID != "c1" || offer.Payload.SDP != "v=0 offer" {
		t.Fatalf("offer=%+v", offer)
	}

	send(t, wsB, "answer", map[string]any{
		"targetUserId":   "alice",
		"consultationId": "c1",
		"payload":        map[string]any{"type": "answer", "sdp": "v=0 answer"},
	})
	answerData := waitFor(t, wsA, "answer")
	var answer RelaySDPPayload
	if err := json.Unmarshal(answerData, &answer); err != nil {
		t.Fatalf("answer payload: %v", err)
	}
	if answer.FromUserID != "bob" {
		t.Fatalf("answer=%+v", answer)
	}

	send(t, wsA, "ice-candidate", map[string]any{
		"targetUserId":   "bob",
		"consultationId": "c1",
		"payload":        map[string]any{"candidate": "candidate:1 1 udp 1 192.0.2.1 1 typ host"},
	})
	candData := waitFor(t, wsB, "ice-candidate")
	var cand RelayCandidatePayload
	if err := json.Unmarshal(candData, &cand); err != nil {
		t.Fatalf("candidate payload: %v", err)
	}
	if cand.FromUserID != "alice" || cand.Payload.Candidate == "" {
		t.Fatalf("candidate=%+v", cand)
	}
}

func TestServer_OfferWithLegacySDPKeySurvives(t *testing.T) {
	ts := newSignalingTestServer(t, nil)

	wsA := dial(t, ts, "userId=alice")
	waitFor(t, wsA, "config")
	send(t, wsA, "join-consultation", map[string]any{"consultationId": "c1"})
	waitFor(t, wsA, "consultation-joined")

	wsB := dial(t, ts, "userId=bob")
	waitFor(t, wsB, "config")
	send(t, wsB, "join-consultation", map[string]any{"consultationId": "c1"})
	waitFor(t, wsB, "consultation-joined")
	waitFor(t, wsA, "participant-joined")

	// Clients built against the pre-release protocol put the description
	// under "sdp"; the frame must relay, not kill the sender's socket.
	send(t, wsA, "offer", map[string]any{
		"targetUserId":   "bob",
		"consultationId": "c1",
		"sdp":            map[string]any{"type": "offer", "sdp": "v=0 legacy"},
	})
	offerData := waitFor(t, wsB, "offer")
	var offer RelaySDPPayload
	if err := json.Unmarshal(offerData, &offer); err != nil {
		t.Fatalf("offer payload: %v", err)
	}
	if offer.FromUserID != "alice" || offer.Payload.SDP != "v=0 legacy" {
		t.Fatalf("offer=%+v", offer)
	}

	// The sender's connection is still live.
	send(t, wsA, "chat-message", map[string]any{"consultationId": "c1", "message": "hi"})
	waitFor(t, wsB, "chat-message")
}

func TestServer_FrameForOtherConsultationIsRejected(t *testing.T) {
	ts := newSignalingTestServer(t, nil)

	ws := dial(t, ts, "userId=alice")
	waitFor(t, ws, "config")
	send(t, ws, "join-consultation", map[string]any{"consultationId": "c1"})
	waitFor(t, ws, "consultation-joined")

	send(t, ws, "toggle-audio", map[string]any{"consultationId": "c2", "enabled": false})
	data := waitFor(t, ws, "error")
	var p ErrorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if p.Code != "not_in_consultation" {
		t.Fatalf("code=%q, want not_in_consultation", p.Code)
	}
}

func TestServer_ChatCarriesClientTimestamp(t *testing.T) {
	ts := newSignalingTestServer(t, nil)

	wsA := dial(t, ts, "userId=alice")
	waitFor(t, wsA, "config")
	send(t, wsA, "join-consultation", map[string]any{"consultationId": "c1"})
	waitFor(t, wsA, "consultation-joined")

	wsB := dial(t, ts, "userId=bob")
	waitFor(t, wsB, "config")
	send(t, wsB, "join-consultation", map[string]any{"consultationId": "c1"})
	waitFor(t, wsB, "consultation-joined")
	waitFor(t, wsA, "participant-joined")

	sent := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	send(t, wsA, "chat-message", map[string]any{
		"consultationId": "c1",
		"message":        "hello",
		"timestamp":      sent.Format(time.RFC3339),
	})

	data := waitFor(t, wsB, "chat-message")
	var p room.ChatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("chat payload: %v", err)
	}
	if p.FromUserID != "alice" || p.Message != "hello" {
		t.Fatalf("chat=%+v", p)
	}
	if !p.Timestamp.Equal(sent) {
		t.Fatalf("timestamp=%v, want %v", p.Timestamp, sent)
	}
}

func TestServer_ToggleAudioFanout(t *testing.T) {
	ts := newSignalingTestServer(t, nil)

	wsA := dial(t, ts, "userId=alice")
	waitFor(t, wsA, "config")
	send(t, wsA, "join-consultation", map[string]any{"consultationId": "c1"})
	waitFor(t, wsA, "consultation-joined")

	wsB := dial(t, ts, "userId=bob")
	waitFor(t, wsB, "config")
	send(t, wsB, "join-consultation", map[string]any{"consultationId": "c1"})
	waitFor(t, wsB, "consultation-joined")

	send(t, wsA, "toggle-audio", map[string]any{"enabled": false})
	data := waitFor(t, wsB, "participant-audio-toggled")
	var p room.TogglePayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("toggle payload: %v", err)
	}
	if p.UserID != "alice" || p.Enabled {
		t.Fatalf("toggle=%+v, want alice/false", p)
	}
}

func TestServer_JoinDeniedKeepsConnection(t *testing.T) {
	ts := newSignalingTestServer(t, nil)
	ws := dial(t, ts, "userId=mallory")
	waitFor(t, ws, "config")

	send(t, ws, "join-consultation", map[string]any{"consultationId": "c1"})
	data := waitFor(t, ws, "error")
	var p ErrorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if p.Code != "not_entitled" {
		t.Fatalf("code=%q, want not_entitled", p.Code)
	}

	// Connection survives an application-level rejection and keeps
	// dispatching frames.
	send(t, ws, "report-device-info", map[string]any{"deviceInfo": map[string]any{"platform": "linux"}})
	data = waitFor(t, ws, "error")
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if p.Code != "not_in_consultation" {
		t.Fatalf("code=%q, want not_in_consultation", p.Code)
	}
}

func TestServer_MalformedFrameCloses(t *testing.T) {
	ts := newSignalingTestServer(t, nil)
	ws := dial(t, ts, "userId=alice")
	waitFor(t, ws, "config")

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	data := waitFor(t, ws, "error")
	var p ErrorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if p.Code != "bad_message" {
		t.Fatalf("code=%q, want bad_message", p.Code)
	}

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func TestServer_RateLimit(t *testing.T) {
	ts := newSignalingTestServer(t, func(cfg *ServerConfig) {
		cfg.MessagesPerSecond = 2
	})
	ws := dial(t, ts, "userId=alice")
	waitFor(t, ws, "config")

	for i := 0; i < 3; i++ {
		send(t, ws, "report-device-info", map[string]any{"deviceInfo": map[string]any{"platform": "linux"}})
	}

	// The allowed frames draw not_in_consultation errors; the limiter then
	// closes the connection with a final rate_limited frame.
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = ws.SetReadDeadline(deadline)
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("connection ended before rate_limited error: %v", err)
		}
		var ev wireEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		if ev.Type != "error" {
			continue
		}
		var p ErrorPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			t.Fatalf("error payload: %v", err)
		}
		if p.Code == "rate_limited" {
			return
		}
	}
}
