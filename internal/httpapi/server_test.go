package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/voicerelay/internal/ledger"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/transport"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

type fixture struct {
	ts       *httptest.Server
	sessions *session.Manager
	dialer   *upstream.MockDialer
	store    *ledger.InMemoryStore
}

func newFixture(t *testing.T, opts upstream.MockOptions) *fixture {
	t.Helper()
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry(), "httpapi_test")
	dialer := upstream.NewMockDialer(opts)
	store := ledger.NewInMemoryStore(16)
	sessions := session.NewManager(session.Config{
		MaxSessions:      4,
		TeardownDeadline: time.Second,
		EagerConnect:     true,
		Transport:        transport.Config{WriteTimeout: time.Second},
		Bridge:           upstream.BridgeConfig{BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond},
	}, session.Options{Dialer: dialer, Metrics: metrics, Ledger: store})

	srv := New(sessions, Options{Provider: dialer.Name(), Metrics: metrics, History: store})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sessions.Shutdown(ctx)
		ts.Close()
	})
	return &fixture{ts: ts, sessions: sessions, dialer: dialer, store: store}
}

func (f *fixture) dial(t *testing.T, path string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + path
	conn, res, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", path, err)
	}
	if res.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("Dial(%s) status = %d", path, res.StatusCode)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m map[string]any
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return m
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return res.StatusCode
}

func TestVoiceChatRoundTrip(t *testing.T) {
	f := newFixture(t, upstream.MockOptions{})
	conn := f.dial(t, "/voice-chat", nil)

	started := readEnvelope(t, conn)
	if started["type"] != "session_started" || started["message"] != "Voice chat session connected" {
		t.Fatalf("first envelope = %v, want session_started", started)
	}
	id, _ := started["session_id"].(string)

	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	if err := conn.WriteJSON(map[string]string{"type": "audio_data", "audio": base64.StdEncoding.EncodeToString(pcm)}); err != nil {
		t.Fatalf("WriteJSON(audio_data) error = %v", err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "audio_end"}); err != nil {
		t.Fatalf("WriteJSON(audio_end) error = %v", err)
	}

	resp := readEnvelope(t, conn)
	if resp["type"] != "audio_response" {
		t.Fatalf("envelope = %v, want audio_response", resp)
	}
	got, err := base64.StdEncoding.DecodeString(resp["audio"].(string))
	if err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if string(got) != string(pcm) {
		t.Fatalf("echoed audio = %v, want %v", got, pcm)
	}
	if done := readEnvelope(t, conn); done["type"] != "turn_complete" {
		t.Fatalf("envelope = %v, want turn_complete", done)
	}

	var info session.Info
	if code := getJSON(t, f.ts.URL+"/v1/sessions/"+id, &info); code != http.StatusOK {
		t.Fatalf("GET session status = %d", code)
	}
	if info.State != "idle" || info.Provider != "mock" || !info.UpstreamConnected {
		t.Fatalf("unexpected info: %+v", info)
	}

	if err := conn.WriteJSON(map[string]string{"type": "stop"}); err != nil {
		t.Fatalf("WriteJSON(stop) error = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.sessions.ActiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session still registered after stop")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var history struct {
		Sessions []ledger.SessionRecord `json:"sessions"`
	}
	if code := getJSON(t, f.ts.URL+"/v1/sessions/history", &history); code != http.StatusOK {
		t.Fatalf("GET history status = %d", code)
	}
	if len(history.Sessions) != 1 || history.Sessions[0].EndReason != session.EndClientStop {
		t.Fatalf("history = %+v, want one client_stop session", history.Sessions)
	}

	var turns struct {
		Turns []ledger.TurnRecord `json:"turns"`
	}
	if code := getJSON(t, f.ts.URL+"/v1/sessions/history/"+id+"/turns", &turns); code != http.StatusOK {
		t.Fatalf("GET turns status = %d", code)
	}
	if len(turns.Turns) != 1 || turns.Turns[0].Outcome != ledger.OutcomeCompleted {
		t.Fatalf("turns = %+v, want one completed turn", turns.Turns)
	}
}

func TestVoiceChatAliasAndMalformedEnvelope(t *testing.T) {
	f := newFixture(t, upstream.MockOptions{})
	conn := f.dial(t, "/ws/voice-chat", nil)
	if m := readEnvelope(t, conn); m["type"] != "session_started" {
		t.Fatalf("first envelope = %v", m)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	m := readEnvelope(t, conn)
	if m["type"] != "error" || m["code"] != "client_protocol_error" || m["fatal"] != nil {
		t.Fatalf("envelope = %v, want recoverable client_protocol_error", m)
	}

	if err := conn.WriteJSON(map[string]string{"type": "text_message", "text": "hello"}); err != nil {
		t.Fatalf("WriteJSON(text_message) error = %v", err)
	}
	if m := readEnvelope(t, conn); m["type"] != "text_response" || m["text"] != "hello" {
		t.Fatalf("envelope = %v, want text_response", m)
	}
}

func TestVoiceChatRejectsCrossOrigin(t *testing.T) {
	f := newFixture(t, upstream.MockOptions{})
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/voice-chat"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatalf("Dial() with foreign origin succeeded")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("Dial() response = %v, want 403", res)
	}
	if got := f.dialer.Dials(); got != 0 {
		t.Fatalf("Dials() = %d, want 0", got)
	}
}

func TestAdminStopEndsSession(t *testing.T) {
	f := newFixture(t, upstream.MockOptions{})
	conn := f.dial(t, "/voice-chat", nil)
	started := readEnvelope(t, conn)
	id, _ := started["session_id"].(string)

	var list struct {
		Sessions []session.Info `json:"sessions"`
	}
	if code := getJSON(t, f.ts.URL+"/v1/sessions", &list); code != http.StatusOK || len(list.Sessions) != 1 {
		t.Fatalf("GET sessions = %d %+v", code, list.Sessions)
	}

	res, err := http.Post(f.ts.URL+"/v1/sessions/"+id+"/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("POST stop error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("POST stop status = %d", res.StatusCode)
	}
	if code := getJSON(t, f.ts.URL+"/v1/sessions/"+id, nil); code != http.StatusNotFound {
		t.Fatalf("GET stopped session status = %d, want 404", code)
	}

	res, err = http.Post(f.ts.URL+"/v1/sessions/"+id+"/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("POST stop error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second POST stop status = %d, want 404", res.StatusCode)
	}
}

func TestHealthReadyMetricsAndPerf(t *testing.T) {
	f := newFixture(t, upstream.MockOptions{})

	var health map[string]any
	if code := getJSON(t, f.ts.URL+"/healthz", &health); code != http.StatusOK || health["provider"] != "mock" {
		t.Fatalf("healthz = %d %v", code, health)
	}
	var ready map[string]any
	if code := getJSON(t, f.ts.URL+"/readyz", &ready); code != http.StatusOK || ready["ledger_store"] != "in-memory" {
		t.Fatalf("readyz = %d %v", code, ready)
	}
	var perf map[string]any
	if code := getJSON(t, f.ts.URL+"/v1/perf/latency", &perf); code != http.StatusOK {
		t.Fatalf("perf status = %d", code)
	}
	if _, ok := perf["stages"]; !ok {
		t.Fatalf("perf response missing stages: %v", perf)
	}

	res, err := http.Get(f.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics error = %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(body), "httpapi_test_active_sessions") {
		t.Fatalf("metrics output missing active_sessions gauge")
	}

	if code := getJSON(t, f.ts.URL+"/v1/sessions/history?limit=abc", nil); code != http.StatusBadRequest {
		t.Fatalf("history with bad limit status = %d, want 400", code)
	}
}
