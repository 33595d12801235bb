package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicerelay/internal/ledger"
	"github.com/ent0n29/voicerelay/internal/policy"
	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/transport"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

const waitFor = 2 * time.Second

// pipeConn is an in-memory client connection: the test writes envelopes to
// in and reads what the relay sent from out.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.in:
		return websocket.TextMessage, b, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *pipeConn) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	select {
	case <-c.closed:
		return errors.New("use of closed network connection")
	default:
	}
	c.out <- append([]byte(nil), data...)
	return nil
}

func (c *pipeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *pipeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *pipeConn) SetReadLimit(int64)                {}
func (c *pipeConn) SetPongHandler(func(string) error) {}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) send(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	c.in <- b
}

func (c *pipeConn) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case b := <-c.out:
		var m map[string]any
		require.NoError(t, json.Unmarshal(b, &m))
		return m
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for an envelope from the relay")
		return nil
	}
}

func (c *pipeConn) expect(t *testing.T, typ string) map[string]any {
	t.Helper()
	m := c.next(t)
	require.Equal(t, typ, m["type"], "envelope: %v", m)
	return m
}

func (c *pipeConn) expectError(t *testing.T, code string, fatal bool) map[string]any {
	t.Helper()
	m := c.expect(t, "error")
	require.Equal(t, code, m["code"], "envelope: %v", m)
	if fatal {
		assert.Equal(t, true, m["fatal"])
	} else {
		assert.Nil(t, m["fatal"])
	}
	return m
}

func audioData(pcm []byte) protocol.AudioData {
	return protocol.AudioData{Type: protocol.TypeAudioData, Audio: base64.StdEncoding.EncodeToString(pcm)}
}

func testConfig() Config {
	return Config{
		IdleTimeout:          time.Minute,
		MaxSessions:          8,
		TeardownDeadline:     time.Second,
		QueueCapacity:        32,
		DecodeErrorThreshold: 3,
		EagerConnect:         true,
		Transport:            transport.Config{WriteTimeout: time.Second},
		Bridge: upstream.BridgeConfig{
			MaxAttempts: 3,
			BackoffBase: 5 * time.Millisecond,
			BackoffCap:  20 * time.Millisecond,
		},
	}
}

type harness struct {
	m      *Manager
	dialer *upstream.MockDialer
	store  *ledger.InMemoryStore
}

func newHarness(t *testing.T, opts upstream.MockOptions, mutate func(*Config)) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		dialer: upstream.NewMockDialer(opts),
		store:  ledger.NewInMemoryStore(16),
	}
	h.m = NewManager(cfg, Options{
		Dialer:   h.dialer,
		Ledger:   h.store,
		Redactor: policy.NewRedactor("AIzaSecretForTests"),
	})
	return h
}

// connect starts a session and returns its id after session_started.
func (h *harness) connect(t *testing.T) (*pipeConn, string, <-chan error) {
	t.Helper()
	conn := newPipeConn()
	errCh := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { errCh <- h.m.Serve(ctx, conn, "test-client") }()

	started := conn.expect(t, "session_started")
	assert.Equal(t, sessionStartedMessage, started["message"])
	id, _ := started["session_id"].(string)
	require.NotEmpty(t, id)
	return conn, id, errCh
}

func waitServe(t *testing.T, errCh <-chan error, within time.Duration) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(within):
		t.Fatalf("session did not end within %s", within)
		return nil
	}
}

func (h *harness) state(t *testing.T, id string) string {
	t.Helper()
	info, err := h.m.Get(id)
	require.NoError(t, err)
	return info.State
}

func TestSessionCommitWithoutAudioReportsNoAudio(t *testing.T) {
	h := newHarness(t, upstream.MockOptions{}, nil)
	conn, id, errCh := h.connect(t)

	conn.send(t, protocol.AudioData{Type: protocol.TypeAudioData, Audio: ""})
	conn.send(t, protocol.AudioEnd{Type: protocol.TypeAudioEnd})

	conn.expectError(t, protocol.CodeNoAudioCaptured, false)
	conn.expect(t, "turn_complete")
	assert.Equal(t, "idle", h.state(t, id))

	mock := h.dialer.Conns()[0]
	assert.Equal(t, 1, mock.Commits())
	assert.Empty(t, mock.Received())

	conn.send(t, protocol.Stop{Type: protocol.TypeStop})
	require.NoError(t, waitServe(t, errCh, waitFor))

	turns, err := h.store.SessionTurns(context.Background(), id, 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, ledger.OutcomeNoAudio, turns[0].Outcome)
}

func TestSessionIdleTimeoutTearsDown(t *testing.T) {
	h := newHarness(t, upstream.MockOptions{}, func(c *Config) {
		c.IdleTimeout = 50 * time.Millisecond
		c.JanitorInterval = 10 * time.Millisecond
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.m.StartJanitor(ctx)

	conn, id, errCh := h.connect(t)
	conn.expectError(t, protocol.CodeIdleTimeout, true)
	require.NoError(t, waitServe(t, errCh, waitFor))

	_, err := h.m.Get(id)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, h.dialer.Live())

	sessions, err := h.store.RecentSessions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, EndIdleTimeout, sessions[0].EndReason)
}

func TestSessionIdleTimerIgnoresActiveTurns(t *testing.T) {
	h := newHarness(t, upstream.MockOptions{StallAfterFirstChunk: true}, func(c *Config) {
		c.IdleTimeout = 30 * time.Millisecond
		c.JanitorInterval = 5 * time.Millisecond
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, id, errCh := h.connect(t)
	conn.send(t, audioData(bytes.Repeat([]byte{1}, 64)))
	conn.send(t, protocol.AudioEnd{Type: protocol.TypeAudioEnd})
	conn.expect(t, "audio_response")
	h.m.StartJanitor(ctx)

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, "responding", h.state(t, id))

	conn.send(t, protocol.Stop{Type: protocol.TypeStop})
	require.NoError(t, waitServe(t, errCh, waitFor))
}

func TestConcurrentSessionsDoNotShareAudio(t *testing.T) {
	h := newHarness(t, upstream.MockOptions{ChunkBytes: 160}, nil)
	connA, idA, errA := h.connect(t)
	connB, idB, errB := h.connect(t)
	require.NotEqual(t, idA, idB)
	require.Equal(t, 2, h.m.ActiveCount())

	pcmA := bytes.Repeat([]byte{0xA1}, 960)
	pcmB := bytes.Repeat([]byte{0xB2}, 960)
	for i := 0; i < 960; i += 320 {
		connA.send(t, audioData(pcmA[i:i+320]))
		connB.send(t, audioData(pcmB[i:i+320]))
	}
	connB.send(t, protocol.AudioEnd{Type: protocol.TypeAudioEnd})
	connA.send(t, protocol.AudioEnd{Type: protocol.TypeAudioEnd})

	collect := func(conn *pipeConn) []byte {
		var got []byte
		for {
			m := conn.next(t)
			if m["type"] == "turn_complete" {
				return got
			}
			require.Equal(t, "audio_response", m["type"], "envelope: %v", m)
			assert.Equal(t, "audio/pcm;rate=16000", m["mime_type"])
			chunk, err := base64.StdEncoding.DecodeString(m["audio"].(string))
			require.NoError(t, err)
			got = append(got, chunk...)
		}
	}
	assert.Equal(t, pcmA, collect(connA))
	assert.Equal(t, pcmB, collect(connB))

	connA.send(t, protocol.Stop{Type: protocol.TypeStop})
	connB.send(t, protocol.Stop{Type: protocol.TypeStop})
	require.NoError(t, waitServe(t, errA, waitFor))
	require.NoError(t, waitServe(t, errB, waitFor))
	assert.Equal(t, 0, h.m.ActiveCount())
	assert.Equal(t, 2, h.dialer.Dials())
}

func TestStopWhileRespondingTearsDownWithinDeadline(t *testing.T) {
	h := newHarness(t, upstream.MockOptions{ChunkBytes: 160, StallAfterFirstChunk: true}, nil)
	conn, id, errCh := h.connect(t)

	conn.send(t, audioData(bytes.Repeat([]byte{7}, 640)))
	conn.send(t, protocol.AudioEnd{Type: protocol.TypeAudioEnd})
	conn.expect(t, "audio_response")
	require.Equal(t, "responding", h.state(t, id))

	start := time.Now()
	conn.send(t, protocol.Stop{Type: protocol.TypeStop})
	require.NoError(t, waitServe(t, errCh, testConfig().TeardownDeadline))
	assert.Less(t, time.Since(start), testConfig().TeardownDeadline)

	_, err := h.m.Get(id)
	require.ErrorIs(t, err, ErrNotFound)
	for _, c := range h.dialer.Conns() {
		assert.True(t, c.IsClosed())
	}
	assert.Equal(t, 0, h.dialer.Live())

	sessions, err := h.store.RecentSessions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, EndClientStop, sessions[0].EndReason)
	turns, err := h.store.SessionTurns(context.Background(), id, 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, ledger.OutcomeCanceled, turns[0].Outcome)
}

func TestIllegalTransitionKeepsStateAndSession(t *testing.T) {
	h := newHarness(t, upstream.MockOptions{StallAfterFirstChunk: true}, nil)
	conn, id, errCh := h.connect(t)

	conn.send(t, protocol.AudioEnd{Type: protocol.TypeAudioEnd})
	conn.expectError(t, protocol.CodeIllegalTransition, false)
	assert.Equal(t, "idle", h.state(t, id))

	conn.send(t, audioData([]byte{1, 2, 3, 4}))
	conn.send(t, protocol.AudioEnd{Type: protocol.TypeAudioEnd})
	conn.expect(t, "audio_response")

	conn.send(t, audioData([]byte{5, 6}))
	conn.expectError(t, protocol.CodeIllegalTransition, false)
	assert.Equal(t, "responding", h.state(t, id))

	conn.send(t, protocol.Stop{Type: protocol.TypeStop})
	require.NoError(t, waitServe(t, errCh, waitFor))
}

func TestDecodeErrorsSurfaceAfterThreshold(t *testing.T) {
	h := newHarness(t, upstream.MockOptions{}, func(c *Config) { c.DecodeErrorThreshold = 1 })
	conn, _, errCh := h.connect(t)

	conn.send(t, protocol.AudioData{Type: protocol.TypeAudioData, Audio: "%%%"})
	conn.send(t, protocol.AudioData{Type: protocol.TypeAudioData, Audio: "%%%"})
	conn.expectError(t, protocol.CodeAudioDecode, false)

	conn.send(t, audioData([]byte{9, 9}))
	conn.send(t, protocol.AudioEnd{Type: protocol.TypeAudioEnd})
	m := conn.expect(t, "audio_response")
	chunk, err := base64.StdEncoding.DecodeString(m["audio"].(string))
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, chunk)
	conn.expect(t, "turn_complete")

	conn.send(t, protocol.Stop{Type: protocol.TypeStop})
	require.NoError(t, waitServe(t, errCh, waitFor))
}

func TestTextTurnIsEchoedAndRecorded(t *testing.T) {
	h := newHarness(t, upstream.MockOptions{}, nil)
	conn, id, errCh := h.connect(t)

	conn.send(t, protocol.TextMessage{Type: protocol.TypeTextMessage, Text: "reach me at jane@example.com"})
	m := conn.expect(t, "text_response")
	assert.Equal(t, "reach me at jane@example.com", m["text"])
	conn.expect(t, "turn_complete")

	conn.send(t, protocol.Stop{Type: protocol.TypeStop})
	require.NoError(t, waitServe(t, errCh, waitFor))

	turns, err := h.store.SessionTurns(context.Background(), id, 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "text", turns[0].Kind)
	assert.Equal(t, ledger.OutcomeCompleted, turns[0].Outcome)
	assert.True(t, turns[0].PIIRedacted)
	assert.Equal(t, "reach me at [REDACTED_EMAIL]", turns[0].Text)
}

func TestUpstreamAuthFailureIsFatal(t *testing.T) {
	h := newHarness(t, upstream.MockOptions{RejectAuth: true}, nil)
	conn := newPipeConn()
	errCh := make(chan error, 1)
	go func() { errCh <- h.m.Serve(context.Background(), conn, "test-client") }()

	conn.expectError(t, protocol.CodeUpstreamAuth, true)
	err := waitServe(t, errCh, waitFor)
	require.ErrorIs(t, err, upstream.ErrUpstreamAuth)
	assert.Equal(t, 1, h.dialer.Dials())
	assert.Equal(t, 0, h.m.ActiveCount())
}

func TestUpstreamRetryExhaustionIsFatal(t *testing.T) {
	h := newHarness(t, upstream.MockOptions{FailDials: 10}, func(c *Config) { c.Bridge.MaxAttempts = 2 })
	conn := newPipeConn()
	errCh := make(chan error, 1)
	go func() { errCh <- h.m.Serve(context.Background(), conn, "test-client") }()

	m := conn.expectError(t, protocol.CodeUpstreamConnection, true)
	assert.Contains(t, m["message"], "2 attempts")
	err := waitServe(t, errCh, waitFor)
	require.ErrorIs(t, err, upstream.ErrUpstreamConnection)
	assert.Equal(t, 2, h.dialer.Dials())
	assert.Equal(t, 0, h.m.ActiveCount())
}

func TestUpstreamRetriesThenResponds(t *testing.T) {
	h := newHarness(t, upstream.MockOptions{FailDials: 2}, nil)
	conn, id, errCh := h.connect(t)
	assert.Equal(t, 3, h.dialer.Dials())

	conn.send(t, audioData([]byte{1, 2, 3, 4}))
	conn.send(t, protocol.AudioEnd{Type: protocol.TypeAudioEnd})
	conn.expect(t, "audio_response")
	conn.expect(t, "turn_complete")
	assert.Equal(t, "idle", h.state(t, id))

	conn.send(t, protocol.Stop{Type: protocol.TypeStop})
	require.NoError(t, waitServe(t, errCh, waitFor))
}

func TestMidStreamFailureAbandonsTurnAndSessionContinues(t *testing.T) {
	h := newHarness(t, upstream.MockOptions{ChunkBytes: 4, StallAfterFirstChunk: true}, nil)
	conn, id, errCh := h.connect(t)

	conn.send(t, audioData([]byte{1, 2, 3, 4, 5, 6, 7, 8}))
	conn.send(t, protocol.AudioEnd{Type: protocol.TypeAudioEnd})
	m := conn.expect(t, "audio_response")
	chunk, err := base64.StdEncoding.DecodeString(m["audio"].(string))
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, chunk)

	// Part of the answer was already played, so the turn is not replayed.
	h.dialer.Conns()[0].FailRecv(errors.New("connection reset by peer"))
	conn.expectError(t, protocol.CodeTurnAbandoned, false)
	require.Eventually(t, func() bool { return h.state(t, id) == "idle" }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, h.dialer.Dials())

	// The user can try again; the bridge dials lazily.
	conn.send(t, audioData([]byte{4, 4}))
	conn.send(t, protocol.AudioEnd{Type: protocol.TypeAudioEnd})
	m = conn.expect(t, "audio_response")
	chunk, err = base64.StdEncoding.DecodeString(m["audio"].(string))
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 4}, chunk)
	assert.Equal(t, 2, h.dialer.Dials())
	assert.LessOrEqual(t, h.dialer.MaxLive(), 1)

	conn.send(t, protocol.Stop{Type: protocol.TypeStop})
	require.NoError(t, waitServe(t, errCh, waitFor))

	turns, err := h.store.SessionTurns(context.Background(), id, 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	outcomes := []string{turns[0].Outcome, turns[1].Outcome}
	assert.ElementsMatch(t, []string{ledger.OutcomeAbandoned, ledger.OutcomeCanceled}, outcomes)
}

func TestDropBeforeAnyOutputReplaysTurnOnce(t *testing.T) {
	h := newHarness(t, upstream.MockOptions{}, nil)
	conn, id, errCh := h.connect(t)

	conn.send(t, audioData([]byte{1, 2, 3, 4}))
	first := h.dialer.Conns()[0]
	require.Eventually(t, func() bool { return len(first.Received()) == 1 }, waitFor, 5*time.Millisecond)

	first.FailRecv(errors.New("connection reset by peer"))
	require.Eventually(t, func() bool {
		conns := h.dialer.Conns()
		return len(conns) == 2 && len(conns[1].Received()) == 1
	}, waitFor, 5*time.Millisecond)

	conn.send(t, audioData([]byte{5, 6}))
	conn.send(t, protocol.AudioEnd{Type: protocol.TypeAudioEnd})
	m := conn.expect(t, "audio_response")
	chunk, err := base64.StdEncoding.DecodeString(m["audio"].(string))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, chunk)
	conn.expect(t, "turn_complete")
	assert.Equal(t, "idle", h.state(t, id))

	select {
	case b := <-conn.out:
		t.Fatalf("unexpected envelope after turn_complete: %s", b)
	case <-time.After(50 * time.Millisecond):
	}

	conn.send(t, protocol.Stop{Type: protocol.TypeStop})
	require.NoError(t, waitServe(t, errCh, waitFor))
}

func TestClientDisconnectEndsSession(t *testing.T) {
	h := newHarness(t, upstream.MockOptions{}, nil)
	conn, id, errCh := h.connect(t)

	_ = conn.Close()
	err := waitServe(t, errCh, waitFor)
	require.ErrorIs(t, err, transport.ErrClientGone)

	_, gerr := h.m.Get(id)
	require.ErrorIs(t, gerr, ErrNotFound)
	assert.Equal(t, 0, h.dialer.Live())

	sessions, serr := h.store.RecentSessions(context.Background(), 10)
	require.NoError(t, serr)
	require.Len(t, sessions, 1)
	assert.Equal(t, EndClientDisconnect, sessions[0].EndReason)
}
