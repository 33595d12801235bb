package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/voicerelay/internal/audio"
	"github.com/ent0n29/voicerelay/internal/reliability"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 200 * time.Millisecond
	DefaultBackoffCap  = 2 * time.Second
	// DefaultMaxReplayBytes is 30s of 16 kHz mono PCM16.
	DefaultMaxReplayBytes = 30 * audio.InputSampleRate * 2

	replayFrameBytes = 3200
)

type BridgeConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// FrameBytes is the size audio is regrouped into before sending; 0 sends
	// client chunks unchanged.
	FrameBytes int
	// MaxReplayBytes bounds the utterance kept for replay after a reconnect.
	MaxReplayBytes int
}

func (c BridgeConfig) withDefaults() BridgeConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = c.BackoffBase
	}
	if c.MaxReplayBytes <= 0 {
		c.MaxReplayBytes = DefaultMaxReplayBytes
	}
	return c
}

type turnPhase uint8

const (
	phaseIdle turnPhase = iota
	phaseCapturing
	phaseCommitted
	phaseText
)

// Bridge owns the upstream side of one session. It holds at most one live
// Conn: any existing connection is closed before a new dial starts.
//
// Forward, Commit and SendText are called from one goroutine and Recv from
// another; Close may be called from anywhere.
type Bridge struct {
	dialer    Dialer
	cfg       BridgeConfig
	sessionID string
	logger    *slog.Logger

	// dialMu serializes Connect and recovery.
	dialMu sync.Mutex

	mu        sync.Mutex
	conn      Conn
	changed   chan struct{}
	closed    bool
	dials     int
	recvSeq   uint64
	framer    *audio.Framer
	phase     turnPhase
	utterance []byte
	truncated bool
	text      string
	recovered bool
	// answered is set once output for the current turn has been received.
	answered bool
}

func NewBridge(dialer Dialer, sessionID string, cfg BridgeConfig, logger *slog.Logger) *Bridge {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		dialer:    dialer,
		cfg:       cfg,
		sessionID: sessionID,
		logger:    logger.With("component", "upstream", "provider", dialer.Name()),
		changed:   make(chan struct{}),
		framer:    audio.NewFramer(cfg.FrameBytes),
	}
}

// Connect dials the upstream, retrying transient failures with exponential
// backoff up to MaxAttempts. An auth failure stops immediately.
func (b *Bridge) Connect(ctx context.Context) error {
	b.dialMu.Lock()
	defer b.dialMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.conn != nil {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		err := b.dialLocked(ctx)
		if err == nil {
			if attempt > 1 {
				b.logger.Info("upstream connected after retry", "attempt", attempt)
			}
			return nil
		}
		err = classify("connect", attempt, err)
		if errors.Is(err, ErrUpstreamAuth) || errors.Is(err, ErrClosed) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		if attempt == b.cfg.MaxAttempts {
			break
		}
		wait := reliability.ExponentialBackoff(attempt-1, b.cfg.BackoffBase, b.cfg.BackoffCap)
		b.logger.Warn("upstream dial failed", "attempt", attempt, "retry_in", wait, "error", err)
		if err := reliability.Sleep(ctx, wait); err != nil {
			return err
		}
	}

	var connErr *ConnectionError
	if errors.As(lastErr, &connErr) {
		return &ConnectionError{Op: "connect", Attempts: b.cfg.MaxAttempts, Err: connErr.Err}
	}
	return &ConnectionError{Op: "connect", Attempts: b.cfg.MaxAttempts, Err: lastErr}
}

// dialLocked performs one dial and installs the connection. dialMu is held.
func (b *Bridge) dialLocked(ctx context.Context) error {
	conn, err := b.dialConn(ctx)
	if err != nil {
		return err
	}
	return b.install(conn)
}

func (b *Bridge) dialConn(ctx context.Context) (Conn, error) {
	b.mu.Lock()
	b.dials++
	b.mu.Unlock()
	return b.dialer.Dial(ctx, b.sessionID)
}

// install makes conn the live connection and wakes a waiting Recv.
func (b *Bridge) install(conn Conn) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = conn.Close()
		return ErrClosed
	}
	b.conn = conn
	close(b.changed)
	b.changed = make(chan struct{})
	return nil
}

// Connected reports whether a live connection is installed.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Dials reports dial attempts made over the bridge's lifetime.
func (b *Bridge) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *Bridge) current() (Conn, <-chan struct{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn, b.changed, b.closed
}

func (b *Bridge) ensure(ctx context.Context) (Conn, error) {
	conn, _, closed := b.current()
	if closed {
		return nil, ErrClosed
	}
	if conn != nil {
		return conn, nil
	}
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}
	conn, _, closed = b.current()
	if closed || conn == nil {
		return nil, ErrClosed
	}
	return conn, nil
}

// Forward sends one client frame, regrouped into FrameBytes-sized frames.
// The first frame after a finished turn starts a new utterance.
func (b *Bridge) Forward(ctx context.Context, f audio.Frame) error {
	b.mu.Lock()
	if b.phase != phaseCapturing {
		b.startTurnLocked(phaseCapturing)
	}
	frames := b.framer.Push(f.Data)
	b.mu.Unlock()

	for _, fr := range frames {
		if _, err := b.sendAudio(ctx, fr); err != nil {
			return err
		}
	}
	return nil
}

// Commit flushes any partial frame and signals end of input. An empty
// utterance is still committed.
func (b *Bridge) Commit(ctx context.Context) error {
	b.mu.Lock()
	if b.phase != phaseCapturing {
		b.startTurnLocked(phaseCapturing)
	}
	tail := b.framer.Flush()
	b.phase = phaseCommitted
	b.mu.Unlock()

	if len(tail) > 0 {
		recovered, err := b.sendAudio(ctx, tail)
		if err != nil || recovered {
			return err
		}
	}
	_, err := b.withConn(ctx, "commit", func(conn Conn) error { return conn.Commit(ctx) })
	return err
}

// SendText starts a typed turn.
func (b *Bridge) SendText(ctx context.Context, text string) error {
	b.mu.Lock()
	b.startTurnLocked(phaseText)
	b.text = text
	b.mu.Unlock()
	_, err := b.withConn(ctx, "send text", func(conn Conn) error { return conn.SendText(ctx, text) })
	return err
}

// sendAudio records pcm in the replay buffer and sends it.
func (b *Bridge) sendAudio(ctx context.Context, pcm []byte) (bool, error) {
	b.mu.Lock()
	b.appendUtteranceLocked(pcm)
	b.mu.Unlock()
	return b.withConn(ctx, "send audio", func(conn Conn) error { return conn.SendAudio(ctx, pcm) })
}

// withConn runs op on the live connection. A failed send triggers the single
// reconnect for this turn; the replay already covers op, reported by the
// returned bool.
func (b *Bridge) withConn(ctx context.Context, name string, op func(Conn) error) (bool, error) {
	conn, err := b.ensure(ctx)
	if err != nil {
		return false, err
	}
	err = op(conn)
	if err == nil {
		return false, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	err = classify(name, 0, err)
	if errors.Is(err, ErrUpstreamAuth) || errors.Is(err, ErrClosed) {
		return false, err
	}
	b.logger.Warn("upstream send failed", "op", name, "error", err)
	if err := b.recoverFrom(ctx, conn, err); err != nil {
		return false, err
	}
	return true, nil
}

// Recv returns the next upstream chunk in arrival order. While no connection
// is installed it waits for one. A dropped stream is recovered once per turn;
// if that fails the error is returned and the connection is discarded.
func (b *Bridge) Recv(ctx context.Context) (Chunk, error) {
	for {
		conn, changed, closed := b.current()
		if closed {
			return Chunk{}, ErrClosed
		}
		if conn == nil {
			select {
			case <-ctx.Done():
				return Chunk{}, ctx.Err()
			case <-changed:
				continue
			}
		}

		ch, err := conn.Recv(ctx)
		if err == nil {
			b.mu.Lock()
			b.recvSeq++
			ch.Seq = b.recvSeq
			switch ch.Kind {
			case ChunkAudio, ChunkText:
				if b.phase != phaseIdle {
					b.answered = true
				}
			case ChunkTurnComplete:
				b.phase = phaseIdle
				b.utterance = nil
				b.truncated = false
				b.text = ""
				b.answered = false
			}
			b.mu.Unlock()
			return ch, nil
		}
		if ctx.Err() != nil {
			return Chunk{}, ctx.Err()
		}
		if now, _, _ := b.current(); now != conn {
			// Replaced by a reconnect from the send side.
			continue
		}
		err = classify("receive", 0, err)
		if errors.Is(err, ErrUpstreamAuth) {
			return Chunk{}, err
		}
		b.logger.Warn("upstream stream dropped", "error", err)
		if rerr := b.recoverFrom(ctx, conn, err); rerr != nil {
			return Chunk{}, rerr
		}
	}
}

// Recover replaces the current connection with a fresh one and replays the
// in-flight turn. Only one recovery is allowed per turn, and a turn whose
// response has started arriving is never replayed: the failure is returned
// so the caller can abandon it.
func (b *Bridge) Recover(ctx context.Context) error {
	conn, _, closed := b.current()
	if closed {
		return ErrClosed
	}
	return b.recoverFrom(ctx, conn, errors.New("recovery requested"))
}

func (b *Bridge) recoverFrom(ctx context.Context, failed Conn, cause error) error {
	b.dialMu.Lock()
	defer b.dialMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.conn != failed {
		// Someone else already replaced it.
		b.mu.Unlock()
		return nil
	}
	b.conn = nil
	answered := b.answered
	canReplay := !b.recovered && !b.truncated && !answered
	b.recovered = true
	phase := b.phase
	utterance := append([]byte(nil), b.utterance...)
	text := b.text
	b.mu.Unlock()

	if failed != nil {
		_ = failed.Close()
	}
	if !canReplay {
		if answered {
			b.logger.Warn("upstream dropped mid-response, not replaying", "error", cause)
		}
		return &ConnectionError{Op: "reconnect", Err: cause}
	}

	conn, err := b.dialConn(ctx)
	if err != nil {
		err = classify("reconnect", 1, err)
		b.logger.Warn("upstream reconnect failed", "error", err)
		return err
	}
	// Replay before install so new sends cannot overtake the replayed turn.
	if err := b.replay(ctx, conn, phase, utterance, text); err != nil {
		_ = conn.Close()
		return classify("replay", 1, err)
	}
	if err := b.install(conn); err != nil {
		return err
	}
	b.logger.Info("upstream reconnected", "phase", phase, "replay_bytes", len(utterance))
	return nil
}

func (b *Bridge) replay(ctx context.Context, conn Conn, phase turnPhase, utterance []byte, text string) error {
	switch phase {
	case phaseCapturing, phaseCommitted:
		size := b.cfg.FrameBytes
		if size <= 0 {
			size = replayFrameBytes
		}
		for len(utterance) > 0 {
			n := size
			if n > len(utterance) {
				n = len(utterance)
			}
			if err := conn.SendAudio(ctx, utterance[:n]); err != nil {
				return err
			}
			utterance = utterance[n:]
		}
		if phase == phaseCommitted {
			return conn.Commit(ctx)
		}
	case phaseText:
		return conn.SendText(ctx, text)
	}
	return nil
}

func (b *Bridge) startTurnLocked(phase turnPhase) {
	b.phase = phase
	b.utterance = b.utterance[:0]
	b.truncated = false
	b.text = ""
	b.recovered = false
	b.answered = false
	b.framer.Reset()
}

func (b *Bridge) appendUtteranceLocked(p []byte) {
	if b.truncated {
		return
	}
	if len(b.utterance)+len(p) > b.cfg.MaxReplayBytes {
		b.truncated = true
		return
	}
	b.utterance = append(b.utterance, p...)
}

// Close releases the connection. Later calls on the bridge return ErrClosed.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.conn = nil
	close(b.changed)
	b.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("close upstream: %w", err)
		}
	}
	return nil
}
