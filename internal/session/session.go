package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voicerelay/internal/audio"
	"github.com/ent0n29/voicerelay/internal/ledger"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/policy"
	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/transport"
	"github.com/ent0n29/voicerelay/internal/turn"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

const (
	sessionStartedMessage = "Voice chat session connected"
	ledgerWriteTimeout    = 3 * time.Second
)

// errStopRequested ends the reader when the client sends stop.
var errStopRequested = errors.New("client requested stop")

// Session relays one client connection to one upstream conversation. Its
// flows share state only through the inbound queue and the turn machine.
type Session struct {
	id         string
	remoteAddr string
	provider   string
	createdAt  time.Time
	cfg        Config

	logger   *slog.Logger
	metrics  *observability.Metrics
	store    ledger.Store
	redactor *policy.Redactor

	adapter *transport.Adapter
	bridge  *upstream.Bridge
	queue   *transport.Queue
	machine *turn.Machine

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	lastActivity atomic.Int64
	saves        sync.WaitGroup
	// onTeardown runs once, at the end of teardown or when the teardown
	// deadline forces the session out, whichever comes first.
	onTeardown  func()
	releaseOnce sync.Once
	abortOnce   sync.Once

	// Owned by the reader goroutine.
	inSeq          uint64
	decodeFailures int

	mu        sync.Mutex
	endReason string
	turns     int
	current   *turnStats
}

type turnStats struct {
	kind         string
	text         string
	inputBytes   int
	frames       int
	noAudio      bool
	startedAt    time.Time
	committedAt  time.Time
	firstChunkAt time.Time
	outputChunks int
	outputBytes  int
}

type deps struct {
	dialer   upstream.Dialer
	logger   *slog.Logger
	metrics  *observability.Metrics
	store    ledger.Store
	redactor *policy.Redactor
}

func newSession(parent context.Context, conn transport.Conn, remoteAddr string, cfg Config, d deps) *Session {
	id := uuid.NewString()
	logger := d.logger.With("session_id", id)
	ctx, cancel := context.WithCancel(parent)

	s := &Session{
		id:         id,
		remoteAddr: remoteAddr,
		provider:   d.dialer.Name(),
		createdAt:  time.Now().UTC(),
		cfg:        cfg,
		logger:     logger,
		metrics:    d.metrics,
		store:      d.store,
		redactor:   d.redactor,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	s.touch()
	s.adapter = transport.NewAdapter(conn, cfg.Transport, logger.With("component", "transport"), d.metrics)
	s.bridge = upstream.NewBridge(d.dialer, id, cfg.Bridge, logger)
	s.queue = transport.NewQueue(cfg.QueueCapacity, s.onDrop)
	s.machine = turn.NewMachine(s.onTransition)
	return s
}

func (s *Session) ID() string { return s.id }

// Done is closed once the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Info returns a snapshot for the admin API.
func (s *Session) Info() Info {
	s.mu.Lock()
	turns := s.turns
	s.mu.Unlock()
	return Info{
		ID:                s.id,
		RemoteAddr:        s.remoteAddr,
		Provider:          s.provider,
		State:             s.machine.State().String(),
		CreatedAt:         s.createdAt,
		LastActivityAt:    time.Unix(0, s.lastActivity.Load()).UTC(),
		Turns:             turns,
		QueuedFrames:      s.queue.Frames(),
		DroppedFrames:     s.queue.Dropped(),
		UpstreamConnected: s.bridge.Connected(),
		UpstreamDials:     s.bridge.Dials(),
	}
}

// Stop ends the session. The first reason recorded wins; notice, when given,
// is queued for the client before the flows are cancelled.
func (s *Session) Stop(reason string, notice *protocol.ErrorMessage) {
	if s.setEndReason(reason) && notice != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TeardownDeadline)
		_ = s.adapter.Send(ctx, *notice)
		cancel()
	}
	s.cancel()
}

func (s *Session) idleFor(now time.Time) (time.Duration, bool) {
	if s.machine.State() != turn.Idle {
		return 0, false
	}
	return now.Sub(time.Unix(0, s.lastActivity.Load())), true
}

// Run drives the session until the client leaves, stop is requested, a fatal
// error occurs or the parent context ends. Teardown is complete on return.
func (s *Session) Run() (err error) {
	defer close(s.done)
	defer func() { s.teardown(err) }()

	s.metrics.SessionOpened()
	s.startLedger()
	s.logger.Info("session started", "remote_addr", s.remoteAddr, "provider", s.provider)

	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	go s.enforceDeadline(gctx)

	g.Go(func() error {
		werr := s.adapter.Run(gctx)
		_ = s.adapter.Close()
		switch {
		case werr == nil:
			return nil
		case gctx.Err() != nil:
			// Failed while flushing after the session ended.
			s.logger.Debug("final flush to client failed", "error", werr)
			return nil
		case errors.Is(werr, transport.ErrWriteTimeout):
			s.setEndReason(EndWriteTimeout)
		}
		return werr
	})

	if serr := s.start(gctx); serr != nil {
		cancel()
		_ = g.Wait()
		return serr
	}

	g.Go(func() error { return s.read(gctx) })
	g.Go(func() error { return s.forward(gctx) })
	g.Go(func() error { return s.receive(gctx) })

	err = g.Wait()
	if errors.Is(err, errStopRequested) {
		err = nil
	}
	return err
}

// start connects the upstream when configured to and announces the session.
func (s *Session) start(ctx context.Context) error {
	if s.cfg.EagerConnect {
		began := time.Now()
		if err := s.bridge.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ferr := s.upstreamFailed(ctx, err, true); ferr != nil {
				return ferr
			}
		} else {
			s.metrics.ObserveUpstreamConnect(s.provider, time.Since(began))
		}
	}
	return s.adapter.Send(ctx, protocol.SessionStarted{
		Type:      protocol.TypeSessionStarted,
		Message:   sessionStartedMessage,
		SessionID: s.id,
	})
}

// read is the first half of the inbound flow: client envelope, decode,
// enqueue.
func (s *Session) read(ctx context.Context) error {
	err := s.adapter.ReadLoop(ctx, func(msg any) error {
		return s.handleClient(ctx, msg)
	})
	if errors.Is(err, transport.ErrClientGone) {
		s.setEndReason(EndClientDisconnect)
	}
	return err
}

func (s *Session) handleClient(ctx context.Context, msg any) error {
	s.touch()
	switch m := msg.(type) {
	case protocol.AudioData:
		return s.onAudioData(ctx, m)
	case protocol.AudioEnd:
		return s.onAudioEnd(ctx)
	case protocol.TextMessage:
		return s.onText(ctx, m)
	case protocol.Stop:
		s.setEndReason(EndClientStop)
		s.logger.Info("client requested stop", "state", s.machine.State())
		return errStopRequested
	default:
		return nil
	}
}

func (s *Session) onAudioData(ctx context.Context, m protocol.AudioData) error {
	if _, err := s.machine.Apply(turn.EventAudioData); err != nil {
		return s.rejectTransition(ctx, err)
	}
	frame, err := s.cfg.Codec.DecodeInbound(m.Audio)
	if err != nil {
		s.decodeFailures++
		s.logger.Debug("skipping undecodable audio chunk", "error", err, "consecutive", s.decodeFailures)
		if s.decodeFailures > s.cfg.DecodeErrorThreshold {
			s.decodeFailures = 0
			return s.sendError(ctx, protocol.CodeAudioDecode, err.Error(), false)
		}
		return nil
	}
	s.decodeFailures = 0
	s.inSeq++
	frame.Seq = s.inSeq

	s.mu.Lock()
	if s.current != nil {
		s.current.frames++
		s.current.inputBytes += len(frame.Data)
	}
	s.mu.Unlock()

	_, err = s.queue.Push(transport.Item{Kind: transport.ItemAudio, Frame: frame})
	return err
}

func (s *Session) onAudioEnd(ctx context.Context) error {
	s.mu.Lock()
	frames := 0
	if s.current != nil {
		frames = s.current.frames
	}
	s.mu.Unlock()

	if _, err := s.machine.Apply(turn.EventAudioEnd); err != nil {
		return s.rejectTransition(ctx, err)
	}
	if frames == 0 {
		s.mu.Lock()
		if s.current != nil {
			s.current.noAudio = true
		}
		s.mu.Unlock()
		if err := s.sendError(ctx, protocol.CodeNoAudioCaptured, "no audio was captured for this turn", false); err != nil {
			return err
		}
	}
	_, err := s.queue.Push(transport.Item{Kind: transport.ItemCommit})
	return err
}

func (s *Session) onText(ctx context.Context, m protocol.TextMessage) error {
	text := strings.TrimSpace(m.Text)
	if _, err := s.machine.Apply(turn.EventTextMessage); err != nil {
		return s.rejectTransition(ctx, err)
	}
	s.mu.Lock()
	if s.current != nil {
		s.current.text = text
		s.current.inputBytes = len(text)
	}
	s.mu.Unlock()
	_, err := s.queue.Push(transport.Item{Kind: transport.ItemText, Text: text})
	return err
}

func (s *Session) rejectTransition(ctx context.Context, err error) error {
	s.metrics.ObserveSessionEvent("illegal_transition")
	s.logger.Debug("rejected client event", "error", err)
	return s.sendError(ctx, protocol.CodeIllegalTransition, err.Error(), false)
}

// forward is the second half of the inbound flow: queue to upstream.
func (s *Session) forward(ctx context.Context) error {
	for {
		it, err := s.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch it.Kind {
		case transport.ItemAudio:
			err = s.bridge.Forward(ctx, it.Frame)
		case transport.ItemCommit:
			err = s.bridge.Commit(ctx)
		case transport.ItemText:
			err = s.bridge.SendText(ctx, it.Text)
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if ferr := s.upstreamFailed(ctx, err, false); ferr != nil {
			return ferr
		}
	}
}

// receive is the outbound flow: upstream chunk, encode, client.
func (s *Session) receive(ctx context.Context) error {
	for {
		ch, err := s.bridge.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ferr := s.upstreamFailed(ctx, err, false); ferr != nil {
				return ferr
			}
			continue
		}
		if err := s.deliver(ctx, ch); err != nil {
			return err
		}
	}
}

func (s *Session) deliver(ctx context.Context, ch upstream.Chunk) error {
	switch ch.Kind {
	case upstream.ChunkAudio, upstream.ChunkText:
		if _, err := s.machine.Apply(turn.EventResponseChunk); err != nil {
			s.logger.Debug("dropping upstream chunk outside a turn", "kind", ch.Kind, "error", err)
			return nil
		}
		s.noteOutput(ch)
		if ch.Kind == upstream.ChunkText {
			return s.adapter.Send(ctx, protocol.TextResponse{Type: protocol.TypeTextResponse, Text: ch.Text})
		}
		rate := ch.SampleRate
		if rate <= 0 {
			rate = audio.ParsePCMRate(ch.MimeType, audio.InputSampleRate)
		}
		payload, mimeType, err := s.cfg.Codec.EncodeOutbound(audio.Frame{
			Seq:        ch.Seq,
			Data:       ch.Audio,
			Source:     audio.SourceUpstream,
			Encoding:   audio.EncodingPCM16,
			SampleRate: rate,
		})
		if err != nil {
			s.logger.Warn("dropping unencodable upstream audio", "seq", ch.Seq, "error", err)
			return nil
		}
		return s.adapter.Send(ctx, protocol.AudioResponse{
			Type:     protocol.TypeAudioResponse,
			Audio:    base64.StdEncoding.EncodeToString(payload),
			MimeType: mimeType,
		})
	case upstream.ChunkTurnComplete:
		if _, err := s.machine.Apply(turn.EventTurnComplete); err != nil {
			s.logger.Debug("ignoring turn_complete outside a turn", "error", err)
			return nil
		}
		return s.adapter.Send(ctx, protocol.TurnComplete{Type: protocol.TypeTurnComplete})
	case upstream.ChunkInterrupted:
		s.metrics.ObserveIndicator("upstream_interrupted")
		s.logger.Info("upstream interrupted its response")
	}
	return nil
}

func (s *Session) noteOutput(ch upstream.Chunk) {
	now := time.Now()
	s.mu.Lock()
	cur := s.current
	var latency time.Duration
	first := false
	if cur != nil {
		if cur.firstChunkAt.IsZero() && !cur.committedAt.IsZero() {
			cur.firstChunkAt = now
			latency = now.Sub(cur.committedAt)
			first = true
		}
		cur.outputChunks++
		cur.outputBytes += len(ch.Audio) + len(ch.Text)
	}
	s.mu.Unlock()

	if !first {
		return
	}
	if ch.Kind == upstream.ChunkAudio {
		s.metrics.ObserveFirstAudioLatency(latency)
	} else {
		s.metrics.ObserveFirstTextLatency(latency)
	}
}

// upstreamFailed maps a bridge error onto the session. A nil return means the
// session carries on.
func (s *Session) upstreamFailed(ctx context.Context, err error, connecting bool) error {
	var connErr *upstream.ConnectionError
	switch {
	case errors.Is(err, upstream.ErrUpstreamAuth):
		s.metrics.ObserveUpstreamError(s.provider, protocol.CodeUpstreamAuth)
		return s.fatal(ctx, protocol.CodeUpstreamAuth, "upstream rejected the configured credential", EndUpstreamAuth, err)

	case errors.As(err, &connErr) && (connecting || connErr.Op == "connect"):
		s.metrics.ObserveUpstreamError(s.provider, protocol.CodeUpstreamConnection)
		msg := fmt.Sprintf("could not reach the voice service after %d attempts", connErr.Attempts)
		return s.fatal(ctx, protocol.CodeUpstreamConnection, msg, EndUpstreamFailure, err)

	// Checked before ErrClosed: a failed reconnect can wrap a closed stream.
	case errors.Is(err, upstream.ErrUpstreamConnection):
		s.metrics.ObserveUpstreamError(s.provider, protocol.CodeUpstreamConnection)
		s.logger.Warn("upstream connection lost", "error", s.redactor.Redact(err.Error()))
		switch s.machine.State() {
		case turn.AwaitingResponse, turn.Responding:
			if _, aerr := s.machine.Apply(turn.EventAbandon); aerr != nil {
				return nil
			}
			return s.sendError(ctx, protocol.CodeTurnAbandoned, "the response was interrupted by an upstream failure; please try again", false)
		default:
			return s.sendError(ctx, protocol.CodeUpstreamConnection, "lost connection to the voice service; retrying on the next message", false)
		}

	case errors.Is(err, upstream.ErrClosed):
		return err

	default:
		return s.fatal(ctx, protocol.CodeInternal, "internal relay error", EndInternal, err)
	}
}

func (s *Session) fatal(ctx context.Context, code, msg, reason string, cause error) error {
	s.setEndReason(reason)
	s.logger.Error("session failed", "code", code, "error", s.redactor.Redact(cause.Error()))
	_ = s.sendError(ctx, code, msg, true)
	return fmt.Errorf("%s: %w", code, cause)
}

func (s *Session) sendError(ctx context.Context, code, msg string, fatal bool) error {
	return s.adapter.Send(ctx, protocol.NewError(code, s.redactor.Redact(msg), fatal))
}

func (s *Session) onDrop(f audio.Frame) {
	s.metrics.ObserveDroppedFrame()
	s.logger.Warn("inbound queue full, dropped oldest frame", "seq", f.Seq, "bytes", len(f.Data))
}

func (s *Session) onTransition(t turn.Transition) {
	s.metrics.ObserveTransition(t.From.String(), t.To.String(), t.Event.String())
	now := time.Now()

	var (
		finished *turnStats
		outcome  string
		seq      int
	)
	s.mu.Lock()
	switch {
	case t.From == turn.Idle && t.To == turn.Listening:
		s.current = &turnStats{kind: "audio", startedAt: now}
	case t.From == turn.Idle && t.To == turn.AwaitingResponse:
		s.current = &turnStats{kind: "text", startedAt: now, committedAt: now}
	case t.Event == turn.EventAudioEnd:
		if s.current != nil {
			s.current.committedAt = now
		}
	case t.To == turn.Idle:
		finished = s.current
		s.current = nil
		outcome = ledger.OutcomeCompleted
		if t.Event == turn.EventAbandon {
			outcome = ledger.OutcomeAbandoned
		} else if finished != nil && finished.noAudio {
			outcome = ledger.OutcomeNoAudio
		}
	case t.To == turn.Closed:
		if s.current != nil && !s.current.committedAt.IsZero() {
			finished = s.current
			outcome = ledger.OutcomeCanceled
		}
		s.current = nil
	}
	if finished != nil {
		s.turns++
		seq = s.turns
	}
	s.mu.Unlock()

	if t.To == turn.Idle {
		s.touch()
	}
	if finished != nil {
		s.recordTurn(finished, seq, outcome, now)
	}
}

func (s *Session) recordTurn(t *turnStats, seq int, outcome string, now time.Time) {
	switch outcome {
	case ledger.OutcomeCompleted:
		s.metrics.ObserveTurnDuration(now.Sub(t.committedAt))
	default:
		s.metrics.ObserveIndicator("turn_" + outcome)
	}

	text, redacted := policy.RedactPII(t.text)
	record := ledger.TurnRecord{
		ID:           uuid.NewString(),
		SessionID:    s.id,
		Seq:          seq,
		Kind:         t.kind,
		InputBytes:   t.inputBytes,
		OutputChunks: t.outputChunks,
		OutputBytes:  t.outputBytes,
		Text:         text,
		PIIRedacted:  redacted,
		Outcome:      outcome,
		DurationMS:   now.Sub(t.committedAt).Milliseconds(),
		CommittedAt:  t.committedAt.UTC(),
	}
	if !t.firstChunkAt.IsZero() {
		record.FirstChunkMS = t.firstChunkAt.Sub(t.committedAt).Milliseconds()
	}
	if t.committedAt.IsZero() {
		record.DurationMS = 0
	}

	if s.store == nil {
		return
	}
	s.saves.Add(1)
	go func(r ledger.TurnRecord) {
		defer s.saves.Done()
		ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
		defer cancel()
		if err := s.store.SaveTurn(ctx, r); err != nil {
			s.metrics.ObserveSessionEvent("ledger_save_failed")
			s.logger.Warn("save turn failed", "error", err)
		}
	}(record)
}

func (s *Session) startLedger() {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()
	err := s.store.StartSession(ctx, ledger.SessionRecord{
		ID:         s.id,
		RemoteAddr: s.remoteAddr,
		Provider:   s.provider,
		StartedAt:  s.createdAt,
	})
	if err != nil {
		s.metrics.ObserveSessionEvent("ledger_save_failed")
		s.logger.Warn("record session start failed", "error", err)
	}
}

// teardown releases everything the session owns. The upstream close is
// bounded by TeardownDeadline.
func (s *Session) teardown(runErr error) {
	s.cancel()
	_, _ = s.machine.Apply(turn.EventStop)
	s.queue.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		if err := s.bridge.Close(); err != nil {
			s.logger.Warn("close upstream failed", "error", err)
		}
	}()
	timer := time.NewTimer(s.cfg.TeardownDeadline)
	select {
	case <-closed:
	case <-timer.C:
		s.logger.Error("upstream close exceeded teardown deadline", "deadline", s.cfg.TeardownDeadline)
	}
	timer.Stop()
	_ = s.adapter.Close()

	reason := s.reason(runErr)
	s.saves.Wait()
	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
		if err := s.store.EndSession(ctx, s.id, time.Now().UTC(), reason, s.queue.Dropped()); err != nil {
			s.logger.Warn("record session end failed", "error", err)
		}
		cancel()
	}
	s.metrics.SessionClosed(reason)

	attrs := []any{"reason", reason, "dropped_frames", s.queue.Dropped(), "upstream_dials", s.bridge.Dials()}
	if runErr != nil {
		attrs = append(attrs, "error", s.redactor.Redact(runErr.Error()))
	}
	s.logger.Info("session ended", attrs...)

	s.release()
}

// enforceDeadline aborts the session if it is still tearing down
// TeardownDeadline after its flows were told to stop.
func (s *Session) enforceDeadline(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-s.done:
		return
	}
	timer := time.NewTimer(s.cfg.TeardownDeadline)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		s.abort()
	}
}

// abort drops the client connection unflushed, closes the upstream in the
// background and releases the registry entry. Teardown still runs to
// completion afterwards.
func (s *Session) abort() {
	s.abortOnce.Do(func() {
		select {
		case <-s.done:
			return
		default:
		}
		s.logger.Error("teardown exceeded deadline, forcing release", "deadline", s.cfg.TeardownDeadline)
		s.metrics.ObserveSessionEvent("teardown_forced")
		s.cancel()
		s.queue.Close()
		_ = s.adapter.Abort()
		go func() { _ = s.bridge.Close() }()
		s.release()
	})
}

func (s *Session) release() {
	s.releaseOnce.Do(func() {
		if s.onTeardown != nil {
			s.onTeardown()
		}
	})
}

func (s *Session) reason(runErr error) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endReason != "" {
		return s.endReason
	}
	switch {
	case runErr == nil:
		return EndShutdown
	case errors.Is(runErr, transport.ErrClientGone):
		return EndClientDisconnect
	case errors.Is(runErr, transport.ErrWriteTimeout):
		return EndWriteTimeout
	default:
		return EndInternal
	}
}

// setEndReason records reason unless one is already set.
func (s *Session) setEndReason(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endReason != "" {
		return false
	}
	s.endReason = reason
	return true
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}
