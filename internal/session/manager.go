package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/voicerelay/internal/ledger"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/policy"
	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/transport"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

// Manager is the only owner of the session registry. Sessions are inserted
// when a connection is accepted and removed once their teardown finishes.
type Manager struct {
	cfg  Config
	deps deps

	mu       sync.RWMutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup
}

// Options carries the collaborators shared by every session. Only Dialer is
// required.
type Options struct {
	Dialer   upstream.Dialer
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Ledger   ledger.Store
	Redactor *policy.Redactor
}

func NewManager(cfg Config, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg: cfg.withDefaults(),
		deps: deps{
			dialer:   opts.Dialer,
			logger:   logger.With("component", "session"),
			metrics:  opts.Metrics,
			store:    opts.Ledger,
			redactor: opts.Redactor,
		},
		sessions: make(map[string]*Session),
	}
}

// Serve runs one session over conn and returns when it has been torn down.
// When the registry is full the client gets a fatal session_limit_reached
// error and ErrSessionLimit is returned.
func (m *Manager) Serve(ctx context.Context, conn transport.Conn, remoteAddr string) error {
	s := newSession(ctx, conn, remoteAddr, m.cfg, m.deps)

	if err := m.register(s); err != nil {
		s.cancel()
		m.reject(conn, err)
		return err
	}
	defer m.wg.Done()
	s.onTeardown = func() { m.unregister(s.id) }

	return s.Run()
}

func (m *Manager) register(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return ErrShuttingDown
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		return ErrSessionLimit
	}
	m.sessions[s.id] = s
	m.wg.Add(1)
	return nil
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// reject tells a client that could not be admitted why, then closes it.
func (m *Manager) reject(conn transport.Conn, cause error) {
	code, msg := protocol.CodeSessionLimit, "too many active sessions, try again later"
	if errors.Is(cause, ErrShuttingDown) {
		code, msg = protocol.CodeInternal, "server is shutting down"
	}
	m.deps.metrics.ObserveSessionEvent("rejected_" + code)
	m.deps.logger.Warn("rejecting client connection", "reason", cause)

	a := transport.NewAdapter(conn, m.cfg.Transport, m.deps.logger, m.deps.metrics)
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TeardownDeadline)
	defer cancel()
	go func() { _ = a.Run(ctx) }()
	_ = a.Send(ctx, protocol.NewError(code, msg, true))
	_ = a.Close()
}

func (m *Manager) Get(id string) (Info, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return Info{}, ErrNotFound
	}
	return s.Info(), nil
}

// List returns live sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stop ends a session. It returns once the session is gone, at the latest
// after TeardownDeadline, when a session still tearing down is forced out.
func (m *Manager) Stop(id string) error {
	return m.stop(id, EndAdminStop, nil)
}

func (m *Manager) stop(id, reason string, notice *protocol.ErrorMessage) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	timer := time.NewTimer(m.cfg.TeardownDeadline)
	defer timer.Stop()
	s.Stop(reason, notice)

	select {
	case <-s.Done():
	case <-timer.C:
		s.abort()
	}
	return nil
}

// StartJanitor expires sessions that have sat in Idle without client activity
// for longer than IdleTimeout.
func (m *Manager) StartJanitor(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.JanitorInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireIdle()
			}
		}
	}()
}

func (m *Manager) expireIdle() {
	now := time.Now()
	var expired []*Session

	m.mu.RLock()
	for _, s := range m.sessions {
		idle, ok := s.idleFor(now)
		if ok && idle >= m.cfg.IdleTimeout {
			expired = append(expired, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range expired {
		s.logger.Info("session idle timeout", "idle_timeout", m.cfg.IdleTimeout)
		notice := protocol.NewError(protocol.CodeIdleTimeout, "session closed after inactivity", true)
		go s.Stop(EndIdleTimeout, &notice)
	}
}

// Shutdown stops admitting sessions, stops every live one and waits for them
// until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	notice := protocol.NewError(protocol.CodeInternal, "server is shutting down", true)
	for _, s := range live {
		go s.Stop(EndShutdown, &notice)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
