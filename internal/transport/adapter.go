// Package transport adapts the client websocket to protocol envelopes and
// holds the bounded inbound queue that feeds the upstream side.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerelay/internal/protocol"
)

var (
	// ErrWriteTimeout means the client did not accept outbound data in time.
	ErrWriteTimeout = errors.New("transport write timeout")
	// ErrClosed is returned by Send once the writer has stopped.
	ErrClosed = errors.New("transport closed")
	// ErrClientGone wraps the read error that ended ReadLoop.
	ErrClientGone = errors.New("client disconnected")
)

// Conn is the subset of *websocket.Conn the adapter needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Observer receives one call per envelope crossing the adapter.
type Observer interface {
	ObserveMessage(direction, messageType string)
}

type Config struct {
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration
	ReadLimit      int64
	OutboundBuffer int
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 2 << 20
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 128
	}
	return c
}

type outbound struct {
	msgType string
	payload []byte
}

// Adapter owns one client connection. ReadLoop and Run each occupy a
// goroutine; Send may be called from any goroutine.
type Adapter struct {
	conn     Conn
	cfg      Config
	logger   *slog.Logger
	observer Observer

	out     chan outbound
	closing chan struct{}
	done    chan struct{}

	closeOnce     sync.Once
	connCloseOnce sync.Once
	doneOnce      sync.Once

	mu       sync.Mutex
	writeErr error
}

func NewAdapter(conn Conn, cfg Config, logger *slog.Logger, observer Observer) *Adapter {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		conn:     conn,
		cfg:      cfg,
		logger:   logger,
		observer: observer,
		out:      make(chan outbound, cfg.OutboundBuffer),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ReadLoop reads client frames until the connection fails or handle returns
// an error. Malformed envelopes are answered with an error envelope and the
// loop continues.
func (a *Adapter) ReadLoop(ctx context.Context, handle func(msg any) error) error {
	a.conn.SetReadLimit(a.cfg.ReadLimit)
	_ = a.conn.SetReadDeadline(time.Now().Add(a.cfg.PongWait))
	a.conn.SetPongHandler(func(string) error {
		return a.conn.SetReadDeadline(time.Now().Add(a.cfg.PongWait))
	})

	for {
		msgType, raw, err := a.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrClientGone, err)
		}
		_ = a.conn.SetReadDeadline(time.Now().Add(a.cfg.PongWait))

		var msg any
		if msgType != websocket.TextMessage {
			err = &protocol.ClientProtocolError{Reason: "binary frames are not supported"}
		} else {
			msg, err = protocol.ParseClientMessage(raw)
		}
		if err != nil {
			a.observe("inbound", "invalid")
			a.logger.Debug("rejected client envelope", "error", err)
			if serr := a.Send(ctx, protocol.NewError(protocol.CodeClientProtocol, err.Error(), false)); serr != nil {
				return serr
			}
			continue
		}

		if t, ok := protocol.TypeOf(msg); ok {
			a.observe("inbound", string(t))
		}
		if err := handle(msg); err != nil {
			return err
		}
	}
}

// Send queues one envelope for the writer. Outbound envelopes are never
// dropped: if the writer cannot take it within WriteTimeout, ErrWriteTimeout
// is returned and the connection should be torn down.
func (a *Adapter) Send(ctx context.Context, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	t, _ := protocol.TypeOf(msg)
	item := outbound{msgType: string(t), payload: payload}

	select {
	case <-a.done:
		return a.terminalErr()
	default:
	}

	timer := time.NewTimer(a.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case a.out <- item:
		return nil
	case <-a.done:
		return a.terminalErr()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		a.fail(ErrWriteTimeout)
		return ErrWriteTimeout
	}
}

// Run is the single writer for the connection. It returns when ctx is done
// or Close is called (after draining queued envelopes), or on write failure.
func (a *Adapter) Run(ctx context.Context) error {
	defer a.finish()
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case item := <-a.out:
			if err := a.write(websocket.TextMessage, item.payload); err != nil {
				return err
			}
			a.observe("outbound", item.msgType)
		case <-ticker.C:
			if err := a.write(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-a.closing:
			return a.drain()
		case <-ctx.Done():
			return a.drain()
		}
	}
}

func (a *Adapter) drain() error {
	for {
		select {
		case item := <-a.out:
			if err := a.write(websocket.TextMessage, item.payload); err != nil {
				return err
			}
			a.observe("outbound", item.msgType)
		default:
			_ = a.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}
}

func (a *Adapter) write(messageType int, data []byte) error {
	_ = a.conn.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout))
	if err := a.conn.WriteMessage(messageType, data); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			a.fail(ErrWriteTimeout)
			return ErrWriteTimeout
		}
		err = fmt.Errorf("write websocket: %w", err)
		a.fail(err)
		return err
	}
	return nil
}

// Close asks the writer to flush queued envelopes and send a close frame,
// waits up to WriteTimeout for it, then closes the connection.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() { close(a.closing) })
	timer := time.NewTimer(a.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case <-a.done:
	case <-timer.C:
	}
	return a.closeConn()
}

// Abort closes the connection without waiting for the writer. Queued
// envelopes are lost and a blocked write fails.
func (a *Adapter) Abort() error {
	a.closeOnce.Do(func() { close(a.closing) })
	return a.closeConn()
}

func (a *Adapter) closeConn() error {
	var err error
	a.connCloseOnce.Do(func() { err = a.conn.Close() })
	return err
}

// Done is closed once the writer has stopped.
func (a *Adapter) Done() <-chan struct{} { return a.done }

func (a *Adapter) fail(err error) {
	a.mu.Lock()
	if a.writeErr == nil {
		a.writeErr = err
	}
	a.mu.Unlock()
}

func (a *Adapter) terminalErr() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writeErr != nil {
		return a.writeErr
	}
	return ErrClosed
}

func (a *Adapter) finish() {
	a.doneOnce.Do(func() { close(a.done) })
}

func (a *Adapter) observe(direction, msgType string) {
	if a.observer != nil && msgType != "" {
		a.observer.ObserveMessage(direction, msgType)
	}
}
