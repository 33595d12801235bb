package upstream

import (
	"context"
	"errors"
	"sync"

	"github.com/ent0n29/voicerelay/internal/audio"
)

// MockOptions shapes the mock upstream. The zero value echoes every committed
// utterance back as a single audio chunk.
type MockOptions struct {
	// FailDials makes the first N Dial calls fail with a transient error.
	FailDials int
	// RejectAuth makes every Dial fail as an invalid credential.
	RejectAuth bool
	// ChunkBytes splits echoed audio into chunks of at most this size.
	ChunkBytes int
	// SampleRate tags echoed audio; defaults to the client input rate.
	SampleRate int
	// StallAfterFirstChunk holds the rest of each response until Close.
	StallAfterFirstChunk bool
}

// MockDialer is an in-process upstream that echoes client audio. It counts
// dials and live connections so callers can assert on them.
type MockDialer struct {
	opts MockOptions

	mu      sync.Mutex
	dials   int
	live    int
	maxLive int
	conns   []*MockConn
}

func NewMockDialer(opts MockOptions) *MockDialer {
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.InputSampleRate
	}
	return &MockDialer{opts: opts}
}

func (d *MockDialer) Name() string { return "mock" }

func (d *MockDialer) Dial(ctx context.Context, sessionID string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.opts.RejectAuth {
		return nil, errors.New("mock upstream: API key not valid")
	}
	if d.dials <= d.opts.FailDials {
		return nil, errors.New("mock upstream: connection refused")
	}
	c := &MockConn{
		dialer:    d,
		sessionID: sessionID,
		opts:      d.opts,
		notify:    make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	d.conns = append(d.conns, c)
	d.live++
	if d.live > d.maxLive {
		d.maxLive = d.live
	}
	return c, nil
}

// Dials reports how many times Dial was called.
func (d *MockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Live reports connections dialed and not yet closed.
func (d *MockDialer) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// MaxLive reports the highest number of simultaneously open connections.
func (d *MockDialer) MaxLive() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxLive
}

// Conns returns every connection dialed so far, oldest first.
func (d *MockDialer) Conns() []*MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*MockConn, len(d.conns))
	copy(out, d.conns)
	return out
}

func (d *MockDialer) release() {
	d.mu.Lock()
	d.live--
	d.mu.Unlock()
}

// MockConn is one mock upstream connection.
type MockConn struct {
	dialer    *MockDialer
	sessionID string
	opts      MockOptions

	mu        sync.Mutex
	utterance []byte
	received  [][]byte
	texts     []string
	commits   int
	pending   []Chunk
	stalled   bool
	injected  error
	sendErr   error

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *MockConn) SessionID() string { return c.sessionID }

func (c *MockConn) SendAudio(_ context.Context, pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkSendLocked(); err != nil {
		return err
	}
	frame := append([]byte(nil), pcm...)
	c.received = append(c.received, frame)
	c.utterance = append(c.utterance, frame...)
	return nil
}

func (c *MockConn) Commit(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkSendLocked(); err != nil {
		return err
	}
	c.commits++
	data := c.utterance
	c.utterance = nil

	size := c.opts.ChunkBytes
	if size <= 0 {
		size = len(data)
	}
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		c.pending = append(c.pending, Chunk{
			Kind:       ChunkAudio,
			Audio:      data[:n:n],
			MimeType:   audio.PCMMimeType(c.opts.SampleRate),
			SampleRate: c.opts.SampleRate,
		})
		data = data[n:]
	}
	c.pending = append(c.pending, Chunk{Kind: ChunkTurnComplete})
	c.signal()
	return nil
}

func (c *MockConn) SendText(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkSendLocked(); err != nil {
		return err
	}
	c.texts = append(c.texts, text)
	c.pending = append(c.pending, Chunk{Kind: ChunkText, Text: text}, Chunk{Kind: ChunkTurnComplete})
	c.signal()
	return nil
}

func (c *MockConn) Recv(ctx context.Context) (Chunk, error) {
	for {
		c.mu.Lock()
		if c.injected != nil {
			err := c.injected
			c.injected = nil
			c.mu.Unlock()
			return Chunk{}, err
		}
		if len(c.pending) > 0 && !c.stalled {
			ch := c.pending[0]
			c.pending = c.pending[1:]
			if c.opts.StallAfterFirstChunk && ch.Kind != ChunkTurnComplete {
				c.stalled = true
			}
			c.mu.Unlock()
			return ch, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		case <-c.closed:
			return Chunk{}, ErrClosed
		case <-c.notify:
		}
	}
}

func (c *MockConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.dialer.release()
	})
	return nil
}

// FailRecv makes the next Recv return err, simulating a dropped stream.
func (c *MockConn) FailRecv(err error) {
	c.mu.Lock()
	c.injected = err
	c.mu.Unlock()
	c.signal()
}

// FailSends makes every later send return err.
func (c *MockConn) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// Received returns the audio frames sent on this connection, in order.
func (c *MockConn) Received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.received))
	copy(out, c.received)
	return out
}

func (c *MockConn) Texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

func (c *MockConn) Commits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commits
}

func (c *MockConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *MockConn) checkSendLocked() error {
	if c.IsClosed() {
		return ErrClosed
	}
	return c.sendErr
}

func (c *MockConn) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
