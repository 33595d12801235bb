package session

import (
	"errors"
	"time"

	"github.com/ent0n29/voicerelay/internal/audio"
	"github.com/ent0n29/voicerelay/internal/transport"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrSessionLimit = errors.New("session limit reached")
	ErrShuttingDown = errors.New("session manager shutting down")
)

// End reasons recorded in the ledger and on session_events_total.
const (
	EndClientDisconnect = "client_disconnect"
	EndClientStop       = "client_stop"
	EndAdminStop        = "admin_stop"
	EndIdleTimeout      = "idle_timeout"
	EndUpstreamAuth     = "upstream_auth"
	EndUpstreamFailure  = "upstream_unavailable"
	EndWriteTimeout     = "transport_write_timeout"
	EndShutdown         = "shutdown"
	EndInternal         = "internal_error"
)

// Config holds the per-session tunables shared by every session.
type Config struct {
	IdleTimeout      time.Duration
	JanitorInterval  time.Duration
	MaxSessions      int
	TeardownDeadline time.Duration

	QueueCapacity        int
	DecodeErrorThreshold int
	// EagerConnect dials the upstream before session_started is sent.
	EagerConnect bool

	Codec     audio.Codec
	Transport transport.Config
	Bridge    upstream.BridgeConfig
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = c.IdleTimeout / 4
		if c.JanitorInterval > 5*time.Second {
			c.JanitorInterval = 5 * time.Second
		}
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 100
	}
	if c.TeardownDeadline <= 0 {
		c.TeardownDeadline = 5 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = transport.DefaultQueueCapacity
	}
	if c.DecodeErrorThreshold < 0 {
		c.DecodeErrorThreshold = 0
	}
	if c.Codec.MaxChunkBytes <= 0 {
		c.Codec = audio.NewCodec(c.Codec.MaxChunkBytes, c.Codec.OutputFormat)
	}
	return c
}

// Info is a read-only snapshot of a live session.
type Info struct {
	ID                string    `json:"session_id"`
	RemoteAddr        string    `json:"remote_addr,omitempty"`
	Provider          string    `json:"provider"`
	State             string    `json:"state"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	Turns             int       `json:"turns"`
	QueuedFrames      int       `json:"queued_frames"`
	DroppedFrames     uint64    `json:"dropped_frames"`
	UpstreamConnected bool      `json:"upstream_connected"`
	UpstreamDials     int       `json:"upstream_dials"`
}
