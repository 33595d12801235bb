// Package upstream owns the streaming connection to the conversational-AI
// endpoint: the Dialer/Conn abstraction, the Gemini Live and mock
// implementations, and the per-session Bridge that retries, frames and
// replays audio.
package upstream

import (
	"context"
	"fmt"
)

type ChunkKind uint8

const (
	ChunkAudio ChunkKind = iota + 1
	ChunkText
	ChunkTurnComplete
	// ChunkInterrupted reports that the upstream cut its own response short.
	ChunkInterrupted
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkAudio:
		return "audio"
	case ChunkText:
		return "text"
	case ChunkTurnComplete:
		return "turn_complete"
	case ChunkInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("chunk(%d)", uint8(k))
	}
}

// Chunk is one unit of upstream response, delivered in arrival order.
type Chunk struct {
	Seq        uint64
	Kind       ChunkKind
	Audio      []byte
	MimeType   string
	SampleRate int
	Text       string
}

// Conn is one live upstream connection. SendAudio, Commit and SendText are
// called from a single goroutine; Recv from another.
type Conn interface {
	SendAudio(ctx context.Context, pcm []byte) error
	// Commit marks the end of the current utterance. It is valid with no
	// audio sent.
	Commit(ctx context.Context) error
	SendText(ctx context.Context, text string) error
	Recv(ctx context.Context) (Chunk, error)
	Close() error
}

// Dialer opens upstream connections.
type Dialer interface {
	Name() string
	Dial(ctx context.Context, sessionID string) (Conn, error)
}
