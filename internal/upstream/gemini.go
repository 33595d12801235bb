package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/ent0n29/voicerelay/internal/audio"
)

const (
	DefaultGeminiModel   = "gemini-live-2.5-flash-preview"
	DefaultGeminiVoice   = "Aoede"
	DefaultGeminiVersion = "v1beta"

	// GeminiOutputSampleRate is the PCM rate Gemini Live answers with.
	GeminiOutputSampleRate = 24000

	ModalityAudio = "audio"
	ModalityText  = "text"
)

type GeminiConfig struct {
	APIKey           string
	Model            string
	Voice            string
	ResponseModality string
	APIVersion       string
	// BaseURL overrides the endpoint; used against local fakes.
	BaseURL string
}

// GeminiDialer opens Gemini Live sessions with manual activity detection, so
// turn boundaries follow the client's audio_end rather than server VAD.
type GeminiDialer struct {
	cfg    GeminiConfig
	client *genai.Client
}

func NewGeminiDialer(ctx context.Context, cfg GeminiConfig) (*GeminiDialer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &AuthError{Err: errors.New("GOOGLE_API_KEY is required")}
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultGeminiModel
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		cfg.Voice = DefaultGeminiVoice
	}
	if strings.TrimSpace(cfg.APIVersion) == "" {
		cfg.APIVersion = DefaultGeminiVersion
	}
	switch strings.ToLower(strings.TrimSpace(cfg.ResponseModality)) {
	case ModalityText:
		cfg.ResponseModality = ModalityText
	default:
		cfg.ResponseModality = ModalityAudio
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			APIVersion: cfg.APIVersion,
			BaseURL:    cfg.BaseURL,
		},
	})
	if err != nil {
		// The client error embeds the whole config, key included.
		return nil, fmt.Errorf("create genai client for model %s", cfg.Model)
	}
	return &GeminiDialer{cfg: cfg, client: client}, nil
}

func (d *GeminiDialer) Name() string { return "gemini" }

func (d *GeminiDialer) connectConfig() *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		RealtimeInputConfig: &genai.RealtimeInputConfig{
			AutomaticActivityDetection: &genai.AutomaticActivityDetection{Disabled: true},
		},
	}
	if d.cfg.ResponseModality == ModalityText {
		cfg.ResponseModalities = []genai.Modality{genai.ModalityText}
		return cfg
	}
	cfg.ResponseModalities = []genai.Modality{genai.ModalityAudio}
	cfg.SpeechConfig = &genai.SpeechConfig{
		VoiceConfig: &genai.VoiceConfig{
			PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: d.cfg.Voice},
		},
	}
	return cfg
}

func (d *GeminiDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	session, err := d.client.Live.Connect(ctx, d.cfg.Model, d.connectConfig())
	if err != nil {
		return nil, fmt.Errorf("connect gemini live %s: %w", d.cfg.Model, err)
	}
	c := &geminiConn{
		session: session,
		chunks:  make(chan Chunk, 256),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type geminiConn struct {
	session *genai.Session

	writeMu      sync.Mutex
	activityOpen bool

	chunks    chan Chunk
	done      chan struct{}
	readErr   error
	closeOnce sync.Once
}

var inputMimeType = audio.PCMMimeType(audio.InputSampleRate)

func (c *geminiConn) SendAudio(_ context.Context, pcm []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.startActivityLocked(); err != nil {
		return err
	}
	return c.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: pcm, MIMEType: inputMimeType},
	})
}

func (c *geminiConn) Commit(_ context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.startActivityLocked(); err != nil {
		return err
	}
	c.activityOpen = false
	return c.session.SendRealtimeInput(genai.LiveRealtimeInput{ActivityEnd: &genai.ActivityEnd{}})
}

func (c *geminiConn) SendText(_ context.Context, text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.session.SendClientContent(genai.LiveClientContentInput{
		Turns: []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
	})
}

func (c *geminiConn) startActivityLocked() error {
	if c.activityOpen {
		return nil
	}
	if err := c.session.SendRealtimeInput(genai.LiveRealtimeInput{ActivityStart: &genai.ActivityStart{}}); err != nil {
		return err
	}
	c.activityOpen = true
	return nil
}

func (c *geminiConn) Recv(ctx context.Context) (Chunk, error) {
	select {
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	case ch, ok := <-c.chunks:
		if ok {
			return ch, nil
		}
		if c.readErr != nil {
			return Chunk{}, c.readErr
		}
		return Chunk{}, ErrClosed
	}
}

func (c *geminiConn) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		close(c.done)
		retErr = c.session.Close()
	})
	return retErr
}

func (c *geminiConn) readLoop() {
	defer close(c.chunks)
	for {
		msg, err := c.session.Receive()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.readErr = err
			}
			return
		}
		for _, ch := range chunksFromServerMessage(msg) {
			select {
			case c.chunks <- ch:
			case <-c.done:
				return
			}
		}
	}
}

// chunksFromServerMessage flattens one Live message into ordered chunks.
func chunksFromServerMessage(msg *genai.LiveServerMessage) []Chunk {
	if msg == nil || msg.ServerContent == nil {
		return nil
	}
	content := msg.ServerContent
	var out []Chunk
	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part == nil || part.Thought {
				continue
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				out = append(out, Chunk{
					Kind:       ChunkAudio,
					Audio:      part.InlineData.Data,
					MimeType:   part.InlineData.MIMEType,
					SampleRate: audio.ParsePCMRate(part.InlineData.MIMEType, GeminiOutputSampleRate),
				})
			}
			if part.Text != "" {
				out = append(out, Chunk{Kind: ChunkText, Text: part.Text})
			}
		}
	}
	if content.Interrupted {
		out = append(out, Chunk{Kind: ChunkInterrupted})
	}
	if content.TurnComplete {
		out = append(out, Chunk{Kind: ChunkTurnComplete})
	}
	return out
}
