package app

import (
	"context"
	"testing"
	"time"

	"github.com/ent0n29/voicerelay/internal/config"
)

func TestResolveUpstream(t *testing.T) {
	ctx := context.Background()

	up, err := resolveUpstream(ctx, config.Config{UpstreamProvider: "auto"})
	if err != nil {
		t.Fatalf("resolveUpstream(auto) error = %v", err)
	}
	if up.Provider != "mock" {
		t.Fatalf("auto without key provider = %q, want mock", up.Provider)
	}

	up, err = resolveUpstream(ctx, config.Config{UpstreamProvider: "auto", GoogleAPIKey: "test-key-123456"})
	if err != nil {
		t.Fatalf("resolveUpstream(auto, key) error = %v", err)
	}
	if up.Provider != "gemini" {
		t.Fatalf("auto with key provider = %q, want gemini", up.Provider)
	}

	if _, err := resolveUpstream(ctx, config.Config{UpstreamProvider: "gemini"}); err == nil {
		t.Fatalf("resolveUpstream(gemini) without key should fail")
	}
	if _, err := resolveUpstream(ctx, config.Config{UpstreamProvider: "carrier-pigeon"}); err == nil {
		t.Fatalf("resolveUpstream(unknown) should fail")
	}
}

func TestSessionConfigMapping(t *testing.T) {
	cfg := config.Config{
		SessionIdleTimeout:        90 * time.Second,
		SessionMaxConcurrent:      7,
		SessionTeardownDeadline:   3 * time.Second,
		InboundQueueCapacity:      16,
		AudioChunkInterval:        20 * time.Millisecond,
		AudioOutputFormat:         "wav",
		AudioMaxChunkBytes:        4096,
		AudioDecodeErrorThreshold: 2,
		UpstreamMaxAttempts:       5,
		UpstreamBackoffBase:       100 * time.Millisecond,
		UpstreamBackoffCap:        time.Second,
		TransportWriteTimeout:     4 * time.Second,
	}
	sc := SessionConfig(cfg)
	if sc.IdleTimeout != 90*time.Second || sc.MaxSessions != 7 || sc.QueueCapacity != 16 {
		t.Fatalf("unexpected session config: %+v", sc)
	}
	if sc.Bridge.FrameBytes != 640 {
		t.Fatalf("Bridge.FrameBytes = %d, want 640", sc.Bridge.FrameBytes)
	}
	if sc.Bridge.MaxAttempts != 5 || sc.Transport.WriteTimeout != 4*time.Second {
		t.Fatalf("unexpected bridge/transport config: %+v %+v", sc.Bridge, sc.Transport)
	}
	if sc.Codec.OutputFormat != "wav" || sc.Codec.MaxChunkBytes != 4096 {
		t.Fatalf("unexpected codec: %+v", sc.Codec)
	}
	if !sc.EagerConnect {
		t.Fatalf("EagerConnect = false, want true")
	}
}
