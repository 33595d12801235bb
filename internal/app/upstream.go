package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

type UpstreamInfo struct {
	Provider string
	Detail   string

	dialer upstream.Dialer
}

// resolveUpstream picks the upstream dialer. "auto" uses Gemini Live when a
// key is configured and falls back to the echoing mock otherwise.
func resolveUpstream(ctx context.Context, cfg config.Config) (UpstreamInfo, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.UpstreamProvider))
	if mode == "" {
		mode = "auto"
	}

	gemini := func() (UpstreamInfo, error) {
		d, err := upstream.NewGeminiDialer(ctx, upstream.GeminiConfig{
			APIKey:           cfg.GoogleAPIKey,
			Model:            cfg.GeminiModel,
			Voice:            cfg.GeminiVoice,
			ResponseModality: cfg.GeminiResponseModality,
			BaseURL:          cfg.GeminiBaseURL,
		})
		if err != nil {
			return UpstreamInfo{}, fmt.Errorf("gemini upstream init failed: %w", err)
		}
		return UpstreamInfo{
			Provider: d.Name(),
			Detail:   fmt.Sprintf("gemini live (%s, voice %s)", cfg.GeminiModel, cfg.GeminiVoice),
			dialer:   d,
		}, nil
	}
	mock := func(detail string) UpstreamInfo {
		d := upstream.NewMockDialer(upstream.MockOptions{})
		return UpstreamInfo{Provider: d.Name(), Detail: detail, dialer: d}
	}

	switch mode {
	case "gemini":
		return gemini()
	case "mock":
		return mock("mock echo"), nil
	case "auto":
		if strings.TrimSpace(cfg.GoogleAPIKey) == "" {
			return mock("mock echo (no GOOGLE_API_KEY)"), nil
		}
		return gemini()
	default:
		return UpstreamInfo{}, fmt.Errorf("invalid UPSTREAM_PROVIDER: %q (expected auto|gemini|mock)", cfg.UpstreamProvider)
	}
}
