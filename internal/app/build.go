package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ent0n29/voicerelay/internal/audio"
	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/httpapi"
	"github.com/ent0n29/voicerelay/internal/ledger"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/policy"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/transport"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Metrics  *observability.Metrics
	Ledger   ledger.Store
	Upstream UpstreamInfo

	// Cleanup should be called on shutdown, after sessions have drained.
	Cleanup func() error
}

// Build wires the relay from cfg. Metrics are registered on the default
// Prometheus registry, so Build is meant to run once per process.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	up, err := resolveUpstream(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := ledger.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("ledger store init failed: %w", err)
	}

	sessions := session.NewManager(SessionConfig(cfg), session.Options{
		Dialer:   up.dialer,
		Logger:   logger,
		Metrics:  metrics,
		Ledger:   store,
		Redactor: policy.NewRedactor(cfg.GoogleAPIKey),
	})

	api := httpapi.New(sessions, httpapi.Options{
		AllowAnyOrigin: cfg.AllowAnyOrigin,
		Provider:       up.Provider,
		Metrics:        metrics,
		History:        store,
		Logger:         logger,
	})

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Metrics:  metrics,
		Ledger:   store,
		Upstream: up,
		Cleanup:  store.Close,
	}, nil
}

// SessionConfig maps process settings onto per-session tunables.
func SessionConfig(cfg config.Config) session.Config {
	return session.Config{
		IdleTimeout:          cfg.SessionIdleTimeout,
		MaxSessions:          cfg.SessionMaxConcurrent,
		TeardownDeadline:     cfg.SessionTeardownDeadline,
		QueueCapacity:        cfg.InboundQueueCapacity,
		DecodeErrorThreshold: cfg.AudioDecodeErrorThreshold,
		EagerConnect:         true,
		Codec:                audio.NewCodec(cfg.AudioMaxChunkBytes, cfg.AudioOutputFormat),
		Transport: transport.Config{
			WriteTimeout: cfg.TransportWriteTimeout,
		},
		Bridge: upstream.BridgeConfig{
			MaxAttempts: cfg.UpstreamMaxAttempts,
			BackoffBase: cfg.UpstreamBackoffBase,
			BackoffCap:  cfg.UpstreamBackoffCap,
			FrameBytes:  audio.FrameBytes(cfg.AudioChunkInterval, audio.InputSampleRate),
		},
	}
}
