package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the voice relay.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	LogLevel         string
	LogFormat        string

	UpstreamProvider       string
	GoogleAPIKey           string
	GeminiModel            string
	GeminiVoice            string
	GeminiResponseModality string
	GeminiBaseURL          string

	SessionIdleTimeout      time.Duration
	SessionMaxConcurrent    int
	SessionTeardownDeadline time.Duration

	InboundQueueCapacity      int
	AudioChunkInterval        time.Duration
	AudioOutputFormat         string
	AudioMaxChunkBytes        int
	AudioDecodeErrorThreshold int

	UpstreamMaxAttempts int
	UpstreamBackoffBase time.Duration
	UpstreamBackoffCap  time.Duration

	TransportWriteTimeout time.Duration

	DatabaseURL string

	// ConfigFile is the YAML overlay that was applied, if any.
	ConfigFile string
}

// ConfigFileEnv names the optional YAML overlay. Values set in the
// environment always win over values from the file.
const ConfigFileEnv = "RELAY_CONFIG_FILE"

// LoadDotEnv reads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads environment variables, overlays RELAY_CONFIG_FILE when set and
// applies safe defaults.
func Load() (Config, error) {
	src := source{}
	configFile := trimSpace(os.Getenv(ConfigFileEnv))
	if configFile != "" {
		file, err := readFileValues(configFile)
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}

	cfg := Config{
		BindAddr:                  src.envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:          src.envOrDefault("APP_METRICS_NAMESPACE", "voicerelay"),
		AllowAnyOrigin:            false,
		LogLevel:                  strings.ToLower(src.envOrDefault("APP_LOG_LEVEL", "info")),
		LogFormat:                 strings.ToLower(src.envOrDefault("APP_LOG_FORMAT", "text")),
		UpstreamProvider:          strings.ToLower(src.envOrDefault("UPSTREAM_PROVIDER", "auto")),
		GoogleAPIKey:              src.stringsTrimSpace("GOOGLE_API_KEY"),
		GeminiModel:               src.envOrDefault("GEMINI_MODEL", "gemini-live-2.5-flash-preview"),
		GeminiVoice:               src.envOrDefault("GEMINI_VOICE", "Aoede"),
		GeminiResponseModality:    strings.ToLower(src.envOrDefault("GEMINI_RESPONSE_MODALITY", "audio")),
		GeminiBaseURL:             src.stringsTrimSpace("GEMINI_BASE_URL"),
		AudioOutputFormat:         strings.ToLower(src.envOrDefault("AUDIO_OUTPUT_FORMAT", "pcm")),
		DatabaseURL:               src.stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:           15 * time.Second,
		SessionIdleTimeout:        60 * time.Second,
		SessionMaxConcurrent:      100,
		SessionTeardownDeadline:   5 * time.Second,
		InboundQueueCapacity:      64,
		AudioChunkInterval:        0,
		AudioMaxChunkBytes:        256 << 10,
		AudioDecodeErrorThreshold: 3,
		UpstreamMaxAttempts:       3,
		UpstreamBackoffBase:       200 * time.Millisecond,
		UpstreamBackoffCap:        2 * time.Second,
		TransportWriteTimeout:     10 * time.Second,
		ConfigFile:                configFile,
	}
	var err error
	cfg.ShutdownTimeout, err = src.durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = src.boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.SessionIdleTimeout, err = src.durationFromEnv("SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionMaxConcurrent, err = src.intFromEnv("SESSION_MAX_CONCURRENT", cfg.SessionMaxConcurrent)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTeardownDeadline, err = src.durationFromEnv("SESSION_TEARDOWN_DEADLINE", cfg.SessionTeardownDeadline)
	if err != nil {
		return Config{}, err
	}

	cfg.InboundQueueCapacity, err = src.intFromEnv("INBOUND_QUEUE_CAPACITY", cfg.InboundQueueCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioChunkInterval, err = src.durationFromEnv("AUDIO_CHUNK_INTERVAL", cfg.AudioChunkInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioMaxChunkBytes, err = src.intFromEnv("AUDIO_MAX_CHUNK_BYTES", cfg.AudioMaxChunkBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioDecodeErrorThreshold, err = src.intFromEnv("AUDIO_DECODE_ERROR_THRESHOLD", cfg.AudioDecodeErrorThreshold)
	if err != nil {
		return Config{}, err
	}

	cfg.UpstreamMaxAttempts, err = src.intFromEnv("UPSTREAM_MAX_ATTEMPTS", cfg.UpstreamMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamBackoffBase, err = src.durationFromEnv("UPSTREAM_BACKOFF_BASE", cfg.UpstreamBackoffBase)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamBackoffCap, err = src.durationFromEnv("UPSTREAM_BACKOFF_CAP", cfg.UpstreamBackoffCap)
	if err != nil {
		return Config{}, err
	}
	cfg.TransportWriteTimeout, err = src.durationFromEnv("TRANSPORT_WRITE_TIMEOUT", cfg.TransportWriteTimeout)
	if err != nil {
		return Config{}, err
	}

	switch cfg.UpstreamProvider {
	case "auto", "gemini", "mock":
	default:
		return Config{}, fmt.Errorf("UPSTREAM_PROVIDER must be one of auto, gemini, mock")
	}
	if cfg.UpstreamProvider == "gemini" && cfg.GoogleAPIKey == "" {
		return Config{}, fmt.Errorf("GOOGLE_API_KEY is required when UPSTREAM_PROVIDER=gemini")
	}
	switch cfg.GeminiResponseModality {
	case "audio", "text":
	default:
		return Config{}, fmt.Errorf("GEMINI_RESPONSE_MODALITY must be audio or text")
	}
	switch cfg.AudioOutputFormat {
	case "pcm", "wav":
	default:
		return Config{}, fmt.Errorf("AUDIO_OUTPUT_FORMAT must be pcm or wav")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("APP_LOG_FORMAT must be text or json")
	}
	if cfg.SessionIdleTimeout < time.Second {
		return Config{}, fmt.Errorf("SESSION_IDLE_TIMEOUT must be at least 1s")
	}
	if cfg.SessionMaxConcurrent <= 0 {
		return Config{}, fmt.Errorf("SESSION_MAX_CONCURRENT must be positive")
	}
	if cfg.SessionTeardownDeadline <= 0 {
		return Config{}, fmt.Errorf("SESSION_TEARDOWN_DEADLINE must be positive")
	}
	if cfg.InboundQueueCapacity <= 0 {
		return Config{}, fmt.Errorf("INBOUND_QUEUE_CAPACITY must be positive")
	}
	if cfg.AudioChunkInterval < 0 {
		return Config{}, fmt.Errorf("AUDIO_CHUNK_INTERVAL must be >= 0")
	}
	if cfg.AudioMaxChunkBytes <= 0 {
		return Config{}, fmt.Errorf("AUDIO_MAX_CHUNK_BYTES must be positive")
	}
	if cfg.AudioDecodeErrorThreshold < 0 {
		return Config{}, fmt.Errorf("AUDIO_DECODE_ERROR_THRESHOLD must be >= 0")
	}
	if cfg.UpstreamMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("UPSTREAM_MAX_ATTEMPTS must be positive")
	}
	if cfg.UpstreamBackoffBase <= 0 {
		return Config{}, fmt.Errorf("UPSTREAM_BACKOFF_BASE must be positive")
	}
	if cfg.UpstreamBackoffCap < cfg.UpstreamBackoffBase {
		return Config{}, fmt.Errorf("UPSTREAM_BACKOFF_CAP must be >= UPSTREAM_BACKOFF_BASE")
	}
	if cfg.TransportWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("TRANSPORT_WRITE_TIMEOUT must be positive")
	}

	return cfg, nil
}

// readFileValues flattens a YAML document into env-style keys: nested
// mappings are joined with "_" and upper-cased, so
//
//	session:
//	  idle_timeout: 90s
//
// provides SESSION_IDLE_TIMEOUT.
func readFileValues(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s read error: %w", ConfigFileEnv, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s parse error: %w", ConfigFileEnv, err)
	}
	out := make(map[string]string)
	flatten("", doc, out)
	return out, nil
}

func flatten(prefix string, node map[string]any, out map[string]string) {
	for k, v := range node {
		key := strings.ToUpper(strings.TrimSpace(k))
		if prefix != "" {
			key = prefix + "_" + key
		}
		switch val := v.(type) {
		case map[string]any:
			flatten(key, val, out)
		case nil:
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

// source resolves a key from the environment first, then the overlay file.
type source struct {
	file map[string]string
}

func (s source) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[key]
}

func (s source) envOrDefault(key, fallback string) string {
	v := trimSpace(s.lookup(key))
	if v == "" {
		return fallback
	}
	return v
}

func (s source) stringsTrimSpace(key string) string {
	return trimSpace(s.lookup(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func (s source) durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := s.stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func (s source) intFromEnv(key string, fallback int) (int, error) {
	v := s.stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func (s source) boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(s.stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
