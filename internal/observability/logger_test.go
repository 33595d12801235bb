package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewLoggerJSONRedacts(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LoggerOptions{
		Level:  "debug",
		Format: "json",
		Output: &buf,
		Redact: func(s string) string { return strings.ReplaceAll(s, "sekrit", "[redacted]") },
	})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Debug("dial failed", "key", "sekrit", "error", errors.New("bad key sekrit"))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("Unmarshal() error = %v (%s)", err, buf.String())
	}
	if rec["key"] != "[redacted]" {
		t.Fatalf("key = %v, want [redacted]", rec["key"])
	}
	if rec["error"] != "bad key [redacted]" {
		t.Fatalf("error = %v, want redacted error text", rec["error"])
	}
}

func TestNewLoggerRejectsUnknownFormat(t *testing.T) {
	if _, err := NewLogger(LoggerOptions{Format: "xml"}); err == nil {
		t.Fatalf("NewLogger() error = nil, want error")
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("ParseLevel() error = nil, want error")
	}
}
