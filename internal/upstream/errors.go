package upstream

import (
	"errors"
	"fmt"

	"github.com/ent0n29/voicerelay/internal/reliability"
)

var (
	// ErrUpstreamConnection matches every *ConnectionError.
	ErrUpstreamConnection = errors.New("upstream connection error")
	// ErrUpstreamAuth matches every *AuthError.
	ErrUpstreamAuth = errors.New("upstream auth error")
	// ErrClosed is returned by a Bridge or Conn after Close.
	ErrClosed = errors.New("upstream closed")
)

// ConnectionError is a transient failure that outlived its retry budget.
type ConnectionError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("upstream %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("upstream %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrUpstreamConnection }

// AuthError means the upstream rejected the configured credential.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "upstream rejected credential: " + e.Err.Error() }

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrUpstreamAuth }

// classify wraps a raw dial/stream error into the package taxonomy.
// Context cancellation is returned unchanged.
func classify(op string, attempts int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUpstreamAuth) || errors.Is(err, ErrUpstreamConnection) || errors.Is(err, ErrClosed) {
		return err
	}
	switch reliability.ClassifyUpstream(err) {
	case reliability.FailureAuth:
		return &AuthError{Err: err}
	case reliability.FailureCanceled:
		return err
	default:
		return &ConnectionError{Op: op, Attempts: attempts, Err: err}
	}
}
