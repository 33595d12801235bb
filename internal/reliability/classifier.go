package reliability

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// FailureClass buckets an upstream failure by how the caller should react.
type FailureClass uint8

const (
	// FailureTransient is retried with backoff.
	FailureTransient FailureClass = iota
	// FailureAuth means the credential was rejected; retrying cannot help.
	FailureAuth
	// FailureCanceled means the caller's context ended.
	FailureCanceled
)

func (c FailureClass) String() string {
	switch c {
	case FailureAuth:
		return "auth"
	case FailureCanceled:
		return "canceled"
	default:
		return "transient"
	}
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsAuthHTTPStatus reports statuses that indicate a rejected credential.
func IsAuthHTTPStatus(code int) bool {
	return code == 401 || code == 403
}

var authMarkers = []string{
	"api key not valid",
	"api_key_invalid",
	"invalid api key",
	"permission denied",
	"permission_denied",
	"unauthenticated",
	"unauthorized",
	"forbidden",
	"status 401",
	"status 403",
	"code 401",
	"code 403",
}

// ClassifyUpstream decides whether an upstream dial or stream error is worth
// retrying. Live endpoints report credential problems either as a websocket
// policy-violation close or only in the error text, so both are inspected.
func ClassifyUpstream(err error) FailureClass {
	if err == nil {
		return FailureTransient
	}
	if errors.Is(err, context.Canceled) {
		return FailureCanceled
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.ClosePolicyViolation:
			return FailureAuth
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureTransient
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range authMarkers {
		if strings.Contains(msg, marker) {
			return FailureAuth
		}
	}
	return FailureTransient
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
