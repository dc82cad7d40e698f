package stream

import (
	"errors"
	"fmt"
	"time"
)

// ErrReconnectExhausted is surfaced when the supervisor gives up after the
// configured attempt ceiling. The manager enters degraded state; the host
// process keeps running.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// ErrNotConnected is returned by Send when the session holds no live
// transport.
var ErrNotConnected = errors.New("session not connected")

// ConnectionError wraps a transport-level failure. Recoverable by the
// supervisor.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// MalformedFrameError marks a single inbound frame that failed structural
// validation. Dropped and counted, never fatal.
type MalformedFrameError struct {
	Reason string
	Err    error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame (%s): %v", e.Reason, e.Err)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

// RateLimitError is an upstream throttling signal. The pending control command
// is retried once after RetryAfter instead of tearing down the connection.
type RateLimitError struct {
	Code       int
	Msg        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("upstream rate limit (code %d): %s", e.Code, e.Msg)
}

// UpstreamError is a non-throttle error frame from the feed.
type UpstreamError struct {
	Code int
	Msg  string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error (code %d): %s", e.Code, e.Msg)
}
