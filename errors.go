package tangguh

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for common failure scenarios
var (
	// ErrAcquireTimeout is returned when no connection becomes available
	// within the acquire timeout.
	ErrAcquireTimeout = errors.New("tangguh: acquire timeout")

	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("tangguh: pool closed")

	// ErrCircuitOpen is returned when the circuit breaker rejects a call.
	ErrCircuitOpen = errors.New("tangguh: circuit open")

	// ErrCacheClosed is returned when operating on a closed cache.
	ErrCacheClosed = errors.New("tangguh: cache closed")
)

// ErrorKind classifies a failure for retry decisions. Classification is
// structural first (errors carrying a kind) and falls back to message
// pattern matching for errors from foreign layers.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransient
	KindRateLimited
	KindNonRetryable
	KindPersistent
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindNonRetryable:
		return "non_retryable"
	case KindPersistent:
		return "persistent"
	default:
		return "unknown"
	}
}

// Kinder is implemented by errors that carry their own classification.
// Callers of ExecuteWithRetry should prefer returning such errors over
// relying on the substring fallback.
type Kinder interface {
	ErrorKind() ErrorKind
}

// Error is a structured failure from a tangguh component.
type Error struct {
	Kind      ErrorKind
	Op        string
	Message   string
	Cause     error
	Attempt   int
	Timestamp time.Time
	Duration  time.Duration
}

// Error implements error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d)", msg, e.Attempt)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error kinds for errors.Is.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*Error); ok {
		return e.Kind == targetErr.Kind
	}
	return false
}

// ErrorKind implements Kinder.
func (e *Error) ErrorKind() ErrorKind {
	if e == nil {
		return KindUnknown
	}
	return e.Kind
}

// Substring fallback tables, lowest-priority classifier. Kept small and
// lowercase; matching is case-insensitive.
var (
	nonRetryablePatterns = []string{
		"auth",
		"permission",
		"forbidden",
		"not found",
		"invalid key",
		"unauthorized",
	}
	rateLimitPatterns = []string{
		"rate limit",
		"429",
		"throttle",
		"quota",
	}
)

// Classify maps an error to an ErrorKind. Structured kinds win; message
// substrings are consulted only when the error carries no kind of its own.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var kinder Kinder
	if errors.As(err, &kinder) {
		if kind := kinder.ErrorKind(); kind != KindUnknown {
			return kind
		}
	}

	if errors.Is(err, ErrCircuitOpen) {
		return KindPersistent
	}
	if errors.Is(err, ErrAcquireTimeout) {
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range nonRetryablePatterns {
		if strings.Contains(msg, pattern) {
			return KindNonRetryable
		}
	}
	for _, pattern := range rateLimitPatterns {
		if strings.Contains(msg, pattern) {
			return KindRateLimited
		}
	}

	return KindTransient
}

// IsRetryable reports whether a failure with the given kind may succeed
// on a later attempt.
func IsRetryable(kind ErrorKind) bool {
	switch kind {
	case KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}
