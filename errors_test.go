package tangguh

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyStructured(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindUnknown},
		{"kinded error", &Error{Kind: KindRateLimited, Message: "slow down"}, KindRateLimited},
		{"wrapped kinded error", fmt.Errorf("outer: %w", &Error{Kind: KindNonRetryable, Message: "nope"}), KindNonRetryable},
		{"circuit open sentinel", ErrCircuitOpen, KindPersistent},
		{"acquire timeout sentinel", ErrAcquireTimeout, KindTransient},
		{"wrapped acquire timeout", fmt.Errorf("pool: %w", ErrAcquireTimeout), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, expected %v", got, tt.want)
			}
		})
	}
}

func TestClassifySubstringFallback(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorKind
	}{
		{"permission denied", KindNonRetryable},
		{"Unauthorized access", KindNonRetryable},
		{"object not found", KindNonRetryable},
		{"invalid key format", KindNonRetryable},
		{"auth token expired", KindNonRetryable},
		{"rate limit exceeded", KindRateLimited},
		{"HTTP 429 from upstream", KindRateLimited},
		{"request throttled", KindRateLimited},
		{"quota exhausted", KindRateLimited},
		{"connection reset by peer", KindTransient},
		{"i/o timeout", KindTransient},
		{"something unexpected", KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if got := Classify(errors.New(tt.msg)); got != tt.want {
				t.Errorf("Classify(%q) = %v, expected %v", tt.msg, got, tt.want)
			}
		})
	}
}

func TestClassifyStructuredWinsOverMessage(t *testing.T) {
	// A kinded error keeps its kind even when the message matches a
	// fallback pattern.
	err := &Error{Kind: KindTransient, Message: "permission check service unavailable"}
	if got := Classify(err); got != KindTransient {
		t.Errorf("expected structured kind to win, got %v", got)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{KindTransient, true},
		{KindRateLimited, true},
		{KindNonRetryable, false},
		{KindPersistent, false},
		{KindUnknown, false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.kind); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, expected %v", tt.kind, got, tt.want)
		}
	}
}

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("connection refused")
	err := &Error{
		Kind:      KindTransient,
		Op:        "fetch_user",
		Message:   "request failed",
		Cause:     cause,
		Attempt:   2,
		Timestamp: time.Now(),
	}

	got := err.Error()
	want := "fetch_user: request failed (attempt 2): connection refused"
	if got != want {
		t.Errorf("Error() = %q, expected %q", got, want)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &Error{Kind: KindTransient, Message: "wrapped", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the cause")
	}
	if errors.Unwrap(err) != cause {
		t.Error("expected Unwrap to return the cause")
	}
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := &Error{Kind: KindRateLimited, Message: "slow down"}
	target := &Error{Kind: KindRateLimited}

	if !errors.Is(err, target) {
		t.Error("expected errors with the same kind to match")
	}
	if errors.Is(err, &Error{Kind: KindPersistent}) {
		t.Error("expected errors with different kinds not to match")
	}
}

func TestErrorKindString(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want string
	}{
		{KindUnknown, "unknown"},
		{KindTransient, "transient"},
		{KindRateLimited, "rate_limited"},
		{KindNonRetryable, "non_retryable"},
		{KindPersistent, "persistent"},
		{ErrorKind(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("%d.String() = %q, expected %q", tt.kind, got, tt.want)
		}
	}
}
