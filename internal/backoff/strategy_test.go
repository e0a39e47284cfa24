package backoff

import (
	"testing"
	"time"
)

func baseParams() Params {
	return Params{
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
	}
}

func TestExponentialDelays(t *testing.T) {
	p := baseParams()

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}
	for _, tt := range tests {
		got := Exponential().Calculate(tt.retry, p)
		if got != tt.want {
			t.Errorf("retry %d: expected %v, got %v", tt.retry, tt.want, got)
		}
	}
}

func TestExponentialClampsToMaxDelay(t *testing.T) {
	p := baseParams()
	p.MaxDelay = 5 * time.Second

	got := Exponential().Calculate(10, p)
	if got != 5*time.Second {
		t.Errorf("expected clamp to 5s, got %v", got)
	}
}

func TestLinearDelays(t *testing.T) {
	p := baseParams()

	for retry := 1; retry <= 4; retry++ {
		got := Linear().Calculate(retry, p)
		want := time.Duration(retry) * time.Second
		if got != want {
			t.Errorf("retry %d: expected %v, got %v", retry, want, got)
		}
	}
}

func TestFixedDelays(t *testing.T) {
	p := baseParams()

	for retry := 1; retry <= 4; retry++ {
		if got := Fixed().Calculate(retry, p); got != time.Second {
			t.Errorf("retry %d: expected 1s, got %v", retry, got)
		}
	}
}

func TestFibonacciDelays(t *testing.T) {
	p := baseParams()

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 1 * time.Second},
		{2, 1 * time.Second},
		{3, 2 * time.Second},
		{4, 3 * time.Second},
		{5, 5 * time.Second},
	}
	for _, tt := range tests {
		got := FibonacciBackoff().Calculate(tt.retry, p)
		if got != tt.want {
			t.Errorf("retry %d: expected %v, got %v", tt.retry, tt.want, got)
		}
	}
}

func TestAdaptiveMatchesExponentialWithoutFeedback(t *testing.T) {
	p := baseParams()

	for retry := 1; retry <= 3; retry++ {
		adaptive := Adaptive().Calculate(retry, p)
		exponential := Exponential().Calculate(retry, p)
		if adaptive != exponential {
			t.Errorf("retry %d: expected %v, got %v", retry, exponential, adaptive)
		}
	}
}

func TestAdaptiveBoostsOnErrorRate(t *testing.T) {
	p := baseParams()
	p.ErrorRate = 0.5

	got := Adaptive().Calculate(1, p)
	want := 2 * time.Second // 1s * (1 + 2*0.5)
	if got != want {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestAdaptiveDoublesWhenRateLimited(t *testing.T) {
	p := baseParams()
	p.RateLimited = true

	got := Adaptive().Calculate(1, p)
	if got != 2*time.Second {
		t.Errorf("expected 2s, got %v", got)
	}
}

func TestAdaptiveRecentFailuresFactor(t *testing.T) {
	p := baseParams()
	p.RecentFailures = 5

	got := Adaptive().Calculate(1, p)
	want := 2 * time.Second // 1s * (1 + 0.2*5)
	if got != want {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestJitterStaysWithinBounds(t *testing.T) {
	p := baseParams()
	p.Jitter = true

	for i := 0; i < 100; i++ {
		got := Exponential().Calculate(1, p)
		if got < 500*time.Millisecond || got > time.Second {
			t.Fatalf("jittered delay %v outside [0.5s, 1s]", got)
		}
	}
}

func TestJitterClampsToMaxDelay(t *testing.T) {
	p := baseParams()
	p.Jitter = true
	p.MaxDelay = 700 * time.Millisecond

	for i := 0; i < 100; i++ {
		if got := Exponential().Calculate(1, p); got > 700*time.Millisecond {
			t.Fatalf("jittered delay %v above max", got)
		}
	}
}

func TestDefaultExponentialBase(t *testing.T) {
	p := baseParams()
	p.ExponentialBase = 0

	got := Exponential().Calculate(3, p)
	if got != 4*time.Second {
		t.Errorf("expected fallback base 2.0 to give 4s, got %v", got)
	}
}
