package backoff

import (
	"math/rand"
	"time"
)

// Params carries everything a delay calculation may need. Adaptive is the
// only strategy that reads the feedback fields; the rest use the static
// configuration only.
type Params struct {
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool

	// Feedback from the caller's rolling history, consumed by Adaptive.
	ErrorRate      float64
	RecentFailures int
	RateLimited    bool
}

// Strategy defines the interface for delay calculation algorithms. The
// retry argument is the 1-based retry count: the delay before attempt n
// is Calculate(n-1, params).
type Strategy interface {
	Calculate(retry int, p Params) time.Duration
}

// ExponentialStrategy grows the delay geometrically: base^(retry-1) * baseDelay.
type ExponentialStrategy struct{}

func (ExponentialStrategy) Calculate(retry int, p Params) time.Duration {
	return finish(scale(p.BaseDelay, Pow(base(p), retry-1)), p)
}

// LinearStrategy grows the delay arithmetically: baseDelay * retry.
type LinearStrategy struct{}

func (LinearStrategy) Calculate(retry int, p Params) time.Duration {
	return finish(scale(p.BaseDelay, float64(retry)), p)
}

// FixedStrategy always waits baseDelay.
type FixedStrategy struct{}

func (FixedStrategy) Calculate(retry int, p Params) time.Duration {
	return finish(p.BaseDelay, p)
}

// FibonacciStrategy waits fib(retry) * baseDelay.
type FibonacciStrategy struct{}

func (FibonacciStrategy) Calculate(retry int, p Params) time.Duration {
	return finish(scale(p.BaseDelay, float64(Fibonacci(retry))), p)
}

// AdaptiveStrategy boosts an exponential schedule by the operation's
// observed error rate, recent failure streak and rate-limit pressure:
//
//	baseDelay * (1 + 2*errorRate) * (1 + 0.2*recentFailures)
//	          * (rateLimited ? 2 : 1) * base^(retry-1)
type AdaptiveStrategy struct{}

func (AdaptiveStrategy) Calculate(retry int, p Params) time.Duration {
	factor := (1 + 2*clamp01(p.ErrorRate)) * (1 + 0.2*float64(p.RecentFailures))
	if p.RateLimited {
		factor *= 2
	}
	factor *= Pow(base(p), retry-1)
	return finish(scale(p.BaseDelay, factor), p)
}

var (
	exponentialStrategy = ExponentialStrategy{}
	linearStrategy      = LinearStrategy{}
	fixedStrategy       = FixedStrategy{}
	fibonacciStrategy   = FibonacciStrategy{}
	adaptiveStrategy    = AdaptiveStrategy{}
)

// Exponential returns the shared exponential strategy.
func Exponential() Strategy { return exponentialStrategy }

// Linear returns the shared linear strategy.
func Linear() Strategy { return linearStrategy }

// Fixed returns the shared fixed strategy.
func Fixed() Strategy { return fixedStrategy }

// FibonacciBackoff returns the shared fibonacci strategy.
func FibonacciBackoff() Strategy { return fibonacciStrategy }

// Adaptive returns the shared adaptive strategy.
func Adaptive() Strategy { return adaptiveStrategy }

func base(p Params) float64 {
	if p.ExponentialBase <= 0 {
		return 2.0
	}
	return p.ExponentialBase
}

// finish applies multiplicative jitter then clamps to MaxDelay.
func finish(d time.Duration, p Params) time.Duration {
	if d < 0 {
		d = p.MaxDelay
	}
	if p.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()*0.5))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

func scale(d time.Duration, factor float64) time.Duration {
	scaled := float64(d) * factor
	if scaled > float64(1<<62) || scaled < 0 {
		return time.Duration(1 << 62)
	}
	return time.Duration(scaled)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
