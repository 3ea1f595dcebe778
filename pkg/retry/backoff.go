package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	errs "igcrawler/pkg/errors"
)

// BackoffStrategy computes the delay before the given attempt (1-based)
type BackoffStrategy interface {
	NextDelay(attempt int) time.Duration
}

// ErrorAwareBackoff picks a delay based on the error that triggered the retry
type ErrorAwareBackoff interface {
	NextDelayForError(attempt int, err error) time.Duration
}

func jitter(delay, factor float64) float64 {
	if factor <= 0 {
		return delay
	}
	j := delay * factor
	delay += rand.Float64()*2*j - j
	if delay < 0 {
		return 0
	}
	return delay
}

// ExponentialBackoff implements exponential backoff with jitter
type ExponentialBackoff struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0.0 to 1.0
}

// DefaultExponentialBackoff returns a backoff with sensible defaults
func DefaultExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:    1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// NextDelay calculates the next delay with exponential backoff and jitter
func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := float64(eb.BaseDelay) * math.Pow(eb.Multiplier, float64(attempt-1))
	if eb.MaxDelay > 0 && delay > float64(eb.MaxDelay) {
		delay = float64(eb.MaxDelay)
	}
	return time.Duration(jitter(delay, eb.JitterFactor))
}

// LinearBackoff grows the delay by Increment per attempt
type LinearBackoff struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Increment    time.Duration
	JitterFactor float64
}

// NextDelay calculates the next delay with linear backoff
func (lb *LinearBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := float64(lb.BaseDelay + lb.Increment*time.Duration(attempt-1))
	if lb.MaxDelay > 0 && delay > float64(lb.MaxDelay) {
		delay = float64(lb.MaxDelay)
	}
	return time.Duration(jitter(delay, lb.JitterFactor))
}

// ConstantBackoff implements constant delay backoff
type ConstantBackoff struct {
	Delay time.Duration
}

// NextDelay returns a constant delay
func (cb *ConstantBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return cb.Delay
}

// UniformJitter returns a delay drawn uniformly from [Min, Max] regardless
// of the attempt. The crawler uses it for request pacing as well as retries.
type UniformJitter struct {
	Min time.Duration
	Max time.Duration
}

// NextDelay ignores attempt
func (u UniformJitter) NextDelay(int) time.Duration {
	return u.Sample()
}

// Sample draws one delay
func (u UniformJitter) Sample() time.Duration {
	if u.Max <= u.Min {
		return u.Min
	}
	return u.Min + time.Duration(rand.Int63n(int64(u.Max-u.Min)+1))
}

// Wait waits for the specified duration or until context is cancelled
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ErrorTypeBackoff provides different backoff strategies based on error types
type ErrorTypeBackoff struct {
	NetworkErrorBackoff BackoffStrategy
	RateLimitBackoff    BackoffStrategy
	ServerErrorBackoff  BackoffStrategy
	DefaultBackoff      BackoffStrategy
}

// NewErrorTypeBackoff creates a new error-type based backoff. Rate limits get
// the longest waits.
func NewErrorTypeBackoff(base BackoffStrategy) *ErrorTypeBackoff {
	if base == nil {
		base = DefaultExponentialBackoff()
	}
	return &ErrorTypeBackoff{
		NetworkErrorBackoff: &ExponentialBackoff{
			BaseDelay:    1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			JitterFactor: 0.2,
		},
		RateLimitBackoff: &ExponentialBackoff{
			BaseDelay:    30 * time.Second,
			MaxDelay:     5 * time.Minute,
			Multiplier:   1.5,
			JitterFactor: 0.3,
		},
		ServerErrorBackoff: &ExponentialBackoff{
			BaseDelay:    5 * time.Second,
			MaxDelay:     60 * time.Second,
			Multiplier:   2.0,
			JitterFactor: 0.1,
		},
		DefaultBackoff: base,
	}
}

// NextDelay uses the default strategy
func (etb *ErrorTypeBackoff) NextDelay(attempt int) time.Duration {
	return etb.DefaultBackoff.NextDelay(attempt)
}

// NextDelayForError selects the strategy matching err's type
func (etb *ErrorTypeBackoff) NextDelayForError(attempt int, err error) time.Duration {
	return etb.strategyFor(errs.TypeOf(err)).NextDelay(attempt)
}

func (etb *ErrorTypeBackoff) strategyFor(t errs.ErrorType) BackoffStrategy {
	var s BackoffStrategy
	switch t {
	case errs.ErrorTypeNetwork:
		s = etb.NetworkErrorBackoff
	case errs.ErrorTypeRateLimit:
		s = etb.RateLimitBackoff
	case errs.ErrorTypeServerError:
		s = etb.ServerErrorBackoff
	}
	if s == nil {
		s = etb.DefaultBackoff
	}
	return s
}
