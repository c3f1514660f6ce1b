package errors

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxRetries   int           // 0 disables retries
	InitialDelay time.Duration // wait before the first retry
	MaxDelay     time.Duration
	Multiplier   float64 // exponential growth per retry
	Jitter       float64 // fraction of the delay randomized in both directions, 0-1
}

// DefaultRetryConfig returns defaults tuned for short bus round-trips.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Retrier retries Unavailable failures with exponential backoff. It is safe for
// concurrent use by several workers.
type Retrier struct {
	config RetryConfig
}

// NewRetrier creates a new retrier.
func NewRetrier(config RetryConfig) *Retrier {
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	return &Retrier{config: config}
}

// NewDefaultRetrier creates a retrier with default configuration.
func NewDefaultRetrier() *Retrier {
	return NewRetrier(DefaultRetryConfig())
}

// RetryFunc is one attempt of a retried operation.
type RetryFunc func(ctx context.Context) error

// RetryResult holds the result of a retry operation.
type RetryResult struct {
	Attempts  int
	LastError error
	Duration  time.Duration
	Success   bool
}

// Err returns the terminal error, or nil on success.
func (r *RetryResult) Err() error {
	if r.Success {
		return nil
	}
	return r.LastError
}

// Do executes fn, retrying while it returns a retryable error. Cancellation of ctx ends the
// loop with a Cancelled error for (operation, subject).
func (r *Retrier) Do(ctx context.Context, operation, subject string, fn RetryFunc) *RetryResult {
	result := &RetryResult{}
	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	for attempt := 0; ; attempt++ {
		result.Attempts++
		err := fn(ctx)
		if err == nil {
			result.Success = true
			return result
		}
		result.LastError = err

		if ctx.Err() != nil {
			result.LastError = NewCancelledError(operation, subject)
			return result
		}
		if attempt >= r.config.MaxRetries || !IsRetryable(err) {
			return result
		}

		timer := time.NewTimer(r.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = NewCancelledError(operation, subject)
			return result
		case <-timer.C:
		}
	}
}

// delay returns the wait before retry number attempt+1.
func (r *Retrier) delay(attempt int) time.Duration {
	d := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt))
	if ceiling := float64(r.config.MaxDelay); ceiling > 0 && d > ceiling {
		d = ceiling
	}
	if j := r.config.Jitter; j > 0 {
		d += d * j * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}
