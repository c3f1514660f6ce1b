// Package ratelimit throttles trace processing per observed host.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per host. A non-positive rate disables limiting.
type Limiter struct {
	mu    sync.Mutex
	hosts map[string]*rate.Limiter
	limit rate.Limit
	burst int
}

func toLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// NewLimiter creates a limiter allowing perSecond traces per host with the given burst.
func NewLimiter(perSecond float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		hosts: make(map[string]*rate.Limiter),
		limit: toLimit(perSecond),
		burst: burst,
	}
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.hosts[host]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.hosts[host] = b
	}
	return b
}

// WaitHost blocks until host's bucket allows a trace or ctx is done.
func (l *Limiter) WaitHost(ctx context.Context, host string) error {
	return l.bucket(host).Wait(ctx)
}

// AllowHost reports whether a trace for host may be processed now without blocking.
func (l *Limiter) AllowHost(host string) bool {
	return l.bucket(host).Allow()
}

// SetRate changes the rate of every known host and of hosts seen afterwards.
func (l *Limiter) SetRate(perSecond float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limit = toLimit(perSecond)
	for _, b := range l.hosts {
		b.SetLimit(l.limit)
	}
}

// Stats returns limiter statistics.
func (l *Limiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return LimiterStats{
		HostCount: len(l.hosts),
		Rate:      float64(l.limit),
		Burst:     l.burst,
	}
}

// LimiterStats contains limiter statistics.
type LimiterStats struct {
	HostCount int     `json:"host_count"`
	Rate      float64 `json:"rate"`
	Burst     int     `json:"burst"`
}

// AdaptiveRateLimiter lowers the host rate while trace processing keeps failing on the store
// or the bus and recovers toward the maximum once it succeeds again.
type AdaptiveRateLimiter struct {
	*Limiter

	mu        sync.Mutex
	minRate   float64
	maxRate   float64
	current   float64
	failures  int
	successes int
	window    int
}

// NewAdaptiveRateLimiter creates an adaptive limiter starting at maxRate. A non-positive
// maxRate disables limiting and adaptation.
func NewAdaptiveRateLimiter(minRate, maxRate float64, burst int) *AdaptiveRateLimiter {
	return &AdaptiveRateLimiter{
		Limiter: NewLimiter(maxRate, burst),
		minRate: minRate,
		maxRate: maxRate,
		current: maxRate,
		window:  100,
	}
}

// SetWindow sets how many outcomes are observed between adjustments.
func (a *AdaptiveRateLimiter) SetWindow(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > 0 {
		a.window = n
	}
}

// RecordSuccess records a processed trace.
func (a *AdaptiveRateLimiter) RecordSuccess() {
	a.record(false)
}

// RecordError records a trace that failed on infrastructure.
func (a *AdaptiveRateLimiter) RecordError() {
	a.record(true)
}

func (a *AdaptiveRateLimiter) record(failed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if failed {
		a.failures++
	} else {
		a.successes++
	}
	total := a.failures + a.successes
	if total < a.window || a.maxRate <= 0 {
		return
	}

	switch ratio := float64(a.failures) / float64(total); {
	case ratio > 0.1:
		a.current = max(a.current*0.8, a.minRate)
	case ratio < 0.01:
		a.current = min(a.current*1.1, a.maxRate)
	}
	a.SetRate(a.current)
	a.failures, a.successes = 0, 0
}

// CurrentRate returns the current per-host rate; 0 means unlimited.
func (a *AdaptiveRateLimiter) CurrentRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}
