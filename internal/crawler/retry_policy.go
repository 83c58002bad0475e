package crawler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// ExponentialRetryPolicy computes jittered exponential backoff between fetch attempts.
type ExponentialRetryPolicy struct {
	retries   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewExponentialRetryPolicy builds a policy allowing retries extra attempts.
// Zero or negative delays fall back to 1s base and 30s cap.
func NewExponentialRetryPolicy(retries int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if retries < 0 {
		retries = 0
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &ExponentialRetryPolicy{
		retries:   retries,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
	}
}

// Attempts returns the total number of attempts, retries plus the first one.
func (p *ExponentialRetryPolicy) Attempts() int {
	return p.retries + 1
}

// ShouldRetry reports whether another attempt follows the zero-based attempt.
func (p *ExponentialRetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.retries
}

// Backoff returns base·2^attempt plus up to one base of jitter, capped at maxDelay.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	delay += float64(Jitter(p.baseDelay))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay)
}

// Jitter returns a uniformly random duration in [0, limit).
func Jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
