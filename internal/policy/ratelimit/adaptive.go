package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Chitransh6827/INSTA-CRAWLER/internal/crawler"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/metrics"
	"go.uber.org/zap"
)

const (
	highErrorRate   = 0.3
	mediumErrorRate = 0.1
	maxBackoffPower = 5
	jitterFraction  = 0.1
)

// Config tunes the adaptive limiter.
type Config struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// WindowSize is the number of request timestamps retained.
	WindowSize int
	// WindowLimit is the number of requests per WindowPeriod above which the
	// delay is stretched to respect the window.
	WindowLimit  int
	WindowPeriod time.Duration
}

// DefaultConfig returns the stock pacing: 1s base, 30s cap, 15 requests a minute.
func DefaultConfig() Config {
	return Config{
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		WindowSize:   50,
		WindowLimit:  15,
		WindowPeriod: time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.WindowLimit <= 0 {
		c.WindowLimit = def.WindowLimit
	}
	if c.WindowSize < c.WindowLimit {
		c.WindowSize = max(def.WindowSize, c.WindowLimit)
	}
	if c.WindowPeriod <= 0 {
		c.WindowPeriod = def.WindowPeriod
	}
	return c
}

// Stats is a point-in-time view of the limiter.
type Stats struct {
	Successes    int           `json:"successes"`
	Failures     int           `json:"failures"`
	CurrentDelay time.Duration `json:"current_delay"`
	WindowLen    int           `json:"window_len"`
}

// Adaptive paces requests from the recent error rate and a rolling request window.
type Adaptive struct {
	cfg    Config
	clock  crawler.Clock
	logger *zap.Logger

	mu        sync.Mutex
	window    []time.Time
	successes int
	failures  int
	current   time.Duration
}

// NewAdaptive builds an Adaptive limiter.
func NewAdaptive(cfg Config, clock crawler.Clock, logger *zap.Logger) (*Adaptive, error) {
	if clock == nil {
		return nil, fmt.Errorf("adaptive limiter: clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Adaptive{
		cfg:     cfg,
		clock:   clock,
		logger:  logger.Named("ratelimit"),
		window:  make([]time.Time, 0, cfg.WindowSize),
		current: cfg.BaseDelay,
	}, nil
}

// Wait records a request and sleeps for the computed delay. The sleep happens
// outside the lock and returns early with ctx.Err() on cancellation.
func (a *Adaptive) Wait(ctx context.Context) error {
	delay := a.reserve()
	if delay <= 0 {
		return nil
	}
	metrics.ObserveRateLimitDelay("adaptive", delay)
	if err := a.clock.Sleep(ctx, delay); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// reserve appends the current request to the window and computes its delay.
func (a *Adaptive) reserve() time.Duration {
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.window) == a.cfg.WindowSize {
		copy(a.window, a.window[1:])
		a.window = a.window[:len(a.window)-1]
	}
	a.window = append(a.window, now)

	total := a.failures + a.successes
	errorRate := float64(a.failures) / float64(max(total, 1))

	var delay time.Duration
	switch {
	case errorRate > highErrorRate:
		power := math.Pow(2, float64(min(a.failures, maxBackoffPower)))
		delay = min(time.Duration(float64(a.cfg.BaseDelay)*power), a.cfg.MaxDelay)
		delay += crawler.Jitter(time.Duration(float64(delay) * jitterFraction))
	case errorRate > mediumErrorRate:
		delay = a.cfg.BaseDelay * 3 / 2
	default:
		delay = a.cfg.BaseDelay / 2
	}

	if len(a.window) >= a.cfg.WindowLimit {
		age := now.Sub(a.window[0])
		if age < a.cfg.WindowPeriod {
			stretch := (a.cfg.WindowPeriod - age) / time.Duration(len(a.window))
			if stretch > delay {
				a.logger.Debug("request window saturated",
					zap.Int("window_len", len(a.window)),
					zap.Duration("delay", stretch))
				delay = stretch
			}
		}
	}

	a.current = delay
	return delay
}

// RecordSuccess counts a success and heals the failure count by one.
func (a *Adaptive) RecordSuccess() {
	a.mu.Lock()
	a.successes++
	if a.failures > 0 {
		a.failures--
	}
	a.mu.Unlock()
}

// RecordFailure counts a failure.
func (a *Adaptive) RecordFailure() {
	a.mu.Lock()
	a.failures++
	a.mu.Unlock()
}

// CurrentDelay returns the delay computed by the most recent Wait.
func (a *Adaptive) CurrentDelay() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Stats returns a snapshot of the limiter counters.
func (a *Adaptive) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Successes:    a.successes,
		Failures:     a.failures,
		CurrentDelay: a.current,
		WindowLen:    len(a.window),
	}
}
