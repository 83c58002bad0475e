// Package monitor accumulates crawl-wide performance counters and derives the
// performance report emitted at the end of a run.
package monitor

import (
	"math"
	"sync"
	"time"

	"github.com/Chitransh6827/INSTA-CRAWLER/internal/crawler"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/metrics"
	"go.uber.org/zap"
)

// Operation kinds recorded by the crawl pipeline.
const (
	KindSuccess          = "scrape_success"
	KindTimeout          = "timeout"
	KindError            = "error"
	KindFinalFailure     = "final_failure"
	KindSkippedBreaker   = "skipped_circuit_breaker"
	KindSkippedDuplicate = "skipped_duplicate"
)

// OperationCounts breaks one kind down by outcome.
type OperationCounts struct {
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// Report is a derived snapshot. Rates are rounded to two decimals and
// SuccessRate is a percentage.
type Report struct {
	RuntimeSeconds    float64                    `json:"runtime_seconds"`
	TotalRequests     int                        `json:"total_requests"`
	Successful        int                        `json:"successful_requests"`
	Failed            int                        `json:"failed_requests"`
	SuccessRate       float64                    `json:"success_rate"`
	AvgProcessingTime float64                    `json:"avg_processing_time"`
	RequestsPerMinute float64                    `json:"requests_per_minute"`
	Operations        map[string]OperationCounts `json:"operations,omitempty"`
}

// Monitor is safe for concurrent use and never blocks beyond a short lock.
type Monitor struct {
	clock crawler.Clock
	start time.Time

	mu         sync.Mutex
	requests   int
	successes  int
	failures   int
	processing time.Duration
	kinds      map[string]OperationCounts
}

// New starts a monitor at clock.Now().
func New(clock crawler.Clock) *Monitor {
	return &Monitor{
		clock: clock,
		start: clock.Now(),
		kinds: make(map[string]OperationCounts),
	}
}

// RecordOperation accumulates one observation. kind only feeds the per-kind
// breakdown; totals depend on success alone.
func (m *Monitor) RecordOperation(kind string, duration time.Duration, success bool) {
	if duration < 0 {
		duration = 0
	}
	m.mu.Lock()
	m.requests++
	m.processing += duration
	counts := m.kinds[kind]
	if success {
		m.successes++
		counts.Successes++
	} else {
		m.failures++
		counts.Failures++
	}
	m.kinds[kind] = counts
	m.mu.Unlock()

	metrics.ObserveOperation(kind, duration, success)
}

// Report computes the current snapshot without side effects.
func (m *Monitor) Report() Report {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	runtime := now.Sub(m.start).Seconds()
	total := float64(max(m.requests, 1))
	ops := make(map[string]OperationCounts, len(m.kinds))
	for k, v := range m.kinds {
		ops[k] = v
	}
	return Report{
		RuntimeSeconds:    round2(runtime),
		TotalRequests:     m.requests,
		Successful:        m.successes,
		Failed:            m.failures,
		SuccessRate:       round2(float64(m.successes) / total * 100),
		AvgProcessingTime: round2(m.processing.Seconds() / total),
		RequestsPerMinute: round2(float64(m.requests) / math.Max(runtime, 1) * 60),
		Operations:        ops,
	}
}

// LogReport writes the headline figures at info level.
func (m *Monitor) LogReport(logger *zap.Logger) {
	if logger == nil {
		return
	}
	r := m.Report()
	logger.Info("performance stats",
		zap.Float64("success_rate_pct", r.SuccessRate),
		zap.Float64("requests_per_minute", r.RequestsPerMinute),
		zap.Float64("avg_processing_seconds", r.AvgProcessingTime),
		zap.Int("total_requests", r.TotalRequests))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
