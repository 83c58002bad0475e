// Package worker runs the per-target crawl pipeline: breaker and duplicate
// gates, rate limiting, fetch with retries, extraction, entity caps, and the
// hand-off to the batch writer.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Chitransh6827/INSTA-CRAWLER/internal/crawler"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/monitor"
)

// OutcomeKind classifies the result of one attempt or one task.
type OutcomeKind int

const (
	// OutcomeSuccess carries an accepted item.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRetryable is a fetch or extraction failure worth another attempt.
	OutcomeRetryable
	// OutcomeFatal means the task was abandoned after its last attempt.
	OutcomeFatal
	// OutcomeSkip means the task was deliberately not processed (breaker open,
	// duplicate, capped entity, cancelled before start).
	OutcomeSkip
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	case OutcomeSkip:
		return "skip"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the typed result of an attempt or a whole task.
type Outcome struct {
	Kind     OutcomeKind
	Item     crawler.ExtractedItem
	Err      error
	Attempts int
}

// Task is one target to process. Admit is checked before the first fetch;
// once it is done the task is skipped instead of started. A nil Admit never
// cancels.
type Task struct {
	Target crawler.FetchTarget
	Admit  context.Context
}

// Breaker gates work on downstream health.
type Breaker interface {
	CanExecute() bool
	RecordSuccess()
	RecordFailure()
}

// Limiter paces fetches and learns from their outcomes.
type Limiter interface {
	Wait(ctx context.Context) error
	RecordSuccess()
	RecordFailure()
}

// Ledger is the dedup view the pipeline needs.
type Ledger interface {
	Claim(identifier string) bool
	Release(identifier string)
	IsEntityCapped(entity string) bool
	MarkProcessed(ctx context.Context, identifier string) error
	TryAccept(ctx context.Context, entity string) (bool, error)
}

// Sink receives accepted items.
type Sink interface {
	Add(ctx context.Context, item crawler.ExtractedItem) (crawler.ExtractedItem, error)
}

// Recorder receives one observation per recorded operation.
type Recorder interface {
	RecordOperation(kind string, duration time.Duration, success bool)
}

// Detector decides when a fetched page needs the headless fetcher.
type Detector interface {
	ShouldPromote(resp crawler.FetchResponse) bool
}

// Config controls retries and per-attempt timeouts.
type Config struct {
	Retries      int
	FetchTimeout time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

// Deps wires the collaborators. Fetcher or Headless must be set; Detector
// only matters when both are.
type Deps struct {
	Fetcher   crawler.Fetcher
	Headless  crawler.Fetcher
	Detector  Detector
	Extractor crawler.Extractor
	Breaker   Breaker
	Limiter   Limiter
	Ledger    Ledger
	Sink      Sink
	Recorder  Recorder
	Clock     crawler.Clock
}

// Processor is safe for concurrent use by the worker pool.
type Processor struct {
	deps    Deps
	timeout time.Duration
	retry   *crawler.ExponentialRetryPolicy
	logger  *zap.Logger
}

// NewProcessor validates deps and builds a Processor. Retries defaults to 2
// and FetchTimeout to 30s.
func NewProcessor(cfg Config, deps Deps, logger *zap.Logger) (*Processor, error) {
	switch {
	case deps.Fetcher == nil && deps.Headless == nil:
		return nil, fmt.Errorf("processor: a fetcher is required")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("processor: extractor is required")
	case deps.Breaker == nil:
		return nil, fmt.Errorf("processor: breaker is required")
	case deps.Limiter == nil:
		return nil, fmt.Errorf("processor: limiter is required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("processor: ledger is required")
	case deps.Sink == nil:
		return nil, fmt.Errorf("processor: sink is required")
	case deps.Recorder == nil:
		return nil, fmt.Errorf("processor: recorder is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("processor: clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	return &Processor{
		deps:    deps,
		timeout: cfg.FetchTimeout,
		retry:   crawler.NewExponentialRetryPolicy(cfg.Retries, cfg.BackoffBase, cfg.BackoffMax),
		logger:  logger.Named("worker"),
	}, nil
}

// Process runs one task to completion. Per-task failures never escape as
// errors; they are reported through the returned Outcome.
func (p *Processor) Process(ctx context.Context, task Task) Outcome {
	start := p.deps.Clock.Now()
	target := task.Target.String()
	admit := task.Admit
	if admit == nil {
		admit = ctx
	}

	if !p.deps.Breaker.CanExecute() {
		p.deps.Recorder.RecordOperation(monitor.KindSkippedBreaker, p.since(start), false)
		p.logger.Debug("circuit breaker open, skipping", zap.String("url", target))
		return Outcome{Kind: OutcomeSkip, Err: crawler.ErrBreakerOpen}
	}
	if !p.deps.Ledger.Claim(target) {
		p.deps.Recorder.RecordOperation(monitor.KindSkippedDuplicate, p.since(start), true)
		p.logger.Debug("already processed or in flight, skipping", zap.String("url", target))
		return Outcome{Kind: OutcomeSkip, Err: crawler.ErrDuplicate}
	}
	defer p.deps.Ledger.Release(target)
	if err := admit.Err(); err != nil {
		return Outcome{Kind: OutcomeSkip, Err: crawler.ErrCanceled}
	}
	if err := p.deps.Limiter.Wait(admit); err != nil {
		return Outcome{Kind: OutcomeSkip, Err: errors.Join(crawler.ErrCanceled, err)}
	}

	var last Outcome
	for attempt := 0; attempt < p.retry.Attempts(); attempt++ {
		last = p.attempt(ctx, target, start)
		last.Attempts = attempt + 1
		if last.Kind != OutcomeRetryable {
			return last
		}

		kind := monitor.KindError
		if errors.Is(last.Err, crawler.ErrFetchTimeout) {
			kind = monitor.KindTimeout
		}
		p.deps.Breaker.RecordFailure()
		p.deps.Limiter.RecordFailure()
		p.deps.Recorder.RecordOperation(kind, p.since(start), false)
		p.logger.Warn("attempt failed",
			zap.String("url", target),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", p.retry.Attempts()),
			zap.Error(last.Err))

		if !p.retry.ShouldRetry(attempt) {
			break
		}
		if err := p.deps.Clock.Sleep(ctx, p.retry.Backoff(attempt)); err != nil {
			last.Err = errors.Join(last.Err, err)
			break
		}
	}

	p.deps.Recorder.RecordOperation(monitor.KindFinalFailure, p.since(start), false)
	p.logger.Error("giving up on target", zap.String("url", target), zap.Error(last.Err))
	return Outcome{Kind: OutcomeFatal, Err: last.Err, Attempts: last.Attempts}
}

// attempt performs one fetch and extract. Successful extraction settles the
// target: it is marked processed and either accepted or skipped as capped.
func (p *Processor) attempt(ctx context.Context, target string, start time.Time) Outcome {
	resp, err := p.fetch(ctx, target)
	if err != nil {
		return Outcome{Kind: OutcomeRetryable, Err: err}
	}
	ext, err := p.deps.Extractor.Extract(resp.Body, crawler.FetchTarget(target))
	if err != nil {
		return Outcome{Kind: OutcomeRetryable, Err: fmt.Errorf("%w: extract: %w", crawler.ErrFetch, err)}
	}

	if ext.Owner != "" && p.deps.Ledger.IsEntityCapped(ext.Owner) {
		p.markProcessed(ctx, target)
		p.logger.Debug("entity capped, skipping", zap.String("url", target), zap.String("owner", ext.Owner))
		return Outcome{Kind: OutcomeSkip, Err: crawler.ErrEntityCapped}
	}
	p.markProcessed(ctx, target)

	accepted, err := p.deps.Ledger.TryAccept(ctx, ext.Owner)
	if err != nil {
		p.logger.Debug("ledger persistence failed", zap.Error(err))
	}
	if !accepted {
		p.logger.Debug("entity reached cap concurrently, skipping", zap.String("url", target), zap.String("owner", ext.Owner))
		return Outcome{Kind: OutcomeSkip, Err: crawler.ErrEntityCapped}
	}

	item := crawler.ExtractedItem{
		URL:       target,
		Owner:     ext.Owner,
		Fields:    ext.Fields,
		Inspected: ext.Inspected,
		CreatedAt: p.deps.Clock.Now(),
	}
	item, err = p.deps.Sink.Add(ctx, item)
	if err != nil {
		p.logger.Warn("batch flush failed, item kept in memory", zap.String("url", target), zap.Error(err))
	}

	p.deps.Breaker.RecordSuccess()
	p.deps.Limiter.RecordSuccess()
	p.deps.Recorder.RecordOperation(monitor.KindSuccess, p.since(start), true)
	p.logger.Info("scraped target",
		zap.String("url", target),
		zap.String("owner", ext.Owner),
		zap.String("batch_id", item.BatchID))
	return Outcome{Kind: OutcomeSuccess, Item: item}
}

// fetch runs the primary fetcher under a per-attempt timeout and promotes to
// the headless fetcher when the detector asks for it.
func (p *Processor) fetch(ctx context.Context, target string) (crawler.FetchResponse, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	primary := p.deps.Fetcher
	if primary == nil {
		primary = p.deps.Headless
	}
	resp, err := primary.Fetch(fetchCtx, crawler.FetchRequest{URL: target})
	if err != nil {
		return crawler.FetchResponse{}, classify(err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return crawler.FetchResponse{}, fmt.Errorf("%w: status %d", crawler.ErrFetch, resp.StatusCode)
	}

	if p.deps.Fetcher == nil || p.deps.Headless == nil || p.deps.Detector == nil || !p.deps.Detector.ShouldPromote(resp) {
		return resp, nil
	}
	rendered, err := p.deps.Headless.Fetch(fetchCtx, crawler.FetchRequest{URL: target})
	if err != nil {
		p.logger.Warn("headless promotion failed", zap.String("url", target), zap.Error(err))
		return resp, nil
	}
	rendered.UsedHeadless = true
	p.logger.Debug("headless promotion applied", zap.String("url", target))
	return rendered, nil
}

func (p *Processor) markProcessed(ctx context.Context, target string) {
	if err := p.deps.Ledger.MarkProcessed(ctx, target); err != nil {
		p.logger.Debug("ledger persistence failed", zap.Error(err))
	}
}

func (p *Processor) since(start time.Time) time.Duration {
	return p.deps.Clock.Now().Sub(start)
}

// classify maps fetcher errors onto the timeout and generic fetch kinds.
func classify(err error) error {
	switch {
	case errors.Is(err, crawler.ErrFetchTimeout), errors.Is(err, crawler.ErrFetch):
		return err
	case crawler.IsTimeout(err):
		return fmt.Errorf("%w: %w", crawler.ErrFetchTimeout, err)
	default:
		return fmt.Errorf("%w: %w", crawler.ErrFetch, err)
	}
}
