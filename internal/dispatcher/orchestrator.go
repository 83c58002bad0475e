// Package dispatcher drives a crawl run: it collects candidates, fans them out
// to a bounded worker pool, stops admitting work once enough items are
// accepted, and flushes and reports whatever the run produced.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Chitransh6827/INSTA-CRAWLER/internal/crawler"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/metrics"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/monitor"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/policy/breaker"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/tier"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/worker"
)

// Run statuses recorded in the summary.
const (
	StatusCompleted    = "completed"
	StatusTargetMet    = "target_reached"
	StatusNoCandidates = "no_candidates"
	StatusCanceled     = "canceled"
)

// Processor runs a single task.
type Processor interface {
	Process(ctx context.Context, task worker.Task) worker.Outcome
}

// Flusher forces buffered state to durable storage.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Reporter exposes the performance report.
type Reporter interface {
	Report() monitor.Report
	LogReport(logger *zap.Logger)
}

// BreakerStatus exposes the breaker snapshot.
type BreakerStatus interface {
	Status() breaker.Status
}

// DelayReporter exposes the limiter's current delay.
type DelayReporter interface {
	CurrentDelay() time.Duration
}

// Progress is notified as tasks complete. *progressbar.ProgressBar satisfies it.
type Progress interface {
	ChangeMax(n int)
	Add(n int) error
}

// Config tunes the orchestrator.
type Config struct {
	Workers       int
	MetricsPrefix string
	Resources     bool
}

// Deps wires the collaborators. Collector, Processor, Batch and Clock are
// required; the rest are optional.
type Deps struct {
	Collector crawler.LinkCollector
	Tiers     crawler.TierLimits
	Processor Processor
	Batch     Flusher
	Ledger    Flusher
	Monitor   Reporter
	Breaker   BreakerStatus
	Limiter   DelayReporter
	Store     crawler.BlobStore
	Runs      crawler.RunRecorder
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
}

// Request describes one run. Zero limits take the tier's limits. An empty
// RunID is generated.
type Request struct {
	RunID    string
	Keyword  string
	Tier     string
	Limits   crawler.Limits
	Workers  int
	Progress Progress
}

// Result is what a run produced. Items are in completion order.
type Result struct {
	RunID      string
	Limits     crawler.Limits
	Restricted bool
	Candidates int
	CollectErr error
	Items      []crawler.ExtractedItem
	Skipped    int
	Failed     int
	Summary    crawler.RunSummary
	Report     monitor.Report
	Breaker    breaker.Status
	FinalDelay time.Duration
	MetricsURI string
}

// Orchestrator is safe to reuse for sequential runs.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New validates deps and applies defaults (4 workers, "performance_metrics").
func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Collector == nil:
		return nil, fmt.Errorf("orchestrator: link collector is required")
	case deps.Processor == nil:
		return nil, fmt.Errorf("orchestrator: processor is required")
	case deps.Batch == nil:
		return nil, fmt.Errorf("orchestrator: batch writer is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("orchestrator: clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MetricsPrefix == "" {
		cfg.MetricsPrefix = "performance_metrics"
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger.Named("orchestrator")}, nil
}

// Run executes one crawl. Per-task failures are folded into the result, and a
// failed collection ends the run with no candidates and Result.CollectErr set.
// The only error returned is a failure to allocate a run ID.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	runID := req.RunID
	if runID == "" {
		var err error
		if runID, err = o.newRunID(); err != nil {
			return Result{}, err
		}
	}
	logger := o.logger.With(zap.String("run_id", runID))

	limits := req.Limits
	var restricted bool
	if o.deps.Tiers != nil {
		limits, restricted = tier.Clamp(req.Limits, o.deps.Tiers.Limits(req.Tier))
		if restricted {
			logger.Warn("request exceeds tier limits, clamping",
				zap.String("tier", req.Tier),
				zap.Int("max_accounts", limits.MaxEntities),
				zap.Int("max_posts", limits.MaxItems),
				zap.Int("max_pages", limits.MaxPageBound))
		}
	}

	info := crawler.RunInfo{ID: runID, Keyword: req.Keyword, Tier: req.Tier, StartedAt: o.deps.Clock.Now()}
	if o.deps.Runs != nil {
		if err := o.deps.Runs.StartRun(ctx, info); err != nil {
			logger.Warn("failed to record run start", zap.Error(err))
		}
	}
	result := Result{RunID: runID, Limits: limits, Restricted: restricted}

	targets, err := o.deps.Collector.Collect(ctx, req.Keyword, limits.MaxPageBound)
	if err != nil {
		logger.Error("link collection failed", zap.String("keyword", req.Keyword), zap.Error(err))
		result.CollectErr = err
		targets = nil
	}
	if limits.MaxItems > 0 && len(targets) > limits.MaxItems {
		targets = targets[:limits.MaxItems]
	}
	result.Candidates = len(targets)
	logger.Info("collected candidates", zap.String("keyword", req.Keyword), zap.Int("count", len(targets)))

	if len(targets) == 0 {
		logger.Warn("no candidates found")
		result.Summary = o.summarize(info, result, StatusNoCandidates)
		o.finishRun(ctx, logger, result.Summary)
		return result, nil
	}

	status := o.dispatch(ctx, logger, req, limits, targets, &result)

	flushCtx := context.WithoutCancel(ctx)
	if err := o.deps.Batch.Flush(flushCtx); err != nil {
		logger.Error("final batch flush failed", zap.Error(err))
	}
	if o.deps.Ledger != nil {
		if err := o.deps.Ledger.Flush(flushCtx); err != nil {
			logger.Warn("final ledger flush failed", zap.Error(err))
		}
	}

	if o.deps.Monitor != nil {
		result.Report = o.deps.Monitor.Report()
	}
	if o.deps.Breaker != nil {
		result.Breaker = o.deps.Breaker.Status()
	}
	if o.deps.Limiter != nil {
		result.FinalDelay = o.deps.Limiter.CurrentDelay()
	}
	result.Summary = o.summarize(info, result, status)
	o.logSummary(logger, result)

	uri, err := o.writeMetrics(flushCtx, result)
	if err != nil {
		logger.Warn("failed to write performance metrics", zap.Error(err))
	}
	result.MetricsURI = uri

	o.finishRun(ctx, logger, result.Summary)
	return result, nil
}

// dispatch fans targets out to the pool and collects outcomes until every
// worker has drained. Reaching the item target cancels the admit signal so
// queued tasks are skipped; tasks already past it still count.
func (o *Orchestrator) dispatch(
	ctx context.Context,
	logger *zap.Logger,
	req Request,
	limits crawler.Limits,
	targets []crawler.FetchTarget,
	result *Result,
) string {
	admit, stopAdmitting := context.WithCancel(ctx)
	defer stopAdmitting()

	tasks := make(chan worker.Task, len(targets))
	for _, target := range targets {
		tasks <- worker.Task{Target: target, Admit: admit}
	}
	close(tasks)

	width := req.Workers
	if width <= 0 {
		width = o.cfg.Workers
	}
	width = min(width, len(targets))
	if req.Progress != nil {
		req.Progress.ChangeMax(len(targets))
	}

	outcomes := make(chan worker.Outcome)
	var wg sync.WaitGroup
	for range width {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()
			for task := range tasks {
				outcomes <- o.deps.Processor.Process(ctx, task)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	status := StatusCompleted
	for out := range outcomes {
		if req.Progress != nil {
			_ = req.Progress.Add(1)
		}
		switch out.Kind {
		case worker.OutcomeSuccess:
			result.Items = append(result.Items, out.Item)
			if limits.MaxEntities > 0 && len(result.Items) >= limits.MaxEntities && admit.Err() == nil {
				logger.Info("target reached, cancelling pending tasks",
					zap.Int("accepted", len(result.Items)),
					zap.Int("target", limits.MaxEntities))
				stopAdmitting()
				status = StatusTargetMet
			}
		case worker.OutcomeSkip:
			result.Skipped++
		case worker.OutcomeFatal:
			result.Failed++
		}
	}
	if ctx.Err() != nil {
		status = StatusCanceled
	}
	return status
}

func (o *Orchestrator) summarize(info crawler.RunInfo, result Result, status string) crawler.RunSummary {
	owners := make(map[string]struct{}, len(result.Items))
	for _, item := range result.Items {
		if name := strings.ToLower(strings.TrimSpace(item.Owner)); name != "" {
			owners[name] = struct{}{}
		}
	}
	return crawler.RunSummary{
		RunInfo:        info,
		FinishedAt:     o.deps.Clock.Now(),
		Candidates:     result.Candidates,
		Accepted:       len(result.Items),
		UniqueEntities: len(owners),
		Status:         status,
	}
}

func (o *Orchestrator) logSummary(logger *zap.Logger, result Result) {
	logger.Info("crawl finished",
		zap.String("status", result.Summary.Status),
		zap.Int("candidates", result.Candidates),
		zap.Int("accepted", len(result.Items)),
		zap.Int("unique_accounts", result.Summary.UniqueEntities),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Float64("success_rate_pct", result.Report.SuccessRate),
		zap.Float64("requests_per_minute", result.Report.RequestsPerMinute),
		zap.String("breaker_state", result.Breaker.State.String()),
		zap.Int("breaker_failures", result.Breaker.Failures),
		zap.Duration("rate_limiter_delay", result.FinalDelay))
	if o.deps.Monitor != nil {
		o.deps.Monitor.LogReport(logger)
	}
}

func (o *Orchestrator) finishRun(ctx context.Context, logger *zap.Logger, summary crawler.RunSummary) {
	if o.deps.Runs == nil {
		return
	}
	if err := o.deps.Runs.FinishRun(context.WithoutCancel(ctx), summary); err != nil {
		logger.Warn("failed to record run finish", zap.Error(err))
	}
}

type metricsRecord struct {
	Performance      monitor.Report            `json:"performance"`
	CircuitBreaker   breaker.Status            `json:"circuit_breaker"`
	RateLimiterDelay float64                   `json:"rate_limiter_delay"`
	Summary          crawler.RunSummary        `json:"scraping_summary"`
	Resources        *monitor.ResourceSnapshot `json:"resources,omitempty"`
}

// writeMetrics stores the end-of-run record. It is a no-op without a store.
func (o *Orchestrator) writeMetrics(ctx context.Context, result Result) (string, error) {
	if o.deps.Store == nil {
		return "", nil
	}
	record := metricsRecord{
		Performance:      result.Report,
		CircuitBreaker:   result.Breaker,
		RateLimiterDelay: result.FinalDelay.Seconds(),
		Summary:          result.Summary,
	}
	if o.cfg.Resources {
		snap, err := monitor.SnapshotResources(ctx)
		if err != nil {
			o.logger.Debug("partial resource snapshot", zap.Error(err))
		}
		record.Resources = &snap
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode performance metrics: %w", err)
	}
	name := fmt.Sprintf("%s_%s.json", o.cfg.MetricsPrefix, result.Summary.FinishedAt.Format("20060102_150405"))
	uri, err := o.deps.Store.PutObject(ctx, name, "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("store performance metrics: %w", err)
	}
	return uri, nil
}

func (o *Orchestrator) newRunID() (string, error) {
	if o.deps.IDs == nil {
		return fmt.Sprintf("run-%d", o.deps.Clock.Now().UnixNano()), nil
	}
	id, err := o.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id, nil
}
