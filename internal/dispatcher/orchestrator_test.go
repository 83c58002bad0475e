package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Chitransh6827/INSTA-CRAWLER/internal/batch"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/clock/fake"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/crawler"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/dedup"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/metrics"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/monitor"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/policy/breaker"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/storage/memory"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/tier"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/worker"
)

type staticCollector struct {
	targets  []crawler.FetchTarget
	err      error
	gotBound int
}

func (c *staticCollector) Collect(_ context.Context, _ string, pageBound int) ([]crawler.FetchTarget, error) {
	c.gotBound = pageBound
	return c.targets, c.err
}

// pageFetcher serves each URL from a per-URL script of results. The first
// fetch of every URL in hold blocks until all of them have arrived.
type pageFetcher struct {
	mu      sync.Mutex
	scripts map[string][]fetchStep
	calls   map[string]int
	hold    map[string]bool
	arrived int
	release chan struct{}
}

type fetchStep struct {
	owner string
	err   error
}

func newPageFetcher(scripts map[string][]fetchStep, hold ...string) *pageFetcher {
	f := &pageFetcher{
		scripts: scripts,
		calls:   make(map[string]int),
		hold:    make(map[string]bool),
		release: make(chan struct{}),
	}
	for _, h := range hold {
		f.hold[h] = true
	}
	if len(hold) == 0 {
		close(f.release)
	}
	return f
}

func (f *pageFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	n := f.calls[req.URL]
	f.calls[req.URL]++
	if n == 0 && f.hold[req.URL] {
		f.arrived++
		if f.arrived == len(f.hold) {
			close(f.release)
		}
	}
	script := f.scripts[req.URL]
	f.mu.Unlock()

	select {
	case <-f.release:
	case <-ctx.Done():
		return crawler.FetchResponse{}, ctx.Err()
	}

	if len(script) == 0 {
		return crawler.FetchResponse{}, fmt.Errorf("no script for %s", req.URL)
	}
	step := script[min(n, len(script)-1)]
	if step.err != nil {
		return crawler.FetchResponse{}, step.err
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(step.owner)}, nil
}

func (f *pageFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type ownerExtractor struct{}

func (ownerExtractor) Extract(raw []byte, _ crawler.FetchTarget) (crawler.Extraction, error) {
	return crawler.Extraction{Owner: string(raw), Fields: crawler.Fields{}}, nil
}

// gateLimiter lets the first free calls through immediately; later calls
// block until their context ends, or give up after a second.
type gateLimiter struct {
	mu    sync.Mutex
	free  int
	waits int
}

func (l *gateLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	l.waits++
	n := l.waits
	l.mu.Unlock()
	if l.free < 0 || n <= l.free {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second):
		return nil
	}
}

func (l *gateLimiter) RecordSuccess()              {}
func (l *gateLimiter) RecordFailure()              {}
func (l *gateLimiter) CurrentDelay() time.Duration { return 500 * time.Millisecond }

type runLog struct {
	mu       sync.Mutex
	started  []crawler.RunInfo
	finished []crawler.RunSummary
}

func (r *runLog) StartRun(_ context.Context, info crawler.RunInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, info)
	return nil
}

func (r *runLog) FinishRun(_ context.Context, summary crawler.RunSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, summary)
	return nil
}

type fixedID string

func (f fixedID) NewID() (string, error) { return string(f), nil }

type rig struct {
	clock     *fake.Clock
	collector *staticCollector
	fetcher   crawler.Fetcher
	limiter   *gateLimiter
	ledger    *dedup.Ledger
	writer    *batch.Writer
	store     *memory.BlobStore
	monitor   *monitor.Monitor
	breaker   *breaker.CircuitBreaker
	runs      *runLog
	orch      *Orchestrator
}

type rigOptions struct {
	workers      int
	maxPerEntity int
	freeWaits    int
	tiers        crawler.TierLimits
	logger       *zap.Logger
}

func newRig(t *testing.T, opts rigOptions, targets []crawler.FetchTarget, fetcher crawler.Fetcher) *rig {
	t.Helper()
	ctx := context.Background()
	clock := fake.New(time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC))
	r := &rig{
		clock:     clock,
		collector: &staticCollector{targets: targets},
		fetcher:   fetcher,
		limiter:   &gateLimiter{free: opts.freeWaits},
		ledger:    dedup.New(ctx, dedup.Config{MaxPerEntity: opts.maxPerEntity}, nil, zap.NewNop()),
		store:     memory.NewBlobStore(),
		monitor:   monitor.New(clock),
		runs:      &runLog{},
	}
	var err error
	r.breaker, err = breaker.New(breaker.Config{}, clock, zap.NewNop())
	require.NoError(t, err)
	r.writer, err = batch.NewWriter(batch.DefaultConfig(), r.store, clock, zap.NewNop())
	require.NoError(t, err)

	proc, err := worker.NewProcessor(worker.Config{Retries: 2, FetchTimeout: 5 * time.Second}, worker.Deps{
		Fetcher:   fetcher,
		Extractor: ownerExtractor{},
		Breaker:   r.breaker,
		Limiter:   r.limiter,
		Ledger:    r.ledger,
		Sink:      r.writer,
		Recorder:  r.monitor,
		Clock:     clock,
	}, zap.NewNop())
	require.NoError(t, err)

	r.orch, err = New(Config{Workers: opts.workers}, Deps{
		Collector: r.collector,
		Tiers:     opts.tiers,
		Processor: proc,
		Batch:     r.writer,
		Ledger:    r.ledger,
		Monitor:   r.monitor,
		Breaker:   r.breaker,
		Limiter:   r.limiter,
		Store:     r.store,
		Runs:      r.runs,
		IDs:       fixedID("run-1"),
		Clock:     clock,
	}, opts.logger)
	require.NoError(t, err)
	return r
}

func (r *rig) batchItems(t *testing.T) []map[string]any {
	t.Helper()
	var all []map[string]any
	for _, path := range r.store.Paths("scrape_batch_") {
		if !strings.HasSuffix(path, ".json") {
			continue
		}
		data, _, ok := r.store.Object(path)
		require.True(t, ok)
		var records []map[string]any
		require.NoError(t, json.Unmarshal(data, &records))
		all = append(all, records...)
	}
	return all
}

func targets(urls ...string) []crawler.FetchTarget {
	out := make([]crawler.FetchTarget, len(urls))
	for i, u := range urls {
		out[i] = crawler.FetchTarget(u)
	}
	return out
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{}, nil)
	require.Error(t, err)
}

func TestRunStopsAdmittingAtTarget(t *testing.T) {
	t.Parallel()

	urls := []string{"https://x/p/1/", "https://x/p/2/", "https://x/p/3/", "https://x/p/4/", "https://x/p/5/"}
	fetcher := newPageFetcher(map[string][]fetchStep{
		urls[0]: {{owner: "alice"}},
		urls[1]: {{owner: "bob"}},
		urls[2]: {{err: context.DeadlineExceeded}, {err: context.DeadlineExceeded}, {owner: "carol"}},
		urls[3]: {{owner: "dave"}},
		urls[4]: {{owner: "erin"}},
	}, urls[0], urls[1], urls[2])
	r := newRig(t, rigOptions{workers: 3, freeWaits: 3}, targets(urls...), fetcher)

	res, err := r.orch.Run(context.Background(), Request{
		Keyword: "golang",
		Limits:  crawler.Limits{MaxEntities: 2, MaxItems: 5},
	})
	require.NoError(t, err)

	require.Len(t, res.Items, 3)
	owners := []string{res.Items[0].Owner, res.Items[1].Owner, res.Items[2].Owner}
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, owners)
	assert.Equal(t, 3, fetcher.Calls(urls[2]))
	assert.Zero(t, fetcher.Calls(urls[3]))
	assert.Zero(t, fetcher.Calls(urls[4]))
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, StatusTargetMet, res.Summary.Status)
	assert.Equal(t, 3, res.Summary.UniqueEntities)
	assert.Equal(t, 5, res.Candidates)

	records := r.batchItems(t)
	require.Len(t, records, 3)
	for _, rec := range records {
		assert.Equal(t, "batch_1", rec["batch_id"])
	}
	assert.Equal(t, 2, res.Report.Operations[monitor.KindTimeout].Failures)
}

func TestRunSkipsDuplicateCandidates(t *testing.T) {
	t.Parallel()

	url := "https://x/p/dup/"
	fetcher := newPageFetcher(map[string][]fetchStep{url: {{owner: "alice"}}})
	r := newRig(t, rigOptions{workers: 1, freeWaits: -1}, targets(url, url), fetcher)
	before := r.ledger.ProcessedCount()

	res, err := r.orch.Run(context.Background(), Request{Limits: crawler.Limits{MaxEntities: 10, MaxItems: 10}})
	require.NoError(t, err)

	assert.Len(t, res.Items, 1)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, fetcher.Calls(url))
	assert.Equal(t, before+1, r.ledger.ProcessedCount())
	assert.Equal(t, 1, res.Report.Operations[monitor.KindSkippedDuplicate].Successes)
}

// rendezvousFetcher holds every fetch until want fetches have arrived or
// patience runs out, so concurrent fetches of one target overlap.
type rendezvousFetcher struct {
	owner    string
	want     int
	patience time.Duration

	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func newRendezvousFetcher(owner string, want int) *rendezvousFetcher {
	return &rendezvousFetcher{owner: owner, want: want, patience: 300 * time.Millisecond, release: make(chan struct{})}
}

func (f *rendezvousFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.calls++
	if f.calls == f.want {
		close(f.release)
	}
	f.mu.Unlock()

	select {
	case <-f.release:
	case <-time.After(f.patience):
	case <-ctx.Done():
		return crawler.FetchResponse{}, ctx.Err()
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(f.owner)}, nil
}

func (f *rendezvousFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRunSkipsDuplicateInFlightOnConcurrentWorkers(t *testing.T) {
	t.Parallel()

	url := "https://x/p/twice/"
	fetcher := newRendezvousFetcher("alice", 2)
	r := newRig(t, rigOptions{workers: 2, freeWaits: -1}, targets(url, url), fetcher)

	res, err := r.orch.Run(context.Background(), Request{Limits: crawler.Limits{MaxEntities: 10, MaxItems: 10}})
	require.NoError(t, err)

	require.Len(t, res.Items, 1)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, fetcher.Calls())
	assert.Equal(t, 1, r.ledger.AcceptedCount("alice"))
	assert.Len(t, r.batchItems(t), 1)
	assert.Equal(t, 1, res.Report.Operations[monitor.KindSkippedDuplicate].Successes)
}

func acceptedTotal(t *testing.T) float64 {
	t.Helper()
	metrics.Init()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "crawler_items_accepted_total" && len(f.GetMetric()) > 0 {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

// Not parallel: reads a process-wide counter.
func TestRunCountsAcceptedItemOnce(t *testing.T) {
	url := "https://x/p/once/"
	r := newRig(t, rigOptions{workers: 1, freeWaits: -1}, targets(url),
		newPageFetcher(map[string][]fetchStep{url: {{owner: "olga"}}}))

	before := acceptedTotal(t)
	res, err := r.orch.Run(context.Background(), Request{Limits: crawler.Limits{MaxEntities: 5, MaxItems: 5}})
	require.NoError(t, err)

	require.Len(t, res.Items, 1)
	assert.InDelta(t, 1, acceptedTotal(t)-before, 0)
}

func TestRunSkipsCappedEntity(t *testing.T) {
	t.Parallel()

	url := "https://x/p/capped/"
	fetcher := newPageFetcher(map[string][]fetchStep{url: {{owner: "Alice"}}})
	r := newRig(t, rigOptions{workers: 2, maxPerEntity: 1, freeWaits: -1}, targets(url), fetcher)
	require.NoError(t, r.ledger.RecordAcceptance(context.Background(), "alice"))

	res, err := r.orch.Run(context.Background(), Request{Limits: crawler.Limits{MaxEntities: 10, MaxItems: 10}})
	require.NoError(t, err)

	assert.Empty(t, res.Items)
	assert.Equal(t, 1, res.Skipped)
	assert.True(t, r.ledger.IsProcessed(url))
	assert.Equal(t, 1, r.ledger.AcceptedCount("alice"))
	assert.Empty(t, r.batchItems(t))
}

func TestRunLogsPerformanceReport(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	const url = "https://www.instagram.com/p/a/"
	fetcher := newPageFetcher(map[string][]fetchStep{url: {{owner: "alice"}}})
	r := newRig(t, rigOptions{workers: 1, freeWaits: -1, logger: zap.New(core)},
		[]crawler.FetchTarget{url}, fetcher)

	_, err := r.orch.Run(context.Background(), Request{Limits: crawler.Limits{MaxEntities: 5, MaxItems: 5}})
	require.NoError(t, err)

	entries := logs.FilterMessage("performance stats").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "run-1", fields["run_id"])
	assert.Contains(t, fields, "total_requests")
	assert.Contains(t, fields, "success_rate_pct")
}

func TestRunWithoutCandidatesStartsNoWorkers(t *testing.T) {
	t.Parallel()

	fetcher := newPageFetcher(nil)
	r := newRig(t, rigOptions{workers: 2, freeWaits: -1}, nil, fetcher)
	blocked := errors.New("search blocked")
	r.collector.err = blocked

	res, err := r.orch.Run(context.Background(), Request{Keyword: "nothing"})
	require.NoError(t, err)
	require.ErrorIs(t, res.CollectErr, blocked)

	assert.Empty(t, res.Items)
	assert.Zero(t, res.Candidates)
	assert.Equal(t, StatusNoCandidates, res.Summary.Status)
	assert.Empty(t, r.store.Paths(""))
	require.Len(t, r.runs.finished, 1)
	assert.Equal(t, StatusNoCandidates, r.runs.finished[0].Status)
}

func TestRunClampsToTierLimits(t *testing.T) {
	t.Parallel()

	scripts := make(map[string][]fetchStep)
	var urls []string
	for i := range 30 {
		u := fmt.Sprintf("https://x/p/%d/", i)
		urls = append(urls, u)
		scripts[u] = []fetchStep{{owner: fmt.Sprintf("owner%d", i)}}
	}
	r := newRig(t, rigOptions{workers: 4, freeWaits: -1, tiers: tier.New(nil)}, targets(urls...), newPageFetcher(scripts))

	res, err := r.orch.Run(context.Background(), Request{
		Tier:   "basic",
		Limits: crawler.Limits{MaxEntities: 100, MaxItems: 100, MaxPageBound: 9},
	})
	require.NoError(t, err)

	assert.True(t, res.Restricted)
	assert.Equal(t, crawler.Limits{MaxEntities: 10, MaxItems: 20, MaxPageBound: 2}, res.Limits)
	assert.Equal(t, 2, r.collector.gotBound)
	assert.Equal(t, 20, res.Candidates)
	assert.GreaterOrEqual(t, len(res.Items), 10)
	assert.LessOrEqual(t, len(res.Items), 20)
}

func TestRunWritesPerformanceMetrics(t *testing.T) {
	t.Parallel()

	url := "https://x/p/m/"
	r := newRig(t, rigOptions{workers: 1, freeWaits: -1}, targets(url),
		newPageFetcher(map[string][]fetchStep{url: {{owner: "mia"}}}))

	res, err := r.orch.Run(context.Background(), Request{Keyword: "metrics", Limits: crawler.Limits{MaxEntities: 5, MaxItems: 5}})
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, "memory://performance_metrics_20240601_093000.json", res.MetricsURI)

	paths := r.store.Paths("performance_metrics_")
	require.Len(t, paths, 1)
	data, contentType, ok := r.store.Object(paths[0])
	require.True(t, ok)
	assert.Equal(t, "application/json", contentType)

	var record map[string]any
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Contains(t, record, "performance")
	assert.Contains(t, record, "circuit_breaker")
	assert.InDelta(t, 0.5, record["rate_limiter_delay"], 0.001)
	summary := record["scraping_summary"].(map[string]any)
	assert.Equal(t, "run-1", summary["run_id"])
	assert.InDelta(t, 1, summary["accepted"], 0)

	require.Len(t, r.runs.started, 1)
	require.Len(t, r.runs.finished, 1)
	assert.Equal(t, StatusCompleted, r.runs.finished[0].Status)
}

type countingProgress struct {
	mu    sync.Mutex
	max   int
	count int
}

func (p *countingProgress) ChangeMax(n int) { p.mu.Lock(); p.max = n; p.mu.Unlock() }

func (p *countingProgress) Add(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count += n
	return nil
}

func TestRunReportsProgress(t *testing.T) {
	t.Parallel()

	urls := []string{"https://x/p/a/", "https://x/p/b/"}
	r := newRig(t, rigOptions{workers: 2, freeWaits: -1}, targets(urls...), newPageFetcher(map[string][]fetchStep{
		urls[0]: {{owner: "a"}},
		urls[1]: {{owner: "b"}},
	}))
	progress := &countingProgress{}

	_, err := r.orch.Run(context.Background(), Request{Limits: crawler.Limits{MaxEntities: 5, MaxItems: 5}, Progress: progress})
	require.NoError(t, err)

	assert.Equal(t, 2, progress.max)
	assert.Equal(t, 2, progress.count)
}
