// Package app wires configuration into long-lived services and builds the
// per-run crawl pipeline from them.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	gcsstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Chitransh6827/INSTA-CRAWLER/internal/batch"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/clock/system"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/collector"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/config"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/crawler"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/dedup"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/dispatcher"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/extract"
	collyfetcher "github.com/Chitransh6827/INSTA-CRAWLER/internal/fetcher/colly"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/fetcher/headless"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/headless/detector"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/id/uuid"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/monitor"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/policy/breaker"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/policy/ratelimit"
	pspublisher "github.com/Chitransh6827/INSTA-CRAWLER/internal/publisher/pubsub"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/storage/gcs"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/storage/local"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/storage/memory"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/storage/postgres"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/tier"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/worker"
)

// App holds the services shared by every run: storage, the ledger store, the
// run recorder, the publisher and the tier table.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock
	ids    crawler.IDGenerator
	tiers  *tier.Table

	store       crawler.BlobStore
	ledgerStore dedup.Store
	runs        crawler.RunRecorder
	publisher   crawler.Publisher

	closers []func() error
}

// Option overrides a service New would otherwise build from config.
type Option func(*App)

// WithBlobStore replaces the configured storage backend.
func WithBlobStore(s crawler.BlobStore) Option {
	return func(a *App) { a.store = s }
}

// WithClock replaces the system clock.
func WithClock(c crawler.Clock) Option {
	return func(a *App) { a.clock = c }
}

// New builds the shared services and fails fast when one cannot start.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
		tiers:  tier.New(cfg.Tiers),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	if a.store == nil {
		store, err := a.buildStore(ctx)
		if err != nil {
			return err
		}
		a.store = store
	}

	var pool *pgxpool.Pool
	if a.cfg.Dedup.Backend == config.BackendPostgres || a.cfg.DB.RecordRuns {
		p, err := postgres.NewPool(ctx, postgres.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("init postgres: %w", err)
		}
		pool = p
		a.closers = append(a.closers, func() error { p.Close(); return nil })
	}

	switch a.cfg.Dedup.Backend {
	case config.BackendPostgres:
		ls, err := postgres.NewLedgerStoreWithPool(pool, a.cfg.DB.LedgerPrefix)
		if err != nil {
			return fmt.Errorf("init ledger store: %w", err)
		}
		if err := ls.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("init ledger schema: %w", err)
		}
		a.ledgerStore = ls
	case config.BackendFile:
		fs, err := dedup.NewFileStore(a.cfg.Dedup.Path)
		if err != nil {
			return fmt.Errorf("init ledger file: %w", err)
		}
		a.ledgerStore = fs
	}

	if a.cfg.DB.RecordRuns {
		rs, err := postgres.NewRunStoreWithPool(pool, a.cfg.DB.RunPrefix)
		if err != nil {
			return fmt.Errorf("init run store: %w", err)
		}
		if err := rs.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("init run schema: %w", err)
		}
		a.runs = rs
	}

	if a.cfg.PubSub.Enabled() {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("init pubsub client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		pub, err := pspublisher.New(client, a.cfg.PubSub.Topic)
		if err != nil {
			return fmt.Errorf("init publisher: %w", err)
		}
		a.closers = append(a.closers, func() error { pub.Close(); return nil })
		a.publisher = pub
	}

	a.logger.Info("services initialized",
		zap.String("storage", a.cfg.Storage.Backend),
		zap.String("dedup", a.cfg.Dedup.Backend),
		zap.Bool("record_runs", a.runs != nil),
		zap.Bool("publish", a.publisher != nil))
	return nil
}

func (a *App) buildStore(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket, Prefix: a.cfg.Storage.Prefix})
		if err != nil {
			return nil, fmt.Errorf("init gcs store: %w", err)
		}
		return store, nil
	case config.BackendMemory:
		return memory.NewBlobStore(), nil
	default:
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local store: %w", err)
		}
		return store, nil
	}
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Tiers returns the tier table.
func (a *App) Tiers() *tier.Table { return a.tiers }

// Store returns the blob store batches are written to.
func (a *App) Store() crawler.BlobStore { return a.store }

// Close releases every service in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close services: %w", err)
	}
	return nil
}

// Crawl is the pipeline for a single run.
type Crawl struct {
	RunID        string
	Orchestrator *dispatcher.Orchestrator
	Writer       *batch.Writer
	Ledger       *dedup.Ledger
	Monitor      *monitor.Monitor
	// Profile is set for single-profile runs and holds the looked-up profile.
	Profile      *collector.Profile

	idleCheck time.Duration
	closers   []func()
}

// Run executes the crawl while the idle flusher watches the batch.
func (c *Crawl) Run(ctx context.Context, req dispatcher.Request) (dispatcher.Result, error) {
	idleCtx, stop := context.WithCancel(ctx)
	defer stop()
	go c.Writer.RunIdleFlusher(idleCtx, c.idleCheck)

	req.RunID = c.RunID
	res, err := c.Orchestrator.Run(ctx, req)
	if err != nil {
		return dispatcher.Result{}, fmt.Errorf("run crawl: %w", err)
	}
	return res, nil
}

// Close releases per-run resources such as the browser.
func (c *Crawl) Close() {
	for _, fn := range c.closers {
		fn()
	}
}

// crawlPlan holds what differs between keyword and profile runs.
type crawlPlan struct {
	baseDelay    time.Duration
	workers      int
	maxPerEntity int
	tiers        crawler.TierLimits
	collector    func(crawler.Fetcher, *zap.Logger, *Crawl) (crawler.LinkCollector, error)
}

// NewCrawl assembles fresh per-run components for a keyword search on top of
// the shared services.
func (a *App) NewCrawl(ctx context.Context) (*Crawl, error) {
	cfg := a.cfg
	return a.newCrawl(ctx, crawlPlan{
		baseDelay:    cfg.RateLimit.BaseDelay,
		workers:      cfg.Crawler.Workers,
		maxPerEntity: cfg.Dedup.MaxPerEntity,
		tiers:        a.tiers,
		collector: func(f crawler.Fetcher, logger *zap.Logger, _ *Crawl) (crawler.LinkCollector, error) {
			return collector.NewSearch(collector.Config{
				SearchBase: cfg.Search.BaseURL,
				Site:       cfg.Search.Site,
			}, f, logger)
		},
	})
}

// NewProfileCrawl assembles a run over the posts of one profile. It runs
// narrower and slower than a keyword crawl, clamps posts with the tiers'
// profile caps and lets every post come from the one account.
func (a *App) NewProfileCrawl(ctx context.Context) (*Crawl, error) {
	cfg := a.cfg
	return a.newCrawl(ctx, crawlPlan{
		baseDelay:    cfg.Profile.BaseDelay,
		workers:      cfg.Profile.Workers,
		maxPerEntity: max(cfg.Dedup.MaxPerEntity, a.tiers.MaxProfileItems()),
		tiers:        a.tiers.Profile(),
		collector: func(f crawler.Fetcher, logger *zap.Logger, crawl *Crawl) (crawler.LinkCollector, error) {
			p, err := collector.NewProfile(cfg.Profile.BaseURL, f, logger)
			if err != nil {
				return nil, err
			}
			crawl.Profile = p
			return p, nil
		},
	})
}

func (a *App) newCrawl(ctx context.Context, plan crawlPlan) (*Crawl, error) {
	cfg := a.cfg
	runID, err := a.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("new crawl: %w", err)
	}
	logger := a.logger.With(zap.String("run_id", runID))
	crawl := &Crawl{RunID: runID, idleCheck: cfg.Batch.IdleCheck}

	limiter, err := ratelimit.NewAdaptive(ratelimit.Config{
		BaseDelay:    plan.baseDelay,
		MaxDelay:     cfg.RateLimit.MaxDelay,
		WindowSize:   cfg.RateLimit.WindowSize,
		WindowLimit:  cfg.RateLimit.WindowLimit,
		WindowPeriod: cfg.RateLimit.WindowPeriod,
	}, a.clock, logger)
	if err != nil {
		return nil, fmt.Errorf("new crawl: %w", err)
	}
	cb, err := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	}, a.clock, logger)
	if err != nil {
		return nil, fmt.Errorf("new crawl: %w", err)
	}
	crawl.Ledger = dedup.New(ctx, dedup.Config{MaxPerEntity: plan.maxPerEntity}, a.ledgerStore, logger)
	crawl.Monitor = monitor.New(a.clock)

	writerOpts := []batch.Option{batch.WithRunID(runID)}
	if a.publisher != nil {
		writerOpts = append(writerOpts, batch.WithPublisher(a.publisher))
	}
	crawl.Writer, err = batch.NewWriter(batch.Config{
		Prefix:      cfg.Batch.Prefix,
		InitialSize: cfg.Batch.InitialSize,
		MinSize:     cfg.Batch.MinSize,
		MaxSize:     cfg.Batch.MaxSize,
		IdleFlush:   cfg.Batch.IdleFlush,
		TrendMargin: cfg.Batch.TrendMargin,
		HistorySize: cfg.Batch.HistorySize,
		Topic:       cfg.PubSub.Topic,
	}, a.store, a.clock, logger, writerOpts...)
	if err != nil {
		return nil, fmt.Errorf("new crawl: %w", err)
	}

	hosts := ratelimit.NewHostLimiter(ratelimit.HostConfig{
		DefaultRPS:   cfg.Crawler.HostRPS,
		DefaultBurst: cfg.Crawler.HostBurst,
	})
	httpFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       cfg.Crawler.FetchTimeout,
	}, hosts, logger)

	deps := worker.Deps{
		Fetcher:   httpFetcher,
		Extractor: extract.New(),
		Breaker:   cb,
		Limiter:   limiter,
		Ledger:    crawl.Ledger,
		Sink:      crawl.Writer,
		Recorder:  crawl.Monitor,
		Clock:     a.clock,
	}
	if cfg.Headless.Enabled {
		browser, err := headless.New(headless.Config{
			MaxTabs:           cfg.Headless.MaxTabs,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			WaitSelector:      cfg.Headless.WaitSelector,
			RenderDelay:       cfg.Headless.RenderDelay,
			ShowBrowser:       cfg.Headless.ShowBrowser,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("new crawl: %w", err)
		}
		crawl.closers = append(crawl.closers, browser.Close)
		deps.Headless = browser
		if cfg.Headless.Always {
			deps.Fetcher = nil
		} else {
			deps.Detector = detector.NewHeuristic(cfg.Headless.PromotionThreshold, cfg.Headless.RequiredSelectors...)
		}
	}

	proc, err := worker.NewProcessor(worker.Config{
		Retries:      cfg.Crawler.RetryCount,
		FetchTimeout: cfg.Crawler.FetchTimeout,
		BackoffBase:  cfg.Crawler.BackoffBase,
		BackoffMax:   cfg.Crawler.BackoffMax,
	}, deps, logger)
	if err != nil {
		crawl.Close()
		return nil, fmt.Errorf("new crawl: %w", err)
	}

	links, err := plan.collector(httpFetcher, logger, crawl)
	if err != nil {
		crawl.Close()
		return nil, fmt.Errorf("new crawl: %w", err)
	}

	crawl.Orchestrator, err = dispatcher.New(dispatcher.Config{
		Workers:       plan.workers,
		MetricsPrefix: cfg.Crawler.MetricsPrefix,
		Resources:     cfg.Crawler.Resources,
	}, dispatcher.Deps{
		Collector: links,
		Tiers:     plan.tiers,
		Processor: proc,
		Batch:     crawl.Writer,
		Ledger:    crawl.Ledger,
		Monitor:   crawl.Monitor,
		Breaker:   cb,
		Limiter:   limiter,
		Store:     a.store,
		Runs:      a.runs,
		IDs:       a.ids,
		Clock:     a.clock,
	}, logger)
	if err != nil {
		crawl.Close()
		return nil, fmt.Errorf("new crawl: %w", err)
	}
	return crawl, nil
}
