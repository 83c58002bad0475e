// Package batch accumulates extracted items and writes them out in
// size-adaptive, sequentially numbered batches.
package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Chitransh6827/INSTA-CRAWLER/internal/crawler"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/metrics"
	"go.uber.org/zap"
)

const (
	minFlushDuration = time.Millisecond
	timestampLayout  = "20060102_150405"
)

// Config tunes batch sizing and naming.
type Config struct {
	Prefix      string
	InitialSize int
	MinSize     int
	MaxSize     int
	IdleFlush   time.Duration
	TrendMargin float64
	HistorySize int
	// Topic receives a FlushEvent after every successful flush when a
	// publisher is configured.
	Topic string
}

// DefaultConfig returns batches of 5 that adapt between 2 and 20 items.
func DefaultConfig() Config {
	return Config{
		Prefix:      "scrape_batch",
		InitialSize: 5,
		MinSize:     2,
		MaxSize:     20,
		IdleFlush:   5 * time.Minute,
		TrendMargin: 1.0,
		HistorySize: 10,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Prefix == "" {
		c.Prefix = def.Prefix
	}
	if c.MinSize <= 0 {
		c.MinSize = def.MinSize
	}
	if c.MaxSize <= 0 {
		c.MaxSize = def.MaxSize
	}
	if c.MaxSize < c.MinSize {
		c.MaxSize = c.MinSize
	}
	if c.InitialSize <= 0 {
		c.InitialSize = def.InitialSize
	}
	c.InitialSize = min(max(c.InitialSize, c.MinSize), c.MaxSize)
	if c.IdleFlush <= 0 {
		c.IdleFlush = def.IdleFlush
	}
	if c.TrendMargin <= 0 {
		c.TrendMargin = def.TrendMargin
	}
	if c.HistorySize < 3 {
		c.HistorySize = def.HistorySize
	}
	return c
}

// FlushEvent is published after each successful flush.
type FlushEvent struct {
	RunID     string    `json:"run_id,omitempty"`
	Seq       int       `json:"seq"`
	Items     int       `json:"items"`
	JSONURI   string    `json:"json_uri"`
	CSVURI    string    `json:"csv_uri"`
	FlushedAt time.Time `json:"flushed_at"`
}

// Attributes labels the Pub/Sub message.
func (e FlushEvent) Attributes() map[string]string {
	attrs := map[string]string{"event": "batch.flushed"}
	if e.RunID != "" {
		attrs["run_id"] = e.RunID
	}
	return attrs
}

// Stats describes the writer at a point in time.
type Stats struct {
	TargetSize   int `json:"target_size"`
	Pending      int `json:"pending"`
	Flushed      int `json:"batches_flushed"`
	ItemsWritten int `json:"items_written"`
}

type flushStat struct {
	size       int
	duration   time.Duration
	throughput float64
}

// Writer is safe for concurrent use. Flushes are serialized so batch sequence
// numbers follow flush order, and a sequence number is only consumed by a
// successful write.
type Writer struct {
	cfg       Config
	store     crawler.BlobStore
	publisher crawler.Publisher
	clock     crawler.Clock
	logger    *zap.Logger
	runID     string

	flushMu sync.Mutex

	mu        sync.Mutex
	items     []crawler.ExtractedItem
	target    int
	nextSeq   int
	// retryAt names a sequence number whose write failed part way, so the
	// retry overwrites whatever the failed attempt left behind.
	retrySeq  int
	retryAt   time.Time
	lastFlush time.Time
	history   []flushStat
	flushed   int
	written   int
}

// Option customizes a Writer.
type Option func(*Writer)

// WithPublisher sends a FlushEvent to cfg.Topic after each flush.
func WithPublisher(p crawler.Publisher) Option {
	return func(w *Writer) { w.publisher = p }
}

// WithRunID tags flush events with the run id.
func WithRunID(id string) Option {
	return func(w *Writer) { w.runID = id }
}

// NewWriter builds a Writer.
func NewWriter(cfg Config, store crawler.BlobStore, clock crawler.Clock, logger *zap.Logger, opts ...Option) (*Writer, error) {
	if store == nil {
		return nil, fmt.Errorf("batch writer: blob store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("batch writer: clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	w := &Writer{
		cfg:       cfg,
		store:     store,
		clock:     clock,
		logger:    logger.Named("batch"),
		target:    cfg.InitialSize,
		nextSeq:   1,
		lastFlush: clock.Now(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Add appends item to the current batch, stamping its batch id, and flushes
// when the batch is full or the idle interval has passed. The returned error
// only reports a failed flush; the item stays queued for the next one.
//
// The returned BatchID is provisional: when a concurrent flush fails and gives
// its sequence number back, the item is written under that earlier id. The
// stored records always carry the final one.
func (w *Writer) Add(ctx context.Context, item crawler.ExtractedItem) (crawler.ExtractedItem, error) {
	now := w.clock.Now()
	w.mu.Lock()
	item.BatchID = batchID(w.nextSeq)
	w.items = append(w.items, item)
	full := len(w.items) >= w.target
	idle := now.Sub(w.lastFlush) > w.cfg.IdleFlush
	w.mu.Unlock()
	metrics.IncItemsAccepted()

	if !full && !idle {
		return item, nil
	}
	if idle && !full {
		w.logger.Info("flushing batch after idle interval", zap.Duration("idle", w.cfg.IdleFlush))
	}
	return item, w.Flush(ctx)
}

// Flush writes any pending items. It is a no-op when nothing is pending.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if len(w.items) == 0 {
		w.mu.Unlock()
		return nil
	}
	items := w.items
	w.items = nil
	seq := w.nextSeq
	w.nextSeq++
	start := w.clock.Now()
	at := start
	if w.retrySeq == seq {
		at = w.retryAt
	}
	w.mu.Unlock()

	jsonURI, csvURI, err := w.write(ctx, seq, at, items)
	if err != nil {
		w.restore(seq, at, items)
		metrics.ObserveBatchFlush(false, w.TargetSize())
		w.logger.Error("batch write failed, keeping items for next flush",
			zap.Int("seq", seq),
			zap.Int("items", len(items)),
			zap.Error(err))
		return errors.Join(crawler.ErrPersistence, err)
	}
	finished := w.clock.Now()
	duration := max(finished.Sub(start), minFlushDuration)

	w.mu.Lock()
	w.retrySeq = 0
	w.recordLocked(flushStat{
		size:       len(items),
		duration:   duration,
		throughput: float64(len(items)) / duration.Seconds(),
	})
	w.lastFlush = finished
	w.flushed++
	w.written += len(items)
	target := w.target
	w.mu.Unlock()

	metrics.ObserveBatchFlush(true, target)
	w.logger.Info("saved batch",
		zap.Int("seq", seq),
		zap.Int("items", len(items)),
		zap.Duration("duration", duration),
		zap.Int("next_target", target),
		zap.String("json", jsonURI),
		zap.String("csv", csvURI))

	w.notify(ctx, FlushEvent{
		RunID:     w.runID,
		Seq:       seq,
		Items:     len(items),
		JSONURI:   jsonURI,
		CSVURI:    csvURI,
		FlushedAt: finished,
	})
	return nil
}

// RunIdleFlusher checks for idle batches every interval until ctx is done.
func (w *Writer) RunIdleFlusher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = w.cfg.IdleFlush / 5
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.IdleDue() {
				w.logger.Info("flushing batch after idle interval", zap.Duration("idle", w.cfg.IdleFlush))
				_ = w.Flush(ctx)
			}
		}
	}
}

// IdleDue reports whether items are pending and the idle interval has passed.
func (w *Writer) IdleDue() bool {
	now := w.clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items) > 0 && now.Sub(w.lastFlush) > w.cfg.IdleFlush
}

// TargetSize returns the current adaptive target.
func (w *Writer) TargetSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.target
}

// Stats returns a snapshot of the writer.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		TargetSize:   w.target,
		Pending:      len(w.items),
		Flushed:      w.flushed,
		ItemsWritten: w.written,
	}
}

func (w *Writer) write(ctx context.Context, seq int, at time.Time, items []crawler.ExtractedItem) (string, string, error) {
	records := make([]record, len(items))
	for i, item := range items {
		item.BatchID = batchID(seq)
		records[i] = toRecord(item)
	}
	jsonData, err := encodeJSON(records)
	if err != nil {
		return "", "", err
	}
	csvData, err := encodeCSV(records)
	if err != nil {
		return "", "", err
	}

	name := fmt.Sprintf("%s_%d_%s", w.cfg.Prefix, seq, at.UTC().Format(timestampLayout))
	jsonURI, err := w.store.PutObject(ctx, name+".json", "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return "", "", fmt.Errorf("write %s.json: %w", name, err)
	}
	csvURI, err := w.store.PutObject(ctx, name+".csv", "text/csv", bytes.NewReader(csvData))
	if err != nil {
		return "", "", fmt.Errorf("write %s.csv: %w", name, err)
	}
	return jsonURI, csvURI, nil
}

// restore puts a failed batch back in front of anything added meanwhile and
// gives the sequence number back along with the name it was written under.
func (w *Writer) restore(seq int, at time.Time, items []crawler.ExtractedItem) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.items = append(items, w.items...)
	w.nextSeq = seq
	w.retrySeq = seq
	w.retryAt = at
	for i := range w.items {
		w.items[i].BatchID = batchID(seq)
	}
}

// recordLocked appends to the bounded history and adapts the target size.
// Must be called with mu held.
func (w *Writer) recordLocked(stat flushStat) {
	w.history = append(w.history, stat)
	if len(w.history) > w.cfg.HistorySize {
		w.history = w.history[len(w.history)-w.cfg.HistorySize:]
	}
	n := len(w.history)
	if n < 3 {
		return
	}
	trend := w.history[n-1].throughput - w.history[n-3].throughput
	switch {
	case trend > w.cfg.TrendMargin && w.target < w.cfg.MaxSize:
		w.target++
		w.logger.Debug("increased batch size", zap.Int("target", w.target), zap.Float64("trend", trend))
	case trend < -w.cfg.TrendMargin && w.target > w.cfg.MinSize:
		w.target--
		w.logger.Debug("decreased batch size", zap.Int("target", w.target), zap.Float64("trend", trend))
	}
}

func (w *Writer) notify(ctx context.Context, event FlushEvent) {
	if w.publisher == nil {
		return
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		w.logger.Warn("publish flush event failed", zap.Int("seq", event.Seq), zap.Error(err))
	}
}

func batchID(seq int) string {
	return fmt.Sprintf("batch_%d", seq)
}
