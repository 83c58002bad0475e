package batch

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Chitransh6827/INSTA-CRAWLER/internal/clock/fake"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/crawler"
	pubmem "github.com/Chitransh6827/INSTA-CRAWLER/internal/publisher/memory"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/storage/memory"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

var jsonName = regexp.MustCompile(`^scrape_batch_(\d+)_\d{8}_\d{6}\.json$`)

func newItem(i int) crawler.ExtractedItem {
	return crawler.ExtractedItem{
		URL:   fmt.Sprintf("https://www.instagram.com/p/post%d/", i),
		Owner: fmt.Sprintf("user%d", i),
		Fields: crawler.Fields{
			crawler.FieldEmails:   {fmt.Sprintf("u%d@example.com", i)},
			crawler.FieldHashtags: {"#coffee", "#latte"},
			crawler.FieldCaption:  {"a caption long enough to be kept around"},
		},
		Inspected: i,
		CreatedAt: epoch,
	}
}

func newTestWriter(t *testing.T, cfg Config, store crawler.BlobStore, clk crawler.Clock, opts ...Option) *Writer {
	t.Helper()
	w, err := NewWriter(cfg, store, clk, zap.NewNop(), opts...)
	require.NoError(t, err)
	return w
}

// seqs returns the sequence numbers of every JSON batch in store, in path order.
func seqs(t *testing.T, store *memory.BlobStore) []int {
	t.Helper()
	var out []int
	for _, p := range store.Paths("scrape_batch_") {
		m := jsonName.FindStringSubmatch(p)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		require.NoError(t, err)
		out = append(out, n)
	}
	return out
}

func readBatch(t *testing.T, store *memory.BlobStore, seq int) []record {
	t.Helper()
	for _, p := range store.Paths(fmt.Sprintf("scrape_batch_%d_", seq)) {
		if !strings.HasSuffix(p, ".json") {
			continue
		}
		raw, _, ok := store.Object(p)
		require.True(t, ok)
		var recs []record
		require.NoError(t, json.Unmarshal(raw, &recs))
		return recs
	}
	t.Fatalf("batch %d not found", seq)
	return nil
}

type failingStore struct {
	*memory.BlobStore
	mu       sync.Mutex
	failures int
}

func (s *failingStore) PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return "", errors.New("bucket unavailable")
	}
	s.mu.Unlock()
	return s.BlobStore.PutObject(ctx, path, contentType, r)
}

// suffixFailStore fails the first write whose path ends with suffix.
type suffixFailStore struct {
	*memory.BlobStore
	suffix string
	mu     sync.Mutex
	failed bool
}

func (s *suffixFailStore) PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	s.mu.Lock()
	if !s.failed && strings.HasSuffix(path, s.suffix) {
		s.failed = true
		s.mu.Unlock()
		return "", errors.New("bucket unavailable")
	}
	s.mu.Unlock()
	return s.BlobStore.PutObject(ctx, path, contentType, r)
}

// gatedStore holds the first write until release is closed, then fails it.
type gatedStore struct {
	*memory.BlobStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedStore) PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
		return "", errors.New("bucket unavailable")
	}
	return s.BlobStore.PutObject(ctx, path, contentType, r)
}

// slowStore advances the fake clock on every write to simulate write latency.
type slowStore struct {
	*memory.BlobStore
	clk   *fake.Clock
	mu    sync.Mutex
	delay time.Duration
}

func (s *slowStore) setDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

func (s *slowStore) PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	s.mu.Lock()
	d := s.delay
	s.mu.Unlock()
	s.clk.Advance(d)
	return s.BlobStore.PutObject(ctx, path, contentType, r)
}

func TestNewWriterValidates(t *testing.T) {
	t.Parallel()

	_, err := NewWriter(DefaultConfig(), nil, fake.New(epoch), nil)
	require.Error(t, err)
	_, err = NewWriter(DefaultConfig(), memory.NewBlobStore(), nil, nil)
	require.Error(t, err)
}

func TestAddingTargetSizeFlushesOnce(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	w := newTestWriter(t, DefaultConfig(), store, fake.New(epoch))
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		item, err := w.Add(ctx, newItem(i))
		require.NoError(t, err)
		require.Equal(t, "batch_1", item.BatchID)
	}
	require.Empty(t, store.Paths(""))

	_, err := w.Add(ctx, newItem(5))
	require.NoError(t, err)

	require.Len(t, store.Paths(""), 2, "one json and one csv file")
	require.Equal(t, []int{1}, seqs(t, store))
	require.Len(t, readBatch(t, store, 1), 5)

	stats := w.Stats()
	require.Zero(t, stats.Pending)
	require.Equal(t, 1, stats.Flushed)
	require.Equal(t, 5, stats.ItemsWritten)
}

func TestFlushEmptyIsNoop(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	w := newTestWriter(t, DefaultConfig(), store, fake.New(epoch))

	require.NoError(t, w.Flush(context.Background()))
	require.Empty(t, store.Paths(""))
	require.Zero(t, w.Stats().Flushed)
}

func TestSequenceNumbersHaveNoGaps(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	w := newTestWriter(t, DefaultConfig(), store, fake.New(epoch))
	ctx := context.Background()

	for i := range 12 {
		_, err := w.Add(ctx, newItem(i))
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush(ctx))
	require.NoError(t, w.Flush(ctx))

	require.Equal(t, []int{1, 2, 3}, seqs(t, store))
	require.Len(t, readBatch(t, store, 3), 2)
	for _, rec := range readBatch(t, store, 2) {
		require.Equal(t, "batch_2", rec.BatchID)
	}
}

func TestFailedWriteKeepsItemsAndSequence(t *testing.T) {
	t.Parallel()

	store := &failingStore{BlobStore: memory.NewBlobStore(), failures: 1}
	w := newTestWriter(t, DefaultConfig(), store, fake.New(epoch))
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		_, err := w.Add(ctx, newItem(i))
		require.NoError(t, err)
	}
	_, err := w.Add(ctx, newItem(5))
	require.ErrorIs(t, err, crawler.ErrPersistence)
	require.Equal(t, 5, w.Stats().Pending)

	require.NoError(t, w.Flush(ctx))
	require.Equal(t, []int{1}, seqs(t, store.BlobStore))
	require.Len(t, readBatch(t, store.BlobStore, 1), 5)
	require.Zero(t, w.Stats().Pending)
}

func TestRetryAfterPartialWriteOverwritesOrphan(t *testing.T) {
	t.Parallel()

	store := &suffixFailStore{BlobStore: memory.NewBlobStore(), suffix: ".csv"}
	clk := fake.New(epoch)
	w := newTestWriter(t, DefaultConfig(), store, clk)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := w.Add(ctx, newItem(i))
		require.NoError(t, err)
	}
	require.ErrorIs(t, w.Flush(ctx), crawler.ErrPersistence)
	require.Len(t, store.Paths("scrape_batch_1_"), 1)

	clk.Advance(2 * time.Second)
	_, err := w.Add(ctx, newItem(4))
	require.NoError(t, err)
	require.NoError(t, w.Flush(ctx))

	require.Equal(t, []int{1}, seqs(t, store.BlobStore))
	paths := store.Paths("scrape_batch_1_")
	require.Len(t, paths, 2)
	for _, p := range paths {
		assert.Contains(t, p, "_20240501_120000.")
	}
	require.Len(t, readBatch(t, store.BlobStore, 1), 4)

	// The next batch is named from the clock again.
	_, err = w.Add(ctx, newItem(5))
	require.NoError(t, err)
	require.NoError(t, w.Flush(ctx))
	paths = store.Paths("scrape_batch_2_")
	require.Len(t, paths, 2)
	assert.Contains(t, paths[0], "_20240501_120002.")
}

func TestItemAddedDuringFailedFlushIsStoredUnderRestoredBatch(t *testing.T) {
	t.Parallel()

	store := &gatedStore{
		BlobStore: memory.NewBlobStore(),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	w := newTestWriter(t, DefaultConfig(), store, fake.New(epoch))
	ctx := context.Background()

	first, err := w.Add(ctx, newItem(1))
	require.NoError(t, err)
	require.Equal(t, "batch_1", first.BatchID)

	flushed := make(chan error, 1)
	go func() { flushed <- w.Flush(ctx) }()
	<-store.entered

	second, err := w.Add(ctx, newItem(2))
	require.NoError(t, err)
	assert.Equal(t, "batch_2", second.BatchID, "stamped while batch 1 is in flight")

	close(store.release)
	require.ErrorIs(t, <-flushed, crawler.ErrPersistence)
	require.NoError(t, w.Flush(ctx))

	require.Equal(t, []int{1}, seqs(t, store.BlobStore))
	recs := readBatch(t, store.BlobStore, 1)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, "batch_1", r.BatchID)
	}
}

func TestTargetGrowsWhenThroughputImproves(t *testing.T) {
	t.Parallel()

	clk := fake.New(epoch)
	store := &slowStore{BlobStore: memory.NewBlobStore(), clk: clk}
	cfg := DefaultConfig()
	cfg.InitialSize = 3
	w := newTestWriter(t, cfg, store, clk)
	ctx := context.Background()

	// Throughput per flush: 3/2s, 3/1s, 3/0.5s.
	for _, d := range []time.Duration{time.Second, 500 * time.Millisecond, 250 * time.Millisecond} {
		store.setDelay(d)
		for i := range 3 {
			_, err := w.Add(ctx, newItem(i))
			require.NoError(t, err)
		}
	}
	require.Equal(t, 4, w.TargetSize())
}

func TestTargetShrinksWhenThroughputDegrades(t *testing.T) {
	t.Parallel()

	clk := fake.New(epoch)
	store := &slowStore{BlobStore: memory.NewBlobStore(), clk: clk}
	cfg := DefaultConfig()
	cfg.InitialSize = 3
	w := newTestWriter(t, cfg, store, clk)
	ctx := context.Background()

	for _, d := range []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second} {
		store.setDelay(d)
		for i := range 3 {
			_, err := w.Add(ctx, newItem(i))
			require.NoError(t, err)
		}
	}
	require.Equal(t, 2, w.TargetSize())
}

func TestTargetRespectsBounds(t *testing.T) {
	t.Parallel()

	clk := fake.New(epoch)
	store := &slowStore{BlobStore: memory.NewBlobStore(), clk: clk}
	cfg := Config{InitialSize: 2, MinSize: 2, MaxSize: 2}
	w := newTestWriter(t, cfg, store, clk)
	ctx := context.Background()

	for _, d := range []time.Duration{time.Second, 500 * time.Millisecond, 100 * time.Millisecond} {
		store.setDelay(d)
		for i := range 2 {
			_, err := w.Add(ctx, newItem(i))
			require.NoError(t, err)
		}
	}
	require.Equal(t, 2, w.TargetSize())
}

func TestIdleIntervalForcesFlush(t *testing.T) {
	t.Parallel()

	clk := fake.New(epoch)
	store := memory.NewBlobStore()
	w := newTestWriter(t, DefaultConfig(), store, clk)
	ctx := context.Background()

	_, err := w.Add(ctx, newItem(1))
	require.NoError(t, err)
	require.False(t, w.IdleDue())

	clk.Advance(5*time.Minute + time.Second)
	require.True(t, w.IdleDue())

	_, err = w.Add(ctx, newItem(2))
	require.NoError(t, err)
	require.Equal(t, []int{1}, seqs(t, store))
	require.Len(t, readBatch(t, store, 1), 2)
	require.False(t, w.IdleDue())
}

func TestRunIdleFlusher(t *testing.T) {
	t.Parallel()

	clk := fake.New(epoch)
	store := memory.NewBlobStore()
	w := newTestWriter(t, DefaultConfig(), store, clk)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := w.Add(ctx, newItem(1))
	require.NoError(t, err)
	clk.Advance(10 * time.Minute)

	done := make(chan struct{})
	go func() {
		w.RunIdleFlusher(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return w.Stats().Flushed == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestOutputFormats(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	w := newTestWriter(t, DefaultConfig(), store, fake.New(epoch))
	ctx := context.Background()

	item := newItem(7)
	item.Fields["custom"] = []string{"x", "y"}
	_, err := w.Add(ctx, item)
	require.NoError(t, err)
	require.NoError(t, w.Flush(ctx))

	paths := store.Paths("")
	require.Equal(t, []string{
		"scrape_batch_1_20240501_120000.csv",
		"scrape_batch_1_20240501_120000.json",
	}, paths)

	recs := readBatch(t, store, 1)
	require.Len(t, recs, 1)
	assert.Equal(t, "user7", recs[0].Username)
	assert.Equal(t, []string{"#coffee", "#latte"}, recs[0].Hashtags)
	assert.Equal(t, []string{}, recs[0].Phones)
	assert.Equal(t, 7, recs[0].Comments)
	assert.Equal(t, []string{"x", "y"}, recs[0].Extra["custom"])

	raw, contentType, ok := store.Object(paths[0])
	require.True(t, ok)
	assert.Equal(t, "text/csv", contentType)
	rows, err := csv.NewReader(strings.NewReader(string(raw))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, append(append([]string{}, csvHeader...), "custom"), rows[0])
	assert.Equal(t, "#coffee; #latte", rows[1][4])
	assert.Equal(t, "x; y", rows[1][10])
	assert.Equal(t, "batch_1", rows[1][9])
}

func TestFlushPublishesEvent(t *testing.T) {
	t.Parallel()

	pub := pubmem.New()
	store := memory.NewBlobStore()
	cfg := DefaultConfig()
	cfg.Topic = "batches"
	w := newTestWriter(t, cfg, store, fake.New(epoch), WithPublisher(pub), WithRunID("run-9"))
	ctx := context.Background()

	_, err := w.Add(ctx, newItem(1))
	require.NoError(t, err)
	require.NoError(t, w.Flush(ctx))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "batches", msgs[0].Topic)
	event, ok := msgs[0].Payload.(FlushEvent)
	require.True(t, ok)
	require.Equal(t, 1, event.Seq)
	require.Equal(t, 1, event.Items)
	require.Equal(t, "run-9", event.RunID)
	require.Equal(t, "batch.flushed", event.Attributes()["event"])

	pub.FailWith(errors.New("down"))
	_, err = w.Add(ctx, newItem(2))
	require.NoError(t, err)
	require.NoError(t, w.Flush(ctx), "publish failures do not fail the flush")
}

func TestConcurrentAdds(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	w := newTestWriter(t, DefaultConfig(), store, fake.New(epoch))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := w.Add(ctx, newItem(i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	require.NoError(t, w.Flush(ctx))

	got := seqs(t, store)
	total := 0
	for _, seq := range got {
		total += len(readBatch(t, store, seq))
	}
	require.Equal(t, 100, total)
	require.Equal(t, 100, w.Stats().ItemsWritten)

	seen := make(map[int]bool, len(got))
	for _, s := range got {
		seen[s] = true
	}
	for i := 1; i <= len(got); i++ {
		require.True(t, seen[i], "missing batch %d", i)
	}
}
