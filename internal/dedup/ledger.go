// Package dedup tracks which pages have been processed and how many items each
// owning entity has contributed, persisting that state across runs.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Chitransh6827/INSTA-CRAWLER/internal/crawler"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/hash/sha256"
)

// DefaultMaxPerEntity caps how many items one entity may contribute.
const DefaultMaxPerEntity = 5

// State is the persisted form of the ledger. Identifiers holds Hasher digests
// (SHA-256 hex by default), never raw identifiers.
type State struct {
	Identifiers  []string       `json:"urls"`
	EntityCounts map[string]int `json:"username_post_counts"`
}

// Store loads and saves ledger state. Load on a store with nothing saved
// returns an empty State and no error.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}

// Config tunes the ledger. A nil Hasher uses SHA-256.
type Config struct {
	MaxPerEntity int
	Hasher       crawler.Hasher
}

// Ledger is safe for concurrent use. Every mutation is persisted through the
// Store; persistence failures are logged and returned wrapped in
// crawler.ErrPersistence but never undo the in-memory change.
type Ledger struct {
	maxPerEntity int
	hasher       crawler.Hasher
	store        Store
	logger       *zap.Logger

	mu        sync.Mutex
	processed map[string]struct{}
	inflight  map[string]struct{}
	counts    map[string]int
	version   uint64

	saveMu       sync.Mutex
	savedVersion uint64
}

// New builds a Ledger and loads any previously persisted state. A nil store
// keeps state in memory only. Load failures start the ledger empty.
func New(ctx context.Context, cfg Config, store Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPerEntity <= 0 {
		cfg.MaxPerEntity = DefaultMaxPerEntity
	}
	if cfg.Hasher == nil {
		cfg.Hasher = sha256.New()
	}
	l := &Ledger{
		maxPerEntity: cfg.MaxPerEntity,
		hasher:       cfg.Hasher,
		store:        store,
		logger:       logger.Named("dedup"),
		processed:    make(map[string]struct{}),
		inflight:     make(map[string]struct{}),
		counts:       make(map[string]int),
	}
	if store == nil {
		return l
	}
	state, err := store.Load(ctx)
	if err != nil {
		l.logger.Warn("could not load dedup state, starting empty", zap.Error(err))
		return l
	}
	for _, h := range state.Identifiers {
		l.processed[h] = struct{}{}
	}
	for name, n := range state.EntityCounts {
		if key := normalizeEntity(name); key != "" && n > 0 {
			l.counts[key] = max(l.counts[key], n)
		}
	}
	l.logger.Info("loaded dedup state",
		zap.Int("identifiers", len(l.processed)),
		zap.Int("entities", len(l.counts)))
	return l
}

// IsProcessed reports whether the identifier has been marked processed.
func (l *Ledger) IsProcessed(identifier string) bool {
	key := l.hasher.Hash(identifier)
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.processed[key]
	return ok
}

// Claim reserves the identifier for one caller. It fails when the identifier
// is already processed or claimed by someone else. A claim ends with
// MarkProcessed or Release. Claims are not persisted.
func (l *Ledger) Claim(identifier string) bool {
	key := l.hasher.Hash(identifier)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.processed[key]; ok {
		return false
	}
	if _, ok := l.inflight[key]; ok {
		return false
	}
	l.inflight[key] = struct{}{}
	return true
}

// Release drops a claim without marking the identifier processed, so a later
// task may try it again. Releasing an unclaimed identifier is a no-op.
func (l *Ledger) Release(identifier string) {
	key := l.hasher.Hash(identifier)
	l.mu.Lock()
	delete(l.inflight, key)
	l.mu.Unlock()
}

// IsEntityCapped reports whether the entity reached its cap.
func (l *Ledger) IsEntityCapped(entity string) bool {
	return !l.CanAccept(entity)
}

// CanAccept reports whether the entity may contribute another item.
func (l *Ledger) CanAccept(entity string) bool {
	key := normalizeEntity(entity)
	if key == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[key] < l.maxPerEntity
}

// AcceptedCount returns how many items the entity has contributed.
func (l *Ledger) AcceptedCount(entity string) int {
	key := normalizeEntity(entity)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[key]
}

// MarkProcessed records the identifier and ends any claim on it. Marking
// twice is a no-op.
func (l *Ledger) MarkProcessed(ctx context.Context, identifier string) error {
	key := l.hasher.Hash(identifier)
	l.mu.Lock()
	delete(l.inflight, key)
	if _, ok := l.processed[key]; ok {
		l.mu.Unlock()
		return nil
	}
	l.processed[key] = struct{}{}
	snapshot, version := l.snapshotLocked()
	l.mu.Unlock()
	return l.persist(ctx, snapshot, version)
}

// RecordAcceptance increments the entity's count without checking the cap.
// Empty entity names are ignored.
func (l *Ledger) RecordAcceptance(ctx context.Context, entity string) error {
	key := normalizeEntity(entity)
	if key == "" {
		return nil
	}
	l.mu.Lock()
	l.counts[key]++
	snapshot, version := l.snapshotLocked()
	l.mu.Unlock()
	return l.persist(ctx, snapshot, version)
}

// TryAccept increments the entity's count only if it is below the cap, as a
// single step. It reports whether the item was accepted. Empty entity names
// are accepted without being counted. The returned error only reports a
// persistence failure and never changes the accepted result.
func (l *Ledger) TryAccept(ctx context.Context, entity string) (bool, error) {
	key := normalizeEntity(entity)
	if key == "" {
		return true, nil
	}
	l.mu.Lock()
	if l.counts[key] >= l.maxPerEntity {
		l.mu.Unlock()
		return false, nil
	}
	l.counts[key]++
	snapshot, version := l.snapshotLocked()
	l.mu.Unlock()
	return true, l.persist(ctx, snapshot, version)
}

// ProcessedCount returns the size of the processed set.
func (l *Ledger) ProcessedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.processed)
}

// Flush persists the current state unconditionally.
func (l *Ledger) Flush(ctx context.Context) error {
	l.mu.Lock()
	snapshot, version := l.snapshotLocked()
	l.mu.Unlock()
	return l.persist(ctx, snapshot, version)
}

// snapshotLocked copies the state and bumps the version. Must be called with mu held.
func (l *Ledger) snapshotLocked() (State, uint64) {
	l.version++
	ids := make([]string, 0, len(l.processed))
	for h := range l.processed {
		ids = append(ids, h)
	}
	slices.Sort(ids)
	counts := make(map[string]int, len(l.counts))
	for k, v := range l.counts {
		counts[k] = v
	}
	return State{Identifiers: ids, EntityCounts: counts}, l.version
}

// persist saves snapshot unless a newer one has already been written.
func (l *Ledger) persist(ctx context.Context, snapshot State, version uint64) error {
	if l.store == nil {
		return nil
	}
	l.saveMu.Lock()
	defer l.saveMu.Unlock()
	if version <= l.savedVersion {
		return nil
	}
	if err := l.store.Save(ctx, snapshot); err != nil {
		l.logger.Warn("could not persist dedup state", zap.Error(err))
		return errors.Join(crawler.ErrPersistence, fmt.Errorf("save dedup state: %w", err))
	}
	l.savedVersion = version
	return nil
}

func normalizeEntity(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
