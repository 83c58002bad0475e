package postgres

import (
	"context"
	"fmt"

	"github.com/Chitransh6827/INSTA-CRAWLER/internal/crawler"
)

// RunStore records crawl runs in the <prefix>runs table.
type RunStore struct {
	pool  pool
	table string
}

// NewRunStoreWithPool constructs a RunStore on an existing pool.
func NewRunStoreWithPool(p pool, prefix string) (*RunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if prefix == "" {
		prefix = "crawl_"
	}
	table := prefix + "runs"
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	return &RunStore{pool: p, table: table}, nil
}

// EnsureSchema creates the runs table if it is missing.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	keyword TEXT NOT NULL,
	tier TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	status TEXT NOT NULL,
	candidates INTEGER NOT NULL DEFAULT 0,
	accepted INTEGER NOT NULL DEFAULT 0,
	unique_entities INTEGER NOT NULL DEFAULT 0
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure runs schema: %w", err)
	}
	return nil
}

// StartRun inserts a running row for the run.
func (s *RunStore) StartRun(ctx context.Context, run crawler.RunInfo) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, keyword, tier, started_at, status)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, run.ID, run.Keyword, run.Tier, run.StartedAt, "running"); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stores the final counters for the run.
func (s *RunStore) FinishRun(ctx context.Context, summary crawler.RunSummary) error {
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, status = $2, candidates = $3, accepted = $4, unique_entities = $5
WHERE id = $6`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		summary.FinishedAt,
		summary.Status,
		summary.Candidates,
		summary.Accepted,
		summary.UniqueEntities,
		summary.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %q not found", summary.ID)
	}
	return nil
}
