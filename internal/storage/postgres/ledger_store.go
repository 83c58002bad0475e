// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Chitransh6827/INSTA-CRAWLER/internal/dedup"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table naming.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// NewPool opens a pgx pool from cfg.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return p, nil
}

// LedgerStore persists dedup ledger state in two tables: <prefix>identifiers
// holding processed identifier digests and <prefix>entities holding per-entity
// accepted counts.
type LedgerStore struct {
	pool        pool
	identifiers string
	entities    string
}

// NewLedgerStoreWithPool constructs a store on an existing pool. Call
// EnsureSchema before first use.
func NewLedgerStoreWithPool(p pool, prefix string) (*LedgerStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if prefix == "" {
		prefix = "dedup_"
	}
	identifiers, entities := prefix+"identifiers", prefix+"entities"
	if !validTableName.MatchString(identifiers) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	return &LedgerStore{pool: p, identifiers: identifiers, entities: entities}, nil
}

// EnsureSchema creates the ledger tables if they are missing.
func (s *LedgerStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	hash TEXT PRIMARY KEY
)`, s.identifiers),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name TEXT PRIMARY KEY,
	accepted INTEGER NOT NULL DEFAULT 0
)`, s.entities),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure ledger schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *LedgerStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Load reads every identifier digest and entity count.
func (s *LedgerStore) Load(ctx context.Context) (dedup.State, error) {
	state := dedup.State{EntityCounts: map[string]int{}}

	rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT hash FROM %s", s.identifiers))
	if err != nil {
		return dedup.State{}, fmt.Errorf("query identifiers: %w", err)
	}
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			rows.Close()
			return dedup.State{}, fmt.Errorf("scan identifier: %w", err)
		}
		state.Identifiers = append(state.Identifiers, hash)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return dedup.State{}, fmt.Errorf("read identifiers: %w", err)
	}

	rows, err = s.pool.Query(ctx, fmt.Sprintf("SELECT name, accepted FROM %s", s.entities))
	if err != nil {
		return dedup.State{}, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name     string
			accepted int32
		)
		if err := rows.Scan(&name, &accepted); err != nil {
			return dedup.State{}, fmt.Errorf("scan entity: %w", err)
		}
		state.EntityCounts[name] = int(accepted)
	}
	if err := rows.Err(); err != nil {
		return dedup.State{}, fmt.Errorf("read entities: %w", err)
	}
	return state, nil
}

// Save upserts the full state. Counts only ever grow, so a stale concurrent
// writer can never lower a stored count.
func (s *LedgerStore) Save(ctx context.Context, state dedup.State) error {
	if len(state.Identifiers) > 0 {
		query := fmt.Sprintf(`
INSERT INTO %s (hash)
SELECT unnest($1::text[])
ON CONFLICT (hash) DO NOTHING`, s.identifiers)
		if _, err := s.pool.Exec(ctx, query, state.Identifiers); err != nil {
			return fmt.Errorf("upsert identifiers: %w", err)
		}
	}
	if len(state.EntityCounts) == 0 {
		return nil
	}
	names := make([]string, 0, len(state.EntityCounts))
	counts := make([]int32, 0, len(state.EntityCounts))
	for _, name := range slices.Sorted(maps.Keys(state.EntityCounts)) {
		names = append(names, name)
		counts = append(counts, int32(state.EntityCounts[name]))
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (name, accepted)
SELECT * FROM unnest($1::text[], $2::int[])
ON CONFLICT (name) DO UPDATE
SET accepted = GREATEST(%[1]s.accepted, EXCLUDED.accepted)`, s.entities)
	if _, err := s.pool.Exec(ctx, query, names, counts); err != nil {
		return fmt.Errorf("upsert entities: %w", err)
	}
	return nil
}
