// Package store is the PostgreSQL persistence layer: the time-series event
// store with its byte-budget retention, plus mapper configuration, alert
// rules, alerts, chat sessions and users.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
)

// Store wraps the shared connection pool and tracks the event store's byte
// budget in memory so the hot append path never needs an aggregate query.
type Store struct {
	db *sql.DB

	limitBytes int64
	bytes      atomic.Int64
	rows       atomic.Int64
	pruning    atomic.Bool

	// pruneKick wakes the retention loop; buffered so appends never block.
	pruneKick chan struct{}
}

// New creates a Store and initializes the in-memory byte accounting from
// the current table contents.
func New(ctx context.Context, db *sql.DB, limitBytes int64) (*Store, error) {
	s := &Store{
		db:         db,
		limitBytes: limitBytes,
		pruneKick:  make(chan struct{}, 1),
	}

	var bytes, rows int64
	err := db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(payload_bytes), 0), COUNT(*) FROM events`,
	).Scan(&bytes, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store accounting: %w", err)
	}
	s.bytes.Store(bytes)
	s.rows.Store(rows)
	return s, nil
}

// DB exposes the pool for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Stats returns the current event store snapshot.
func (s *Store) Stats() StoreStatsSnapshot {
	return StoreStatsSnapshot{
		TotalRows:     s.rows.Load(),
		Bytes:         s.bytes.Load(),
		LimitBytes:    s.limitBytes,
		PruningActive: s.pruning.Load(),
	}
}

// StoreStatsSnapshot mirrors models.StoreStats plus the configured ceiling.
type StoreStatsSnapshot struct {
	TotalRows     int64
	Bytes         int64
	LimitBytes    int64
	PruningActive bool
}

// kickPrune signals the retention loop without blocking.
func (s *Store) kickPrune() {
	select {
	case s.pruneKick <- struct{}{}:
	default:
	}
}
