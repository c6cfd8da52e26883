package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// pruneBatchRows is how many oldest rows one delete batch removes.
	pruneBatchRows = 500

	// pruneTargetFraction is the fill level pruning drives the store down to.
	pruneTargetFraction = 0.9

	// pruneHeartbeat bounds how long a ceiling crossing can go unnoticed
	// if the append-path kick was missed.
	pruneHeartbeat = 5 * time.Second
)

// StartRetention launches the background retention loop. The loop wakes on
// append-path kicks and on a heartbeat, and prunes oldest rows in batches
// whenever the byte budget is exceeded. Stop by cancelling ctx; the
// returned channel closes when the loop has exited.
func (s *Store) StartRetention(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		ticker := time.NewTicker(pruneHeartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.pruneKick:
			case <-ticker.C:
			}
			if s.bytes.Load() <= s.limitBytes {
				continue
			}
			s.pruneToTarget(ctx)
		}
	}()
	slog.Info("Event store retention started",
		"limit_bytes", s.limitBytes, "heartbeat", pruneHeartbeat)
	return done
}

// pruneToTarget deletes oldest rows in batches until the store is below the
// target fill level. Failed batches are retried with back-off; appends keep
// succeeding throughout.
func (s *Store) pruneToTarget(ctx context.Context) {
	target := int64(float64(s.limitBytes) * pruneTargetFraction)

	s.pruning.Store(true)
	defer s.pruning.Store(false)

	slog.Info("Event store over byte ceiling, pruning oldest rows",
		"bytes", s.bytes.Load(), "target_bytes", target)

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	for s.bytes.Load() > target {
		removed, err := backoff.RetryWithData(func() (int64, error) {
			return s.pruneOldestBatch(ctx)
		}, policy)
		if err != nil {
			slog.Error("Event store pruning failed, giving up until next wake",
				"error", err)
			return
		}
		if removed == 0 {
			// Accounting drift: nothing left to delete. Resync from the table.
			s.resyncAccounting(ctx)
			return
		}
	}

	slog.Info("Event store pruning finished",
		"bytes", s.bytes.Load(), "rows", s.rows.Load())
}

// pruneOldestBatch removes one batch of oldest rows and returns how many
// rows it deleted.
func (s *Store) pruneOldestBatch(ctx context.Context) (int64, error) {
	var count, freed int64
	err := s.db.QueryRowContext(ctx,
		`WITH del AS (
			DELETE FROM events WHERE id IN (
				SELECT id FROM events ORDER BY ts ASC, id ASC LIMIT $1
			) RETURNING payload_bytes
		) SELECT COUNT(*), COALESCE(SUM(payload_bytes), 0) FROM del`,
		pruneBatchRows,
	).Scan(&count, &freed)
	if err != nil {
		return 0, fmt.Errorf("failed to prune batch: %w", err)
	}
	s.rows.Add(-count)
	s.bytes.Add(-freed)
	return count, nil
}

// resyncAccounting reloads the in-memory counters from the table.
func (s *Store) resyncAccounting(ctx context.Context) {
	var bytes, rows int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(payload_bytes), 0), COUNT(*) FROM events`,
	).Scan(&bytes, &rows)
	if err != nil {
		slog.Error("Failed to resync store accounting", "error", err)
		return
	}
	s.bytes.Store(bytes)
	s.rows.Store(rows)
}
