package store

import (
	"context"
	"fmt"
)

// PurgeMetricsOlderThan deletes host_metrics, vm_metrics, and
// container_metrics rows recorded before the cutoff, enforcing the
// retention window (spec.md §3, default 7 days). Returns the total number
// of rows removed across all three tables.
func (s *SQLiteStore) PurgeMetricsOlderThan(ctx context.Context, cutoffUnixSeconds int64) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge tx: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, table := range []string{"host_metrics", "vm_metrics", "container_metrics"} {
		result, err := tx.ExecContext(ctx,
			"DELETE FROM "+table+" WHERE recorded_at < datetime(?, 'unixepoch')", cutoffUnixSeconds)
		if err != nil {
			return 0, fmt.Errorf("purge %s: %w", table, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected for %s: %w", table, err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge tx: %w", err)
	}
	return total, nil
}
