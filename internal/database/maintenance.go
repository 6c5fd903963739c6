package database

import (
	"context"
	"fmt"
	"time"

	"github.com/snarg/transcript-engine/internal/jobs"
)

// DeleteOlderThan removes jobs created before cutoff in one statement and
// returns their metadata so callers can drop audio and summaries.
func (s *JobStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]jobs.Job, error) {
	rows, err := s.db.Pool.Query(ctx, `
		DELETE FROM jobs WHERE created_at < $1
		RETURNING `+jobMetaColumns, cutoff)
	if err != nil {
		return nil, fmt.Errorf("purge jobs: %w", err)
	}
	defer rows.Close()

	removed := []jobs.Job{}
	for rows.Next() {
		j, err := scanJobMeta(rows)
		if err != nil {
			return nil, err
		}
		removed = append(removed, *j)
	}
	return removed, rows.Err()
}

// StateCounts returns the number of jobs in each workflow state.
func (db *DB) StateCounts(ctx context.Context) (map[jobs.State]int, error) {
	rows, err := db.Pool.Query(ctx, `SELECT state, count(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[jobs.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[jobs.State(state)] = n
	}
	return counts, rows.Err()
}
