package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-analyst/internal/bus"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedTasks    int64 `json:"purged_tasks"`
	PurgedSessions int64 `json:"purged_sessions"`
}

// RunRetention deletes finished tasks and idle sessions older than days.
// Turns, calls and attempts go with their parents. days <= 0 keeps
// everything. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, days int) (RetentionResult, error) {
	if days <= 0 {
		return RetentionResult{}, nil
	}
	res, err := s.PurgeBefore(ctx, time.Now().UTC().AddDate(0, 0, -days))
	if err == nil && res.PurgedTasks+res.PurgedSessions > 0 {
		s.bus.Publish(bus.TopicStoreRetention, bus.RetentionEvent{
			Tasks:    res.PurgedTasks,
			Sessions: res.PurgedSessions,
			Days:     days,
		})
	}
	return res, err
}

// PurgeBefore deletes tasks that ended before cutoff and sessions with no
// activity since cutoff.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (RetentionResult, error) {
	var result RetentionResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		result = RetentionResult{}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM tasks WHERE ended_at IS NOT NULL AND ended_at < ?;
		`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("purge tasks: %w", err)
		}
		result.PurgedTasks, _ = res.RowsAffected()

		// Tasks of purged sessions cascade; count them before they go.
		var orphaned int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM tasks t JOIN sessions s ON s.id = t.session_id WHERE s.updated_at < ?;
		`, cutoff.UTC()).Scan(&orphaned); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("count session tasks: %w", err)
		}
		res, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?;`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("purge sessions: %w", err)
		}
		result.PurgedSessions, _ = res.RowsAffected()
		result.PurgedTasks += orphaned
		return nil
	})
	return result, err
}
