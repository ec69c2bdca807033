package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-analyst/internal/capability"
	"github.com/basket/go-analyst/internal/coordinator"
)

// TaskSummary is one row of a session's task listing.
type TaskSummary struct {
	ID        string               `json:"id"`
	SessionID string               `json:"session_id"`
	Ordinal   int                  `json:"ordinal"`
	Kind      coordinator.TaskKind `json:"kind"`
	Request   string               `json:"request"`
	Status    coordinator.Status   `json:"status"`
	CreatedAt time.Time            `json:"created_at"`
	EndedAt   *time.Time           `json:"ended_at,omitempty"`
}

// RecordTask stores snap, replacing any earlier record of the same task
// together with its calls and attempts.
func (s *Store) RecordTask(ctx context.Context, snap coordinator.TaskSnapshot) error {
	if snap.ID == "" {
		return errors.New("empty task id")
	}
	errs, err := json.Marshal(snap.Errors)
	if err != nil {
		return fmt.Errorf("encode task errors: %w", err)
	}
	if snap.Errors == nil {
		errs = []byte("[]")
	}
	created := snap.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := ensureSessionTx(ctx, tx, snap.Request.SessionID, created); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, session_id, ordinal, kind, request, control, focus, state, status, errors, created_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				state = excluded.state,
				status = excluded.status,
				control = excluded.control,
				focus = excluded.focus,
				errors = excluded.errors,
				ended_at = excluded.ended_at;
		`, snap.ID, snap.Request.SessionID, snap.Request.Ordinal, string(snap.Kind), snap.Request.Text,
			snap.Control, snap.Focus, string(snap.State), string(snap.Status), string(errs),
			created.UTC(), nullTime(snap.EndedAt)); err != nil {
			return fmt.Errorf("upsert task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM calls WHERE task_id = ?;`, snap.ID); err != nil {
			return fmt.Errorf("reset calls: %w", err)
		}
		for _, call := range snap.Calls {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO calls (task_id, role, capability, input) VALUES (?, ?, ?, ?);
			`, snap.ID, string(call.Role), string(call.Capability), call.Input); err != nil {
				return fmt.Errorf("insert call %s: %w", call.Role, err)
			}
			for _, a := range call.Attempts {
				if err := insertAttemptTx(ctx, tx, snap.ID, call.Role, a); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func insertAttemptTx(ctx context.Context, tx *sql.Tx, taskID string, role coordinator.CallRole, a coordinator.Attempt) error {
	var payload, failure any
	if len(a.Result.Payload) > 0 {
		payload = string(a.Result.Payload)
	}
	if a.Result.Failure != nil {
		failure = a.Result.Failure.Message
	}
	var category, reason string
	if a.Classification != nil {
		category, reason = string(a.Classification.Category), string(a.Classification.Reason)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO attempts (task_id, role, number, input, payload, failure, category, reason, duration_ns, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, taskID, string(role), a.Number, a.Input, payload, failure, category, reason, int64(a.Result.Duration), a.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert attempt %s/%d: %w", role, a.Number, err)
	}
	return nil
}

// GetTask rebuilds the stored snapshot of a task. Unknown ids return
// ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (coordinator.TaskSnapshot, error) {
	var (
		snap    coordinator.TaskSnapshot
		kind    string
		state   string
		status  string
		errs    string
		endedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, ordinal, kind, request, control, focus, state, status, errors, created_at, ended_at
		FROM tasks WHERE id = ?;
	`, taskID).Scan(&snap.ID, &snap.Request.SessionID, &snap.Request.Ordinal, &kind, &snap.Request.Text,
		&snap.Control, &snap.Focus, &state, &status, &errs, &snap.CreatedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return coordinator.TaskSnapshot{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return coordinator.TaskSnapshot{}, fmt.Errorf("query task: %w", err)
	}
	snap.Kind = coordinator.TaskKind(kind)
	snap.State = coordinator.State(state)
	snap.Status = coordinator.Status(status)
	snap.Request.ReceivedAt = snap.CreatedAt
	if endedAt.Valid {
		snap.EndedAt = endedAt.Time
	}
	if err := json.Unmarshal([]byte(errs), &snap.Errors); err != nil {
		return coordinator.TaskSnapshot{}, fmt.Errorf("decode task errors: %w", err)
	}
	if len(snap.Errors) == 0 {
		snap.Errors = nil
	}

	calls, err := s.loadCalls(ctx, taskID)
	if err != nil {
		return coordinator.TaskSnapshot{}, err
	}
	snap.Calls = calls
	return snap, nil
}

func (s *Store) loadCalls(ctx context.Context, taskID string) ([]coordinator.CapabilityCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.role, c.capability, c.input,
			a.number, a.input, a.payload, a.failure, a.category, a.reason, a.duration_ns, a.started_at
		FROM calls c
		LEFT JOIN attempts a ON a.task_id = c.task_id AND a.role = c.role
		WHERE c.task_id = ?
		ORDER BY c.rowid ASC, a.number ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	var out []coordinator.CapabilityCall
	for rows.Next() {
		var (
			role, capName, input string
			number               sql.NullInt64
			aInput               sql.NullString
			payload, failure     sql.NullString
			category, reason     sql.NullString
			duration             sql.NullInt64
			startedAt            sql.NullTime
		)
		if err := rows.Scan(&role, &capName, &input, &number, &aInput, &payload, &failure, &category, &reason, &duration, &startedAt); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		if n := len(out); n == 0 || string(out[n-1].Role) != role {
			out = append(out, coordinator.CapabilityCall{
				Role:       coordinator.CallRole(role),
				Capability: capability.Name(capName),
				Input:      input,
			})
		}
		if !number.Valid {
			continue
		}
		a := coordinator.Attempt{
			Number:    int(number.Int64),
			Input:     aInput.String,
			StartedAt: startedAt.Time,
			Result: capability.Result{
				Capability: capability.Name(capName),
				Duration:   time.Duration(duration.Int64),
			},
		}
		if payload.Valid {
			a.Result.Payload = json.RawMessage(payload.String)
		}
		if failure.Valid {
			a.Result.Failure = &capability.Failure{Message: failure.String}
		}
		if category.String != "" {
			a.Classification = &coordinator.Classification{
				Category: coordinator.Category(category.String),
				Reason:   coordinator.Reason(reason.String),
			}
		}
		last := &out[len(out)-1]
		last.Attempts = append(last.Attempts, a)
	}
	return out, rows.Err()
}

// ListTasksBySession returns the session's tasks, newest first.
func (s *Store) ListTasksBySession(ctx context.Context, sessionID string, limit int) ([]TaskSummary, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, ordinal, kind, request, status, created_at, ended_at
		FROM tasks
		WHERE session_id = ?
		ORDER BY created_at DESC, ordinal DESC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskSummary
	for rows.Next() {
		var (
			t       TaskSummary
			endedAt sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Ordinal, &t.Kind, &t.Request, &t.Status, &t.CreatedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if endedAt.Valid {
			ended := endedAt.Time
			t.EndedAt = &ended
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TaskCounts returns the number of stored tasks per status.
func (s *Store) TaskCounts(ctx context.Context) (map[coordinator.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	out := make(map[coordinator.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[coordinator.Status(status)] = n
	}
	return out, rows.Err()
}
