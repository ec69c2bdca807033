package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-analyst/internal/conversation"
)

// Session summarizes one stored conversation.
type Session struct {
	ID        string    `json:"id"`
	Epoch     int       `json:"epoch"`
	Turns     int       `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func ensureSessionTx(ctx context.Context, tx *sql.Tx, sessionID string, at time.Time) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("empty session_id")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = MAX(updated_at, excluded.updated_at);
	`, sessionID, at.UTC(), at.UTC())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *Store) EnsureSession(ctx context.Context, sessionID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return ensureSessionTx(ctx, tx, sessionID, time.Now())
	})
}

// RecordTurn persists an appended turn. Re-recording the same ordinal is a
// no-op.
func (s *Store) RecordTurn(ctx context.Context, sessionID string, turn conversation.Turn) error {
	at := turn.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := ensureSessionTx(ctx, tx, sessionID, at); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO turns (session_id, ordinal, request, kind, outcome, status, task_id, epoch, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, ordinal) DO NOTHING;
		`, sessionID, turn.Ordinal, turn.Request, turn.Kind, turn.Outcome, turn.Status, turn.TaskID, turn.Epoch, at.UTC())
		if err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		return nil
	})
}

// RecordEpoch stores the session's current epoch.
func (s *Store) RecordEpoch(ctx context.Context, sessionID string, epoch int) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := ensureSessionTx(ctx, tx, sessionID, time.Now()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET epoch = ? WHERE id = ?;`, epoch, sessionID); err != nil {
			return fmt.Errorf("update epoch: %w", err)
		}
		return nil
	})
}

// LoadTurns returns every stored turn of the session, oldest first, and its
// current epoch. An unknown session has no turns.
func (s *Store) LoadTurns(ctx context.Context, sessionID string) ([]conversation.Turn, int, error) {
	var epoch int
	err := s.db.QueryRowContext(ctx, `SELECT epoch FROM sessions WHERE id = ?;`, sessionID).Scan(&epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("query session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ordinal, request, kind, outcome, status, task_id, epoch, created_at
		FROM turns
		WHERE session_id = ?
		ORDER BY ordinal ASC;
	`, sessionID)
	if err != nil {
		return nil, 0, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []conversation.Turn
	for rows.Next() {
		var t conversation.Turn
		if err := rows.Scan(&t.Ordinal, &t.Request, &t.Kind, &t.Outcome, &t.Status, &t.TaskID, &t.Epoch, &t.Timestamp); err != nil {
			return nil, 0, fmt.Errorf("scan turn: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("turn rows: %w", err)
	}
	return out, epoch, nil
}

// ListSessions returns the most recently active sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.epoch, s.created_at, s.updated_at,
			(SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id)
		FROM sessions s
		ORDER BY s.updated_at DESC, s.id ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Epoch, &sess.CreatedAt, &sess.UpdatedAt, &sess.Turns); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}
