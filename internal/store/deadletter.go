package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	perrors "github.com/p-blackswan/taskpilot/internal/errors"
)

// Dead-letter kinds recorded by the orchestrator and the trigger queue.
// Kind names match the side_effect label of
// taskpilot_side_effect_failures_total.
const (
	KindHistory       = "history"
	KindArtifact      = "artifact_upload"
	KindLogs          = "log_upload"
	KindTriggerStatus = "trigger_status"
	KindAddTask       = "add_task"
	KindRemoveTask    = "remove_task"
	KindAutoConfirm   = "auto_confirm"
	KindAutoSkip      = "auto_skip"
	KindStop          = "stop"
)

// DeadLetter is a best-effort side effect that failed and was swallowed.
type DeadLetter struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Subject    string `json:"subject"`
	Error      string `json:"error"`
	Attempts   int    `json:"attempts"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
	ResolvedAt int64  `json:"resolved_at,omitempty"` // 0 = unresolved
}

// SaveDeadLetter records a failure of kind for subject. An unresolved entry
// for the same kind and subject is updated in place and its attempt count
// incremented.
func (s *Store) SaveDeadLetter(ctx context.Context, kind, subject, errText string) (*DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	dl := &DeadLetter{}
	err = tx.QueryRowContext(ctx, `
	SELECT id, created_at, attempts FROM dead_letters
	WHERE kind = ? AND subject = ? AND resolved_at IS NULL
	`, kind, subject).Scan(&dl.ID, &dl.CreatedAt, &dl.Attempts)

	switch {
	case err == sql.ErrNoRows:
		dl.ID = uuid.NewString()
		dl.CreatedAt = now
		dl.Attempts = 1
		_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letters (id, kind, subject, error, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		`, dl.ID, kind, subject, errText, dl.Attempts, dl.CreatedAt, now)
		if err != nil {
			return nil, fmt.Errorf("failed to save dead letter: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to look up dead letter: %w", err)
	default:
		dl.Attempts++
		_, err = tx.ExecContext(ctx, `
		UPDATE dead_letters SET error = ?, attempts = ?, updated_at = ? WHERE id = ?
		`, errText, dl.Attempts, now, dl.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to update dead letter: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dead letter: %w", err)
	}

	dl.Kind = kind
	dl.Subject = subject
	dl.Error = errText
	dl.UpdatedAt = now
	return dl, nil
}

// GetDeadLetter returns a dead letter by id.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
	SELECT id, kind, subject, error, attempts, created_at, updated_at, resolved_at
	FROM dead_letters WHERE id = ?
	`, id)

	dl, err := scanDeadLetter(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("dead letter %s: %w", id, perrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return dl, nil
}

// ListDeadLetters returns dead letters newest first. Resolved entries are
// included only when includeResolved is set. A limit <= 0 means no limit.
func (s *Store) ListDeadLetters(ctx context.Context, includeResolved bool, limit int) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT id, kind, subject, error, attempts, created_at, updated_at, resolved_at
	FROM dead_letters
	`
	if !includeResolved {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY updated_at DESC, created_at DESC`

	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	dls := []*DeadLetter{}
	for rows.Next() {
		dl, err := scanDeadLetter(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dls = append(dls, dl)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return dls, nil
}

// CountUnresolved returns the number of open dead letters.
func (s *Store) CountUnresolved(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE resolved_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}

// ResolveDeadLetter marks a dead letter as resolved
func (s *Store) ResolveDeadLetter(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("dead letter %s: %w", id, perrors.ErrNotFound)
	}
	return nil
}

func scanDeadLetter(scan func(dest ...interface{}) error) (*DeadLetter, error) {
	dl := &DeadLetter{}
	var resolved sql.NullInt64
	if err := scan(&dl.ID, &dl.Kind, &dl.Subject, &dl.Error, &dl.Attempts,
		&dl.CreatedAt, &dl.UpdatedAt, &resolved); err != nil {
		return nil, err
	}
	if resolved.Valid {
		dl.ResolvedAt = resolved.Int64
	}
	return dl, nil
}
