package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	perrors "github.com/p-blackswan/area/internal/errors"
)

// Execution statuses.
const (
	ExecutionPending = "pending"
	ExecutionSuccess = "success"
	ExecutionFailure = "failure"
)

// Execution is the audit row of one reaction pipeline invocation.
type Execution struct {
	ID             string
	AreaID         string
	EventID        string
	Status         string
	TriggeredAt    int64 // unix ms
	FinishedAt     int64 // unix ms, 0 = still pending
	Error          string
	TriggerPayload string // JSON snapshot of the trigger event
	Attempt        int
}

// ExecutionFilter for filtering executions
type ExecutionFilter struct {
	AreaID  string
	EventID string
	Status  string
	Limit   int
}

const executionSelect = `
	SELECT id, area_id, event_id, status, triggered_at, finished_at, error, trigger_payload, attempt
	FROM area_executions`

func scanExecution(row rowScanner) (*Execution, error) {
	e := &Execution{}
	var eventID, errMsg, payload sql.NullString
	var finished sql.NullInt64
	err := row.Scan(&e.ID, &e.AreaID, &eventID, &e.Status, &e.TriggeredAt, &finished, &errMsg, &payload, &e.Attempt)
	if err != nil {
		return nil, err
	}
	e.EventID = eventID.String
	e.FinishedAt = finished.Int64
	e.Error = errMsg.String
	e.TriggerPayload = payload.String
	return e, nil
}

// CreateExecution inserts a pending execution row. Empty ID, status and
// attempt are filled in.
func (s *Store) CreateExecution(ctx context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TriggeredAt == 0 {
		e.TriggeredAt = s.nowMs()
	}
	if e.Attempt == 0 {
		e.Attempt = 1
	}
	e.Status = ExecutionPending

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO area_executions (id, area_id, event_id, status, triggered_at, error, trigger_payload, attempt)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?)`,
		e.ID, e.AreaID, nullString(e.EventID), e.Status, e.TriggeredAt, nullString(e.TriggerPayload), e.Attempt)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// FinishExecution moves a pending execution to success or failure. A row that
// already left pending is never rewritten.
func (s *Store) FinishExecution(ctx context.Context, id, status, errMsg string, at time.Time) error {
	if status != ExecutionSuccess && status != ExecutionFailure {
		return perrors.Validationf("invalid terminal status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE area_executions SET status = ?, error = ?, finished_at = ?
		WHERE id = ? AND status = 'pending'`,
		status, nullString(errMsg), at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to finish execution: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM area_executions WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return perrors.NewNotFound("execution", id)
	}
	if err != nil {
		return fmt.Errorf("failed to load execution: %w", err)
	}
	return fmt.Errorf("execution %s already %s: %w", id, current, perrors.ErrConflict)
}

// GetExecution retrieves an execution by ID. Returns nil, nil when absent.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := scanExecution(s.db.QueryRowContext(ctx, executionSelect+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return e, nil
}

// ListExecutions retrieves executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := executionSelect + ` WHERE 1 = 1`
	args := []interface{}{}
	if f.AreaID != "" {
		query += ` AND area_id = ?`
		args = append(args, f.AreaID)
	}
	if f.EventID != "" {
		query += ` AND event_id = ?`
		args = append(args, f.EventID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY triggered_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FailPendingExecutions marks pending executions triggered before cutoff as
// failed. Rows that old belong to a process that died mid-reaction; younger
// ones may still be running on another instance.
func (s *Store) FailPendingExecutions(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE area_executions SET status = 'failure', error = ?, finished_at = ?
		WHERE status = 'pending' AND triggered_at < ?`, reason, s.nowMs(), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to fail pending executions: %w", err)
	}
	return result.RowsAffected()
}
