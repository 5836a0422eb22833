package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PollMarkerKey is the hook state row written when an area is polled before
// its connector has stored any cursor. It carries only last_checked_at.
const PollMarkerKey = "_last_poll"

// HookState is one persisted cursor of an area's trigger.
type HookState struct {
	AreaID        string
	Key           string
	Value         *string // nil = no value stored yet
	LastCheckedAt int64   // unix ms, 0 = never checked
	CreatedAt     int64
	UpdatedAt     int64
}

const hookSelect = `SELECT area_id, state_key, state_value, last_checked_at, created_at, updated_at FROM hook_states`

func scanHookState(row rowScanner) (*HookState, error) {
	h := &HookState{}
	var value sql.NullString
	var checked sql.NullInt64
	if err := row.Scan(&h.AreaID, &h.Key, &value, &checked, &h.CreatedAt, &h.UpdatedAt); err != nil {
		return nil, err
	}
	if value.Valid {
		v := value.String
		h.Value = &v
	}
	h.LastCheckedAt = checked.Int64
	return h, nil
}

// GetHookState returns the state row for (areaID, key), or nil, nil when the
// cursor has never been written.
func (s *Store) GetHookState(ctx context.Context, areaID, key string) (*HookState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, err := scanHookState(s.db.QueryRowContext(ctx, hookSelect+` WHERE area_id = ? AND state_key = ?`, areaID, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get hook state: %w", err)
	}
	return h, nil
}

// HookValue returns the stored cursor value and whether one exists.
func (s *Store) HookValue(ctx context.Context, areaID, key string) (string, bool, error) {
	h, err := s.GetHookState(ctx, areaID, key)
	if err != nil || h == nil || h.Value == nil {
		return "", false, err
	}
	return *h.Value, true, nil
}

// ListHookStates returns every state row of an area ordered by key.
func (s *Store) ListHookStates(ctx context.Context, areaID string) ([]HookState, error) {
	return s.queryHookStates(ctx, hookSelect+` WHERE area_id = ? ORDER BY state_key`, areaID)
}

// HookCursor returns the non-null cursor values of an area as a map.
func (s *Store) HookCursor(ctx context.Context, areaID string) (map[string]string, error) {
	states, err := s.ListHookStates(ctx, areaID)
	if err != nil {
		return nil, err
	}
	cursor := make(map[string]string, len(states))
	for _, h := range states {
		if h.Value != nil {
			cursor[h.Key] = *h.Value
		}
	}
	return cursor, nil
}

// SetHookState upserts one cursor. A nil checkedAt keeps the stored
// last_checked_at.
func (s *Store) SetHookState(ctx context.Context, areaID, key string, value *string, checkedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.upsertHookState(ctx, s.db, areaID, key, value, checkedAt)
}

// SetHookStates upserts several cursor keys of one area atomically.
func (s *Store) SetHookStates(ctx context.Context, areaID string, values map[string]string, checkedAt *time.Time) error {
	if len(values) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin hook state update: %w", err)
	}
	defer tx.Rollback()

	for k, v := range values {
		v := v
		if err := s.upsertHookState(ctx, tx, areaID, k, &v, checkedAt); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit hook state update: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) upsertHookState(ctx context.Context, db execer, areaID, key string, value *string, checkedAt *time.Time) error {
	now := s.nowMs()
	var checked sql.NullInt64
	if checkedAt != nil {
		checked = sql.NullInt64{Int64: checkedAt.UnixMilli(), Valid: true}
	}
	var val sql.NullString
	if value != nil {
		val = sql.NullString{String: *value, Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO hook_states (area_id, state_key, state_value, last_checked_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(area_id, state_key) DO UPDATE SET
			state_value = excluded.state_value,
			last_checked_at = COALESCE(excluded.last_checked_at, hook_states.last_checked_at),
			updated_at = excluded.updated_at`,
		areaID, key, val, checked, now, now)
	if err != nil {
		return fmt.Errorf("failed to set hook state: %w", err)
	}
	return nil
}

// TouchHookStates sets last_checked_at on every cursor of the area without
// changing any value. An area without cursors gets a PollMarkerKey row.
func (s *Store) TouchHookStates(ctx context.Context, areaID string, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMs()
	result, err := s.db.ExecContext(ctx,
		`UPDATE hook_states SET last_checked_at = ?, updated_at = ? WHERE area_id = ?`,
		checkedAt.UnixMilli(), now, areaID)
	if err != nil {
		return fmt.Errorf("failed to touch hook states: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}
	return s.upsertHookState(ctx, s.db, areaID, PollMarkerKey, nil, &checkedAt)
}

// DeleteHookStatesByArea removes every cursor of an area.
func (s *Store) DeleteHookStatesByArea(ctx context.Context, areaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM hook_states WHERE area_id = ?`, areaID); err != nil {
		return fmt.Errorf("failed to delete hook states: %w", err)
	}
	return nil
}

// FindStaleHookStates returns cursors last checked before cutoff.
func (s *Store) FindStaleHookStates(ctx context.Context, cutoff time.Time) ([]HookState, error) {
	return s.queryHookStates(ctx,
		hookSelect+` WHERE last_checked_at IS NOT NULL AND last_checked_at < ? ORDER BY last_checked_at`,
		cutoff.UnixMilli())
}

// FindNeverCheckedHookStates returns cursors that were written but never polled.
func (s *Store) FindNeverCheckedHookStates(ctx context.Context) ([]HookState, error) {
	return s.queryHookStates(ctx, hookSelect+` WHERE last_checked_at IS NULL ORDER BY area_id, state_key`)
}

// FindHookStatesCheckedWithin returns cursors checked during the last d.
func (s *Store) FindHookStatesCheckedWithin(ctx context.Context, d time.Duration) ([]HookState, error) {
	s.mu.RLock()
	since := s.now().Add(-d).UnixMilli()
	s.mu.RUnlock()
	return s.queryHookStates(ctx,
		hookSelect+` WHERE last_checked_at IS NOT NULL AND last_checked_at >= ? ORDER BY last_checked_at DESC`,
		since)
}

// PruneStaleHookStates deletes cursors last checked before cutoff that do not
// belong to an active area.
func (s *Store) PruneStaleHookStates(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM hook_states
		WHERE last_checked_at IS NOT NULL AND last_checked_at < ?
		AND area_id NOT IN (SELECT id FROM areas WHERE is_active = 1)`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune hook states: %w", err)
	}
	return result.RowsAffected()
}

func (s *Store) queryHookStates(ctx context.Context, query string, args ...interface{}) ([]HookState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query hook states: %w", err)
	}
	defer rows.Close()

	var out []HookState
	for rows.Next() {
		h, err := scanHookState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan hook state: %w", err)
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}
