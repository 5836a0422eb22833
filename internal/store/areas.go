package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	perrors "github.com/p-blackswan/area/internal/errors"
)

// Area is a user rule binding one action component to one reaction component.
type Area struct {
	ID                  string
	OwnerID             string
	ActionComponentID   string
	ReactionComponentID string
	Name                string
	Description         string
	IsActive            bool
	LastTriggeredAt     int64 // unix ms, 0 = never
	TriggeredCount      int64
	CreatedAt           int64 // unix ms
	UpdatedAt           int64 // unix ms

	// Populated on reads from the component catalog.
	ActionServiceID   string
	ReactionServiceID string
}

// AreaFilter for filtering areas
type AreaFilter struct {
	OwnerID    string
	ActiveOnly bool
	Limit      int
}

// AreaUpdate carries the user-editable fields of an area. Nil fields are left unchanged.
type AreaUpdate struct {
	Name        *string
	Description *string
	IsActive    *bool
}

const areaColumns = `
	a.id, a.owner_id, a.action_component_id, a.reaction_component_id, a.name, a.description,
	a.is_active, a.last_triggered_at, a.triggered_count, a.created_at, a.updated_at,
	ac.service_id, rc.service_id`

const areaFrom = `
	FROM areas a
	JOIN components ac ON ac.id = a.action_component_id
	JOIN components rc ON rc.id = a.reaction_component_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanArea(row rowScanner) (*Area, error) {
	a := &Area{}
	var active int
	var lastTriggered sql.NullInt64
	err := row.Scan(
		&a.ID, &a.OwnerID, &a.ActionComponentID, &a.ReactionComponentID, &a.Name, &a.Description,
		&active, &lastTriggered, &a.TriggeredCount, &a.CreatedAt, &a.UpdatedAt,
		&a.ActionServiceID, &a.ReactionServiceID,
	)
	if err != nil {
		return nil, err
	}
	a.IsActive = active == 1
	a.LastTriggeredAt = lastTriggered.Int64
	return a, nil
}

// CreateArea validates the component pair and inserts the area. An empty ID is
// replaced with a generated one.
func (s *Store) CreateArea(ctx context.Context, a *Area) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	actionSvc, err := s.componentService(ctx, a.ActionComponentID, KindAction)
	if err != nil {
		return err
	}
	reactionSvc, err := s.componentService(ctx, a.ReactionComponentID, KindReaction)
	if err != nil {
		return err
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := s.nowMs()
	if a.CreatedAt == 0 {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO areas (
			id, owner_id, action_component_id, reaction_component_id, name, description,
			is_active, last_triggered_at, triggered_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OwnerID, a.ActionComponentID, a.ReactionComponentID, a.Name, a.Description,
		boolInt(a.IsActive), nullInt64(a.LastTriggeredAt), a.TriggeredCount, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create area: %w", err)
	}
	a.ActionServiceID = actionSvc
	a.ReactionServiceID = reactionSvc
	return nil
}

// componentService checks that id names a component of the wanted kind and
// returns its service id. Caller must hold s.mu.
func (s *Store) componentService(ctx context.Context, id, kind string) (string, error) {
	var serviceID, gotKind string
	err := s.db.QueryRowContext(ctx, `SELECT service_id, kind FROM components WHERE id = ?`, id).Scan(&serviceID, &gotKind)
	if err == sql.ErrNoRows {
		return "", perrors.Validationf("unknown component %q", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load component: %w", err)
	}
	if gotKind != kind {
		return "", perrors.Validationf("component %q is a %s, expected %s", id, gotKind, kind)
	}
	return serviceID, nil
}

// GetArea retrieves an area by ID. Returns nil, nil when absent.
func (s *Store) GetArea(ctx context.Context, id string) (*Area, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, err := scanArea(s.db.QueryRowContext(ctx, `SELECT `+areaColumns+areaFrom+` WHERE a.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get area: %w", err)
	}
	return a, nil
}

// ListAreas retrieves areas matching the filter, newest first.
func (s *Store) ListAreas(ctx context.Context, f AreaFilter) ([]*Area, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + areaColumns + areaFrom + ` WHERE 1 = 1`
	args := []interface{}{}
	if f.OwnerID != "" {
		query += ` AND a.owner_id = ?`
		args = append(args, f.OwnerID)
	}
	if f.ActiveOnly {
		query += ` AND a.is_active = 1`
	}
	query += ` ORDER BY a.created_at DESC, a.id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list areas: %w", err)
	}
	defer rows.Close()

	var areas []*Area
	for rows.Next() {
		a, err := scanArea(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan area: %w", err)
		}
		areas = append(areas, a)
	}
	return areas, rows.Err()
}

// ListActiveAreas returns every area with is_active set.
func (s *Store) ListActiveAreas(ctx context.Context) ([]*Area, error) {
	return s.ListAreas(ctx, AreaFilter{ActiveOnly: true})
}

// UpdateArea applies the non-nil fields of u.
func (s *Store) UpdateArea(ctx context.Context, id string, u AreaUpdate) (*Area, error) {
	s.mu.Lock()
	result, err := s.db.ExecContext(ctx, `
		UPDATE areas SET
			name = COALESCE(?, name),
			description = COALESCE(?, description),
			is_active = COALESCE(?, is_active),
			updated_at = ?
		WHERE id = ?`,
		ptrString(u.Name), ptrString(u.Description), ptrBool(u.IsActive), s.nowMs(), id,
	)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to update area: %w", err)
	}
	if err := expectRow(result, "area", id); err != nil {
		return nil, err
	}
	return s.GetArea(ctx, id)
}

// SetAreaActive toggles is_active.
func (s *Store) SetAreaActive(ctx context.Context, id string, active bool) error {
	_, err := s.UpdateArea(ctx, id, AreaUpdate{IsActive: &active})
	return err
}

// RecordTrigger bumps triggered_count and sets last_triggered_at. Only a
// successful reaction calls this.
func (s *Store) RecordTrigger(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE areas SET triggered_count = triggered_count + 1, last_triggered_at = ?, updated_at = ?
		WHERE id = ?`, at.UnixMilli(), s.nowMs(), id)
	if err != nil {
		return fmt.Errorf("failed to record trigger: %w", err)
	}
	return expectRow(result, "area", id)
}

// DeleteArea removes an area together with its parameters, hook states and
// execution history.
func (s *Store) DeleteArea(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin area delete: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM area_parameters WHERE area_id = ?`,
		`DELETE FROM hook_states WHERE area_id = ?`,
		`DELETE FROM area_executions WHERE area_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("failed to delete area children: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM areas WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete area: %w", err)
	}
	if err := expectRow(result, "area", id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit area delete: %w", err)
	}
	return nil
}

func expectRow(result sql.Result, entity, key string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return perrors.NewNotFound(entity, key)
	}
	return nil
}

func ptrString(p *string) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func ptrBool(p *bool) interface{} {
	if p == nil {
		return nil
	}
	return boolInt(*p)
}
