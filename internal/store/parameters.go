package store

import (
	"context"
	"database/sql"
	"fmt"

	perrors "github.com/p-blackswan/area/internal/errors"
	"github.com/p-blackswan/area/internal/interpolate"
)

// Parameter is the configured value of one variable for one area.
type Parameter struct {
	AreaID     string
	VariableID string
	Value      string
	IsTemplate bool
	CreatedAt  int64 // unix ms
	UpdatedAt  int64 // unix ms

	// Populated on reads from the variable catalog.
	Name        string
	ComponentID string
}

// ParameterInput is one entry of a bulk upsert.
type ParameterInput struct {
	VariableID string
	Value      string
}

func parameterKey(areaID, variableID string) string {
	return areaID + "/" + variableID
}

const parameterSelect = `
	SELECT p.area_id, p.variable_id, p.value, p.is_template, p.created_at, p.updated_at, v.name, v.component_id
	FROM area_parameters p
	JOIN variables v ON v.id = p.variable_id`

func scanParameter(row rowScanner) (*Parameter, error) {
	p := &Parameter{}
	var tmpl int
	if err := row.Scan(&p.AreaID, &p.VariableID, &p.Value, &tmpl, &p.CreatedAt, &p.UpdatedAt, &p.Name, &p.ComponentID); err != nil {
		return nil, err
	}
	p.IsTemplate = tmpl == 1
	return p, nil
}

// ListParameters returns every parameter of an area ordered by variable id.
func (s *Store) ListParameters(ctx context.Context, areaID string) ([]Parameter, error) {
	return s.queryParameters(ctx, parameterSelect+` WHERE p.area_id = ? ORDER BY p.variable_id`, areaID)
}

// ListParametersForComponent returns the parameters of an area that belong to
// one of its two components.
func (s *Store) ListParametersForComponent(ctx context.Context, areaID, componentID string) ([]Parameter, error) {
	return s.queryParameters(ctx,
		parameterSelect+` WHERE p.area_id = ? AND v.component_id = ? ORDER BY p.variable_id`, areaID, componentID)
}

// ListParametersInterpolated returns the parameters of an area with each
// value rendered against vars.
func (s *Store) ListParametersInterpolated(ctx context.Context, areaID string, vars map[string]any) ([]Parameter, error) {
	params, err := s.ListParameters(ctx, areaID)
	if err != nil {
		return nil, err
	}
	for i := range params {
		if params[i].IsTemplate {
			params[i].Value = interpolate.Interpolate(params[i].Value, vars)
		}
	}
	return params, nil
}

func (s *Store) queryParameters(ctx context.Context, query string, args ...interface{}) ([]Parameter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list parameters: %w", err)
	}
	defer rows.Close()

	var out []Parameter
	for rows.Next() {
		p, err := scanParameter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan parameter: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// GetParameter returns one parameter or a NotFound error naming the composite key.
func (s *Store) GetParameter(ctx context.Context, areaID, variableID string) (*Parameter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := scanParameter(s.db.QueryRowContext(ctx,
		parameterSelect+` WHERE p.area_id = ? AND p.variable_id = ?`, areaID, variableID))
	if err == sql.ErrNoRows {
		return nil, perrors.NewNotFound("parameter", parameterKey(areaID, variableID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get parameter: %w", err)
	}
	return p, nil
}

// CreateParameter inserts a single parameter. Fails with a Conflict error if
// the (area, variable) pair already exists.
func (s *Store) CreateParameter(ctx context.Context, areaID string, in ParameterInput) (*Parameter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin parameter create: %w", err)
	}
	defer tx.Rollback()

	if err := checkParameterVariable(ctx, tx, areaID, in.VariableID); err != nil {
		return nil, err
	}

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM area_parameters WHERE area_id = ? AND variable_id = ?`, areaID, in.VariableID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check parameter: %w", err)
	}
	if exists > 0 {
		return nil, perrors.NewConflict("parameter", parameterKey(areaID, in.VariableID))
	}

	now := s.nowMs()
	p := &Parameter{
		AreaID:     areaID,
		VariableID: in.VariableID,
		Value:      in.Value,
		IsTemplate: interpolate.HasVariables(in.Value),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO area_parameters (area_id, variable_id, value, is_template, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.AreaID, p.VariableID, p.Value, boolInt(p.IsTemplate), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create parameter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit parameter: %w", err)
	}
	return p, nil
}

// UpdateParameter replaces the value of an existing parameter.
func (s *Store) UpdateParameter(ctx context.Context, areaID, variableID, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE area_parameters SET value = ?, is_template = ?, updated_at = ?
		WHERE area_id = ? AND variable_id = ?`,
		value, boolInt(interpolate.HasVariables(value)), s.nowMs(), areaID, variableID)
	if err != nil {
		return fmt.Errorf("failed to update parameter: %w", err)
	}
	return expectRow(result, "parameter", parameterKey(areaID, variableID))
}

// DeleteParameter removes one parameter.
func (s *Store) DeleteParameter(ctx context.Context, areaID, variableID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM area_parameters WHERE area_id = ? AND variable_id = ?`, areaID, variableID)
	if err != nil {
		return fmt.Errorf("failed to delete parameter: %w", err)
	}
	return expectRow(result, "parameter", parameterKey(areaID, variableID))
}

// BulkUpsertParameters inserts or replaces the given entries in one
// transaction, keyed on (area, variable). Every variable must belong to the
// action or reaction component of the area.
func (s *Store) BulkUpsertParameters(ctx context.Context, areaID string, entries []ParameterInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin parameter upsert: %w", err)
	}
	defer tx.Rollback()

	now := s.nowMs()
	for _, in := range entries {
		if err := checkParameterVariable(ctx, tx, areaID, in.VariableID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO area_parameters (area_id, variable_id, value, is_template, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(area_id, variable_id) DO UPDATE SET
				value = excluded.value, is_template = excluded.is_template, updated_at = excluded.updated_at`,
			areaID, in.VariableID, in.Value, boolInt(interpolate.HasVariables(in.Value)), now, now)
		if err != nil {
			return fmt.Errorf("failed to upsert parameter %s: %w", in.VariableID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit parameter upsert: %w", err)
	}
	return nil
}

// DeleteParametersByArea removes every parameter of an area.
func (s *Store) DeleteParametersByArea(ctx context.Context, areaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM area_parameters WHERE area_id = ?`, areaID); err != nil {
		return fmt.Errorf("failed to delete parameters: %w", err)
	}
	return nil
}

// checkParameterVariable enforces that variableID is a parameter variable of
// the area's action or reaction component.
func checkParameterVariable(ctx context.Context, tx *sql.Tx, areaID, variableID string) error {
	var actionID, reactionID string
	err := tx.QueryRowContext(ctx,
		`SELECT action_component_id, reaction_component_id FROM areas WHERE id = ?`, areaID,
	).Scan(&actionID, &reactionID)
	if err == sql.ErrNoRows {
		return perrors.NewNotFound("area", areaID)
	}
	if err != nil {
		return fmt.Errorf("failed to load area: %w", err)
	}

	var componentID, kind string
	err = tx.QueryRowContext(ctx,
		`SELECT component_id, kind FROM variables WHERE id = ?`, variableID,
	).Scan(&componentID, &kind)
	if err == sql.ErrNoRows {
		return perrors.Validationf("unknown variable %q", variableID)
	}
	if err != nil {
		return fmt.Errorf("failed to load variable: %w", err)
	}
	if kind != VariableParameter {
		return perrors.Validationf("variable %q is an output, not a parameter", variableID)
	}
	if componentID != actionID && componentID != reactionID {
		return perrors.Validationf("variable %q does not belong to the components of area %s", variableID, areaID)
	}
	return nil
}
