package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Component kinds.
const (
	KindAction   = "action"
	KindReaction = "reaction"
)

// Variable kinds.
const (
	VariableParameter = "parameter"
	VariableOutput    = "output"
)

// Service is an external provider AREA can talk to.
type Service struct {
	ID          string
	Name        string
	Description string
	AuthKind    string // none, oauth2, token
}

// Component is one action or reaction offered by a service.
// IDs are "<service>.<name>", e.g. "github.new_commit".
type Component struct {
	ID          string
	ServiceID   string
	Kind        string
	Name        string
	Description string
	Schema      string // JSON schema for the component's parameters, nullable
}

// Variable is a named parameter a component accepts, or an output key an
// action exposes in the execution context.
type Variable struct {
	ID          string
	ComponentID string
	Name        string
	Kind        string
	Type        string
	Required    bool
	Description string
}

// Catalog is a full snapshot of services, components and variables.
type Catalog struct {
	Services   []Service
	Components []Component
	Variables  []Variable
}

// SyncCatalog upserts every entry of c in a single transaction. Variables of
// synced components that are no longer listed are removed unless a parameter
// still references them.
func (s *Store) SyncCatalog(ctx context.Context, c Catalog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin catalog sync: %w", err)
	}
	defer tx.Rollback()

	now := s.nowMs()
	for _, svc := range c.Services {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO services (id, name, description, auth_kind, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description,
				auth_kind = excluded.auth_kind, updated_at = excluded.updated_at`,
			svc.ID, svc.Name, svc.Description, svc.AuthKind, now)
		if err != nil {
			return fmt.Errorf("failed to upsert service %s: %w", svc.ID, err)
		}
	}

	for _, comp := range c.Components {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO components (id, service_id, kind, name, description, schema, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET service_id = excluded.service_id, kind = excluded.kind, name = excluded.name,
				description = excluded.description, schema = excluded.schema, updated_at = excluded.updated_at`,
			comp.ID, comp.ServiceID, comp.Kind, comp.Name, comp.Description, nullString(comp.Schema), now)
		if err != nil {
			return fmt.Errorf("failed to upsert component %s: %w", comp.ID, err)
		}
	}

	listed := make(map[string]map[string]bool, len(c.Components))
	for _, v := range c.Variables {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO variables (id, component_id, name, kind, type, required, description) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET component_id = excluded.component_id, name = excluded.name, kind = excluded.kind,
				type = excluded.type, required = excluded.required, description = excluded.description`,
			v.ID, v.ComponentID, v.Name, v.Kind, v.Type, boolInt(v.Required), v.Description)
		if err != nil {
			return fmt.Errorf("failed to upsert variable %s: %w", v.ID, err)
		}
		if listed[v.ComponentID] == nil {
			listed[v.ComponentID] = map[string]bool{}
		}
		listed[v.ComponentID][v.ID] = true
	}

	for _, comp := range c.Components {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM variables WHERE component_id = ?`, comp.ID)
		if err != nil {
			return fmt.Errorf("failed to list variables for %s: %w", comp.ID, err)
		}
		var stale []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan variable: %w", err)
			}
			if !listed[comp.ID][id] {
				stale = append(stale, id)
			}
		}
		rows.Close()

		for _, id := range stale {
			_, err := tx.ExecContext(ctx, `
				DELETE FROM variables WHERE id = ?
				AND NOT EXISTS (SELECT 1 FROM area_parameters WHERE variable_id = ?)`, id, id)
			if err != nil {
				return fmt.Errorf("failed to remove variable %s: %w", id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit catalog sync: %w", err)
	}
	return nil
}

// ListServices returns all known services ordered by id.
func (s *Store) ListServices(ctx context.Context) ([]Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, auth_kind FROM services ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		var svc Service
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.Description, &svc.AuthKind); err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// GetComponent retrieves a component by id. Returns nil, nil when absent.
func (s *Store) GetComponent(ctx context.Context, id string) (*Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c Component
	var schema sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, service_id, kind, name, description, schema FROM components WHERE id = ?`, id,
	).Scan(&c.ID, &c.ServiceID, &c.Kind, &c.Name, &c.Description, &schema)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get component: %w", err)
	}
	c.Schema = schema.String
	return &c, nil
}

// ListComponents returns components, optionally restricted to one service.
func (s *Store) ListComponents(ctx context.Context, serviceID string) ([]Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, service_id, kind, name, description, schema FROM components`
	var args []interface{}
	if serviceID != "" {
		query += ` WHERE service_id = ?`
		args = append(args, serviceID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list components: %w", err)
	}
	defer rows.Close()

	var out []Component
	for rows.Next() {
		var c Component
		var schema sql.NullString
		if err := rows.Scan(&c.ID, &c.ServiceID, &c.Kind, &c.Name, &c.Description, &schema); err != nil {
			return nil, fmt.Errorf("failed to scan component: %w", err)
		}
		c.Schema = schema.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListVariables returns the variables of a component ordered by kind then name.
func (s *Store) ListVariables(ctx context.Context, componentID string) ([]Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, component_id, name, kind, type, required, description
		FROM variables WHERE component_id = ? ORDER BY kind, name`, componentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list variables: %w", err)
	}
	defer rows.Close()

	var out []Variable
	for rows.Next() {
		var v Variable
		var required int
		if err := rows.Scan(&v.ID, &v.ComponentID, &v.Name, &v.Kind, &v.Type, &required, &v.Description); err != nil {
			return nil, fmt.Errorf("failed to scan variable: %w", err)
		}
		v.Required = required == 1
		out = append(out, v)
	}
	return out, rows.Err()
}
