package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	return s.migrateV2()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS services (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		auth_kind   TEXT NOT NULL DEFAULT 'none',
		updated_at  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS components (
		id          TEXT PRIMARY KEY,
		service_id  TEXT NOT NULL REFERENCES services(id),
		kind        TEXT NOT NULL CHECK (kind IN ('action', 'reaction')),
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		schema      TEXT,
		updated_at  INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_components_service ON components(service_id);

	CREATE TABLE IF NOT EXISTS variables (
		id           TEXT PRIMARY KEY,
		component_id TEXT NOT NULL REFERENCES components(id),
		name         TEXT NOT NULL,
		kind         TEXT NOT NULL CHECK (kind IN ('parameter', 'output')),
		type         TEXT NOT NULL DEFAULT 'string',
		required     INTEGER NOT NULL DEFAULT 0,
		description  TEXT NOT NULL DEFAULT '',
		UNIQUE (component_id, kind, name)
	);

	CREATE TABLE IF NOT EXISTS areas (
		id                    TEXT PRIMARY KEY,
		owner_id              TEXT NOT NULL,
		action_component_id   TEXT NOT NULL REFERENCES components(id),
		reaction_component_id TEXT NOT NULL REFERENCES components(id),
		name                  TEXT NOT NULL,
		description           TEXT NOT NULL DEFAULT '',
		is_active             INTEGER NOT NULL DEFAULT 1,
		last_triggered_at     INTEGER,
		triggered_count       INTEGER NOT NULL DEFAULT 0,
		created_at            INTEGER NOT NULL,
		updated_at            INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_areas_owner ON areas(owner_id);
	CREATE INDEX IF NOT EXISTS idx_areas_active ON areas(is_active);

	CREATE TABLE IF NOT EXISTS area_parameters (
		area_id     TEXT NOT NULL REFERENCES areas(id) ON DELETE CASCADE,
		variable_id TEXT NOT NULL REFERENCES variables(id),
		value       TEXT NOT NULL,
		is_template INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL,
		PRIMARY KEY (area_id, variable_id)
	);

	CREATE TABLE IF NOT EXISTS hook_states (
		area_id         TEXT NOT NULL REFERENCES areas(id) ON DELETE CASCADE,
		state_key       TEXT NOT NULL,
		state_value     TEXT,
		last_checked_at INTEGER,
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL,
		PRIMARY KEY (area_id, state_key)
	);

	CREATE INDEX IF NOT EXISTS idx_hook_states_checked ON hook_states(last_checked_at);

	CREATE TABLE IF NOT EXISTS area_executions (
		id              TEXT PRIMARY KEY,
		area_id         TEXT NOT NULL,
		event_id        TEXT,
		status          TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'success', 'failure')),
		triggered_at    INTEGER NOT NULL,
		finished_at     INTEGER,
		error           TEXT,
		trigger_payload TEXT,
		attempt         INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_executions_area ON area_executions(area_id, triggered_at);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON area_executions(status);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}

func (s *Store) migrateV2() error {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "2" {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS linked_accounts (
		token_key  TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		metadata   TEXT,
		expires_at INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_linked_accounts_expiry ON linked_accounts(expires_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v2: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}
