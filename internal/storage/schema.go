package storage

// Schema lists idempotent DDL statements for topology, triggers and alerts.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
		id   TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS sites (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		name            TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS compounds (
		id      TEXT PRIMARY KEY,
		site_id TEXT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
		name    TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS cells (
		id             TEXT PRIMARY KEY,
		compound_id    TEXT NOT NULL REFERENCES compounds(id) ON DELETE CASCADE,
		name           TEXT NOT NULL DEFAULT '',
		commodity_type TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS sensors (
		id      TEXT PRIMARY KEY,
		cell_id TEXT REFERENCES cells(id) ON DELETE SET NULL
	)`,
	`CREATE TABLE IF NOT EXISTS triggers (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL DEFAULT '',
		organization_id TEXT,
		scope_type      TEXT NOT NULL,
		scope_id        TEXT,
		condition_logic TEXT NOT NULL DEFAULT 'AND',
		conditions      JSONB NOT NULL,
		actions         JSONB NOT NULL,
		severity        TEXT NOT NULL,
		is_active       BOOLEAN NOT NULL DEFAULT TRUE,
		description     TEXT NOT NULL DEFAULT '',
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id              TEXT PRIMARY KEY,
		trigger_id      TEXT,
		dedup_trigger   TEXT NOT NULL,
		trigger_name    TEXT NOT NULL DEFAULT '',
		organization_id TEXT NOT NULL DEFAULT '',
		site_id         TEXT NOT NULL DEFAULT '',
		compound_id     TEXT NOT NULL DEFAULT '',
		cell_id         TEXT NOT NULL,
		site_name       TEXT NOT NULL DEFAULT '',
		compound_name   TEXT NOT NULL DEFAULT '',
		cell_name       TEXT NOT NULL DEFAULT '',
		commodity_type  TEXT NOT NULL DEFAULT '',
		severity        TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		metric          TEXT NOT NULL DEFAULT '',
		value           DOUBLE PRECISION NOT NULL DEFAULT 0,
		status          TEXT NOT NULL,
		started_at      TIMESTAMPTZ NOT NULL,
		resolved_at     TIMESTAMPTZ,
		assignee_id     TEXT NOT NULL DEFAULT '',
		assignee_name   TEXT NOT NULL DEFAULT '',
		updated_by      TEXT NOT NULL DEFAULT '',
		updated_at      TIMESTAMPTZ NOT NULL,
		dedup_held      BOOLEAN NOT NULL DEFAULT FALSE,
		version         BIGINT NOT NULL DEFAULT 1
	)`,
	`ALTER TABLE alerts ADD COLUMN IF NOT EXISTS assignee_name TEXT NOT NULL DEFAULT ''`,
	`CREATE UNIQUE INDEX IF NOT EXISTS alerts_dedup_held_idx ON alerts (dedup_trigger, cell_id) WHERE dedup_held`,
	`CREATE INDEX IF NOT EXISTS alerts_started_at_idx ON alerts (started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS alerts_trigger_idx ON alerts (trigger_id)`,
}
