package repository

// Schema definitions for the Vigil store.
// Compatible with both SQLite and PostgreSQL.
//
// Every collection keeps the full record as a JSON document in doc, plus the
// key columns it is filtered on. version backs optimistic compare-and-set and
// timestamps are stored as Unix nanoseconds.

const schemaEvents = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    assure_id TEXT NOT NULL DEFAULT '',
    processed INTEGER NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL,
    version BIGINT NOT NULL,
    doc TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_assure ON events(assure_id);
CREATE INDEX IF NOT EXISTS idx_events_pending ON events(processed, created_at);
`

// schemaHistoriques enforces one entry per event.
const schemaHistoriques = `
CREATE TABLE IF NOT EXISTS historiques (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL UNIQUE,
    assure_id TEXT NOT NULL,
    category TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    version BIGINT NOT NULL,
    doc TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_historiques_assure ON historiques(assure_id, created_at);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL,
    status TEXT NOT NULL,
    severity TEXT NOT NULL,
    sla_deadline BIGINT NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL,
    version BIGINT NOT NULL,
    doc TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_event ON alerts(event_id);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status, created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_sla ON alerts(sla_deadline);
`

const schemaRisques = `
CREATE TABLE IF NOT EXISTS risques (
    id TEXT PRIMARY KEY,
    assure_id TEXT NOT NULL UNIQUE,
    created_at BIGINT NOT NULL,
    version BIGINT NOT NULL,
    doc TEXT NOT NULL
);
`

const schemaCases = `
CREATE TABLE IF NOT EXISTS cases (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    team TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    version BIGINT NOT NULL,
    doc TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status, created_at);
CREATE INDEX IF NOT EXISTS idx_cases_team ON cases(team);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaEvents,
		schemaHistoriques,
		schemaAlerts,
		schemaRisques,
		schemaCases,
	}
}
