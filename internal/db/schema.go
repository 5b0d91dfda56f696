package db

// SchemaSQL is the complete schema for fresh pipectl installs.
//
// This is the SINGLE SOURCE OF TRUTH for the database schema. Tests use it
// via GetSchemaSQL() instead of hardcoding CREATE TABLE statements, so any
// drift between repository code and schema fails immediately with
// "no such column" at test time.
const SchemaSQL = `
-- Entities (current snapshot, one row per tracked entity)
CREATE TABLE IF NOT EXISTS entities (
	entity_id TEXT PRIMARY KEY,
	external_ref TEXT NOT NULL,
	phase TEXT NOT NULL,
	phase_detail TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL,
	error_message TEXT,
	error_step TEXT,
	error_retry_count INTEGER NOT NULL DEFAULT 0,
	error_at DATETIME,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Transitions (append-only history; to_phase of the newest row for an
-- entity always equals the snapshot phase)
CREATE TABLE IF NOT EXISTS transitions (
	entity_id TEXT NOT NULL,
	version_after INTEGER NOT NULL,
	from_phase TEXT NOT NULL,
	to_phase TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	actor TEXT NOT NULL DEFAULT '',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (entity_id, version_after),
	FOREIGN KEY (entity_id) REFERENCES entities(entity_id)
);

CREATE INDEX IF NOT EXISTS idx_entities_phase ON entities(phase);
`

// GetSchemaSQL returns the schema for use in tests.
func GetSchemaSQL() string {
	return SchemaSQL
}
