package storage

// SchemaVersion is the current evidence database schema version.
const SchemaVersion = 1

// Schema creates the evidence tables. Timestamps are Unix nanoseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS evidence (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,

    run_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,

    tier TEXT,
    price_table_version TEXT,
    usage TEXT NOT NULL,
    breakdown TEXT,

    total_micros INTEGER NOT NULL DEFAULT 0,
    realized_cost INTEGER NOT NULL DEFAULT 0,
    reserved INTEGER NOT NULL DEFAULT 0,
    overrun INTEGER NOT NULL DEFAULT 0,

    reason TEXT,
    entry_hash TEXT,

    occurred_at INTEGER NOT NULL,
    recorded_time INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evidence_occurred_at ON evidence(occurred_at);
CREATE INDEX IF NOT EXISTS idx_evidence_agent ON evidence(agent_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_evidence_run ON evidence(run_id);
CREATE INDEX IF NOT EXISTS idx_evidence_kind ON evidence(kind);
CREATE INDEX IF NOT EXISTS idx_evidence_provider_model ON evidence(provider, model);
`

// InsertSchemaVersion records the schema version once.
const InsertSchemaVersion = `
INSERT INTO schema_version (version, applied_at)
VALUES (?, datetime('now'))
ON CONFLICT(version) DO NOTHING;
`

// GetSchemaVersion returns the newest applied schema version.
const GetSchemaVersion = `
SELECT version FROM schema_version ORDER BY version DESC LIMIT 1;
`
