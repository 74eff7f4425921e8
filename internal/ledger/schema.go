// Package ledger records the outcome of every executed configuration in a
// SQLite database (ledger.db) so an interrupted matrix run can resume and
// an operator can inspect progress.
package ledger

// CreateExecutionsTableSQL creates the executions table. One row is written
// per executed configuration and run; a configuration executed again in a
// later run gets a new row.
const CreateExecutionsTableSQL = `
CREATE TABLE IF NOT EXISTS executions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    layout_fingerprint TEXT NOT NULL,
    dataset TEXT NOT NULL,
    scheme TEXT NOT NULL,
    partition_size INTEGER NOT NULL,
    columns TEXT NOT NULL,
    query TEXT NOT NULL,
    outcome TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL
)`

// CreateExecutionsIndexesSQL creates the lookup indexes.
var CreateExecutionsIndexesSQL = []string{
	// resume lookups
	`CREATE INDEX IF NOT EXISTS idx_executions_fingerprint ON executions(fingerprint, outcome)`,

	`CREATE INDEX IF NOT EXISTS idx_executions_run ON executions(run_id)`,

	`CREATE INDEX IF NOT EXISTS idx_executions_layout ON executions(layout_fingerprint)`,
}

// CreateMetaTableSQL creates the key/value metadata table.
const CreateMetaTableSQL = `
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
)`
