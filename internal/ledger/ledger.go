package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Outcome is the final state of one executed configuration.
type Outcome string

const (
	// OutcomeRecorded means a result record was appended to the sink.
	OutcomeRecorded Outcome = "recorded"
	// OutcomeAbandoned means execution exhausted its retries or was canceled.
	OutcomeAbandoned Outcome = "abandoned"
	// OutcomeFailed means the configuration could not be prepared or panicked.
	OutcomeFailed Outcome = "failed"
)

// Entry is one ledger row.
type Entry struct {
	RunID             string
	Fingerprint       string
	LayoutFingerprint string
	Dataset           string
	Scheme            string
	PartitionSize     int
	Columns           string
	Query             string
	Outcome           Outcome
	Attempts          int
	Error             string
	StartedAt         time.Time
	FinishedAt        time.Time
}

// Summary counts outcomes.
type Summary struct {
	RunID    string
	Total    int
	Outcomes map[Outcome]int
}

// Ledger stores execution outcomes.
type Ledger interface {
	// Record appends an entry.
	Record(ctx context.Context, e Entry) error

	// Completed reports whether any run recorded the configuration.
	Completed(ctx context.Context, fingerprint string) (bool, error)

	// Summarize counts outcomes of one run, or of all runs when runID is empty.
	Summarize(ctx context.Context, runID string) (*Summary, error)

	// LatestRun returns the run id of the most recent entry, or "".
	LatestRun(ctx context.Context) (string, error)

	// Failures lists the non-recorded entries of a run.
	Failures(ctx context.Context, runID string) ([]Entry, error)

	// SetSchemaVersion stores the results record schema version.
	SetSchemaVersion(ctx context.Context, version int) error
	SchemaVersion(ctx context.Context) (int, error)

	Close() error
}

// metaSchemaVersion is the meta key holding the results record schema version.
const metaSchemaVersion = "results_schema_version"

// SQLiteLedger implements Ledger on SQLite.
type SQLiteLedger struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// Open opens or creates the ledger at dbPath.
func Open(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	l := &SQLiteLedger{db: db, dbPath: dbPath}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: failed to initialize schema: %w", err)
	}
	return l, nil
}

func (l *SQLiteLedger) initSchema() error {
	stmts := []string{CreateExecutionsTableSQL, CreateMetaTableSQL}
	stmts = append(stmts, CreateExecutionsIndexesSQL...)
	for _, stmt := range stmts {
		if _, err := l.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SetSchemaVersion stores the results record schema version the ledger's
// runs were written with.
func (l *SQLiteLedger) SetSchemaVersion(ctx context.Context, version int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaSchemaVersion, strconv.Itoa(version))
	if err != nil {
		return fmt.Errorf("ledger: failed to set schema version: %w", err)
	}
	return nil
}

// SchemaVersion returns the stored results schema version, or 0.
func (l *SQLiteLedger) SchemaVersion(ctx context.Context) (int, error) {
	var v string
	err := l.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", metaSchemaVersion).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: failed to read schema version: %w", err)
	}
	return strconv.Atoi(v)
}

func (l *SQLiteLedger) Record(ctx context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = e.FinishedAt
	}
	var errText interface{}
	if e.Error != "" {
		errText = e.Error
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO executions (
			run_id, fingerprint, layout_fingerprint,
			dataset, scheme, partition_size, columns, query,
			outcome, attempts, error, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Fingerprint, e.LayoutFingerprint,
		e.Dataset, e.Scheme, e.PartitionSize, e.Columns, e.Query,
		string(e.Outcome), e.Attempts, errText,
		e.StartedAt.UnixMilli(), e.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("ledger: failed to record %s: %w", e.Fingerprint, err)
	}
	return nil
}

func (l *SQLiteLedger) Completed(ctx context.Context, fingerprint string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM executions WHERE fingerprint = ? AND outcome = ?",
		fingerprint, string(OutcomeRecorded),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("ledger: failed to look up %s: %w", fingerprint, err)
	}
	return n > 0, nil
}

func (l *SQLiteLedger) Summarize(ctx context.Context, runID string) (*Summary, error) {
	query := "SELECT outcome, COUNT(*) FROM executions"
	var args []interface{}
	if runID != "" {
		query += " WHERE run_id = ?"
		args = append(args, runID)
	}
	query += " GROUP BY outcome"

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to summarize: %w", err)
	}
	defer rows.Close()

	s := &Summary{RunID: runID, Outcomes: make(map[Outcome]int)}
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("ledger: failed to scan summary: %w", err)
		}
		s.Outcomes[Outcome(outcome)] = n
		s.Total += n
	}
	return s, rows.Err()
}

func (l *SQLiteLedger) LatestRun(ctx context.Context) (string, error) {
	var runID string
	err := l.db.QueryRowContext(ctx, "SELECT run_id FROM executions ORDER BY id DESC LIMIT 1").Scan(&runID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("ledger: failed to find latest run: %w", err)
	}
	return runID, nil
}

func (l *SQLiteLedger) Failures(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, fingerprint, layout_fingerprint, dataset, scheme, partition_size,
		       columns, query, outcome, attempts, COALESCE(error, ''), started_at, finished_at
		FROM executions
		WHERE run_id = ? AND outcome != ?
		ORDER BY id`, runID, string(OutcomeRecorded))
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to list failures: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var outcome string
		var started, finished int64
		if err := rows.Scan(&e.RunID, &e.Fingerprint, &e.LayoutFingerprint, &e.Dataset, &e.Scheme,
			&e.PartitionSize, &e.Columns, &e.Query, &outcome, &e.Attempts, &e.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("ledger: failed to scan entry: %w", err)
		}
		e.Outcome = Outcome(outcome)
		e.StartedAt = time.UnixMilli(started)
		e.FinishedAt = time.UnixMilli(finished)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
