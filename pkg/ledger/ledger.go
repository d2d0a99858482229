package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Artifact kinds recorded by the pipeline.
const (
	KindCompiled  = "compiled"
	KindSidecar   = "sidecar"
	KindManifest  = "manifest"
	KindChecksums = "checksums"
)

// SetupSchema creates the ledger tables. It is idempotent and safe to call
// on an already-initialized database.
func SetupSchema(db *sql.DB) error {

	const (
		schemaRuns = `
CREATE TABLE IF NOT EXISTS build_runs (
    run_id      INTEGER PRIMARY KEY,
    started_at  DATETIME NOT NULL,
    finished_at DATETIME,
    failures    INTEGER NOT NULL DEFAULT 0
);
`
		schemaArtifacts = `
CREATE TABLE IF NOT EXISTS build_artifacts (
    run_id INTEGER NOT NULL,
    kind   TEXT NOT NULL,
    path   TEXT NOT NULL,
    size   INTEGER NOT NULL,
    PRIMARY KEY (run_id, kind, path)
);
`
		schemaDigests = `
CREATE TABLE IF NOT EXISTS build_digests (
    run_id      INTEGER NOT NULL,
    destination TEXT NOT NULL,
    source      TEXT NOT NULL,
    algorithm   TEXT NOT NULL,
    digest      TEXT NOT NULL,
    PRIMARY KEY (run_id, destination, source)
);
CREATE INDEX IF NOT EXISTS idx_build_digests_destination ON build_digests (destination, run_id);
`
	)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	if _, err = tx.Exec(schemaRuns); err != nil {
		return fmt.Errorf("could not create runs schema: %w", err)
	}
	if _, err = tx.Exec(schemaArtifacts); err != nil {
		return fmt.Errorf("could not create artifacts schema: %w", err)
	}
	if _, err = tx.Exec(schemaDigests); err != nil {
		return fmt.Errorf("could not create digests schema: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}
	return nil
}

// Run is one recorded pipeline invocation.
type Run struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Failures   int
	Artifacts  int
}

// DigestTable is the most recent digest table recorded for a destination.
type DigestTable struct {
	RunID     int64
	Algorithm string
	Sums      map[string]string
}

// Ledger records build history. All methods are safe for concurrent use.
type Ledger struct {
	db                *sql.DB
	stmtBeginRun      *sql.Stmt
	stmtFinishRun     *sql.Stmt
	stmtAddArtifact   *sql.Stmt
	stmtLatestDigests *sql.Stmt
	stmtRuns          *sql.Stmt
	logger            *slog.Logger
}

// New prepares the ledger statements against db. SetupSchema must have
// been called on db.
func New(db *sql.DB) (*Ledger, error) {
	stmtBeginRun, err := db.Prepare(`INSERT INTO build_runs (started_at) VALUES (?);`)
	if err != nil {
		return nil, err
	}

	stmtFinishRun, err := db.Prepare(`UPDATE build_runs SET finished_at = ?, failures = ? WHERE run_id = ?;`)
	if err != nil {
		return nil, err
	}

	stmtAddArtifact, err := db.Prepare(`
INSERT INTO build_artifacts (run_id, kind, path, size) VALUES (?, ?, ?, ?)
ON CONFLICT(run_id, kind, path) DO UPDATE SET size = excluded.size;`)
	if err != nil {
		return nil, err
	}

	stmtLatestDigests, err := db.Prepare(`
SELECT run_id, source, algorithm, digest FROM build_digests
WHERE destination = ? AND run_id = (SELECT MAX(run_id) FROM build_digests WHERE destination = ?);`)
	if err != nil {
		return nil, err
	}

	stmtRuns, err := db.Prepare(`
SELECT r.run_id, r.started_at, r.finished_at, r.failures,
       (SELECT COUNT(*) FROM build_artifacts a WHERE a.run_id = r.run_id)
FROM build_runs r ORDER BY r.run_id DESC LIMIT ?;`)
	if err != nil {
		return nil, err
	}

	return &Ledger{
		db:                db,
		stmtBeginRun:      stmtBeginRun,
		stmtFinishRun:     stmtFinishRun,
		stmtAddArtifact:   stmtAddArtifact,
		stmtLatestDigests: stmtLatestDigests,
		stmtRuns:          stmtRuns,
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

// Close releases all prepared SQL statements held by the Ledger.
func (l *Ledger) Close() {
	_ = l.stmtBeginRun.Close()
	_ = l.stmtFinishRun.Close()
	_ = l.stmtAddArtifact.Close()
	_ = l.stmtLatestDigests.Close()
	_ = l.stmtRuns.Close()
}

// SetLogger sets the logger for the Ledger. By default, all logs are discarded.
func (l *Ledger) SetLogger(logger *slog.Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// BeginRun records the start of a pipeline invocation and returns its ID.
func (l *Ledger) BeginRun(ctx context.Context) (int64, error) {
	res, err := l.stmtBeginRun.ExecContext(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to begin run: %w", err)
	}
	return res.LastInsertId()
}

// FinishRun marks a run finished with its failure count.
func (l *Ledger) FinishRun(ctx context.Context, runID int64, failures int) error {
	if _, err := l.stmtFinishRun.ExecContext(ctx, time.Now().UTC(), failures, runID); err != nil {
		return fmt.Errorf("failed to finish run %d: %w", runID, err)
	}
	l.logger.DebugContext(ctx, "Build run finished", slog.Int64("run_id", runID), slog.Int("failures", failures))
	return nil
}

// RecordArtifact records a file written during a run.
func (l *Ledger) RecordArtifact(ctx context.Context, runID int64, kind, path string, size int64) error {
	if _, err := l.stmtAddArtifact.ExecContext(ctx, runID, kind, path, size); err != nil {
		return fmt.Errorf("failed to record artifact %q: %w", path, err)
	}
	return nil
}

// RecordDigests stores a complete digest table for destination in a single
// transaction.
func (l *Ledger) RecordDigests(ctx context.Context, runID int64, destination, algorithm string, sums map[string]string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO build_digests (run_id, destination, source, algorithm, digest) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(run_id, destination, source) DO UPDATE SET algorithm = excluded.algorithm, digest = excluded.digest;`)
	if err != nil {
		return fmt.Errorf("could not prepare digest insert: %w", err)
	}
	defer func(stmt *sql.Stmt) {
		_ = stmt.Close()
	}(stmt)

	for source, digest := range sums {
		if _, err = stmt.ExecContext(ctx, runID, destination, source, algorithm, digest); err != nil {
			return fmt.Errorf("failed to record digest for %q: %w", source, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("could not commit digests for %q: %w", destination, err)
	}
	l.logger.DebugContext(ctx, "Digests recorded",
		slog.Int64("run_id", runID),
		slog.String("destination", destination),
		slog.Int("sources", len(sums)),
	)
	return nil
}

// ErrNoHistory is returned by LatestDigests when nothing has been recorded
// for a destination.
var ErrNoHistory = errors.New("no recorded digests")

// LatestDigests returns the most recently recorded digest table for
// destination. Passing beforeRun > 0 ignores that run and any later one,
// which lets a run compare itself against its predecessor.
func (l *Ledger) LatestDigests(ctx context.Context, destination string, beforeRun int64) (DigestTable, error) {
	var rows *sql.Rows
	var err error
	if beforeRun > 0 {
		rows, err = l.db.QueryContext(ctx, `
SELECT run_id, source, algorithm, digest FROM build_digests
WHERE destination = ? AND run_id = (SELECT MAX(run_id) FROM build_digests WHERE destination = ? AND run_id < ?);`,
			destination, destination, beforeRun)
	} else {
		rows, err = l.stmtLatestDigests.QueryContext(ctx, destination, destination)
	}
	if err != nil {
		return DigestTable{}, fmt.Errorf("failed to query digests for %q: %w", destination, err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	table := DigestTable{Sums: map[string]string{}}
	for rows.Next() {
		var source, digest string
		if err = rows.Scan(&table.RunID, &source, &table.Algorithm, &digest); err != nil {
			return DigestTable{}, err
		}
		table.Sums[source] = digest
	}
	if err = rows.Err(); err != nil {
		return DigestTable{}, err
	}
	if len(table.Sums) == 0 {
		return DigestTable{}, fmt.Errorf("%w for %q", ErrNoHistory, destination)
	}
	return table, nil
}

// Runs returns up to limit runs, newest first.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]Run, error) {
	rows, err := l.stmtRuns.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var runs []Run
	for rows.Next() {
		var run Run
		if err = rows.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.Failures, &run.Artifacts); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Diff compares a fresh digest table with a previous one and returns the
// sources that are new or whose digest changed, and those that are
// unchanged. Both slices are in no particular order.
func Diff(previous, current map[string]string) (changed, unchanged []string) {
	for source, digest := range current {
		if old, ok := previous[source]; ok && old == digest {
			unchanged = append(unchanged, source)
		} else {
			changed = append(changed, source)
		}
	}
	return changed, unchanged
}
