package ledger

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	_ "github.com/mattn/go-sqlite3"
)

// setupTestLedger creates a fresh on-disk SQLite database and a Ledger.
func setupTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "ledger.db")
	db, err := sql.Open("sqlite3", dbFile+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err = SetupSchema(db); err != nil {
		t.Fatalf("failed to set up schema: %v", err)
	}
	// A second call must be harmless.
	if err = SetupSchema(db); err != nil {
		t.Fatalf("SetupSchema is not idempotent: %v", err)
	}

	l, err := New(db)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func TestLedger_RunsAndArtifacts(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	first, err := l.BeginRun(ctx)
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if err = l.RecordArtifact(ctx, first, KindCompiled, "build/index.html", 120); err != nil {
		t.Fatalf("RecordArtifact failed: %v", err)
	}
	if err = l.RecordArtifact(ctx, first, KindChecksums, "build/checksums.json", 300); err != nil {
		t.Fatalf("RecordArtifact failed: %v", err)
	}
	if err = l.FinishRun(ctx, first, 0); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	second, err := l.BeginRun(ctx)
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if second <= first {
		t.Errorf("run IDs must increase: %d then %d", first, second)
	}

	runs, err := l.Runs(ctx, 10)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != second || runs[0].FinishedAt.Valid {
		t.Errorf("newest run should be unfinished run %d, got %+v", second, runs[0])
	}
	if runs[1].ID != first || !runs[1].FinishedAt.Valid || runs[1].Artifacts != 2 {
		t.Errorf("unexpected first run: %+v", runs[1])
	}
}

func TestLedger_LatestDigests(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	if _, err := l.LatestDigests(ctx, "build/checksums.json", 0); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory on an empty ledger, got %v", err)
	}

	run1, _ := l.BeginRun(ctx)
	old := map[string]string{"build/index.html": "aa", "build/sgp.js": "bb"}
	if err := l.RecordDigests(ctx, run1, "build/checksums.json", "sha512", old); err != nil {
		t.Fatalf("RecordDigests failed: %v", err)
	}

	run2, _ := l.BeginRun(ctx)
	fresh := map[string]string{"build/index.html": "cc", "build/sgp.js": "bb"}
	if err := l.RecordDigests(ctx, run2, "build/checksums.json", "sha512", fresh); err != nil {
		t.Fatalf("RecordDigests failed: %v", err)
	}

	latest, err := l.LatestDigests(ctx, "build/checksums.json", 0)
	if err != nil {
		t.Fatalf("LatestDigests failed: %v", err)
	}
	if latest.RunID != run2 || latest.Algorithm != "sha512" {
		t.Errorf("unexpected latest table metadata: %+v", latest)
	}
	if diff := cmp.Diff(fresh, latest.Sums); diff != "" {
		t.Errorf("latest sums mismatch (-want +got):\n%s", diff)
	}

	previous, err := l.LatestDigests(ctx, "build/checksums.json", run2)
	if err != nil {
		t.Fatalf("LatestDigests before run2 failed: %v", err)
	}
	if diff := cmp.Diff(old, previous.Sums); diff != "" {
		t.Errorf("previous sums mismatch (-want +got):\n%s", diff)
	}
}

func TestDiff(t *testing.T) {
	changed, unchanged := Diff(
		map[string]string{"a": "1", "b": "2", "gone": "3"},
		map[string]string{"a": "1", "b": "9", "new": "4"},
	)
	sort.Strings(changed)
	sort.Strings(unchanged)
	if diff := cmp.Diff([]string{"b", "new"}, changed); diff != "" {
		t.Errorf("changed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a"}, unchanged); diff != "" {
		t.Errorf("unchanged mismatch (-want +got):\n%s", diff)
	}
}
