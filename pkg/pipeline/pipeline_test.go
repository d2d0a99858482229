package pipeline

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CTAG07/sgpbuild/pkg/ledger"
	"github.com/CTAG07/sgpbuild/pkg/manifest"
	"github.com/CTAG07/sgpbuild/pkg/templating"
	"github.com/google/go-cmp/cmp"
	_ "github.com/mattn/go-sqlite3"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func sha256Hex(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// testConfig lays out a small project in dir and returns a build file
// for it using absolute paths.
func testConfig(t *testing.T, dir string) *Config {
	t.Helper()
	writeFile(t, filepath.Join(dir, "app", "index.html"), "<html><script><%= js %></script></html>")
	writeFile(t, filepath.Join(dir, "app.js"), "alert(1);")
	writeFile(t, filepath.Join(dir, "sgp.js"), "var a = 1;")

	out := filepath.Join(dir, "out")
	cfg := DefaultConfig()
	cfg.Compile = map[string]*CompileTarget{
		"app": {
			Options: templating.Options{Include: map[string]string{"js": filepath.Join(dir, "app.js")}},
			Files:   FileList{{Src: []string{filepath.Join(dir, "app", "index.html")}, Dest: filepath.Join(out, "index.html")}},
		},
		"bookmarklet": {
			Options: templating.Options{Bookmarklet: true},
			Files:   FileList{{Src: []string{filepath.Join(dir, "sgp.js")}, Dest: filepath.Join(out, "sgp.bookmarklet.js")}},
		},
	}
	cfg.Manifest = map[string]*ManifestTarget{
		"generate": {
			Options: manifest.Options{BasePath: out, Network: []string{"*"}, Verbose: true},
			Src:     []string{"*.html"},
			Dest:    filepath.Join(out, "cache.manifest"),
		},
	}
	cfg.Checksum = map[string]*ChecksumTarget{
		"app": {
			Options: ChecksumOptions{Algorithm: "sha256"},
			Files: FileList{{
				Src:  []string{filepath.Join(out, "index.html"), filepath.Join(out, "sgp.bookmarklet.js")},
				Dest: filepath.Join(out, "checksums.json"),
			}},
		},
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config is invalid: %v", err)
	}
	return cfg
}

func TestPipelineRun(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	cfg := testConfig(t, dir)

	p, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := Summary{Compiled: 2, Manifests: 1, Checksums: 1}
	if diff := cmp.Diff(want, summary); diff != "" {
		t.Errorf("Summary mismatch (-want +got):\n%s", diff)
	}

	page, _ := os.ReadFile(filepath.Join(out, "index.html"))
	if got := string(page); got != "<html><script>alert(1);</script></html>" {
		t.Errorf("index.html = %q", got)
	}
	bm, _ := os.ReadFile(filepath.Join(out, "sgp.bookmarklet.js"))
	if got := string(bm); got != "javascript:(function()%7Bvar%20a%20=%201;%7D)()" {
		t.Errorf("bookmarklet = %q", got)
	}
	man, _ := os.ReadFile(filepath.Join(out, "cache.manifest"))
	if !strings.Contains(string(man), "\nCACHE:\nindex.html\n") {
		t.Errorf("manifest does not list index.html:\n%s", man)
	}

	data, err := os.ReadFile(filepath.Join(out, "checksums.json"))
	if err != nil {
		t.Fatalf("checksum file not written: %v", err)
	}
	var sums map[string]string
	if err = json.Unmarshal(data, &sums); err != nil {
		t.Fatalf("checksum file is not JSON: %v", err)
	}
	wantSums := map[string]string{
		filepath.Join(out, "index.html"):         sha256Hex(t, filepath.Join(out, "index.html")),
		filepath.Join(out, "sgp.bookmarklet.js"): sha256Hex(t, filepath.Join(out, "sgp.bookmarklet.js")),
	}
	if diff := cmp.Diff(wantSums, sums); diff != "" {
		t.Errorf("checksums mismatch (-want +got):\n%s", diff)
	}
}

func TestPipelineFailuresDoNotStopLaterTasks(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	cfg := testConfig(t, dir)
	cfg.Compile["app"].Files[0].Src = []string{filepath.Join(dir, "missing.html")}

	p, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// The page fails to compile, so the checksum table over it fails too.
	want := Summary{Compiled: 1, Manifests: 1, Failures: 2}
	if diff := cmp.Diff(want, summary); diff != "" {
		t.Errorf("Summary mismatch (-want +got):\n%s", diff)
	}
	if _, err = os.Stat(filepath.Join(out, "checksums.json")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("checksum file should not exist, stat error = %v", err)
	}
	if _, err = os.Stat(filepath.Join(out, "sgp.bookmarklet.js")); err != nil {
		t.Errorf("bookmarklet should still be compiled: %v", err)
	}
}

func TestPipelineTaskAndTargetFilters(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	cfg := testConfig(t, dir)

	p, err := New(cfg, nil, WithTasks(TaskCompile), WithTarget("bookmarklet"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if diff := cmp.Diff(Summary{Compiled: 1}, summary); diff != "" {
		t.Errorf("Summary mismatch (-want +got):\n%s", diff)
	}
	if _, err = os.Stat(filepath.Join(out, "index.html")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("app target should have been skipped, stat error = %v", err)
	}

	if _, err = New(cfg, nil, WithTarget("nope")); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("New(unknown target) error = %v, want ErrUnknownTarget", err)
	}
	if _, err = New(cfg, nil, WithTasks("deploy")); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("New(unknown task) error = %v, want ErrInvalidConfig", err)
	}
}

func TestPipelineCancelled(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	p, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := p.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if summary.Compiled+summary.Manifests+summary.Checksums != 0 {
		t.Errorf("nothing should be produced after cancellation, got %+v", summary)
	}
}

func TestPipelineRecordsLedger(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "ledger.db")+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err = ledger.SetupSchema(db); err != nil {
		t.Fatalf("SetupSchema() error = %v", err)
	}
	l, err := ledger.New(db)
	if err != nil {
		t.Fatalf("ledger.New() error = %v", err)
	}
	t.Cleanup(l.Close)

	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	cfg := testConfig(t, dir)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		p, err := New(cfg, nil, WithLedger(l))
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if _, err = p.Run(ctx); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	}

	runs, err := l.Runs(ctx, 10)
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	for _, run := range runs {
		if !run.FinishedAt.Valid {
			t.Errorf("run %d was not finished", run.ID)
		}
		// 2 compiled files, 1 manifest, 1 checksum file.
		if run.Artifacts != 4 {
			t.Errorf("run %d recorded %d artifacts, want 4", run.ID, run.Artifacts)
		}
	}

	table, err := l.LatestDigests(ctx, filepath.Join(out, "checksums.json"), 0)
	if err != nil {
		t.Fatalf("LatestDigests() error = %v", err)
	}
	if table.RunID != runs[0].ID || table.Algorithm != "sha256" || len(table.Sums) != 2 {
		t.Errorf("unexpected latest table: %+v", table)
	}
	previous, err := l.LatestDigests(ctx, filepath.Join(out, "checksums.json"), table.RunID)
	if err != nil {
		t.Fatalf("LatestDigests(before) error = %v", err)
	}
	changed, _ := ledger.Diff(previous.Sums, table.Sums)
	if len(changed) != 0 {
		t.Errorf("identical builds reported changed sources: %v", changed)
	}
}
