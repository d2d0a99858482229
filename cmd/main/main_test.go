package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeBuildFile writes a one-target build whose checksum source may be
// missing, and returns its path.
func writeBuildFile(t *testing.T, dir string, withLedger bool) string {
	t.Helper()
	src := filepath.Join(dir, "app.js")
	if err := os.WriteFile(src, []byte("var x = 1;"), 0o644); err != nil {
		t.Fatal(err)
	}
	ledgerPath := ""
	if withLedger {
		ledgerPath = filepath.ToSlash(filepath.Join(dir, "data", "ledger.db"))
	}

	build := `{
	"log_level": "error",
	"ledger_path": "` + ledgerPath + `",
	"tasks": ["compile", "checksum"],
	"compile": {
		"bookmarklet": {
			"options": {"bookmarklet": true},
			"files": {"` + filepath.ToSlash(filepath.Join(dir, "out.js")) + `": "` + filepath.ToSlash(src) + `"},
		},
	},
	"checksum": {
		"app": {
			"files": {"` + filepath.ToSlash(filepath.Join(dir, "sums.json")) + `": ["` + filepath.ToSlash(filepath.Join(dir, "out.js")) + `"]},
		},
	},
}`
	path := filepath.Join(dir, "sgpbuild.jsonc")
	if err := os.WriteFile(path, []byte(build), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunBuild(t *testing.T) {
	dir := t.TempDir()
	path := writeBuildFile(t, dir, true)

	if err := run([]string{"--config", path}); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sums.json")); err != nil {
		t.Errorf("checksum file not written: %v", err)
	}

	l, closeLedger, err := openLedger(filepath.Join(dir, "data", "ledger.db"), discardLogger())
	if err != nil {
		t.Fatalf("openLedger() error = %v", err)
	}
	defer closeLedger()

	var buf bytes.Buffer
	if err = printHistory(context.Background(), &buf, l, 5); err != nil {
		t.Fatalf("printHistory() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "RUN") {
		t.Errorf("unexpected history output:\n%s", buf.String())
	}
}

func TestRunReportsFailures(t *testing.T) {
	dir := t.TempDir()
	path := writeBuildFile(t, dir, false)
	if err := os.Remove(filepath.Join(dir, "app.js")); err != nil {
		t.Fatal(err)
	}

	err := run([]string{"--config", path})
	if !errors.Is(err, errBuildFailed) {
		t.Fatalf("run() error = %v, want errBuildFailed", err)
	}
	if !strings.Contains(err.Error(), "2 destination(s)") {
		t.Errorf("error %q does not report both failures", err)
	}
}

func TestRunFlagErrors(t *testing.T) {
	dir := t.TempDir()
	path := writeBuildFile(t, dir, false)

	if err := run([]string{"--config", path, "--history", "3"}); err == nil {
		t.Error("--history without a ledger should fail")
	}
	if err := run([]string{"--config", path, "--target", "nope"}); err == nil {
		t.Error("an unknown --target should fail")
	}
	if err := run([]string{"--config", path, "extra"}); err == nil {
		t.Error("a positional argument should fail")
	}
	if err := run([]string{"--version"}); err != nil {
		t.Errorf("--version error = %v", err)
	}
}
