package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/CTAG07/sgpbuild/pkg/ledger"
	"github.com/dustin/go-humanize"
)

// openLedger opens the database at dataSource, prepares its schema and
// returns a ready Ledger with a function that releases both.
func openLedger(dataSource string, logger *slog.Logger) (*ledger.Ledger, func(), error) {
	if dir := filepath.Dir(dataSource); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := initDB(dataSource)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	if err = ledger.SetupSchema(db); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to set up ledger schema: %w", err)
	}
	l, err := ledger.New(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to prepare ledger: %w", err)
	}
	l.SetLogger(logger.With("component", "ledger"))

	closeFn := func() {
		l.Close()
		if err := db.Close(); err != nil {
			logger.Error("Failed to close ledger database", "error", err)
		}
	}
	return l, closeFn, nil
}

// printHistory writes the last n runs as a table.
func printHistory(ctx context.Context, w io.Writer, l *ledger.Ledger, n int) error {
	runs, err := l.Runs(ctx, n)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		_, err = fmt.Fprintln(w, "no builds recorded")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN\tSTARTED\tDURATION\tARTIFACTS\tFAILURES")
	for _, run := range runs {
		duration := "unfinished"
		if run.FinishedAt.Valid {
			duration = run.FinishedAt.Time.Sub(run.StartedAt).Round(time.Millisecond).String()
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\n",
			run.ID, humanize.Time(run.StartedAt), duration, run.Artifacts, run.Failures)
	}
	return tw.Flush()
}
