// Package manifest writes HTML5 application cache manifests listing the
// files a browser should keep offline.
package manifest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/CTAG07/sgpbuild/internal/atomicfile"
)

const banner = "This manifest was generated by sgpbuild"

// Options controls the manifest layout.
type Options struct {
	// BasePath is the directory the cached entries are relative to.
	BasePath string `json:"base_path" yaml:"base_path"`
	// Network lists the NETWORK section entries.
	Network []string `json:"network" yaml:"network"`
	// Fallback lists FALLBACK section lines, e.g. "/ /offline.html".
	Fallback []string `json:"fallback" yaml:"fallback"`
	// Timestamp adds a "# Time:" comment so every build changes the manifest.
	Timestamp bool `json:"timestamp" yaml:"timestamp"`
	// Verbose adds a comment banner.
	Verbose bool `json:"verbose" yaml:"verbose"`
}

// DefaultOptions returns the options used when a target sets none.
func DefaultOptions() Options {
	return Options{
		BasePath: ".",
		Network:  []string{"*"},
		Fallback: []string{},
	}
}

// Target is one manifest file and the patterns of the entries it caches.
type Target struct {
	Name    string
	Options Options
	Src     []string
	Dest    string
}

// Writer renders and writes manifests.
type Writer struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewWriter creates a Writer. A nil logger discards all output.
func NewWriter(logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Writer{logger: logger, now: time.Now}
}

// Expand resolves the src patterns against BasePath and returns the
// matched entries relative to it, de-duplicated and in pattern order.
// Patterns without matches are logged and skipped.
func (w *Writer) Expand(target Target) ([]string, error) {
	base := target.Options.BasePath
	if base == "" {
		base = "."
	}

	var entries []string
	seen := make(map[string]struct{})
	for _, pattern := range target.Src {
		matches, err := filepath.Glob(filepath.Join(base, pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid manifest pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			w.logger.Warn("Manifest pattern matched no files", "pattern", pattern, "base_path", base)
			continue
		}
		sort.Strings(matches)
		for _, match := range matches {
			rel, err := filepath.Rel(base, match)
			if err != nil {
				return nil, err
			}
			rel = filepath.ToSlash(rel)
			if _, ok := seen[rel]; ok {
				continue
			}
			seen[rel] = struct{}{}
			entries = append(entries, rel)
		}
	}
	return entries, nil
}

// Render produces the manifest text for the given entries.
func (w *Writer) Render(opts Options, entries []string) string {
	var sb strings.Builder
	sb.WriteString("CACHE MANIFEST\n")
	if opts.Verbose {
		sb.WriteString("# " + banner + "\n")
	}
	if opts.Timestamp {
		sb.WriteString("# Time: " + w.now().UTC().Format(time.RFC1123) + "\n")
	}

	sb.WriteString("\nCACHE:\n")
	for _, entry := range entries {
		sb.WriteString(entry + "\n")
	}

	if len(opts.Network) > 0 {
		sb.WriteString("\nNETWORK:\n")
		for _, entry := range opts.Network {
			sb.WriteString(entry + "\n")
		}
	}

	if len(opts.Fallback) > 0 {
		sb.WriteString("\nFALLBACK:\n")
		for _, entry := range opts.Fallback {
			sb.WriteString(entry + "\n")
		}
	}
	return sb.String()
}

// Write expands, renders and atomically writes the manifest for target.
func (w *Writer) Write(ctx context.Context, target Target) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := w.Expand(target)
	if err != nil {
		return err
	}
	text := w.Render(target.Options, entries)
	if err = atomicfile.WriteFile(target.Dest, []byte(text)); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	w.logger.Info("Generated manifest file", "dest", target.Dest, "entries", len(entries))
	return nil
}
