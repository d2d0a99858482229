package checksum

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/CTAG07/sgpbuild/internal/atomicfile"
)

var (
	// ErrIncomplete marks a destination whose table could not be completed
	// because at least one source failed.
	ErrIncomplete = errors.New("checksum table incomplete")

	// ErrDuplicateSource marks a task that lists the same source twice.
	// Each source contributes exactly one digest to its table.
	ErrDuplicateSource = errors.New("duplicate checksum source")
)

// Task describes one checksum artifact: the destination JSON file and the
// sources whose digests it holds.
type Task struct {
	Destination string
	Sources     []string
	Algorithm   string
}

// Result reports the outcome for a single destination.
type Result struct {
	Destination string
	Algorithm   string
	// Sums maps each source path, exactly as given in the task, to its
	// lowercase hex digest. It is nil unless the table was written.
	Sums    map[string]string
	Written bool
	Err     error
}

// Sink persists a completed checksum table.
type Sink interface {
	WriteChecksums(dest string, data []byte) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(dest string, data []byte) error

// WriteChecksums implements Sink.
func (f SinkFunc) WriteChecksums(dest string, data []byte) error {
	return f(dest, data)
}

// FileSink replaces the destination file atomically, creating its parent
// directories first.
type FileSink struct{}

// WriteChecksums implements Sink.
func (FileSink) WriteChecksums(dest string, data []byte) error {
	return atomicfile.WriteFile(dest, data)
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the logger. By default, all logs are discarded.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithDigester replaces the default StreamDigester.
func WithDigester(d Digester) Option {
	return func(g *Generator) { g.digester = d }
}

// WithSink replaces the default FileSink.
func WithSink(s Sink) Option {
	return func(g *Generator) { g.sink = s }
}

// WithOnComplete registers a callback invoked once per destination as soon
// as it finishes, successfully or not. It may be called concurrently.
func WithOnComplete(fn func(Result)) Option {
	return func(g *Generator) { g.onComplete = fn }
}

// Generator runs checksum tasks. A Generator holds no per-run state and
// may be reused.
type Generator struct {
	logger     *slog.Logger
	digester   Digester
	sink       Sink
	onComplete func(Result)
}

// NewGenerator creates a Generator with a StreamDigester and a FileSink
// unless overridden by options.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		digester: NewStreamDigester(),
		sink:     FileSink{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// table accumulates the digests for one destination.
type table struct {
	mu       sync.Mutex
	expected int
	sums     map[string]string
	errs     []error
}

func newTable(expected int) *table {
	return &table{expected: expected, sums: make(map[string]string, expected)}
}

func (t *table) record(src, sum string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sums[src]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, src)
	}
	t.sums[src] = sum
	return nil
}

func (t *table) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs = append(t.errs, err)
}

func (t *table) complete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.errs) == 0 && len(t.sums) == t.expected
}

// Run processes every task concurrently and returns once all of them have
// finished. Results are returned in task order. Cancelling ctx aborts
// in-flight reads; affected destinations report the cancellation error.
func (g *Generator) Run(ctx context.Context, tasks []Task) []Result {
	results := make([]Result, len(tasks))

	var pending sync.WaitGroup
	for i, task := range tasks {
		i, task := i, task
		pending.Add(1)
		go func() {
			defer pending.Done()
			results[i] = g.runDestination(ctx, task)
			if g.onComplete != nil {
				g.onComplete(results[i])
			}
		}()
	}
	pending.Wait()

	return results
}

func (g *Generator) runDestination(ctx context.Context, task Task) Result {
	res := Result{Destination: task.Destination}

	name, newHash, err := Lookup(task.Algorithm)
	if err != nil {
		res.Err = fmt.Errorf("%s: %w", task.Destination, err)
		return res
	}
	res.Algorithm = name

	if dup := firstDuplicate(task.Sources); dup != "" {
		res.Err = fmt.Errorf("%s: %w: %s", task.Destination, ErrDuplicateSource, dup)
		return res
	}

	tbl := newTable(len(task.Sources))

	var hashing sync.WaitGroup
	for _, src := range task.Sources {
		src := src
		hashing.Add(1)
		go func() {
			defer hashing.Done()
			sum, err := g.digester.Digest(ctx, src, newHash)
			if err == nil {
				err = tbl.record(src, sum)
			}
			if err != nil {
				g.logger.Error("Failed to compute checksum", "source", src, "dest", task.Destination, "error", err)
				tbl.fail(err)
				return
			}
			g.logger.Debug("Computed checksum", "source", src, "dest", task.Destination, "algorithm", name)
		}()
	}
	hashing.Wait()

	if !tbl.complete() {
		cause := errors.Join(tbl.errs...)
		if cause == nil {
			cause = fmt.Errorf("recorded %d of %d digests", len(tbl.sums), tbl.expected)
		}
		res.Err = fmt.Errorf("%w: %s: %w", ErrIncomplete, task.Destination, cause)
		return res
	}

	data, err := encodeTable(tbl.sums)
	if err != nil {
		res.Err = fmt.Errorf("failed to encode checksums for %s: %w", task.Destination, err)
		return res
	}
	if err = g.sink.WriteChecksums(task.Destination, data); err != nil {
		g.logger.Error("Failed to write checksum file", "dest", task.Destination, "error", err)
		res.Err = fmt.Errorf("failed to write checksum file %s: %w", task.Destination, err)
		return res
	}

	res.Sums = tbl.sums
	res.Written = true
	g.logger.Info("Generated checksum file", "dest", task.Destination, "sources", len(tbl.sums), "algorithm", name)
	return res
}

// encodeTable renders sums as a compact JSON object with sorted keys.
// Paths are written as given, without HTML escaping.
func encodeTable(sums map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(sums); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// firstDuplicate returns the first path that appears more than once.
func firstDuplicate(paths []string) string {
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			return p
		}
		seen[p] = struct{}{}
	}
	return ""
}
