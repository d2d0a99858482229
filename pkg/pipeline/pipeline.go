// Package pipeline runs the build tasks described by a build file in an
// explicit order: compile, manifest and checksum by default. It replaces a
// global task registry with a value the caller constructs and invokes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/CTAG07/sgpbuild/pkg/checksum"
	"github.com/CTAG07/sgpbuild/pkg/ledger"
	"github.com/CTAG07/sgpbuild/pkg/manifest"
	"github.com/CTAG07/sgpbuild/pkg/templating"
)

// ErrUnknownTarget is returned by New when a target filter matches nothing.
var ErrUnknownTarget = errors.New("unknown target")

// Summary counts what a run produced.
type Summary struct {
	Compiled  int
	Sidecars  int
	Manifests int
	Checksums int
	Failures  int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLedger records every run in l.
func WithLedger(l *ledger.Ledger) Option {
	return func(p *Pipeline) { p.ledger = l }
}

// WithTasks overrides the configured task list.
func WithTasks(tasks ...string) Option {
	return func(p *Pipeline) {
		if len(tasks) > 0 {
			p.tasks = tasks
		}
	}
}

// WithTarget restricts every task to the target with this name.
func WithTarget(name string) Option {
	return func(p *Pipeline) { p.target = name }
}

// Pipeline executes build tasks. It is not safe to call Run concurrently
// on the same Pipeline when a ledger is attached.
type Pipeline struct {
	config    *Config
	logger    *slog.Logger
	tasks     []string
	target    string
	compiler  *templating.Compiler
	manifests *manifest.Writer
	checksums *checksum.Generator
	ledger    *ledger.Ledger
}

// New builds a Pipeline from a validated Config. A nil logger discards
// all output.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Pipeline, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Pipeline{
		config: cfg,
		logger: logger,
		tasks:  cfg.Tasks,
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, task := range p.tasks {
		if !validTask(task) {
			return nil, fmt.Errorf("%w: unknown task %q", ErrInvalidConfig, task)
		}
	}
	if p.target != "" && !p.hasTarget(p.target) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, p.target)
	}

	readTimeout := time.Duration(cfg.ReadTimeout)
	p.compiler = templating.NewCompiler(logger.With("task", TaskCompile), templating.CompilerConfig{
		ReadTimeout: readTimeout,
	})
	p.manifests = manifest.NewWriter(logger.With("task", TaskManifest))

	digester := checksum.NewStreamDigester()
	digester.ChunkSize = cfg.ChunkSize
	digester.ReadTimeout = readTimeout
	digester.Retries = cfg.ReadRetries
	p.checksums = checksum.NewGenerator(
		checksum.WithLogger(logger.With("task", TaskChecksum)),
		checksum.WithDigester(digester),
	)

	return p, nil
}

func (p *Pipeline) hasTarget(name string) bool {
	for _, task := range p.tasks {
		for _, t := range p.config.TargetNames(task) {
			if t == name {
				return true
			}
		}
	}
	return false
}

// targets returns the target names of task honouring the target filter.
func (p *Pipeline) targets(task string) []string {
	names := p.config.TargetNames(task)
	if p.target == "" {
		return names
	}
	for _, name := range names {
		if name == p.target {
			return []string{name}
		}
	}
	return nil
}

// Run executes the tasks in order. A failing destination is counted in
// Summary.Failures and never stops later work. The returned error is
// non-nil only when ctx was cancelled.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	started := time.Now()

	var runID int64
	if p.ledger != nil {
		id, err := p.ledger.BeginRun(ctx)
		if err != nil {
			p.logger.Error("Failed to record build run, continuing without ledger", "error", err)
		} else {
			runID = id
		}
	}

	for _, task := range p.tasks {
		if ctx.Err() != nil {
			break
		}
		p.logger.Info("Running task", "task", task)
		switch task {
		case TaskCompile:
			p.runCompile(ctx, runID, &summary)
		case TaskManifest:
			p.runManifest(ctx, runID, &summary)
		case TaskChecksum:
			p.runChecksum(ctx, runID, &summary)
		}
	}

	if runID != 0 {
		// Record the outcome even when ctx was cancelled mid-run.
		if err := p.ledger.FinishRun(context.WithoutCancel(ctx), runID, summary.Failures); err != nil {
			p.logger.Error("Failed to finish build run", "run_id", runID, "error", err)
		}
	}

	p.logger.Info("Build finished",
		"compiled", summary.Compiled,
		"manifests", summary.Manifests,
		"checksums", summary.Checksums,
		"failures", summary.Failures,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return summary, ctx.Err()
}

func (p *Pipeline) runCompile(ctx context.Context, runID int64, summary *Summary) {
	for _, name := range p.targets(TaskCompile) {
		cfg := p.config.Compile[name]
		target := templating.Target{Name: name, Options: cfg.Options}
		for _, f := range cfg.Files {
			target.Files = append(target.Files, templating.FileMapping{Sources: f.Src, Destination: f.Dest})
		}

		for _, res := range p.compiler.Compile(ctx, target) {
			if res.Err != nil {
				summary.Failures++
				continue
			}
			summary.Compiled++
			summary.Sidecars += len(res.Sidecars)
			p.recordArtifact(ctx, runID, ledger.KindCompiled, res.Destination, int64(res.Bytes))
			for _, sidecar := range res.Sidecars {
				p.recordArtifact(ctx, runID, ledger.KindSidecar, sidecar, -1)
			}
		}
	}
}

func (p *Pipeline) runManifest(ctx context.Context, runID int64, summary *Summary) {
	for _, name := range p.targets(TaskManifest) {
		cfg := p.config.Manifest[name]
		err := p.manifests.Write(ctx, manifest.Target{Name: name, Options: cfg.Options, Src: cfg.Src, Dest: cfg.Dest})
		if err != nil {
			p.logger.Error("Failed to generate manifest", "target", name, "dest", cfg.Dest, "error", err)
			summary.Failures++
			continue
		}
		summary.Manifests++
		p.recordArtifact(ctx, runID, ledger.KindManifest, cfg.Dest, -1)
	}
}

func (p *Pipeline) runChecksum(ctx context.Context, runID int64, summary *Summary) {
	var tasks []checksum.Task
	for _, name := range p.targets(TaskChecksum) {
		cfg := p.config.Checksum[name]
		for _, f := range cfg.Files {
			tasks = append(tasks, checksum.Task{Destination: f.Dest, Sources: f.Src, Algorithm: cfg.Options.Algorithm})
		}
	}
	if len(tasks) == 0 {
		return
	}

	for _, res := range p.checksums.Run(ctx, tasks) {
		if res.Err != nil {
			p.logger.Error("Checksum file not written", "dest", res.Destination, "error", res.Err)
			summary.Failures++
			continue
		}
		summary.Checksums++
		p.recordChecksums(ctx, runID, res)
	}
}

func (p *Pipeline) recordArtifact(ctx context.Context, runID int64, kind, path string, size int64) {
	if runID == 0 {
		return
	}
	if size < 0 {
		if fi, err := os.Stat(path); err == nil {
			size = fi.Size()
		}
	}
	if err := p.ledger.RecordArtifact(ctx, runID, kind, path, size); err != nil {
		p.logger.Warn("Failed to record artifact", "path", path, "error", err)
	}
}

// recordChecksums stores the table and reports how it differs from the
// previous run's table for the same destination.
func (p *Pipeline) recordChecksums(ctx context.Context, runID int64, res checksum.Result) {
	if runID == 0 {
		return
	}
	p.recordArtifact(ctx, runID, ledger.KindChecksums, res.Destination, -1)

	previous, err := p.ledger.LatestDigests(ctx, res.Destination, runID)
	switch {
	case errors.Is(err, ledger.ErrNoHistory):
		p.logger.Info("No previous checksums recorded", "dest", res.Destination)
	case err != nil:
		p.logger.Warn("Failed to load previous checksums", "dest", res.Destination, "error", err)
	case previous.Algorithm != res.Algorithm:
		p.logger.Info("Checksum algorithm changed since last run", "dest", res.Destination, "from", previous.Algorithm, "to", res.Algorithm)
	default:
		changed, unchanged := ledger.Diff(previous.Sums, res.Sums)
		p.logger.Info("Compared with previous checksums", "dest", res.Destination, "previous_run", previous.RunID, "changed", len(changed), "unchanged", len(unchanged))
		for _, src := range changed {
			p.logger.Debug("Source changed", "dest", res.Destination, "source", src)
		}
	}

	if err = p.ledger.RecordDigests(ctx, runID, res.Destination, res.Algorithm, res.Sums); err != nil {
		p.logger.Warn("Failed to record checksums", "dest", res.Destination, "error", err)
	}
}
