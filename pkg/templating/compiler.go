package templating

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"github.com/CTAG07/sgpbuild/internal/atomicfile"
	"github.com/CTAG07/sgpbuild/internal/readctx"
	"github.com/dustin/go-humanize"
)

var (
	// ErrMissingSource is returned when a source file for a destination
	// does not exist. Only that destination is affected.
	ErrMissingSource = errors.New("source file not found")

	// ErrNoSources is returned for a file mapping without any sources.
	ErrNoSources = errors.New("no source files")

	// ErrInvalidPlaceholder is returned for a <%= ... %> token that does
	// not hold a single include name.
	ErrInvalidPlaceholder = errors.New("invalid placeholder")
)

const (
	leftDelim  = "<%="
	rightDelim = "%>"
)

var (
	tokenPattern  = regexp.MustCompile(`<%=\s*([A-Za-z_][A-Za-z0-9_]*)\s*%>`)
	actionPattern = regexp.MustCompile(`(?s)<%=(.*?)%>`)
	namePattern   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// reservedNames cannot be used as include names because the template
// parser gives them their own meaning.
var reservedNames = map[string]struct{}{
	"block": {}, "break": {}, "continue": {}, "define": {}, "else": {},
	"end": {}, "false": {}, "if": {}, "nil": {}, "range": {},
	"template": {}, "true": {}, "with": {},
}

// ValidIncludeName reports whether name can be referenced as a placeholder.
func ValidIncludeName(name string) bool {
	if !namePattern.MatchString(name) {
		return false
	}
	_, reserved := reservedNames[name]
	return !reserved
}

// Result reports the outcome for a single destination.
type Result struct {
	Target      string
	Destination string
	// Bytes is the size of the written artifact.
	Bytes    int
	Sidecars []string
	Err      error
}

// Compiler turns targets into artifacts on disk. It holds no per-target
// state and is safe for concurrent use.
type Compiler struct {
	logger *slog.Logger
	config CompilerConfig
}

// NewCompiler creates a Compiler. A nil logger discards all output.
func NewCompiler(logger *slog.Logger, config CompilerConfig) *Compiler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Compiler{logger: logger, config: config}
}

// ResolveIncludes loads each include file and returns name -> contents.
// Unreadable includes are left out of the result and logged as warnings;
// any placeholder referring to them renders empty.
func (c *Compiler) ResolveIncludes(ctx context.Context, include map[string]string) map[string]string {
	names := make([]string, 0, len(include))
	for name := range include {
		names = append(names, name)
	}
	sort.Strings(names)

	resolved := make(map[string]string, len(include))
	for _, name := range names {
		path := include[name]
		data, err := readctx.ReadFile(ctx, path, c.config.ReadTimeout)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				c.logger.Warn(fmt.Sprintf("Source file %q not found.", path), "include", name)
			} else {
				c.logger.Warn("Failed to read include file", "include", name, "path", path, "error", err)
			}
			continue
		}
		resolved[name] = string(data)
	}
	return resolved
}

// Render replaces every <%= name %> token in text with includes[name], or
// with the empty string when name is absent. The output is not re-scanned.
//
// Every token must hold exactly one include name. Keywords such as true or
// nil, trim markers and expressions are rejected with ErrInvalidPlaceholder.
func Render(name, text string, includes map[string]string) (string, error) {
	for _, action := range actionPattern.FindAllStringSubmatch(text, -1) {
		if !ValidIncludeName(strings.TrimSpace(action[1])) {
			return "", fmt.Errorf("%w: %s", ErrInvalidPlaceholder, action[0])
		}
	}

	funcs := template.FuncMap{}
	for _, match := range tokenPattern.FindAllStringSubmatch(text, -1) {
		key := match[1]
		value := includes[key]
		funcs[key] = func() string { return value }
	}

	tmpl, err := template.New(name).Delims(leftDelim, rightDelim).Funcs(funcs).Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err = tmpl.Execute(&buf, nil); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.String(), nil
}

// Compile processes every file mapping of target in declared order. A
// failing destination is reported in its Result and does not stop the
// remaining ones.
func (c *Compiler) Compile(ctx context.Context, target Target) []Result {
	includes := c.ResolveIncludes(ctx, target.Options.Include)

	results := make([]Result, 0, len(target.Files))
	for _, file := range target.Files {
		res := c.compileFile(ctx, target, file, includes)
		if res.Err != nil {
			c.logger.Error("Failed to compile file", "target", target.Name, "dest", file.Destination, "error", res.Err)
		}
		results = append(results, res)
	}
	return results
}

func (c *Compiler) compileFile(ctx context.Context, target Target, file FileMapping, includes map[string]string) Result {
	res := Result{Target: target.Name, Destination: file.Destination}

	contents, err := c.concat(ctx, file)
	if err != nil {
		res.Err = err
		return res
	}

	out, err := Render(file.Destination, contents, includes)
	if err != nil {
		res.Err = fmt.Errorf("compiling %q: %w", file.Destination, err)
		return res
	}

	if target.Options.Bookmarklet {
		out = Bookmarklet(out)
	}

	if err = writeArtifact(file.Destination, []byte(out)); err != nil {
		res.Err = err
		return res
	}
	res.Bytes = len(out)

	for _, format := range target.Options.Compress {
		sidecar, err := writeSidecar(file.Destination, format, []byte(out))
		if err != nil {
			res.Err = err
			return res
		}
		res.Sidecars = append(res.Sidecars, sidecar)
	}

	c.logger.Info("Compiled file", "dest", file.Destination, "size", humanize.Bytes(uint64(res.Bytes)))
	return res
}

// concat reads the sources of file in order and joins them without a separator.
func (c *Compiler) concat(ctx context.Context, file FileMapping) (string, error) {
	if len(file.Sources) == 0 {
		return "", fmt.Errorf("%w for %q", ErrNoSources, file.Destination)
	}

	var sb strings.Builder
	for _, src := range file.Sources {
		data, err := readctx.ReadFile(ctx, src, c.config.ReadTimeout)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", fmt.Errorf("%w: %q (required by %q)", ErrMissingSource, src, file.Destination)
			}
			return "", fmt.Errorf("failed to read source %q for %q: %w", src, file.Destination, err)
		}
		sb.Write(data)
	}
	return sb.String(), nil
}

func writeArtifact(dest string, data []byte) error {
	return atomicfile.WriteFile(dest, data)
}

func writeSidecar(dest, format string, data []byte) (string, error) {
	compressed, err := compressBytes(format, data)
	if err != nil {
		return "", fmt.Errorf("failed to compress %q: %w", dest, err)
	}
	path := SidecarPath(dest, format)
	if err = writeArtifact(path, compressed); err != nil {
		return "", err
	}
	return path, nil
}
