package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/CTAG07/sgpbuild/pkg/checksum"
	"github.com/CTAG07/sgpbuild/pkg/manifest"
	"github.com/CTAG07/sgpbuild/pkg/templating"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Task names, in their default execution order.
const (
	TaskCompile  = "compile"
	TaskManifest = "manifest"
	TaskChecksum = "checksum"
)

// ErrInvalidConfig wraps every validation problem found in a build file.
var ErrInvalidConfig = errors.New("invalid build configuration")

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// CompileTarget is one target of the compile task.
type CompileTarget struct {
	Options templating.Options `json:"options" yaml:"options"`
	Files   FileList           `json:"files" yaml:"files"`
}

// ManifestTarget is one target of the manifest task.
type ManifestTarget struct {
	Options manifest.Options `json:"options" yaml:"options"`
	Src     []string         `json:"src" yaml:"src"`
	Dest    string           `json:"dest" yaml:"dest"`
}

// ChecksumOptions holds the checksum task options.
type ChecksumOptions struct {
	Algorithm string `json:"algorithm" yaml:"algorithm"`
}

// ChecksumTarget is one target of the checksum task.
type ChecksumTarget struct {
	Options ChecksumOptions `json:"options" yaml:"options"`
	Files   FileList        `json:"files" yaml:"files"`
}

// Config is the whole build file.
type Config struct {
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `json:"log_level" yaml:"log_level"`

	// LedgerPath is the SQLite data source for the build ledger. Empty
	// disables the ledger.
	LedgerPath string `json:"ledger_path" yaml:"ledger_path"`

	// ReadTimeout bounds every individual file read. Zero disables it.
	ReadTimeout Duration `json:"read_timeout" yaml:"read_timeout"`

	// ChunkSize is the number of bytes hashed per read.
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`

	// ReadRetries is how many times a failed checksum read is retried.
	ReadRetries uint64 `json:"read_retries" yaml:"read_retries"`

	// Tasks is the ordered list of tasks a run executes.
	Tasks []string `json:"tasks" yaml:"tasks"`

	Compile  map[string]*CompileTarget  `json:"compile" yaml:"compile"`
	Manifest map[string]*ManifestTarget `json:"manifest" yaml:"manifest"`
	Checksum map[string]*ChecksumTarget `json:"checksum" yaml:"checksum"`
}

// DefaultConfig returns the SuperGenPass build: the self-contained app
// page, the bookmarklet, its cache manifest and the checksum file.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:    "info",
		LedgerPath:  "",
		ReadTimeout: Duration(30 * time.Second),
		ChunkSize:   checksum.DefaultChunkSize,
		ReadRetries: checksum.DefaultReadRetries,
		Tasks:       []string{TaskCompile, TaskManifest, TaskChecksum},
		Compile: map[string]*CompileTarget{
			"app": {
				Options: templating.Options{
					Include: map[string]string{
						"lib": "build/components.min.js",
						"js":  "build/app.min.js",
						"css": "build/app.min.css",
					},
					Compress: []string{},
				},
				Files: FileList{{Src: []string{"app/index.html"}, Dest: "build/index.html"}},
			},
			"bookmarklet": {
				Options: templating.Options{
					Include:     map[string]string{},
					Bookmarklet: true,
					Compress:    []string{},
				},
				Files: FileList{{Src: []string{"build/sgp.js"}, Dest: "build/sgp.bookmarklet.js"}},
			},
		},
		Manifest: map[string]*ManifestTarget{
			"generate": {
				Options: manifest.Options{
					BasePath:  "build/",
					Network:   []string{"*"},
					Fallback:  []string{},
					Timestamp: true,
					Verbose:   true,
				},
				Src:  []string{"index.html"},
				Dest: "build/cache.manifest",
			},
		},
		Checksum: map[string]*ChecksumTarget{
			"app": {
				Options: ChecksumOptions{Algorithm: checksum.DefaultAlgorithm},
				Files: FileList{{
					Src:  []string{"build/index.html", "build/sgp.bookmarklet.js"},
					Dest: "build/checksums.json",
				}},
			},
		},
	}
}

// Parse decodes a build file into a copy of DefaultConfig's top-level
// settings. Targets are taken from the file only. YAML is used for
// .yaml/.yml paths; everything else is read as JSON with comments and
// trailing commas allowed.
func Parse(data []byte, path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Compile, cfg.Manifest, cfg.Checksum = nil, nil, nil

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills target options the file left unset from each
// package's defaults. Empty targets are left for Validate to report.
func (c *Config) applyDefaults() {
	for _, t := range c.Compile {
		if t == nil {
			continue
		}
		compileDefaults := templating.DefaultOptions()
		if t.Options.Include == nil {
			t.Options.Include = compileDefaults.Include
		}
		if t.Options.Compress == nil {
			t.Options.Compress = compileDefaults.Compress
		}
	}
	for _, t := range c.Manifest {
		if t == nil {
			continue
		}
		defaults := manifest.DefaultOptions()
		if t.Options.BasePath == "" {
			t.Options.BasePath = defaults.BasePath
		}
		if t.Options.Network == nil {
			t.Options.Network = defaults.Network
		}
		if t.Options.Fallback == nil {
			t.Options.Fallback = defaults.Fallback
		}
	}
	for _, t := range c.Checksum {
		if t == nil {
			continue
		}
		if t.Options.Algorithm == "" {
			t.Options.Algorithm = checksum.DefaultAlgorithm
		}
	}
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		add("log_level: unknown level %q", c.LogLevel)
	}
	if c.ChunkSize <= 0 {
		add("chunk_size: must be positive, got %d", c.ChunkSize)
	}
	if c.ReadTimeout < 0 {
		add("read_timeout: must not be negative")
	}
	for _, task := range c.Tasks {
		if !validTask(task) {
			add("tasks: unknown task %q", task)
		}
	}

	for _, name := range sortedKeys(c.Compile) {
		t := c.Compile[name]
		if t == nil {
			add("compile.%s: empty target", name)
			continue
		}
		for include := range t.Options.Include {
			if !templating.ValidIncludeName(include) {
				add("compile.%s: include name %q is not a valid placeholder name", name, include)
			}
		}
		for _, format := range t.Options.Compress {
			if !templating.ValidCompression(format) {
				add("compile.%s: unknown compress format %q", name, format)
			}
		}
		problems = append(problems, validateFiles("compile."+name, t.Files, false)...)
	}

	for _, name := range sortedKeys(c.Manifest) {
		t := c.Manifest[name]
		if t == nil {
			add("manifest.%s: empty target", name)
			continue
		}
		if t.Dest == "" {
			add("manifest.%s: dest is required", name)
		}
	}

	for _, name := range sortedKeys(c.Checksum) {
		t := c.Checksum[name]
		if t == nil {
			add("checksum.%s: empty target", name)
			continue
		}
		if _, _, err := checksum.Lookup(t.Options.Algorithm); err != nil {
			add("checksum.%s: %w", name, err)
		}
		problems = append(problems, validateFiles("checksum."+name, t.Files, true)...)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(problems...))
	}
	return nil
}

func validateFiles(prefix string, files FileList, uniqueSources bool) []error {
	var problems []error
	dests := make(map[string]struct{}, len(files))
	for i, f := range files {
		if f.Dest == "" {
			problems = append(problems, fmt.Errorf("%s.files[%d]: dest is required", prefix, i))
			continue
		}
		if _, dup := dests[f.Dest]; dup {
			problems = append(problems, fmt.Errorf("%s: destination %q listed twice", prefix, f.Dest))
		}
		dests[f.Dest] = struct{}{}

		if !uniqueSources && len(f.Src) == 0 {
			problems = append(problems, fmt.Errorf("%s: %q has no sources", prefix, f.Dest))
		}
		if uniqueSources {
			seen := make(map[string]struct{}, len(f.Src))
			for _, src := range f.Src {
				if _, dup := seen[src]; dup {
					problems = append(problems, fmt.Errorf("%s: %q lists source %q twice", prefix, f.Dest, src))
				}
				seen[src] = struct{}{}
			}
		}
	}
	return problems
}

func validTask(name string) bool {
	return name == TaskCompile || name == TaskManifest || name == TaskChecksum
}

// TargetNames returns the sorted names of all targets of task.
func (c *Config) TargetNames(task string) []string {
	switch task {
	case TaskCompile:
		return sortedKeys(c.Compile)
	case TaskManifest:
		return sortedKeys(c.Manifest)
	case TaskChecksum:
		return sortedKeys(c.Checksum)
	default:
		return nil
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
