package templating

import "time"

// Options holds the per-target compilation options.
type Options struct {
	// Include maps a placeholder name to the file whose contents replace it.
	// Includes that cannot be read are dropped with a warning.
	Include map[string]string `json:"include" yaml:"include"`

	// Bookmarklet wraps the compiled text in a self-invoking function and
	// encodes it as a single javascript: URI.
	Bookmarklet bool `json:"bookmarklet" yaml:"bookmarklet"`

	// Compress lists sidecar formats ("gzip", "zstd") written next to
	// each artifact.
	Compress []string `json:"compress" yaml:"compress"`
}

// DefaultOptions returns the options applied when a target sets none.
func DefaultOptions() Options {
	return Options{
		Include:     map[string]string{},
		Bookmarklet: false,
		Compress:    []string{},
	}
}

// FileMapping is one output artifact and the sources it is built from.
type FileMapping struct {
	Sources     []string
	Destination string
}

// Target is a named group of file mappings sharing the same options.
type Target struct {
	Name    string
	Options Options
	Files   []FileMapping
}

// CompilerConfig holds settings that apply to every target.
type CompilerConfig struct {
	// ReadTimeout bounds each individual read of a source or include file.
	// Zero disables the timeout.
	ReadTimeout time.Duration
}

// DefaultCompilerConfig returns a CompilerConfig with safe default values.
func DefaultCompilerConfig() CompilerConfig {
	return CompilerConfig{
		ReadTimeout: 30 * time.Second,
	}
}
