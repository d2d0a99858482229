package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/CTAG07/sgpbuild/pkg/pipeline"
	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads the build file at path. A missing file is created with
// the default build so the next run can be edited from it.
func LoadConfig(path string, logger *slog.Logger) (*pipeline.Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		config := pipeline.DefaultConfig()
		data, err := marshalConfig(config, path)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", err)
		}
		if err = atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
			// The defaults are still usable without the file.
			logger.Warn("Failed to write default config file", "path", path, "error", err)
		} else {
			logger.Info("Wrote default config file", "path", path)
		}
		return config, nil
	}

	return pipeline.Parse(file, path)
}

func marshalConfig(config *pipeline.Config, path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Marshal(config)
	default:
		return json.MarshalIndent(config, "", "  ")
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
