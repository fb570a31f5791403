package log

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Match the [logging] defaults in config.
const (
	defaultMaxSizeMB = 10
	defaultMaxFiles  = 5
)

// RotationConfig describes a log file that rolls over at MaxSizeMB and keeps
// MaxFiles old copies. Zero values fall back to the defaults.
type RotationConfig struct {
	File      string
	MaxSizeMB int
	MaxFiles  int
}

func rotationFromOptions(opts Options) RotationConfig {
	return RotationConfig{File: opts.File, MaxSizeMB: opts.MaxSizeMB, MaxFiles: opts.MaxFiles}
}

// NewRotatingWriter opens the log file lazily through lumberjack. Log lines
// carry table names and record ids, so the directory is 0700 and a file left
// behind with wider permissions is tightened to 0600.
func NewRotatingWriter(cfg RotationConfig) (*lumberjack.Logger, error) {
	if cfg.File == "" {
		return nil, fmt.Errorf("log file path must not be empty")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = defaultMaxSizeMB
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = defaultMaxFiles
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := os.Chmod(cfg.File, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("set log file permissions: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxFiles,
	}, nil
}
