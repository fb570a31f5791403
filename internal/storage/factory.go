package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/classroll/classroll/internal/kvstore"
)

type FactoryOptions struct {
	// KV backs the key-value backend. Without it the factory can only build
	// a relational backend.
	KV kvstore.Store
	// DataDir holds the relational database file.
	DataDir string
	Logger  *slog.Logger
	// RelationalSupported reports whether the embedded engine can run on
	// this platform. Nil means it can.
	RelationalSupported func() bool
}

// Factory hands out one Backend per process. Get prefers the relational
// backend when the config asks for it and falls back to the key-value
// backend when the relational one cannot start.
type Factory struct {
	mu      sync.Mutex
	cfg     Config
	opts    FactoryOptions
	logger  *slog.Logger
	backend Backend

	newRelational func(Config) Backend
	newKeyValue   func(Config) Backend
}

func NewFactory(cfg Config, opts FactoryOptions) *Factory {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		cfg:    cfg,
		opts:   opts,
		logger: logger.With("component", "storage"),
	}
	f.newRelational = func(c Config) Backend {
		return NewRelationalBackend(c, RelationalPath(opts.DataDir, c), logger)
	}
	f.newKeyValue = func(c Config) Backend {
		return NewKeyValueBackend(c, opts.KV, logger)
	}
	return f
}

// RelationalPath is the database file for cfg under dataDir.
func RelationalPath(dataDir string, cfg Config) string {
	return filepath.Join(dataDir, cfg.StorageKey()+".db")
}

func (f *Factory) Config() Config {
	return f.cfg
}

// Get returns the ready backend, creating and initializing one on first
// use. Concurrent callers share the same instance.
func (f *Factory) Get(ctx context.Context) (Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.backend != nil && f.backend.Ready() {
		return f.backend, nil
	}
	if err := f.cfg.Validate(); err != nil {
		return nil, err
	}

	if f.cfg.Mode == ModeRelational {
		if f.relationalSupported() {
			backend := f.newRelational(f.cfg)
			err := backend.Initialize(ctx)
			if err == nil {
				f.backend = backend
				return backend, nil
			}
			_ = backend.Close(ctx)
			f.logger.Warn("relational backend unavailable, falling back to key-value", "error", err)
		} else {
			f.logger.Info("relational backend not supported here, using key-value")
		}
	}

	if f.opts.KV == nil {
		return nil, fmt.Errorf("storage factory: no key-value store configured")
	}
	backend := f.newKeyValue(f.cfg)
	if err := backend.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("storage factory: %w", err)
	}
	f.backend = backend
	return backend, nil
}

// Current returns the backend handed out by Get, or nil.
func (f *Factory) Current() Backend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backend
}

// Reset closes the current backend. The next Get builds a new one.
func (f *Factory) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.backend == nil {
		return nil
	}
	err := f.backend.Close(ctx)
	f.backend = nil
	if err != nil {
		return fmt.Errorf("reset storage: %w", err)
	}
	return nil
}

func (f *Factory) relationalSupported() bool {
	if f.opts.RelationalSupported == nil {
		return true
	}
	return f.opts.RelationalSupported()
}
