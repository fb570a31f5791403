package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/classroll/classroll/internal/backup"
	"github.com/classroll/classroll/internal/config"
	"github.com/classroll/classroll/internal/crypto"
	"github.com/classroll/classroll/internal/kvstore"
	applog "github.com/classroll/classroll/internal/log"
	"github.com/classroll/classroll/internal/offline"
	"github.com/classroll/classroll/internal/securestore"
	"github.com/classroll/classroll/internal/storage"
)

const kvFileName = "kv.db"

var (
	loadConfigFn     = config.Load
	newS3Destination = func(ctx context.Context, cfg config.BackupConfig) (backup.Destination, error) {
		return backup.NewS3Destination(ctx, cfg.S3Bucket, cfg.S3Key, cfg.S3Region, cfg.S3Endpoint)
	}
)

// app is the wired object graph for one command invocation.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	crypto  *crypto.Service
	secure  *securestore.Store
	factory *storage.Factory
	queue   *offline.Queue

	closers []func() error
}

func withApp(cmdCtx context.Context, deps commandDeps, fn func(context.Context, *app) error) error {
	a, err := openApp(cmdCtx, deps.globals)
	if err != nil {
		return mapCommandError(err)
	}
	err = fn(cmdCtx, a)
	if closeErr := a.close(context.WithoutCancel(cmdCtx)); closeErr != nil && err == nil {
		err = closeErr
	}
	return mapCommandError(err)
}

func loadOptions(globals *GlobalOptions) config.LoadOptions {
	opts := config.LoadOptions{}
	if globals == nil {
		return opts
	}
	if configPath := strings.TrimSpace(globals.ConfigPath); configPath != "" {
		opts.ConfigPath = configPath
	}
	if dataDir := strings.TrimSpace(globals.DataDir); dataDir != "" {
		opts.Flags.DataDir = &dataDir
	}
	if mode := strings.TrimSpace(globals.Mode); mode != "" {
		opts.Flags.Mode = &mode
	}
	return opts
}

func openApp(ctx context.Context, globals *GlobalOptions) (*app, error) {
	cfg, err := loadConfigFn(loadOptions(globals))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, closeLog, err := applog.New(applog.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		File:      cfg.Logging.File,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	rt := &app{cfg: cfg, logger: logger}
	rt.closers = append(rt.closers, closeLog)
	opened := false
	defer func() {
		if !opened {
			_ = rt.close(context.WithoutCancel(ctx))
		}
	}()

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	boltDB, err := kvstore.OpenBolt(filepath.Join(cfg.Storage.DataDir, kvFileName))
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, boltDB.Close)
	general, err := boltDB.Bucket(kvstore.BucketGeneral)
	if err != nil {
		return nil, err
	}

	secret, err := crypto.LoadOrGenerateSecret(cfg.Crypto.KeyFile)
	if err != nil {
		return nil, err
	}
	svc, err := crypto.NewService(crypto.Options{
		Secret:     secret,
		Salt:       []byte(cfg.Crypto.Salt),
		Iterations: cfg.Crypto.Iterations,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	rt.crypto = svc
	rt.closers = append(rt.closers, func() error { svc.Close(); return nil })

	switch cfg.Secure.Backing {
	case "prefixed":
		rt.secure = securestore.NewPrefixed(general, svc, logger)
	default:
		prefs, err := boltDB.Bucket(kvstore.BucketSecurePrefs)
		if err != nil {
			return nil, err
		}
		rt.secure = securestore.NewNative(prefs, svc, logger)
	}

	mode, err := storage.ParseMode(cfg.Storage.Mode)
	if err != nil {
		return nil, err
	}
	storageCfg := storage.Config{Name: cfg.Storage.Name, Version: cfg.Storage.Version, Mode: mode}
	if err := storageCfg.Validate(); err != nil {
		return nil, err
	}
	rt.factory = storage.NewFactory(storageCfg, storage.FactoryOptions{
		KV:      general,
		DataDir: cfg.Storage.DataDir,
		Logger:  logger,
	})
	rt.closers = append(rt.closers, func() error { return rt.factory.Reset(context.WithoutCancel(ctx)) })

	source, err := rt.connectivitySource(globals)
	if err != nil {
		return nil, err
	}
	queue, err := offline.NewQueue(offline.QueueOptions{
		Store:      rt.secure,
		Backends:   rt.factory,
		Source:     source,
		MaxRetries: cfg.Queue.MaxRetries,
		DeadLetter: rt.deadLetterSink(globals),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	rt.queue = queue
	rt.closers = append(rt.closers, queue.Close)
	if err := queue.Start(ctx); err != nil {
		return nil, err
	}
	opened = true
	return rt, nil
}

// connectivitySource follows the NATS connection when a server is
// configured; otherwise the device is online unless --offline is set.
func (r *app) connectivitySource(globals *GlobalOptions) (offline.Source, error) {
	forcedOffline := globals != nil && globals.Offline
	if forcedOffline || r.cfg.Queue.NATSURL == "" {
		return offline.NewManualSource(!forcedOffline), nil
	}
	source, err := offline.NewNATSSource(r.cfg.Queue.NATSURL, r.cfg.Queue.StatusSubject, r.logger)
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, source.Close)
	return source, nil
}

func (r *app) deadLetterSink(globals *GlobalOptions) offline.DeadLetterSink {
	fallback := offline.LogDeadLetter{Logger: r.logger}
	if (globals != nil && globals.Offline) || r.cfg.Queue.NATSURL == "" || r.cfg.Queue.DeadLetterSubject == "" {
		return fallback
	}
	sink, err := offline.NewNATSDeadLetter(r.cfg.Queue.NATSURL, r.cfg.Queue.DeadLetterSubject)
	if err != nil {
		r.logger.Warn("dead letter publisher unavailable, logging dropped actions instead", "error", err)
		return fallback
	}
	r.closers = append(r.closers, sink.Close)
	return sink
}

func (r *app) backend(ctx context.Context) (storage.Backend, error) {
	return r.factory.Get(ctx)
}

// close releases resources in reverse order of acquisition.
func (r *app) close(_ context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func parseRecord(raw string) (storage.Record, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, usageErrorf("--data is required")
	}
	var rec storage.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, usageErrorf("--data must be a JSON object: %v", err)
	}
	if rec == nil {
		return nil, usageErrorf("--data must be a JSON object")
	}
	return rec, nil
}

// parsePredicate builds the filter for --id or --where field=value. The
// value is read as JSON when it parses, otherwise as a string.
func parsePredicate(id, where string) (storage.Predicate, error) {
	switch {
	case id != "" && where != "":
		return storage.Predicate{}, usageErrorf("--id and --where are mutually exclusive")
	case id != "":
		return storage.ByID(id), nil
	case where == "":
		return storage.All(), nil
	}

	field, raw, ok := strings.Cut(where, "=")
	field = strings.TrimSpace(field)
	if !ok || field == "" {
		return storage.Predicate{}, usageErrorf("--where must look like field=value")
	}
	raw = strings.TrimSpace(raw)
	var value any = raw
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		value = decoded
	}
	return storage.Equals(field, value), nil
}

// formatRecord renders a record as space separated key=value pairs, id first.
func formatRecord(rec storage.Record) string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		if k != storage.FieldID {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(rec))
	if id, ok := rec[storage.FieldID]; ok {
		parts = append(parts, fmt.Sprintf("%s=%v", storage.FieldID, id))
	}
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, rec[k]))
	}
	return strings.Join(parts, " ")
}
