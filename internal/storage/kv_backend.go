package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/classroll/classroll/internal/kvstore"
)

type kvTables map[string]map[string]Record

// KeyValueBackend keeps every table in a single JSON document stored under
// Config.StorageKey in a kvstore.Store. Each mutation rewrites the document.
type KeyValueBackend struct {
	mu     sync.Mutex
	cfg    Config
	kv     kvstore.Store
	logger *slog.Logger
	now    func() time.Time

	tables kvTables
	ready  bool
}

var _ Backend = (*KeyValueBackend)(nil)

func NewKeyValueBackend(cfg Config, kv kvstore.Store, logger *slog.Logger) *KeyValueBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyValueBackend{
		cfg:    cfg,
		kv:     kv,
		logger: logger.With("component", "storage", "backend", string(ModeKeyValue)),
		now:    nowUTC,
	}
}

func (b *KeyValueBackend) Mode() Mode {
	return ModeKeyValue
}

func (b *KeyValueBackend) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

func (b *KeyValueBackend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ready {
		return nil
	}
	if b.kv == nil {
		return fmt.Errorf("initialize key-value backend: store is nil")
	}

	raw, ok, err := b.kv.Get(ctx, b.cfg.StorageKey())
	if err != nil {
		return fmt.Errorf("initialize key-value backend: %w", err)
	}

	tables := emptyTables()
	if ok {
		var stored kvTables
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			return fmt.Errorf("initialize key-value backend: decode %s: %w", b.cfg.StorageKey(), err)
		}
		for name, rows := range stored {
			if rows == nil {
				rows = map[string]Record{}
			}
			tables[name] = rows
		}
	}

	b.tables = tables
	if !ok {
		if err := b.persistLocked(ctx); err != nil {
			return fmt.Errorf("initialize key-value backend: %w", err)
		}
	}
	b.ready = true
	b.logger.Debug("backend ready", "storage_key", b.cfg.StorageKey())
	return nil
}

func (b *KeyValueBackend) Query(ctx context.Context, statement string, args ...any) (QueryResult, error) {
	stmt, err := parseKeyValueStatement(statement)
	if err != nil {
		return QueryResult{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureReady(); err != nil {
		return QueryResult{}, err
	}

	switch stmt.kind {
	case kvStatementSelect:
		where := All()
		if stmt.whereField != "" {
			if len(args) == 0 {
				return QueryResult{}, fmt.Errorf("%w: missing value for %s", ErrUnsupportedQuery, stmt.whereField)
			}
			where = Equals(stmt.whereField, args[0])
		}
		rows, err := b.selectLocked(stmt.table, where)
		if err != nil {
			return QueryResult{}, err
		}
		return QueryResult{Rows: rows}, nil
	default:
		if len(args) == 0 {
			return QueryResult{}, fmt.Errorf("%w: insert needs the record as the first argument", ErrUnsupportedQuery)
		}
		data, err := asRecord(args[0])
		if err != nil {
			return QueryResult{}, err
		}
		id, err := b.insertLocked(ctx, stmt.table, data)
		if err != nil {
			return QueryResult{}, err
		}
		return QueryResult{Rows: []Record{{FieldID: id}}, RowsAffected: 1}, nil
	}
}

// Transaction applies ops one by one. It is not atomic: when an op fails,
// the ops before it remain applied and persisted.
func (b *KeyValueBackend) Transaction(ctx context.Context, ops []Op) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureReady(); err != nil {
		return err
	}

	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := op.Validate(); err != nil {
			return fmt.Errorf("transaction op %d: %w", i, err)
		}
		var err error
		switch op.Kind {
		case OpInsert:
			_, err = b.insertLocked(ctx, op.Table, op.Data)
		case OpUpdate:
			_, err = b.updateLocked(ctx, op.Table, op.Data, op.Where)
		case OpDelete:
			_, err = b.deleteLocked(ctx, op.Table, op.Where)
		}
		if err != nil {
			return fmt.Errorf("transaction op %d (%s %s): %w", i, op.Kind, op.Table, err)
		}
	}
	return nil
}

func (b *KeyValueBackend) Insert(ctx context.Context, table string, data Record) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureReady(); err != nil {
		return "", err
	}
	return b.insertLocked(ctx, table, data)
}

func (b *KeyValueBackend) Update(ctx context.Context, table string, partial Record, where Predicate) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureReady(); err != nil {
		return 0, err
	}
	return b.updateLocked(ctx, table, partial, where)
}

func (b *KeyValueBackend) Delete(ctx context.Context, table string, where Predicate) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureReady(); err != nil {
		return 0, err
	}
	return b.deleteLocked(ctx, table, where)
}

func (b *KeyValueBackend) Select(ctx context.Context, table string, where Predicate) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	return b.selectLocked(table, where)
}

func (b *KeyValueBackend) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureReady(); err != nil {
		return err
	}

	prev := b.tables
	b.tables = emptyTables()
	if err := b.persistLocked(ctx); err != nil {
		b.tables = prev
		return err
	}
	return nil
}

func (b *KeyValueBackend) ExportData(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureReady(); err != nil {
		return nil, err
	}

	out := make(Snapshot, len(Tables))
	for _, table := range Tables {
		rows, err := b.selectLocked(table, All())
		if err != nil {
			return nil, err
		}
		out[table] = rows
	}
	return out, nil
}

// ImportData replaces the whole store with snapshot. Ids and timestamps in
// the snapshot are kept as they are.
func (b *KeyValueBackend) ImportData(ctx context.Context, snapshot Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureReady(); err != nil {
		return err
	}

	next := emptyTables()
	for table, rows := range snapshot {
		if err := checkTable(table); err != nil {
			return fmt.Errorf("import data: %w", err)
		}
		for _, row := range rows {
			rec, err := normalizeRecord(row)
			if err != nil {
				return fmt.Errorf("import data %s: %w", table, err)
			}
			id, err := recordID(rec)
			if err != nil {
				return fmt.Errorf("import data %s: %w", table, err)
			}
			if id == "" {
				if id, err = newKeyValueID(b.now()); err != nil {
					return err
				}
				rec[FieldID] = id
			}
			next[table][id] = rec
		}
	}

	prev := b.tables
	b.tables = next
	if err := b.persistLocked(ctx); err != nil {
		b.tables = prev
		return fmt.Errorf("import data: %w", err)
	}
	return nil
}

// Close flushes the document and marks the backend unusable.
func (b *KeyValueBackend) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return nil
	}
	err := b.persistLocked(ctx)
	b.ready = false
	b.tables = nil
	if err != nil {
		return fmt.Errorf("close key-value backend: %w", err)
	}
	return nil
}

func (b *KeyValueBackend) insertLocked(ctx context.Context, table string, data Record) (string, error) {
	if err := checkTable(table); err != nil {
		return "", err
	}
	rec, err := normalizeRecord(data)
	if err != nil {
		return "", err
	}
	id, err := recordID(rec)
	if err != nil {
		return "", err
	}
	now := b.now()
	if id == "" {
		if id, err = newKeyValueID(now); err != nil {
			return "", err
		}
	}
	rec[FieldID] = id
	rec[FieldCreatedAt] = fmtTime(now)

	// An existing record with the same id takes the given fields and keeps
	// the rest, created_at included.
	_, err = b.mutateLocked(ctx, table, func(rows map[string]Record) int {
		if existing, ok := rows[id]; ok {
			merged := existing.Clone()
			for field, value := range rec {
				if field == FieldCreatedAt {
					continue
				}
				merged[field] = value
			}
			rec = merged
		}
		rows[id] = rec
		return 1
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (b *KeyValueBackend) updateLocked(ctx context.Context, table string, partial Record, where Predicate) (int, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	changes, err := normalizeRecord(partial)
	if err != nil {
		return 0, err
	}
	delete(changes, FieldID)
	stamp := fmtTime(b.now())

	return b.mutateLocked(ctx, table, func(rows map[string]Record) int {
		n := 0
		for _, id := range matchingIDs(rows, where) {
			merged := rows[id].Clone()
			for k, v := range changes {
				merged[k] = v
			}
			merged[FieldUpdatedAt] = stamp
			rows[id] = merged
			n++
		}
		return n
	})
}

func (b *KeyValueBackend) deleteLocked(ctx context.Context, table string, where Predicate) (int, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	return b.mutateLocked(ctx, table, func(rows map[string]Record) int {
		ids := matchingIDs(rows, where)
		for _, id := range ids {
			delete(rows, id)
		}
		return len(ids)
	})
}

func (b *KeyValueBackend) selectLocked(table string, where Predicate) ([]Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	rows := b.tables[table]
	ids := matchingIDs(rows, where)
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, rows[id].Clone())
	}
	sortRecords(out)
	return out, nil
}

// mutateLocked applies fn to a copy of the table and persists the result.
// The in-memory table is left untouched when nothing changed or the write
// fails.
func (b *KeyValueBackend) mutateLocked(ctx context.Context, table string, fn func(rows map[string]Record) int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	prev := b.tables[table]
	next := make(map[string]Record, len(prev)+1)
	for id, rec := range prev {
		next[id] = rec
	}

	n := fn(next)
	if n == 0 {
		return 0, nil
	}

	b.tables[table] = next
	if err := b.persistLocked(ctx); err != nil {
		b.tables[table] = prev
		return 0, err
	}
	return n, nil
}

func (b *KeyValueBackend) persistLocked(ctx context.Context) error {
	data, err := json.Marshal(b.tables)
	if err != nil {
		return fmt.Errorf("encode %s: %w", b.cfg.StorageKey(), err)
	}
	if err := b.kv.Set(ctx, b.cfg.StorageKey(), string(data)); err != nil {
		return fmt.Errorf("persist %s: %w", b.cfg.StorageKey(), err)
	}
	return nil
}

func (b *KeyValueBackend) ensureReady() error {
	if !b.ready {
		return ErrNotInitialized
	}
	return nil
}

func emptyTables() kvTables {
	out := make(kvTables, len(Tables))
	for _, table := range Tables {
		out[table] = map[string]Record{}
	}
	return out
}

func matchingIDs(rows map[string]Record, where Predicate) []string {
	if id, ok := where.ID(); ok {
		if _, exists := rows[id]; exists {
			return []string{id}
		}
		return nil
	}
	var ids []string
	for id, rec := range rows {
		if where.Matches(rec) {
			ids = append(ids, id)
		}
	}
	return ids
}

// sortRecords orders by creation time, then id.
func sortRecords(rows []Record) {
	sort.SliceStable(rows, func(i, j int) bool {
		ci, _ := rows[i][FieldCreatedAt].(string)
		cj, _ := rows[j][FieldCreatedAt].(string)
		if ci != cj {
			return ci < cj
		}
		return rows[i].ID() < rows[j].ID()
	})
}

func asRecord(v any) (Record, error) {
	switch data := v.(type) {
	case Record:
		return data, nil
	case map[string]any:
		return Record(data), nil
	default:
		return nil, fmt.Errorf("%w: record argument must be a map, got %T", ErrUnsupportedQuery, v)
	}
}
