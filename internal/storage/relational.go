package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	pragmaJournalModeWAL = `PRAGMA journal_mode=WAL`
	pragmaForeignKeysOn  = `PRAGMA foreign_keys=ON`
	pragmaBusyTimeout    = `PRAGMA busy_timeout=5000`
)

type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// RelationalBackend stores the domain tables in an embedded SQLite file with
// foreign keys enforced and cascading deletes.
type RelationalBackend struct {
	mu     sync.RWMutex
	cfg    Config
	path   string
	logger *slog.Logger
	now    func() time.Time

	db      *sql.DB
	columns map[string]map[string]string
}

var _ Backend = (*RelationalBackend)(nil)

func NewRelationalBackend(cfg Config, path string, logger *slog.Logger) *RelationalBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelationalBackend{
		cfg:    cfg,
		path:   path,
		logger: logger.With("component", "storage", "backend", string(ModeRelational)),
		now:    nowUTC,
	}
}

func (b *RelationalBackend) Mode() Mode {
	return ModeRelational
}

func (b *RelationalBackend) Path() string {
	return b.path
}

func (b *RelationalBackend) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.db != nil
}

// Initialize opens the database, applies pending migrations and loads the
// column set of every table. It is a no-op when already initialized.
func (b *RelationalBackend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db != nil {
		return nil
	}
	if b.path == "" {
		return fmt.Errorf("initialize relational backend: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("initialize relational backend: create parent dir: %w", err)
	}

	db, err := sql.Open("sqlite", sqliteDSN(b.path))
	if err != nil {
		return fmt.Errorf("initialize relational backend: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)

	if err := configureSQLite(ctx, db); err != nil {
		_ = db.Close()
		return err
	}
	if err := RunMigrations(ctx, db, DefaultMigrations()); err != nil {
		_ = db.Close()
		return err
	}
	if _, err := db.ExecContext(ctx, `INSERT OR REPLACE INTO store_meta(key, value) VALUES(?, ?)`, storeNameMetaKey, b.cfg.StorageKey()); err != nil {
		_ = db.Close()
		return fmt.Errorf("initialize relational backend: record store name: %w", err)
	}
	if err := ensureDBPermissions(b.path); err != nil {
		_ = db.Close()
		return err
	}
	if err := b.attachLocked(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("backend ready", "path", b.path, "schema_version", CurrentSchemaVersion())
	return nil
}

// attachLocked caches column names and declared types for every table and
// makes db the live handle.
func (b *RelationalBackend) attachLocked(ctx context.Context, db *sql.DB) error {
	columns := make(map[string]map[string]string, len(Tables))
	for _, table := range Tables {
		infos, err := tableColumns(ctx, db, table)
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			return fmt.Errorf("initialize relational backend: table %s missing", table)
		}
		set := make(map[string]string, len(infos))
		for _, info := range infos {
			set[info.name] = strings.ToUpper(info.declType)
		}
		columns[table] = set
	}
	b.db = db
	b.columns = columns
	return nil
}

func (b *RelationalBackend) Query(ctx context.Context, statement string, args ...any) (QueryResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.ensureReady(); err != nil {
		return QueryResult{}, err
	}

	if isReadStatement(statement) {
		rows, err := b.db.QueryContext(ctx, statement, bindArgs(args)...)
		if err != nil {
			return QueryResult{}, fmt.Errorf("query: %w", err)
		}
		records, err := b.scanRecords(rows, "")
		if err != nil {
			return QueryResult{}, err
		}
		return QueryResult{Rows: records}, nil
	}

	res, err := b.db.ExecContext(ctx, statement, bindArgs(args)...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("query: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return QueryResult{}, fmt.Errorf("query: rows affected: %w", err)
	}
	return QueryResult{RowsAffected: n}, nil
}

// Transaction runs every op inside one database transaction. Any failure
// rolls back all of them.
func (b *RelationalBackend) Transaction(ctx context.Context, ops []Op) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.ensureReady(); err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	for i, op := range ops {
		if err := b.applyOp(ctx, tx, op); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("transaction op %d (%s %s): %w", i, op.Kind, op.Table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (b *RelationalBackend) applyOp(ctx context.Context, exec sqlExecutor, op Op) error {
	if err := op.Validate(); err != nil {
		return err
	}
	var err error
	switch op.Kind {
	case OpInsert:
		_, err = b.insert(ctx, exec, op.Table, op.Data)
	case OpUpdate:
		_, err = b.update(ctx, exec, op.Table, op.Data, op.Where)
	case OpDelete:
		_, err = b.delete(ctx, exec, op.Table, op.Where)
	}
	return err
}

func (b *RelationalBackend) Insert(ctx context.Context, table string, data Record) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.ensureReady(); err != nil {
		return "", err
	}
	return b.insert(ctx, b.db, table, data)
}

func (b *RelationalBackend) Update(ctx context.Context, table string, partial Record, where Predicate) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.ensureReady(); err != nil {
		return 0, err
	}
	return b.update(ctx, b.db, table, partial, where)
}

func (b *RelationalBackend) Delete(ctx context.Context, table string, where Predicate) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.ensureReady(); err != nil {
		return 0, err
	}
	return b.delete(ctx, b.db, table, where)
}

func (b *RelationalBackend) Select(ctx context.Context, table string, where Predicate) ([]Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	return b.selectRows(ctx, b.db, table, where)
}

// Clear deletes every row, children before parents.
func (b *RelationalBackend) Clear(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.ensureReady(); err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clear: begin: %w", err)
	}
	if err := clearTables(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("clear: commit: %w", err)
	}
	return nil
}

func (b *RelationalBackend) ExportData(ctx context.Context) (Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.ensureReady(); err != nil {
		return nil, err
	}

	out := make(Snapshot, len(Tables))
	for _, table := range Tables {
		rows, err := b.selectRows(ctx, b.db, table, All())
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", table, err)
		}
		out[table] = rows
	}
	return out, nil
}

// ImportData clears the database and loads snapshot, parents first, in one
// transaction. Records keep their ids and timestamps.
func (b *RelationalBackend) ImportData(ctx context.Context, snapshot Snapshot) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.ensureReady(); err != nil {
		return err
	}
	for table := range snapshot {
		if err := checkTable(table); err != nil {
			return fmt.Errorf("import data: %w", err)
		}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("import data: begin: %w", err)
	}
	if err := clearTables(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, table := range Tables {
		for _, row := range snapshot[table] {
			if _, err := b.insertRow(ctx, tx, table, b.dropMissingStamps(table, row), conflictReplace); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("import data %s: %w", table, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("import data: commit: %w", err)
	}
	return nil
}

func (b *RelationalBackend) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	b.columns = nil
	if err != nil {
		return fmt.Errorf("close relational backend: %w", err)
	}
	return nil
}

func (b *RelationalBackend) insert(ctx context.Context, exec sqlExecutor, table string, data Record) (string, error) {
	if err := checkTable(table); err != nil {
		return "", err
	}
	rec := data.Clone()
	stamp := fmtTime(b.now())
	if b.hasColumn(table, FieldCreatedAt) {
		rec[FieldCreatedAt] = stamp
	}
	if b.hasColumn(table, FieldUpdatedAt) {
		if _, ok := rec[FieldUpdatedAt]; !ok {
			rec[FieldUpdatedAt] = stamp
		}
	}
	return b.insertRow(ctx, exec, table, rec, conflictMerge)
}

type conflictMode int

const (
	// conflictMerge overwrites the given columns of an existing row and keeps
	// its created_at. The row is never deleted, so ON DELETE CASCADE children
	// survive.
	conflictMerge conflictMode = iota
	// conflictReplace deletes and rewrites an existing row. Only safe once the
	// tables have been cleared.
	conflictReplace
)

// insertRow writes rec as given apart from filling in a missing id.
func (b *RelationalBackend) insertRow(ctx context.Context, exec sqlExecutor, table string, rec Record, mode conflictMode) (string, error) {
	id, err := recordID(rec)
	if err != nil {
		return "", err
	}
	id = ensureID(id)
	rec = rec.Clone()
	rec[FieldID] = id

	fields, err := b.checkColumns(table, rec)
	if err != nil {
		return "", err
	}
	placeholders := make([]string, len(fields))
	args := make([]any, len(fields))
	for i, field := range fields {
		placeholders[i] = "?"
		args[i] = bindValue(rec[field])
	}

	values := ` (` + strings.Join(fields, ", ") + `) VALUES (` + strings.Join(placeholders, ", ") + `)`
	var stmt string
	if mode == conflictReplace {
		stmt = `INSERT OR REPLACE INTO ` + table + values
	} else {
		stmt = `INSERT INTO ` + table + values + upsertClause(fields)
	}
	if _, err := exec.ExecContext(ctx, stmt, args...); err != nil {
		return "", fmt.Errorf("insert into %s: %w", table, err)
	}
	return id, nil
}

func upsertClause(fields []string) string {
	sets := make([]string, 0, len(fields))
	for _, field := range fields {
		if field == FieldID || field == FieldCreatedAt {
			continue
		}
		sets = append(sets, field+` = excluded.`+field)
	}
	if len(sets) == 0 {
		return ` ON CONFLICT(id) DO NOTHING`
	}
	return ` ON CONFLICT(id) DO UPDATE SET ` + strings.Join(sets, ", ")
}

func (b *RelationalBackend) update(ctx context.Context, exec sqlExecutor, table string, partial Record, where Predicate) (int, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	changes := partial.Clone()
	delete(changes, FieldID)
	if b.hasColumn(table, FieldUpdatedAt) {
		changes[FieldUpdatedAt] = fmtTime(b.now())
	}

	clause, whereArgs, err := b.whereClause(table, where)
	if err != nil {
		return 0, err
	}
	if len(changes) == 0 {
		return b.count(ctx, exec, table, clause, whereArgs)
	}

	fields, err := b.checkColumns(table, changes)
	if err != nil {
		return 0, err
	}
	sets := make([]string, len(fields))
	args := make([]any, 0, len(fields)+len(whereArgs))
	for i, field := range fields {
		sets[i] = field + ` = ?`
		args = append(args, bindValue(changes[field]))
	}
	args = append(args, whereArgs...)

	res, err := exec.ExecContext(ctx, `UPDATE `+table+` SET `+strings.Join(sets, ", ")+clause, args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	return rowsAffected(res)
}

func (b *RelationalBackend) delete(ctx context.Context, exec sqlExecutor, table string, where Predicate) (int, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	clause, args, err := b.whereClause(table, where)
	if err != nil {
		return 0, err
	}
	res, err := exec.ExecContext(ctx, `DELETE FROM `+table+clause, args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", table, err)
	}
	return rowsAffected(res)
}

func (b *RelationalBackend) selectRows(ctx context.Context, exec sqlExecutor, table string, where Predicate) ([]Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	clause, args, err := b.whereClause(table, where)
	if err != nil {
		return nil, err
	}
	rows, err := exec.QueryContext(ctx, `SELECT * FROM `+table+clause+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", table, err)
	}
	return b.scanRecords(rows, table)
}

func (b *RelationalBackend) count(ctx context.Context, exec sqlExecutor, table, clause string, args []any) (int, error) {
	rows, err := exec.QueryContext(ctx, `SELECT COUNT(*) FROM `+table+clause, args...)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	defer rows.Close()
	n := 0
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("count %s: %w", table, err)
		}
	}
	return n, rows.Err()
}

func (b *RelationalBackend) whereClause(table string, where Predicate) (string, []any, error) {
	if where.IsAll() {
		return "", nil, nil
	}
	if !b.hasColumn(table, where.Field()) {
		return "", nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, where.Field())
	}
	return ` WHERE ` + where.Field() + ` = ?`, []any{bindValue(where.Value())}, nil
}

// checkColumns returns the record's field names in sorted order, failing on
// any field the table does not have.
func (b *RelationalBackend) checkColumns(table string, rec Record) ([]string, error) {
	fields := make([]string, 0, len(rec))
	for field := range rec {
		if !b.hasColumn(table, field) {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, field)
		}
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields, nil
}

// dropMissingStamps removes created_at/updated_at when the table has no such
// column. Key-value snapshots stamp created_at on every table.
func (b *RelationalBackend) dropMissingStamps(table string, rec Record) Record {
	out := rec.Clone()
	for _, field := range []string{FieldCreatedAt, FieldUpdatedAt} {
		if !b.hasColumn(table, field) {
			delete(out, field)
		}
	}
	return out
}

func (b *RelationalBackend) hasColumn(table, column string) bool {
	_, ok := b.columns[table][column]
	return ok
}

// scanRecords reads every row into a Record. BOOLEAN columns come back as
// bool, integers as float64 and BLOBs as strings, matching the JSON-decoded
// records of KeyValueBackend.
func (b *RelationalBackend) scanRecords(rows *sql.Rows, table string) ([]Record, error) {
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("scan rows: %w", err)
	}
	out := []Record{}
	for rows.Next() {
		values := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan rows: %w", err)
		}
		rec := make(Record, len(names))
		for i, name := range names {
			rec[name] = b.decodeValue(table, name, values[i])
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func (b *RelationalBackend) decodeValue(table, column string, v any) any {
	switch value := v.(type) {
	case []byte:
		return string(value)
	case int64:
		if table != "" && b.columns[table][column] == "BOOLEAN" {
			return value != 0
		}
		return float64(value)
	case time.Time:
		return fmtTime(value)
	default:
		return v
	}
}

func (b *RelationalBackend) ensureReady() error {
	if b.db == nil {
		return ErrNotInitialized
	}
	return nil
}

func clearTables(ctx context.Context, exec sqlExecutor) error {
	for i := len(Tables) - 1; i >= 0; i-- {
		if _, err := exec.ExecContext(ctx, `DELETE FROM `+Tables[i]); err != nil {
			return fmt.Errorf("clear %s: %w", Tables[i], err)
		}
	}
	return nil
}

// bindValue flattens maps and slices to JSON text; SQLite has no column
// type for them.
func bindValue(v any) any {
	switch v.(type) {
	case map[string]any, []any, Record:
		data, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return string(data)
	default:
		return v
	}
}

func bindArgs(args []any) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		out[i] = bindValue(arg)
	}
	return out
}

func rowsAffected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func isReadStatement(statement string) bool {
	fields := strings.Fields(statement)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "PRAGMA", "WITH", "EXPLAIN":
		return true
	default:
		return false
	}
}

// sqliteDSN sets the per-connection pragmas on every pooled connection,
// not only the first one.
func sqliteDSN(path string) string {
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func configureSQLite(ctx context.Context, db *sql.DB) error {
	pragmas := []string{pragmaJournalModeWAL, pragmaForeignKeysOn, pragmaBusyTimeout}
	for _, stmt := range pragmas {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("configure sqlite %q: %w", stmt, err)
		}
	}
	return nil
}

func ensureDBPermissions(path string) error {
	for _, p := range []string{path, path + "-wal"} {
		if err := os.Chmod(p, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("set db file permissions %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}
