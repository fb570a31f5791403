package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotInitialized   = errors.New("storage: not initialized")
	ErrUnsupportedQuery = errors.New("storage: unsupported query")
	ErrUnknownTable     = errors.New("storage: unknown table")
	ErrUnknownColumn    = errors.New("storage: unknown column")
	ErrInvalidOp        = errors.New("storage: invalid operation")
	ErrInvalidConfig    = errors.New("storage: invalid config")
	ErrSchemaTooNew     = errors.New("storage: schema version newer than code")
)

const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

// Tables lists the domain tables in parent-before-child order.
var Tables = []string{
	"users",
	"schools",
	"classes",
	"students",
	"sessions",
	"attendance",
	"exams",
	"exam_results",
	"assignments",
	"assignment_submissions",
}

func KnownTable(name string) bool {
	for _, table := range Tables {
		if table == name {
			return true
		}
	}
	return false
}

type Mode string

const (
	ModeKeyValue   Mode = "keyvalue"
	ModeRelational Mode = "relational"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeKeyValue:
		return ModeKeyValue, nil
	case ModeRelational:
		return ModeRelational, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, raw)
	}
}

type Config struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	Mode    Mode   `json:"mode"`
}

func DefaultConfig() Config {
	return Config{Name: "classroll", Version: 1, Mode: ModeRelational}
}

func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	case c.Version < 1:
		return fmt.Errorf("%w: version must be >= 1", ErrInvalidConfig)
	case c.Mode != ModeKeyValue && c.Mode != ModeRelational:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	default:
		return nil
	}
}

// StorageKey is the namespace for this config: db_{name}_v{version}.
func (c Config) StorageKey() string {
	return fmt.Sprintf("db_%s_v%d", c.Name, c.Version)
}

// Record is one row: field name to JSON-compatible value.
type Record map[string]any

// ID returns the record id when it is a non-empty string.
func (r Record) ID() string {
	id, _ := r[FieldID].(string)
	return id
}

func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Snapshot is the full contents of every table, keyed by table name. Both
// backends produce and accept the same shape.
type Snapshot map[string][]Record

type QueryResult struct {
	Rows         []Record `json:"rows"`
	RowsAffected int64    `json:"rows_affected"`
}

// Backend is the persistence contract. All operations other than Initialize
// fail with ErrNotInitialized before Initialize succeeds or after Close.
type Backend interface {
	Mode() Mode
	Initialize(ctx context.Context) error
	Ready() bool

	// Query runs a raw statement. KeyValueBackend understands only
	// "SELECT * FROM t [WHERE f = ?]" and "INSERT INTO t" with args[0] as the
	// record; anything else is ErrUnsupportedQuery.
	Query(ctx context.Context, statement string, args ...any) (QueryResult, error)

	// Transaction applies ops in order. RelationalBackend commits all or
	// nothing. KeyValueBackend applies each op independently: ops before a
	// failing op stay committed.
	Transaction(ctx context.Context, ops []Op) error

	// Insert writes data under its id, generating one when absent. When the
	// id already exists the given fields overwrite the stored row; other
	// fields, created_at and dependent rows are kept.
	Insert(ctx context.Context, table string, data Record) (string, error)
	Update(ctx context.Context, table string, partial Record, where Predicate) (int, error)
	Delete(ctx context.Context, table string, where Predicate) (int, error)
	// Select returns matching rows with JSON-shaped values: numbers are
	// float64 on both backends.
	Select(ctx context.Context, table string, where Predicate) ([]Record, error)

	Clear(ctx context.Context) error
	ExportData(ctx context.Context) (Snapshot, error)
	ImportData(ctx context.Context, snapshot Snapshot) error
	Close(ctx context.Context) error
}

func checkTable(table string) error {
	if !KnownTable(table) {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return nil
}
