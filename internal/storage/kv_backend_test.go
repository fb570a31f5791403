package storage

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/classroll/classroll/internal/kvstore"
	"github.com/stretchr/testify/require"
)

var keyValueIDPattern = regexp.MustCompile(`^\d+-[0-9a-z]{9}$`)

func TestKeyValueInsertAssignsIDAndTimestamp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, mem := newTestKeyValue(t)

	id, err := b.Insert(ctx, "students", Record{"name": "Alice", "class_id": "c1"})
	require.NoError(t, err)
	require.Regexp(t, keyValueIDPattern, id)

	raw, ok, err := mem.Get(ctx, "db_classroll_v1")
	require.NoError(t, err)
	require.True(t, ok)

	var stored map[string]map[string]Record
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	require.Len(t, stored, len(Tables))
	require.Equal(t, "Alice", stored["students"][id]["name"])
	require.NotEmpty(t, stored["students"][id][FieldCreatedAt])
}

func TestKeyValueInsertWithExistingIDMerges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newTestKeyValue(t)

	_, err := b.Insert(ctx, "schools", Record{"id": "s1", "name": "Old", "phone": "1"})
	require.NoError(t, err)
	rows, err := b.Select(ctx, "schools", ByID("s1"))
	require.NoError(t, err)
	created := rows[0][FieldCreatedAt]

	id, err := b.Insert(ctx, "schools", Record{"id": "s1", "name": "New"})
	require.NoError(t, err)
	require.Equal(t, "s1", id)

	rows, err = b.Select(ctx, "schools", All())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "New", rows[0]["name"])
	require.Equal(t, "1", rows[0]["phone"])
	require.Equal(t, created, rows[0][FieldCreatedAt])

	_, err = b.Insert(ctx, "schools", Record{"id": 7, "name": "Numeric"})
	require.ErrorIs(t, err, ErrInvalidOp)
}

func TestKeyValueTransactionIsNotAtomic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newTestKeyValue(t)

	err := b.Transaction(ctx, []Op{
		InsertOp("schools", Record{"name": "Kept"}),
		InsertOp("teachers", Record{"name": "Fails"}),
		InsertOp("schools", Record{"name": "Never"}),
	})
	require.ErrorIs(t, err, ErrUnknownTable)

	rows, err := b.Select(ctx, "schools", All())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "Kept", rows[0]["name"])

	err = b.Transaction(ctx, []Op{{Kind: "upsert", Table: "schools"}})
	require.ErrorIs(t, err, ErrInvalidOp)
}

func TestKeyValueQuerySubset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newTestKeyValue(t)

	res, err := b.Query(ctx, "INSERT INTO students", map[string]any{"name": "Alice", "class_id": "c1"})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.RowsAffected)
	require.Len(t, res.Rows, 1)
	_, err = b.Query(ctx, "insert into students;", Record{"name": "Ben", "class_id": "c2"})
	require.NoError(t, err)

	res, err = b.Query(ctx, "SELECT * FROM students")
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)

	res, err = b.Query(ctx, "select * from students where class_id = ?", "c2")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	require.Equal(t, "Ben", res.Rows[0]["name"])

	for _, stmt := range []string{
		"SELECT name FROM students",
		"UPDATE students SET name = ?",
		"DELETE FROM students",
		"SELECT * FROM students WHERE name LIKE ?",
	} {
		_, err := b.Query(ctx, stmt, "x")
		require.ErrorIsf(t, err, ErrUnsupportedQuery, "statement %q", stmt)
	}

	_, err = b.Query(ctx, "SELECT * FROM students WHERE name = ?")
	require.ErrorIs(t, err, ErrUnsupportedQuery)
	_, err = b.Query(ctx, "INSERT INTO students", "not a record")
	require.ErrorIs(t, err, ErrUnsupportedQuery)
	_, err = b.Query(ctx, "SELECT * FROM teachers")
	require.ErrorIs(t, err, ErrUnknownTable)
}

func TestKeyValueReloadsPersistedState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := kvstore.NewMemory()

	first := NewKeyValueBackend(DefaultConfig(), mem, nil)
	require.NoError(t, first.Initialize(ctx))
	id, err := first.Insert(ctx, "exams", Record{"title": "Midterm", "class_id": "c1", "max_score": 50})
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	second := NewKeyValueBackend(DefaultConfig(), mem, nil)
	require.NoError(t, second.Initialize(ctx))
	rows, err := second.Select(ctx, "exams", Equals("max_score", 50))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, id, rows[0].ID())
	require.Equal(t, float64(50), rows[0]["max_score"])

	other := NewKeyValueBackend(Config{Name: "classroll", Version: 2, Mode: ModeKeyValue}, mem, nil)
	require.NoError(t, other.Initialize(ctx))
	rows, err = other.Select(ctx, "exams", All())
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestKeyValueRejectsCorruptDocument(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := kvstore.NewMemory()
	require.NoError(t, mem.Set(ctx, "db_classroll_v1", "{not json"))

	b := NewKeyValueBackend(DefaultConfig(), mem, nil)
	require.Error(t, b.Initialize(ctx))
	require.False(t, b.Ready())
}

func TestKeyValueKeepsStateWhenPersistFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	failing := &failingStore{Memory: kvstore.NewMemory()}
	b := NewKeyValueBackend(DefaultConfig(), failing, nil)
	require.NoError(t, b.Initialize(ctx))

	_, err := b.Insert(ctx, "schools", Record{"name": "A"})
	require.NoError(t, err)

	failing.fail = true
	_, err = b.Insert(ctx, "schools", Record{"name": "B"})
	require.ErrorIs(t, err, errStoreDown)

	rows, err := b.Select(ctx, "schools", All())
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestKeyValueImportKeepsIDs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newTestKeyValue(t)
	_, err := b.Insert(ctx, "schools", Record{"name": "Dropped"})
	require.NoError(t, err)

	err = b.ImportData(ctx, Snapshot{
		"schools": {
			{"id": "s1", "name": "Hillside", "created_at": "2024-01-02T03:04:05Z"},
			{"name": "No id"},
		},
	})
	require.NoError(t, err)

	rows, err := b.Select(ctx, "schools", All())
	require.NoError(t, err)
	require.Len(t, rows, 2)

	got, err := b.Select(ctx, "schools", ByID("s1"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "2024-01-02T03:04:05Z", got[0][FieldCreatedAt])
}

func TestKeyValueSelectReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newTestKeyValue(t)
	id, err := b.Insert(ctx, "schools", Record{"name": "A"})
	require.NoError(t, err)

	rows, err := b.Select(ctx, "schools", ByID(id))
	require.NoError(t, err)
	rows[0]["name"] = "mutated"

	rows, err = b.Select(ctx, "schools", ByID(id))
	require.NoError(t, err)
	require.Equal(t, "A", rows[0]["name"])
}

var errStoreDown = &storeDownError{}

type storeDownError struct{}

func (*storeDownError) Error() string { return "store down" }

type failingStore struct {
	*kvstore.Memory
	fail bool
}

func (f *failingStore) Set(ctx context.Context, key, value string) error {
	if f.fail {
		return errStoreDown
	}
	return f.Memory.Set(ctx, key, value)
}
