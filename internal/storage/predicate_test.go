package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPredicateMatches(t *testing.T) {
	t.Parallel()

	rec := Record{"id": "r1", "score": float64(90), "present": true, "name": "Alice"}

	tests := []struct {
		name  string
		pred  Predicate
		match bool
	}{
		{name: "zero value", pred: Predicate{}, match: true},
		{name: "all", pred: All(), match: true},
		{name: "by id", pred: ByID("r1"), match: true},
		{name: "by other id", pred: ByID("r2"), match: false},
		{name: "id via equals", pred: Equals("id", "r1"), match: true},
		{name: "int against float", pred: Equals("score", 90), match: true},
		{name: "bool", pred: Equals("present", true), match: true},
		{name: "string mismatch", pred: Equals("name", "alice"), match: false},
		{name: "missing field", pred: Equals("email", nil), match: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.match, tc.pred.Matches(rec))
		})
	}
}

func TestPredicateAccessors(t *testing.T) {
	t.Parallel()

	id, ok := Equals("id", "r1").ID()
	require.True(t, ok)
	require.Equal(t, "r1", id)

	_, ok = Equals("name", "r1").ID()
	require.False(t, ok)
	require.True(t, All().IsAll())
	require.Equal(t, "name = Alice", Equals("name", "Alice").String())
}

func TestConfigStorageKeyAndValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.Equal(t, "db_classroll_v1", cfg.StorageKey())
	require.NoError(t, cfg.Validate())

	require.ErrorIs(t, Config{Version: 1, Mode: ModeKeyValue}.Validate(), ErrInvalidConfig)
	require.ErrorIs(t, Config{Name: "x", Mode: ModeKeyValue}.Validate(), ErrInvalidConfig)
	require.ErrorIs(t, Config{Name: "x", Version: 1, Mode: "cloud"}.Validate(), ErrInvalidConfig)

	mode, err := ParseMode(" Relational ")
	require.NoError(t, err)
	require.Equal(t, ModeRelational, mode)
	_, err = ParseMode("cloud")
	require.ErrorIs(t, err, ErrInvalidConfig)
}
