package storage

import (
	"encoding/json"
	"fmt"
	"reflect"
)

type predicateKind uint8

const (
	predicateAll predicateKind = iota
	predicateID
	predicateEquals
)

// Predicate selects records. It is deliberately limited to a single equality
// so every backend can evaluate it the same way. Build one with All, ByID or
// Equals; the zero value matches everything.
type Predicate struct {
	kind  predicateKind
	field string
	value any
}

func All() Predicate {
	return Predicate{kind: predicateAll}
}

func ByID(id string) Predicate {
	return Predicate{kind: predicateID, field: FieldID, value: id}
}

// Equals matches records whose field equals value. Equals("id", s) with a
// string s is the same as ByID(s).
func Equals(field string, value any) Predicate {
	if id, ok := value.(string); ok && field == FieldID {
		return ByID(id)
	}
	return Predicate{kind: predicateEquals, field: field, value: value}
}

func (p Predicate) IsAll() bool {
	return p.kind == predicateAll
}

// ID returns the id for ByID predicates.
func (p Predicate) ID() (string, bool) {
	if p.kind != predicateID {
		return "", false
	}
	id, _ := p.value.(string)
	return id, true
}

func (p Predicate) Field() string {
	return p.field
}

func (p Predicate) Value() any {
	return p.value
}

// Matches compares after JSON normalisation, so 3 and 3.0 are equal, as
// they are once a record has been persisted.
func (p Predicate) Matches(r Record) bool {
	switch p.kind {
	case predicateAll:
		return true
	case predicateID:
		return r.ID() == p.value
	default:
		got, ok := r[p.field]
		if !ok {
			return false
		}
		return reflect.DeepEqual(normalizeValue(got), normalizeValue(p.value))
	}
}

func (p Predicate) String() string {
	switch p.kind {
	case predicateAll:
		return "all"
	case predicateID:
		return fmt.Sprintf("id = %v", p.value)
	default:
		return fmt.Sprintf("%s = %v", p.field, p.value)
	}
}

func normalizeValue(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func normalizeRecord(r Record) (Record, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("normalize record: %w", err)
	}
	out := Record{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalize record: %w", err)
	}
	return out, nil
}
