package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	nanoid "github.com/matoous/go-nanoid/v2"
)

const (
	keyValueIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	keyValueIDSuffix   = 9
)

// newKeyValueID returns "<unix millis>-<9 random base36 chars>".
func newKeyValueID(now time.Time) (string, error) {
	suffix, err := nanoid.Generate(keyValueIDAlphabet, keyValueIDSuffix)
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return fmt.Sprintf("%d-%s", now.UnixMilli(), suffix), nil
}

func ensureID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func recordID(data Record) (string, error) {
	raw, ok := data[FieldID]
	if !ok || raw == nil {
		return "", nil
	}
	id, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: id must be a string, got %T", ErrInvalidOp, raw)
	}
	return id, nil
}
