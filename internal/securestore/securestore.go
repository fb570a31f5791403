// Package securestore keeps secrets such as session tokens in a
// kvstore.Store, encrypting every value with crypto.Service before it is
// written.
//
// Two layouts exist. The native layout stores each logical key as-is in a
// bucket reserved for secure preferences. The prefixed layout shares the
// general key-value bucket and namespaces keys as "secure_<key>". Clear only
// ever touches keys that belong to the store.
package securestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/classroll/classroll/internal/crypto"
	"github.com/classroll/classroll/internal/kvstore"
)

// PrefixedNamespace is the key prefix used when sharing the general store.
const PrefixedNamespace = "secure_"

var ErrEmptyKey = errors.New("securestore: empty key")

type Store struct {
	backing kvstore.Store
	prefix  string
	svc     *crypto.Service
	logger  *slog.Logger
}

func New(backing kvstore.Store, prefix string, svc *crypto.Service, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backing: backing,
		prefix:  prefix,
		svc:     svc,
		logger:  logger.With("component", "securestore"),
	}
}

// NewNative stores keys unprefixed; backing should be a dedicated bucket.
func NewNative(backing kvstore.Store, svc *crypto.Service, logger *slog.Logger) *Store {
	return New(backing, "", svc, logger)
}

// NewPrefixed namespaces keys under PrefixedNamespace in a shared store.
func NewPrefixed(backing kvstore.Store, svc *crypto.Service, logger *slog.Logger) *Store {
	return New(backing, PrefixedNamespace, svc, logger)
}

// Set encrypts value and stores it under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	blob, err := s.svc.Encrypt(value)
	if err != nil {
		return fmt.Errorf("secure set %q: %w", key, err)
	}
	if err := s.backing.Set(ctx, s.storageKey(key), blob); err != nil {
		return fmt.Errorf("secure set %q: %w", key, err)
	}
	return nil
}

// Get decrypts the value under key. A value that cannot be decrypted, for
// example after the secret was rotated, is reported as absent and logged.
// Errors from the backing store are returned.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	blob, ok, err := s.GetPlain(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}
	value, err := s.svc.Decrypt(blob)
	if err != nil {
		s.logger.Warn("discarding unreadable secure value", "key_name", key, "error", err)
		return "", false, nil
	}
	return value, true, nil
}

// SetPlain stores value without encryption, for transient operational data
// that is not secret.
func (s *Store) SetPlain(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := s.backing.Set(ctx, s.storageKey(key), value); err != nil {
		return fmt.Errorf("secure set plain %q: %w", key, err)
	}
	return nil
}

func (s *Store) GetPlain(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	value, ok, err := s.backing.Get(ctx, s.storageKey(key))
	if err != nil {
		return "", false, fmt.Errorf("secure get %q: %w", key, err)
	}
	return value, ok, nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := s.backing.Remove(ctx, s.storageKey(key)); err != nil {
		return fmt.Errorf("secure remove %q: %w", key, err)
	}
	return nil
}

// Has reports whether anything is stored under key, without decrypting it.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.GetPlain(ctx, key)
	return ok, err
}

// Keys lists the logical keys held by this store.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	stored, err := kvstore.KeysWithPrefix(ctx, s.backing, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("secure keys: %w", err)
	}
	out := make([]string, 0, len(stored))
	for _, k := range stored {
		out = append(out, strings.TrimPrefix(k, s.prefix))
	}
	return out, nil
}

// Clear removes every key owned by this store and nothing else.
func (s *Store) Clear(ctx context.Context) error {
	stored, err := kvstore.KeysWithPrefix(ctx, s.backing, s.prefix)
	if err != nil {
		return fmt.Errorf("secure clear: %w", err)
	}
	for _, k := range stored {
		if err := s.backing.Remove(ctx, k); err != nil {
			return fmt.Errorf("secure clear: %w", err)
		}
	}
	s.logger.Debug("secure store cleared", "count", len(stored))
	return nil
}

func (s *Store) storageKey(key string) string {
	return s.prefix + key
}

// SetObject stores v as encrypted JSON.
func SetObject[T any](ctx context.Context, s *Store, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("secure set object %q: %w", key, err)
	}
	return s.Set(ctx, key, string(data))
}

// GetObject loads a value written by SetObject. A value that cannot be
// decrypted or parsed is reported as absent.
func GetObject[T any](ctx context.Context, s *Store, key string) (T, bool, error) {
	var zero T
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}
	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		s.logger.Warn("discarding unparsable secure object", "key_name", key, "error", err)
		return zero, false, nil
	}
	return out, true, nil
}
