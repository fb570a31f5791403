// Package crypto implements the symmetric primitives behind the secure store:
// PBKDF2 key derivation, AES-256-GCM sealing with a random 12 byte IV, and
// salted password digests with an explicitly tagged insecure fallback.
package crypto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
)

var (
	ErrDecrypt       = errors.New("decrypt failed")
	ErrServiceClosed = errors.New("encryption service closed")
)

type Options struct {
	Secret     []byte
	Salt       []byte
	Iterations int
	// Digest overrides the password digest; nil means SHA-256.
	Digest DigestFunc
	Logger *slog.Logger
}

type Service struct {
	mu         sync.RWMutex
	key        *memguard.LockedBuffer
	salt       []byte
	iterations int
	digest     DigestFunc
	logger     *slog.Logger
}

func NewService(opts Options) (*Service, error) {
	iterations := opts.Iterations
	if iterations == 0 {
		iterations = DefaultPBKDF2Iterations
	}

	key, err := DeriveKey(opts.Secret, opts.Salt, iterations)
	if err != nil {
		return nil, fmt.Errorf("new encryption service: %w", err)
	}

	digest := opts.Digest
	if digest == nil {
		digest = SHA256Digest
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		key:        key,
		salt:       append([]byte(nil), opts.Salt...),
		iterations: iterations,
		digest:     digest,
		logger:     logger,
	}, nil
}

// DeriveKey derives a key from secret with this service's salt and
// iteration count.
func (s *Service) DeriveKey(secret []byte) (*memguard.LockedBuffer, error) {
	return DeriveKey(secret, s.salt, s.iterations)
}

// Encrypt returns base64(IV || AES-GCM ciphertext+tag). Every call draws a
// fresh IV.
func (s *Service) Encrypt(plaintext string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureReady(); err != nil {
		return "", err
	}

	nonce, err := randomNonce(NonceSize)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	sealed, err := SealAESGCM(s.key.Bytes(), nonce, []byte(plaintext), nil)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}

	combined := make([]byte, 0, len(nonce)+len(sealed))
	combined = append(combined, nonce...)
	combined = append(combined, sealed...)
	return base64.StdEncoding.EncodeToString(combined), nil
}

func (s *Service) Decrypt(blob string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureReady(); err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: decode base64: %v", ErrDecrypt, err)
	}
	if len(raw) <= NonceSize {
		return "", fmt.Errorf("%w: blob shorter than iv", ErrDecrypt)
	}

	plaintext, err := OpenAESGCM(s.key.Bytes(), raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	return string(plaintext), nil
}

func (s *Service) EncryptObject(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encrypt object: marshal: %w", err)
	}
	return s.Encrypt(string(data))
}

func (s *Service) DecryptObject(blob string, out any) error {
	plaintext, err := s.Decrypt(blob)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(plaintext), out); err != nil {
		return fmt.Errorf("decrypt object: unmarshal: %w", err)
	}
	return nil
}

// Close destroys the derived key. Later Encrypt/Decrypt calls fail with
// ErrServiceClosed.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil && s.key.IsAlive() {
		s.key.Destroy()
	}
	s.key = nil
}

func (s *Service) ensureReady() error {
	if s == nil || s.key == nil || !s.key.IsAlive() {
		return ErrServiceClosed
	}
	return nil
}
