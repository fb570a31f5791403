package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// EnvEncryptionKey overrides the key file when set.
const EnvEncryptionKey = "CLASSROLL_ENCRYPTION_KEY"

// GenerateKey returns length random bytes, hex encoded.
func GenerateKey(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("generate key: length must be > 0, got %d", length)
	}
	raw := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// LoadOrGenerateSecret resolves the encryption secret in order: the
// CLASSROLL_ENCRYPTION_KEY environment variable, the key file at keyPath, or a
// freshly generated 32 byte key written to keyPath with 0600 permissions.
func LoadOrGenerateSecret(keyPath string) ([]byte, error) {
	if value := strings.TrimSpace(os.Getenv(EnvEncryptionKey)); value != "" {
		return []byte(value), nil
	}
	if keyPath == "" {
		return nil, fmt.Errorf("load secret: %w: no key file configured", ErrInvalidKeyMaterial)
	}

	data, err := os.ReadFile(keyPath)
	if err == nil {
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return nil, fmt.Errorf("load secret: %w: key file %s is empty", ErrInvalidKeyMaterial, keyPath)
		}
		return []byte(secret), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load secret: read key file: %w", err)
	}

	secret, err := GenerateKey(KeySize)
	if err != nil {
		return nil, fmt.Errorf("load secret: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("load secret: create key dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(secret), 0o600); err != nil {
		return nil, fmt.Errorf("load secret: write key file: %w", err)
	}
	return []byte(secret), nil
}
