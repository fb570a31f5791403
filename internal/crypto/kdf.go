package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/pbkdf2"
)

const (
	DefaultPBKDF2Iterations = 100_000
	MinPBKDF2Iterations     = 10_000
)

var ErrInvalidKeyMaterial = errors.New("invalid key material")

// DeriveKey runs PBKDF2-HMAC-SHA256 over secret and returns the AES-256 key in
// a locked buffer. The salt is shared by every key derived by one
// installation; it is an injected setting, not a per-record value.
func DeriveKey(secret, salt []byte, iterations int) (*memguard.LockedBuffer, error) {
	switch {
	case len(secret) == 0:
		return nil, fmt.Errorf("%w: secret must not be empty", ErrInvalidKeyMaterial)
	case len(salt) == 0:
		return nil, fmt.Errorf("%w: salt must not be empty", ErrInvalidKeyMaterial)
	case iterations < MinPBKDF2Iterations:
		return nil, fmt.Errorf("%w: iterations must be >= %d", ErrInvalidKeyMaterial, MinPBKDF2Iterations)
	}

	raw := pbkdf2Key(secret, salt, iterations)
	return memguard.NewBufferFromBytes(raw), nil
}

func pbkdf2Key(secret, salt []byte, iterations int) []byte {
	return pbkdf2.Key(secret, salt, iterations, KeySize, sha256.New)
}
