package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"unicode/utf16"
)

type HashScheme string

const (
	SchemeSHA256 HashScheme = "sha256"
	// SchemeInsecure marks digests produced by the 32-bit fallback used when
	// no cryptographic digest is available. It offers no protection and
	// callers should refuse it where they can.
	SchemeInsecure HashScheme = "insecure"
)

var (
	ErrDigestUnavailable = errors.New("digest unavailable")
	ErrInvalidHash       = errors.New("invalid password hash")
)

// DigestFunc supplies the cryptographic digest used for password hashing.
type DigestFunc func() (hash.Hash, error)

func SHA256Digest() (hash.Hash, error) {
	return sha256.New(), nil
}

type PasswordHash struct {
	Scheme HashScheme `json:"scheme"`
	Digest string     `json:"digest"`
}

func (h PasswordHash) Insecure() bool {
	return h.Scheme == SchemeInsecure
}

func (h PasswordHash) String() string {
	return string(h.Scheme) + ":" + h.Digest
}

// ParsePasswordHash accepts "<scheme>:<digest>". A bare 64 character hex
// string is read as a sha256 digest written before schemes were tagged.
func ParsePasswordHash(raw string) (PasswordHash, error) {
	raw = strings.TrimSpace(raw)
	scheme, digest, found := strings.Cut(raw, ":")
	if !found {
		if len(raw) == sha256.Size*2 {
			if _, err := hex.DecodeString(raw); err == nil {
				return PasswordHash{Scheme: SchemeSHA256, Digest: raw}, nil
			}
		}
		return PasswordHash{}, fmt.Errorf("%w: missing scheme", ErrInvalidHash)
	}
	if digest == "" {
		return PasswordHash{}, fmt.Errorf("%w: empty digest", ErrInvalidHash)
	}

	switch HashScheme(scheme) {
	case SchemeSHA256, SchemeInsecure:
		return PasswordHash{Scheme: HashScheme(scheme), Digest: digest}, nil
	default:
		return PasswordHash{}, fmt.Errorf("%w: unknown scheme %q", ErrInvalidHash, scheme)
	}
}

// HashPassword digests password+salt with SHA-256. When the digest cannot be
// constructed it degrades to the insecure fallback instead of failing; the
// result is tagged SchemeInsecure so the degradation stays visible.
func (s *Service) HashPassword(password string) PasswordHash {
	input := password + string(s.salt)

	h, err := s.digest()
	if err != nil {
		s.logger.Warn("secure digest unavailable, using insecure password hash fallback", "error", err)
		return PasswordHash{Scheme: SchemeInsecure, Digest: legacyStringHash(input)}
	}
	h.Write([]byte(input))
	return PasswordHash{Scheme: SchemeSHA256, Digest: hex.EncodeToString(h.Sum(nil))}
}

func (s *Service) VerifyPassword(password string, stored PasswordHash) bool {
	computed := s.HashPassword(password)
	if computed.Scheme != stored.Scheme {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed.Digest), []byte(stored.Digest)) == 1
}

// legacyStringHash is the 31-multiplier string hash over UTF-16 code units,
// truncated to 32 bits, rendered as hex of its absolute value.
func legacyStringHash(input string) string {
	var h int32
	for _, unit := range utf16.Encode([]rune(input)) {
		h = h*31 + int32(unit)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return strconv.FormatInt(v, 16)
}
