package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPBKDF2SHA256KAT(t *testing.T) {
	t.Parallel()

	got := pbkdf2Key([]byte("password"), []byte("salt"), 4096)
	require.Equal(t, mustDecodeHex(t, "c5e478d59288c841aa530db6845c4c8d962893a001ce4e11a4963873aa98134a"), got)
}

func TestDeriveKeyRejectsWeakInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		secret     []byte
		salt       []byte
		iterations int
	}{
		{name: "empty secret", secret: nil, salt: []byte("salt"), iterations: MinPBKDF2Iterations},
		{name: "empty salt", secret: []byte("secret"), salt: nil, iterations: MinPBKDF2Iterations},
		{name: "low iterations", secret: []byte("secret"), salt: []byte("salt"), iterations: MinPBKDF2Iterations - 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := DeriveKey(tc.secret, tc.salt, tc.iterations)
			require.ErrorIs(t, err, ErrInvalidKeyMaterial)
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, "secret-a")
	for _, plaintext := range []string{"", "hello", "ünïcødé ✓", `{"token":"abc"}`} {
		blob, err := svc.Encrypt(plaintext)
		require.NoError(t, err)

		got, err := svc.Decrypt(blob)
		require.NoError(t, err)
		require.Equal(t, plaintext, got)
	}
}

func TestEncryptUsesFreshIV(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, "secret-a")
	first, err := svc.Encrypt("stable-plaintext")
	require.NoError(t, err)
	second, err := svc.Encrypt("stable-plaintext")
	require.NoError(t, err)

	require.NotEqual(t, first, second)

	rawFirst, err := base64.StdEncoding.DecodeString(first)
	require.NoError(t, err)
	rawSecond, err := base64.StdEncoding.DecodeString(second)
	require.NoError(t, err)
	require.NotEqual(t, rawFirst[:NonceSize], rawSecond[:NonceSize])
}

func TestCiphertextWireFormat(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, "secret-a")
	blob, err := svc.Encrypt("abcd")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)
	// iv || ciphertext || 16 byte tag
	require.Len(t, raw, NonceSize+4+16)
}

func TestDecryptTamperedFails(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, "secret-a")
	blob, err := svc.Encrypt("do not touch")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01

	_, err = svc.Decrypt(base64.StdEncoding.EncodeToString(raw))
	require.ErrorIs(t, err, ErrDecrypt)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	t.Parallel()

	a := newTestService(t, "secret-a")
	b := newTestService(t, "secret-b")

	blob, err := a.Encrypt("for a only")
	require.NoError(t, err)

	_, err = b.Decrypt(blob)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptMalformedInput(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, "secret-a")

	_, err := svc.Decrypt("%%% not base64 %%%")
	require.ErrorIs(t, err, ErrDecrypt)

	_, err = svc.Decrypt(base64.StdEncoding.EncodeToString([]byte("short")))
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestEncryptObjectRoundTrip(t *testing.T) {
	t.Parallel()

	type session struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}

	svc := newTestService(t, "secret-a")
	blob, err := svc.EncryptObject(session{UserID: "u-1", Role: "teacher"})
	require.NoError(t, err)

	var out session
	require.NoError(t, svc.DecryptObject(blob, &out))
	require.Equal(t, session{UserID: "u-1", Role: "teacher"}, out)
}

func TestClosedServiceRefusesWork(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, "secret-a")
	svc.Close()

	_, err := svc.Encrypt("x")
	require.ErrorIs(t, err, ErrServiceClosed)
	_, err = svc.Decrypt("x")
	require.ErrorIs(t, err, ErrServiceClosed)
}

func TestHashPasswordSHA256(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, "secret-a")
	got := svc.HashPassword("hunter2")

	sum := sha256.Sum256([]byte("hunter2" + "test-salt"))
	require.Equal(t, PasswordHash{Scheme: SchemeSHA256, Digest: hex.EncodeToString(sum[:])}, got)
	require.False(t, got.Insecure())
	require.True(t, svc.VerifyPassword("hunter2", got))
	require.False(t, svc.VerifyPassword("hunter3", got))
}

func TestHashPasswordFallbackIsTaggedInsecure(t *testing.T) {
	t.Parallel()

	svc, err := NewService(Options{
		Secret:     []byte("secret-a"),
		Salt:       []byte("test-salt"),
		Iterations: MinPBKDF2Iterations,
		Digest: func() (hash.Hash, error) {
			return nil, ErrDigestUnavailable
		},
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	got := svc.HashPassword("hunter2")
	require.True(t, got.Insecure())
	require.Equal(t, legacyStringHash("hunter2test-salt"), got.Digest)
	require.True(t, svc.VerifyPassword("hunter2", got))

	secure := newTestService(t, "secret-a")
	require.False(t, secure.VerifyPassword("hunter2", got))
}

func TestLegacyStringHash(t *testing.T) {
	t.Parallel()

	require.Equal(t, "0", legacyStringHash(""))
	require.Equal(t, "61", legacyStringHash("a"))
	require.Equal(t, "c21", legacyStringHash("ab"))
}

func TestParsePasswordHash(t *testing.T) {
	t.Parallel()

	sum := sha256.Sum256([]byte("x"))
	bare := hex.EncodeToString(sum[:])

	parsed, err := ParsePasswordHash(bare)
	require.NoError(t, err)
	require.Equal(t, SchemeSHA256, parsed.Scheme)

	parsed, err = ParsePasswordHash("insecure:c21")
	require.NoError(t, err)
	require.True(t, parsed.Insecure())
	require.Equal(t, "insecure:c21", parsed.String())

	_, err = ParsePasswordHash("md5:abc")
	require.ErrorIs(t, err, ErrInvalidHash)
	_, err = ParsePasswordHash("nothex")
	require.ErrorIs(t, err, ErrInvalidHash)
}

func TestGenerateKey(t *testing.T) {
	t.Parallel()

	a, err := GenerateKey(32)
	require.NoError(t, err)
	b, err := GenerateKey(32)
	require.NoError(t, err)
	require.Len(t, a, 64)
	require.NotEqual(t, a, b)

	_, err = GenerateKey(0)
	require.Error(t, err)
}

func TestLoadOrGenerateSecretPersistsKeyFile(t *testing.T) {
	t.Setenv(EnvEncryptionKey, "")

	path := filepath.Join(t.TempDir(), "keys", "secret.key")
	first, err := LoadOrGenerateSecret(path)
	require.NoError(t, err)
	require.Len(t, first, KeySize*2)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrGenerateSecret(path)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestLoadOrGenerateSecretPrefersEnv(t *testing.T) {
	t.Setenv(EnvEncryptionKey, "from-env")

	got, err := LoadOrGenerateSecret(filepath.Join(t.TempDir(), "unused.key"))
	require.NoError(t, err)
	require.Equal(t, []byte("from-env"), got)
}

func newTestService(t *testing.T, secret string) *Service {
	t.Helper()
	svc, err := NewService(Options{
		Secret:     []byte(secret),
		Salt:       []byte("test-salt"),
		Iterations: MinPBKDF2Iterations,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func mustDecodeHex(t *testing.T, value string) []byte {
	t.Helper()
	out, err := hex.DecodeString(value)
	require.NoError(t, err)
	return out
}
