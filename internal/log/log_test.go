package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedactionSensitiveFields(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"secret", "token", "access_token", "refresh_token", "password", "password_hash", "passphrase", "key", "salt", "value", "ciphertext", "payload", "Password"} {
		t.Run(key, func(t *testing.T) {
			t.Parallel()
			out := logSingleField(t, key, "hunter2")
			require.Equal(t, redacted, out[key])
		})
	}
}

func TestNonSensitiveFieldsPassThrough(t *testing.T) {
	t.Parallel()
	out := logSingleField(t, "table", "students")
	require.Equal(t, "students", out["table"])
}

func TestRedactionInGroupsAndWithAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewRedactingHandler(base)).With("token", "abc")
	logger.Info("test", slog.Group("action", slog.String("payload", "{}"), slog.String("table", "exams")))

	out := map[string]any{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &out))
	require.Equal(t, redacted, out["token"])
	group, ok := out["action"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, redacted, group["payload"])
	require.Equal(t, "exams", group["table"])
}

func TestNewWritesJSONAtLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, closeFn, err := New(Options{Level: "warn", Format: "json", Output: &buf})
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFn() })

	logger.Info("hidden")
	logger.Warn("shown", "password", "x")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &out))
	require.Equal(t, "shown", out["msg"])
	require.Equal(t, redacted, out["password"])
}

func TestNewWritesToFile(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "logs", "classroll.log")
	logger, closeFn, err := New(Options{Level: "debug", Format: "text", File: logPath})
	require.NoError(t, err)

	logger.Debug("queue started", "online", true)
	require.NoError(t, closeFn())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "queue started")
}

func TestNewRejectsUnknownLevelAndFormat(t *testing.T) {
	t.Parallel()

	_, _, err := New(Options{Level: "trace"})
	require.Error(t, err)

	_, _, err = New(Options{Format: "xml", Output: &bytes.Buffer{}})
	require.Error(t, err)
}

func TestLogRotationCreatesNewFileAfterTenMiB(t *testing.T) {
	logDir := t.TempDir()
	logPath := filepath.Join(logDir, "classroll.log")

	writer, err := NewRotatingWriter(RotationConfig{
		File:      logPath,
		MaxSizeMB: 10,
		MaxFiles:  5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	chunk := bytes.Repeat([]byte("a"), 1024*1024)
	for i := 0; i < 11; i++ {
		_, err = writer.Write(chunk)
		require.NoError(t, err)
	}

	files, err := filepath.Glob(filepath.Join(logDir, "classroll*"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(files), 2)
}

func TestRotatingWriterRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewRotatingWriter(RotationConfig{})
	require.Error(t, err)
}

func TestRotatingWriterTightensExistingFile(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "logs", "classroll.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(logPath), 0o755))
	require.NoError(t, os.WriteFile(logPath, []byte("old\n"), 0o644))

	writer, err := NewRotatingWriter(RotationConfig{File: logPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })
	require.Equal(t, defaultMaxSizeMB, writer.MaxSize)
	require.Equal(t, defaultMaxFiles, writer.MaxBackups)

	info, err := os.Stat(logPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func logSingleField(t *testing.T, key, value string) map[string]any {
	t.Helper()

	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewRedactingHandler(base))
	logger.Info("test", key, value)

	line := bytes.TrimSpace(buf.Bytes())
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(line, &out))
	return out
}
