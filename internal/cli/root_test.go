package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/classroll/classroll/internal/backup"
	"github.com/classroll/classroll/internal/config"
	"github.com/classroll/classroll/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestVersionCommandOutputsBuildInfo(t *testing.T) {
	t.Parallel()

	out, err := runCLI(t, "version")
	require.NoError(t, err)
	require.Contains(t, out, "version=1.2.3")
	require.Contains(t, out, "commit=abc123")
	require.Contains(t, out, "build_time=2026-02-19T00:00:00Z")
	require.Contains(t, out, fmt.Sprintf("schema=%d", storage.CurrentSchemaVersion()))
}

func TestVersionCommandOutputsJSON(t *testing.T) {
	t.Parallel()

	out, err := runCLI(t, "--json", "version")
	require.NoError(t, err)

	var payload versionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	require.Equal(t, "1.2.3", payload.Version)
	require.Equal(t, "abc123", payload.Commit)
	require.Equal(t, storage.CurrentSchemaVersion(), payload.SchemaVersion)
}

func TestRootHasGlobalFlagsAndCommands(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	cmd := NewRootCommand(&out, testBuildInfo())

	for _, name := range []string{"config", "data-dir", "mode", "json", "offline"} {
		require.NotNilf(t, cmd.PersistentFlags().Lookup(name), "missing flag %q", name)
	}
	for _, name := range []string{"version", "db", "secure", "queue", "backup"} {
		_, _, err := cmd.Find([]string{name})
		require.NoErrorf(t, err, "expected command %q", name)
	}
}

func TestUnknownFlagReturnsUsageError(t *testing.T) {
	t.Parallel()

	_, err := runCLI(t, "--no-such-flag")
	require.Error(t, err)
	require.Equal(t, ExitCodeUsage, exitCode(err))
}

func TestMissingSaltIsUsageError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("[storage]\nmode = \"keyvalue\"\n"), 0o600))

	_, err := runCLI(t, "--config", cfgPath, "--data-dir", dir, "db", "select", "schools")
	require.Error(t, err)
	require.Equal(t, ExitCodeUsage, exitCode(err))
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestDBRecordLifecycle(t *testing.T) {
	t.Parallel()

	for _, mode := range []string{"relational", "keyvalue"} {
		t.Run(mode, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, "")

			out, err := env.run("--mode", mode, "--json", "db", "insert", "schools", "--data", `{"name":"Northside","phone":"555"}`)
			require.NoError(t, err)
			var inserted map[string]any
			require.NoError(t, json.Unmarshal([]byte(out), &inserted))
			id, _ := inserted["id"].(string)
			require.NotEmpty(t, id)

			_, err = env.run("--mode", mode, "db", "update", "schools", "--id", id, "--data", `{"name":"Northside High"}`)
			require.NoError(t, err)

			rows := env.selectJSON(t, "--mode", mode, "db", "select", "schools", "--where", "name=Northside High")
			require.Len(t, rows, 1)
			require.Equal(t, "Northside High", rows[0]["name"])
			require.Equal(t, id, rows[0]["id"])
			require.Equal(t, "555", rows[0]["phone"])

			out, err = env.run("--mode", mode, "db", "select", "schools", "--id", id)
			require.NoError(t, err)
			require.True(t, strings.HasPrefix(out, "id="+id))

			_, err = env.run("--mode", mode, "db", "delete", "schools", "--id", id)
			require.NoError(t, err)

			_, err = env.run("--mode", mode, "db", "select", "schools", "--id", id)
			require.Equal(t, ExitCodeNotFound, exitCode(err))
			_, err = env.run("--mode", mode, "db", "delete", "schools", "--id", id)
			require.Equal(t, ExitCodeNotFound, exitCode(err))
		})
	}
}

func TestDBRejectsBadInput(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	cases := [][]string{
		{"db", "insert", "grades", "--data", `{"x":1}`},
		{"db", "insert", "schools"},
		{"db", "insert", "schools", "--data", `[1,2]`},
		{"db", "select", "schools", "--id", "a", "--where", "name=b"},
		{"db", "select", "schools", "--where", "name"},
		{"db", "update", "schools", "--data", `{"name":"x"}`},
		{"db", "clear"},
		{"--mode", "keyvalue", "db", "query", "DELETE FROM schools"},
		{"db", "insert", "schools", "--data", `{"name":"x","colour":"red"}`},
	}
	for _, args := range cases {
		_, err := env.run(args...)
		require.Errorf(t, err, "args %v", args)
		require.Equalf(t, ExitCodeUsage, exitCode(err), "args %v: %v", args, err)
	}
}

func TestDBQueryRunsStatements(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	_, err := env.run("db", "insert", "schools", "--data", `{"id":"s1","name":"East"}`)
	require.NoError(t, err)

	out, err := env.run("--json", "db", "query", "SELECT * FROM schools WHERE name = ?", "East")
	require.NoError(t, err)
	var res struct {
		Rows []map[string]any `json:"rows"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Rows, 1)
	require.Equal(t, "s1", res.Rows[0]["id"])

	out, err = env.run("db", "query", "UPDATE schools SET phone = ? WHERE id = ?", "123", "s1")
	require.NoError(t, err)
	require.Contains(t, out, "rows_affected: 1")
}

func TestDBClearAndExportImportAcrossModes(t *testing.T) {
	t.Parallel()
	src := newTestEnv(t, "")

	_, err := src.run("db", "insert", "schools", "--data", `{"id":"s1","name":"West"}`)
	require.NoError(t, err)
	_, err = src.run("db", "insert", "classes", "--data", `{"id":"c1","name":"7B","subject":"Maths","school_id":"s1"}`)
	require.NoError(t, err)

	exportPath := filepath.Join(t.TempDir(), "export.json")
	_, err = src.run("db", "export", "--out", exportPath)
	require.NoError(t, err)

	_, err = src.run("db", "clear", "--yes")
	require.NoError(t, err)
	require.Empty(t, src.selectJSON(t, "db", "select", "classes"))

	dst := newTestEnv(t, "")
	_, err = dst.run("--mode", "keyvalue", "db", "import", "--in", exportPath)
	require.NoError(t, err)

	rows := dst.selectJSON(t, "--mode", "keyvalue", "db", "select", "classes")
	require.Len(t, rows, 1)
	require.Equal(t, "c1", rows[0]["id"])
	require.Equal(t, "s1", rows[0]["school_id"])

	_, err = dst.run("db", "import", "--in", filepath.Join(t.TempDir(), "missing.json"))
	require.Equal(t, ExitCodeIO, exitCode(err))
}

func TestSecureCommands(t *testing.T) {
	t.Parallel()

	for _, backing := range []string{"native", "prefixed"} {
		t.Run(backing, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, "[secure]\nbacking = \""+backing+"\"\n")

			_, err := env.run("secure", "set", "auth_token", "abc123")
			require.NoError(t, err)

			out, err := env.run("secure", "get", "auth_token")
			require.NoError(t, err)
			require.Equal(t, "abc123\n", out)

			out, err = env.run("--json", "secure", "ls")
			require.NoError(t, err)
			var keys []string
			require.NoError(t, json.Unmarshal([]byte(out), &keys))
			require.Contains(t, keys, "auth_token")

			_, err = env.run("secure", "rm", "auth_token")
			require.NoError(t, err)
			_, err = env.run("secure", "get", "auth_token")
			require.Equal(t, ExitCodeNotFound, exitCode(err))

			_, err = env.run("secure", "clear")
			require.Equal(t, ExitCodeUsage, exitCode(err))
			_, err = env.run("secure", "clear", "--yes")
			require.NoError(t, err)
		})
	}
}

func TestQueueReplaysWhenBackOnline(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	out, err := env.run("--offline", "queue", "add", "insert", "schools", "--data", `{"id":"s9","name":"Queued"}`)
	require.NoError(t, err)
	require.NotEmpty(t, strings.TrimSpace(out))

	_, err = env.run("--offline", "queue", "add", "update", "schools", "--data", `{"id":"s9","phone":"42"}`)
	require.NoError(t, err)

	out, err = env.run("--json", "--offline", "queue", "ls")
	require.NoError(t, err)
	var pending []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &pending))
	require.Len(t, pending, 2)
	require.Equal(t, "insert", pending[0]["kind"])
	require.Equal(t, "update", pending[1]["kind"])

	_, err = env.run("--offline", "queue", "sync")
	require.Equal(t, ExitCodeOffline, exitCode(err))

	out, err = env.run("queue", "sync")
	require.NoError(t, err)
	require.Equal(t, "applied=2 retained=0 dropped=0 remaining=0\n", out)

	rows := env.selectJSON(t, "db", "select", "schools", "--id", "s9")
	require.Len(t, rows, 1)
	require.Equal(t, "42", rows[0]["phone"])
}

func TestQueueFailedActionIsRetainedThenCleared(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	_, err := env.run("--offline", "queue", "add", "delete", "schools", "--data", `{"name":"no id"}`)
	require.NoError(t, err)

	out, err := env.run("queue", "sync")
	require.NoError(t, err)
	require.Equal(t, "applied=0 retained=1 dropped=0 remaining=1\n", out)

	_, err = env.run("queue", "clear")
	require.NoError(t, err)
	out, err = env.run("--json", "queue", "ls")
	require.NoError(t, err)
	require.JSONEq(t, "[]", out)

	_, err = env.run("queue", "add", "upsert", "schools", "--data", `{}`)
	require.Equal(t, ExitCodeUsage, exitCode(err))
	_, err = env.run("queue", "add", "insert", "grades", "--data", `{}`)
	require.Equal(t, ExitCodeUsage, exitCode(err))
}

func TestBackupCreateAndRestore(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	_, err := env.run("db", "insert", "schools", "--data", `{"id":"s1","name":"South"}`)
	require.NoError(t, err)

	archive := filepath.Join(t.TempDir(), "classroll.tar.gz")
	out, err := env.run("backup", "create", "--out", archive)
	require.NoError(t, err)
	require.Contains(t, out, "1 rows, encrypted=true")

	_, err = env.run("db", "clear", "--yes")
	require.NoError(t, err)

	_, err = env.run("backup", "restore", "--in", archive)
	require.NoError(t, err)
	rows := env.selectJSON(t, "db", "select", "schools")
	require.Len(t, rows, 1)
	require.Equal(t, "South", rows[0]["name"])

	_, err = env.run("backup", "restore")
	require.Equal(t, ExitCodeUsage, exitCode(err))
}

func TestBackupCreateDefaultsToBackupDir(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "[backup]\nencrypt = false\n")

	out, err := env.run("--json", "backup", "create")
	require.NoError(t, err)
	var payload struct {
		Destination string          `json:"destination"`
		Manifest    backup.Manifest `json:"manifest"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	require.False(t, payload.Manifest.Encrypted)
	require.Equal(t, "db_classroll_v1", payload.Manifest.StorageKey)

	entries, err := os.ReadDir(filepath.Join(env.dataDir, "backups"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestBackupS3UsesConfiguredObject(t *testing.T) {
	dest := &memoryDestination{}
	var gotBucket, gotKey string
	previous := newS3Destination
	newS3Destination = func(_ context.Context, cfg config.BackupConfig) (backup.Destination, error) {
		gotBucket, gotKey = cfg.S3Bucket, cfg.S3Key
		return dest, nil
	}
	t.Cleanup(func() { newS3Destination = previous })

	env := newTestEnv(t, "[backup]\ns3_bucket = \"school-backups\"\ns3_key = \"nightly.tar.gz\"\n")
	_, err := env.run("db", "insert", "schools", "--data", `{"id":"s1","name":"Harbour"}`)
	require.NoError(t, err)

	_, err = env.run("backup", "create", "--s3")
	require.NoError(t, err)
	require.Equal(t, "school-backups", gotBucket)
	require.Equal(t, "nightly.tar.gz", gotKey)
	require.NotEmpty(t, dest.data)

	_, err = env.run("db", "clear", "--yes")
	require.NoError(t, err)
	_, err = env.run("backup", "restore", "--s3")
	require.NoError(t, err)
	require.Len(t, env.selectJSON(t, "db", "select", "schools"), 1)

	bare := newTestEnv(t, "")
	_, err = bare.run("backup", "create", "--s3")
	require.Equal(t, ExitCodeUsage, exitCode(err))
}

func TestCompletionGenerationBashZshFish(t *testing.T) {
	t.Parallel()

	out, err := runCLI(t, "completion", "bash")
	require.NoError(t, err)
	require.Contains(t, out, "__start_classroll")

	out, err = runCLI(t, "completion", "zsh")
	require.NoError(t, err)
	require.Contains(t, out, "#compdef classroll")

	out, err = runCLI(t, "completion", "fish")
	require.NoError(t, err)
	require.Contains(t, out, "complete -c classroll")
}

func TestGenerateManPagesCreatesFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, GenerateManPages(dir, testBuildInfo()))

	page, err := os.ReadFile(filepath.Join(dir, "classroll-queue-sync.1"))
	require.NoError(t, err)
	require.Contains(t, string(page), "Classroll 1.2.3")
	require.Contains(t, string(page), "Feb 2026")
}

type testEnv struct {
	t          *testing.T
	configPath string
	dataDir    string
}

// newTestEnv writes a config with a salt and low iteration count plus any
// extra TOML, and points every invocation at a fresh data directory.
func newTestEnv(t *testing.T, extra string) *testEnv {
	t.Helper()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	contents := fmt.Sprintf("[crypto]\nsalt = \"test-salt\"\niterations = 10000\nkey_file = %q\n\n[logging]\nlevel = \"error\"\n\n%s",
		filepath.ToSlash(filepath.Join(dir, "encryption.key")), extra)
	require.NoError(t, os.WriteFile(configPath, []byte(contents), 0o600))
	return &testEnv{t: t, configPath: configPath, dataDir: filepath.Join(dir, "data")}
}

func (e *testEnv) run(args ...string) (string, error) {
	e.t.Helper()
	full := append([]string{"--config", e.configPath, "--data-dir", e.dataDir}, args...)
	return runCLI(e.t, full...)
}

func (e *testEnv) selectJSON(t *testing.T, args ...string) []map[string]any {
	t.Helper()
	out, err := e.run(append([]string{"--json"}, args...)...)
	require.NoError(t, err)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	return rows
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := NewRootCommand(&out, testBuildInfo())
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func testBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   "1.2.3",
		Commit:    "abc123",
		BuildTime: "2026-02-19T00:00:00Z",
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return withExit.ExitCode()
	}
	return -1
}

type memoryDestination struct {
	mu   sync.Mutex
	data []byte
}

func (m *memoryDestination) Write(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	return nil
}

func (m *memoryDestination) Read(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, os.ErrNotExist
	}
	return append([]byte(nil), m.data...), nil
}

func (m *memoryDestination) String() string { return "memory" }
