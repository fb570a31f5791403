package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/classroll/classroll/internal/kvstore"
	"github.com/stretchr/testify/require"
)

func TestFactoryPrefersRelational(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	f := NewFactory(DefaultConfig(), FactoryOptions{KV: kvstore.NewMemory(), DataDir: dir})
	t.Cleanup(func() { _ = f.Reset(ctx) })

	b, err := f.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, ModeRelational, b.Mode())
	require.FileExists(t, filepath.Join(dir, "db_classroll_v1.db"))

	again, err := f.Get(ctx)
	require.NoError(t, err)
	require.Same(t, b, again)
	require.Same(t, b, f.Current())
}

func TestFactoryFallsBackToKeyValue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	notADir := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(notADir, []byte("x"), 0o600))

	f := NewFactory(DefaultConfig(), FactoryOptions{KV: kvstore.NewMemory(), DataDir: notADir})
	t.Cleanup(func() { _ = f.Reset(ctx) })

	b, err := f.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, ModeKeyValue, b.Mode())
	require.True(t, b.Ready())
}

func TestFactoryHonoursPlatformSupport(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := NewFactory(DefaultConfig(), FactoryOptions{
		KV:                  kvstore.NewMemory(),
		DataDir:             t.TempDir(),
		RelationalSupported: func() bool { return false },
	})
	t.Cleanup(func() { _ = f.Reset(ctx) })

	b, err := f.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, ModeKeyValue, b.Mode())
}

func TestFactoryKeyValueModeNeedsStore(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Mode = ModeKeyValue
	_, err := NewFactory(cfg, FactoryOptions{DataDir: t.TempDir()}).Get(context.Background())
	require.Error(t, err)

	cfg.Name = ""
	_, err = NewFactory(cfg, FactoryOptions{KV: kvstore.NewMemory()}).Get(context.Background())
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestFactoryResetBuildsFreshBackend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Mode = ModeKeyValue
	mem := kvstore.NewMemory()
	f := NewFactory(cfg, FactoryOptions{KV: mem})

	first, err := f.Get(ctx)
	require.NoError(t, err)
	_, err = first.Insert(ctx, "schools", Record{"name": "Hillside"})
	require.NoError(t, err)

	require.NoError(t, f.Reset(ctx))
	require.Nil(t, f.Current())
	require.False(t, first.Ready())
	require.NoError(t, f.Reset(ctx))

	second, err := f.Get(ctx)
	require.NoError(t, err)
	require.NotSame(t, first, second)

	rows, err := second.Select(ctx, "schools", All())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NoError(t, f.Reset(ctx))
}

func TestFactoryConcurrentGetSharesInstance(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := NewFactory(DefaultConfig(), FactoryOptions{KV: kvstore.NewMemory(), DataDir: t.TempDir()})
	t.Cleanup(func() { _ = f.Reset(ctx) })

	const workers = 8
	got := make([]Backend, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := f.Get(ctx)
			if err == nil {
				got[i] = b
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		require.NotNil(t, got[i])
		require.Same(t, got[0], got[i])
	}
}
