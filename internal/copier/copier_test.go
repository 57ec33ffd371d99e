package copier

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCopy_MultiTargetSuccess(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.svs")
	content := strings.Repeat("slide-data", 1000)
	require.NoError(t, os.WriteFile(src, []byte(content), 0o644))

	dst1 := filepath.Join(dir, "out1", "src.svs")
	dst2 := filepath.Join(dir, "out2", "src.svs")

	e := New(DefaultOptions())
	res := e.Copy(context.Background(), "op-1", src, map[string]string{"a": dst1, "b": dst2}, nil)

	require.True(t, res.Success)
	require.Equal(t, int64(len(content)), res.BytesCopied)

	got1, err := os.ReadFile(dst1)
	require.NoError(t, err)
	require.Equal(t, content, string(got1))

	got2, err := os.ReadFile(dst2)
	require.NoError(t, err)
	require.Equal(t, content, string(got2))

	entries, err := os.ReadDir(filepath.Dir(dst1))
	require.NoError(t, err)
	for _, entry := range entries {
		require.False(t, strings.Contains(entry.Name(), tempSuffixPrefix), "no temp file should survive a successful copy")
	}
}

func TestCopy_MissingSource(t *testing.T) {
	dir := t.TempDir()
	e := New(DefaultOptions())
	res := e.Copy(context.Background(), "op-1", filepath.Join(dir, "nope.svs"), map[string]string{"a": filepath.Join(dir, "out.svs")}, nil)
	require.False(t, res.Success)
	require.Error(t, res.Err)
}

func TestCopy_RollsBackAllTargetsOnPartialFailure(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.svs")
	require.NoError(t, os.WriteFile(src, []byte("content"), 0o644))

	// dst2's parent is a file, not a directory: MkdirAll for it will fail,
	// forcing the whole multi-target copy to roll back dst1 too.
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	dst1 := filepath.Join(dir, "out1", "src.svs")
	dst2 := filepath.Join(blocker, "nested", "src.svs")

	e := New(DefaultOptions())
	res := e.Copy(context.Background(), "op-1", src, map[string]string{"a": dst1, "b": dst2}, nil)

	require.False(t, res.Success)
	_, err := os.Stat(dst1)
	require.True(t, os.IsNotExist(err), "partially-created target must be rolled back")
}

func TestCopy_ProgressCallback(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.svs")
	require.NoError(t, os.WriteFile(src, []byte(strings.Repeat("x", 1000)), 0o644))
	dst := filepath.Join(dir, "dst.svs")

	opts := DefaultOptions()
	opts.ChunkSize = 100
	opts.ProgressEveryBytes = 1
	e := New(opts)

	var calls int
	var lastBytes int64
	res := e.Copy(context.Background(), "op-1", src, map[string]string{"a": dst}, func(bytesCopied, totalBytes int64, percent float64, operationID string) {
		calls++
		require.GreaterOrEqual(t, bytesCopied, lastBytes)
		lastBytes = bytesCopied
		require.Equal(t, "op-1", operationID)
	})

	require.True(t, res.Success)
	require.Greater(t, calls, 1)
	require.Equal(t, int64(1000), lastBytes)
}

func TestCopy_PreservesTimestamps(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.svs")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))
	dst := filepath.Join(dir, "dst.svs")

	opts := DefaultOptions()
	opts.PreserveTimestamps = true
	e := New(opts)

	res := e.Copy(context.Background(), "op-1", src, map[string]string{"a": dst}, nil)
	require.True(t, res.Success)

	srcInfo, err := os.Stat(src)
	require.NoError(t, err)
	dstInfo, err := os.Stat(dst)
	require.NoError(t, err)
	require.WithinDuration(t, srcInfo.ModTime(), dstInfo.ModTime(), 0)
}

func TestCopy_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.svs")
	require.NoError(t, os.WriteFile(src, []byte(strings.Repeat("x", 1<<20)), 0o644))
	dst := filepath.Join(dir, "dst.svs")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := New(DefaultOptions())
	res := e.Copy(ctx, "op-1", src, map[string]string{"a": dst}, nil)
	require.False(t, res.Success)

	_, err := os.Stat(dst)
	require.True(t, os.IsNotExist(err))
}
