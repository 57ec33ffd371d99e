package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock advances only when the test tells it to, so stability-check
// aging is deterministic instead of racing a real ticker.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Now()} }
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestWatcher_DetectsStableFile(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()

	w := New(Options{
		Root:                   dir,
		MinimumFileAge:         0,
		StabilityCheckInterval: 10 * time.Millisecond,
		MaxStabilityChecks:     2,
	}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	path := filepath.Join(dir, "slide.svs")
	require.NoError(t, os.WriteFile(path, []byte("stable content"), 0o644))

	require.Eventually(t, func() bool {
		_, ok := w.Queue().Dequeue()
		return ok
	}, 2*time.Second, 10*time.Millisecond, "stable file should eventually be enqueued")
}

func TestWatcher_ResetsStabilityOnChange(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()

	w := New(Options{
		Root:                   dir,
		MinimumFileAge:         0,
		StabilityCheckInterval: 15 * time.Millisecond,
		MaxStabilityChecks:     3,
	}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	path := filepath.Join(dir, "growing.svs")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	// Keep appending for a bit longer than one stability window, so the
	// file should not be detected as stable while still growing.
	deadline := time.Now().Add(80 * time.Millisecond)
	for time.Now().Before(deadline) {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		_, err = f.WriteString("x")
		require.NoError(t, err)
		require.NoError(t, f.Close())
		time.Sleep(10 * time.Millisecond)
	}

	_, ok := w.Queue().Dequeue()
	require.False(t, ok, "a continually-growing file must never be reported stable")
}

func TestWatcher_MinimumFileAgeDelaysDetection(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()

	w := New(Options{
		Root:                   dir,
		MinimumFileAge:         200 * time.Millisecond,
		StabilityCheckInterval: 5 * time.Millisecond,
		MaxStabilityChecks:     1,
	}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	path := filepath.Join(dir, "slide.svs")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	time.Sleep(60 * time.Millisecond)
	_, ok := w.Queue().Dequeue()
	require.False(t, ok, "minimum file age has not elapsed yet")

	clock.advance(1 * time.Hour)
	require.Eventually(t, func() bool {
		_, ok := w.Queue().Dequeue()
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestWatcher_FiltersExcludeNonMatching(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()

	w := New(Options{
		Root:                   dir,
		Filters:                Filters{Include: []string{"*.svs"}},
		StabilityCheckInterval: 10 * time.Millisecond,
		MaxStabilityChecks:     1,
	}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("irrelevant"), 0o644))

	time.Sleep(100 * time.Millisecond)
	_, ok := w.Queue().Dequeue()
	require.False(t, ok, "non-matching file must never be queued")
}

func TestWatcher_RescanDoesNotReemitCompletedFile(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()

	w := New(Options{
		Root:                   dir,
		MinimumFileAge:         0,
		StabilityCheckInterval: 10 * time.Millisecond,
		MaxStabilityChecks:     1,
	}, clock)

	path := filepath.Join(dir, "slide.svs")
	require.NoError(t, os.WriteFile(path, []byte("stable content"), 0o644))

	// A rescan before the file has ever been emitted should track and
	// eventually enqueue it exactly once.
	w.rescanOnce()
	require.Eventually(t, func() bool {
		w.pollOnce()
		_, ok := w.Queue().Dequeue()
		return ok
	}, time.Second, 10*time.Millisecond, "stable file should be detected and enqueued")

	// Source files are never deleted (spec invariant), so the file is still
	// on disk, unchanged, for every later rescan tick. None of them should
	// re-track or re-enqueue it.
	for i := 0; i < 3; i++ {
		w.rescanOnce()
	}
	_, ok := w.Queue().Dequeue()
	require.False(t, ok, "a rescan must never re-emit a file that was already replicated")
}

func TestWatcher_Status(t *testing.T) {
	dir := t.TempDir()
	w := New(Options{Root: dir, StabilityCheckInterval: time.Second, MaxStabilityChecks: 1}, newFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	st := w.Status()
	require.True(t, st.IsRunning)
}
