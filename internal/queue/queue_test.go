package queue

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Johnnywatts/forker/internal/classify"
	"github.com/Johnnywatts/forker/internal/copier"
	"github.com/Johnnywatts/forker/internal/model"
	"github.com/Johnnywatts/forker/internal/quarantine"
	"github.com/Johnnywatts/forker/internal/retry"
	"github.com/Johnnywatts/forker/internal/verify"
)

// fakeSource is a hand-fed Source: tests push records via add and the
// dispatcher drains them in order, exactly like watcher.ReadyQueue but
// without needing a real filesystem watch.
type fakeSource struct {
	mu   sync.Mutex
	recs []model.DetectionRecord
}

func (f *fakeSource) add(r model.DetectionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, r)
}

func (f *fakeSource) Dequeue() (model.DetectionRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.recs) == 0 {
		return model.DetectionRecord{}, false
	}
	r := f.recs[0]
	f.recs = f.recs[1:]
	return r, true
}

func newTestQueue(t *testing.T, opts Options, destinations map[string]string, source Source) *Queue {
	t.Helper()
	policies := map[string]model.RetryPolicy{
		"FileSystem":   {MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1},
		"Verification": {MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1},
	}
	recovery, err := quarantine.New(filepath.Join(t.TempDir(), "quarantine"))
	require.NoError(t, err)

	opts.StagingDir = filepath.Join(t.TempDir(), "staging")
	return New(
		opts,
		source,
		destinations,
		nil,
		copier.New(copier.DefaultOptions()),
		verify.New(verify.DefaultOptions()),
		classify.New(5),
		retry.New(policies, nil),
		recovery,
	)
}

func TestQueue_HappyPathCopiesVerifiesAndCompletes(t *testing.T) {
	root := t.TempDir()
	destA := filepath.Join(root, "destA")
	destB := filepath.Join(root, "destB")
	require.NoError(t, os.MkdirAll(destA, 0o755))
	require.NoError(t, os.MkdirAll(destB, 0o755))

	src := filepath.Join(root, "slide.svs")
	require.NoError(t, os.WriteFile(src, []byte("pathology image bytes"), 0o644))

	source := &fakeSource{}
	q := newTestQueue(t, Options{MaxConcurrentOperations: 2, ProcessingInterval: time.Hour}, map[string]string{
		"a": destA, "b": destB,
	}, source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	source.add(model.DetectionRecord{Path: src, SizeAtDetection: 21})

	require.Eventually(t, func() bool {
		return q.Counters().ItemsCompleted == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.FileExists(t, filepath.Join(destA, "slide.svs"))
	require.FileExists(t, filepath.Join(destB, "slide.svs"))
}

func TestQueue_FailsAfterExhaustingRetriesOnMissingSource(t *testing.T) {
	root := t.TempDir()
	destA := filepath.Join(root, "destA")
	require.NoError(t, os.MkdirAll(destA, 0o755))

	source := &fakeSource{}
	q := newTestQueue(t, Options{
		MaxConcurrentOperations: 1,
		MaxRetries:              2,
		RetryDelay:              time.Millisecond,
		ProcessingInterval:      time.Hour,
	}, map[string]string{"a": destA}, source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	source.add(model.DetectionRecord{Path: filepath.Join(root, "does-not-exist.svs")})

	require.Eventually(t, func() bool {
		return q.Counters().ItemsFailed == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, int64(0), q.Counters().ItemsCompleted)
}

func TestQueue_RetriesOnlyFailedDestination(t *testing.T) {
	root := t.TempDir()
	destGood := filepath.Join(root, "good")
	require.NoError(t, os.MkdirAll(destGood, 0o755))

	// destBad's parent path is a regular file, so MkdirAll under it always
	// fails — this destination can never succeed, forcing the item to
	// eventually fail while proving the good destination still completes
	// independently on each attempt.
	blocker := filepath.Join(root, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	destBad := filepath.Join(blocker, "bad")

	src := filepath.Join(root, "slide.svs")
	require.NoError(t, os.WriteFile(src, []byte("bytes"), 0o644))

	source := &fakeSource{}
	q := newTestQueue(t, Options{
		MaxConcurrentOperations: 1,
		MaxRetries:              1,
		RetryDelay:              time.Millisecond,
		ProcessingInterval:      time.Hour,
	}, map[string]string{"good": destGood, "bad": destBad}, source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	source.add(model.DetectionRecord{Path: src})

	require.Eventually(t, func() bool {
		return q.Counters().ItemsFailed == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.FileExists(t, filepath.Join(destGood, "slide.svs"))
	require.Equal(t, int64(1), q.Counters().ItemsRetried)
}

func TestQueue_SweepStalledMarksItemFailed(t *testing.T) {
	q := newTestQueue(t, Options{OperationTimeout: time.Millisecond}, map[string]string{"a": t.TempDir()}, &fakeSource{})

	item := model.NewProcessingItem("stuck-1", "/x/y.svs", 10, map[string]string{"a": "/tmp/a/y.svs"}, time.Now())
	item.WithLock(func() {
		item.Destinations["a"].Status = model.DestinationRunning
		item.LastActivity = time.Now().Add(-time.Hour)
	})
	q.mu.Lock()
	q.active[item.ID] = item
	q.mu.Unlock()

	q.sweepStalled()

	require.Equal(t, int64(1), q.Counters().ItemsFailed)
	require.Equal(t, 0, q.Counters().ActiveCount)
}

func TestQueue_SweepRetentionEnforcesMaxCompletedItems(t *testing.T) {
	q := newTestQueue(t, Options{MaxCompletedItems: 2, CompletedItemRetentionHours: time.Hour}, map[string]string{"a": t.TempDir()}, &fakeSource{})

	for i := 0; i < 5; i++ {
		item := model.NewProcessingItem(string(rune('a'+i)), "/x.svs", 1, nil, time.Now())
		item.WithLock(func() { item.CompletedAt = time.Now() })
		q.mu.Lock()
		q.completed[item.ID] = item
		q.completedOrder = append(q.completedOrder, item.ID)
		q.mu.Unlock()
	}

	q.sweepRetention()

	require.Equal(t, 2, q.Counters().CompletedCount)
}

func TestQueue_SweepRetentionEvictsExpiredItems(t *testing.T) {
	q := newTestQueue(t, Options{CompletedItemRetentionHours: time.Hour}, map[string]string{"a": t.TempDir()}, &fakeSource{})

	item := model.NewProcessingItem("old", "/x.svs", 1, nil, time.Now())
	item.WithLock(func() { item.CompletedAt = time.Now().Add(-2 * time.Hour) })
	q.mu.Lock()
	q.completed[item.ID] = item
	q.completedOrder = append(q.completedOrder, item.ID)
	q.mu.Unlock()

	q.sweepRetention()

	require.Equal(t, 0, q.Counters().CompletedCount)
}

func TestQueue_HealthThresholds(t *testing.T) {
	q := newTestQueue(t, Options{HighQueueThreshold: 1}, map[string]string{"a": t.TempDir()}, &fakeSource{})

	require.Equal(t, HealthStopped, q.Health())

	q.mu.Lock()
	q.running = true
	q.mu.Unlock()
	require.Equal(t, HealthHealthy, q.Health())

	q.mu.Lock()
	q.crashed = true
	q.mu.Unlock()
	require.Equal(t, HealthError, q.Health())

	q.mu.Lock()
	q.crashed = false
	q.active["x"] = model.NewProcessingItem("x", "/a", 1, nil, time.Now())
	q.active["y"] = model.NewProcessingItem("y", "/b", 1, nil, time.Now())
	q.mu.Unlock()
	require.Equal(t, HealthWarning, q.Health())
}

func TestQueue_HealthWarningOnHighFailureRate(t *testing.T) {
	q := newTestQueue(t, Options{}, map[string]string{"a": t.TempDir()}, &fakeSource{})
	q.mu.Lock()
	q.running = true
	q.itemsCompleted = 6
	q.itemsFailed = 4
	q.mu.Unlock()

	require.Equal(t, HealthWarning, q.Health())
}
