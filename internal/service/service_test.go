package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Johnnywatts/forker/internal/classify"
	"github.com/Johnnywatts/forker/internal/copier"
	"github.com/Johnnywatts/forker/internal/model"
	"github.com/Johnnywatts/forker/internal/quarantine"
	"github.com/Johnnywatts/forker/internal/queue"
	"github.com/Johnnywatts/forker/internal/retry"
	"github.com/Johnnywatts/forker/internal/verify"
	"github.com/Johnnywatts/forker/internal/watcher"
)

func newTestService(t *testing.T, root, dest string) *Service {
	t.Helper()
	w := watcher.New(watcher.Options{
		Root:                   root,
		StabilityCheckInterval: 10 * time.Millisecond,
		MaxStabilityChecks:     1,
	}, nil)

	recovery, err := quarantine.New(filepath.Join(t.TempDir(), "quarantine"))
	require.NoError(t, err)

	policies := map[string]model.RetryPolicy{
		"FileSystem":   {MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1},
		"Verification": {MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1},
	}

	q := queue.New(
		queue.Options{MaxConcurrentOperations: 2, ProcessingInterval: time.Hour, StagingDir: filepath.Join(t.TempDir(), "staging")},
		w.Queue(),
		map[string]string{"primary": dest},
		nil,
		copier.New(copier.DefaultOptions()),
		verify.New(verify.DefaultOptions()),
		classify.New(5),
		retry.New(policies, nil),
		recovery,
	)

	return New(Options{PulseInterval: time.Hour}, w, q)
}

func TestService_RunProcessesFileThenShutsDownOnStop(t *testing.T) {
	root := t.TempDir()
	dest := t.TempDir()
	svc := newTestService(t, root, dest)

	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return svc.Status().Watcher.IsRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "slide.svs"), []byte("bytes"), 0o644))

	require.Eventually(t, func() bool {
		return svc.Status().Queue.ItemsCompleted == 1
	}, 2*time.Second, 10*time.Millisecond)

	svc.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	require.False(t, svc.Status().Watcher.IsRunning, "watcher must be stopped after shutdown")
}

func TestService_StatusComposesWatcherAndQueue(t *testing.T) {
	svc := newTestService(t, t.TempDir(), t.TempDir())
	st := svc.Status()
	require.Equal(t, queue.HealthStopped, st.Health)
	require.False(t, st.Watcher.IsRunning)
}
