// Package queue implements the Processing Queue (spec.md §4.G): the
// top-level scheduler that admits DetectionRecords under a bounded-
// concurrency worker pool, drives each item through the Copy Engine,
// Retry Executor, Verifier, and Classifier, and sweeps stalled or expired
// items.
//
// The worker-pool/dispatcher shape is grounded on the teacher's
// agent/workprocessor.go and agent/tasks/taskprocessor.go (a Process loop
// pulling work and delegating to a handler, backed by a stats.Tracker for
// counters); here the work source is an in-process watcher.ReadyQueue rather
// than a pubsub.Subscription, and golang/glog supplies the same structured
// logging the teacher's handlers use throughout.
package queue

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"cloud.google.com/go/storage"

	"github.com/Johnnywatts/forker/internal/audit"
	"github.com/Johnnywatts/forker/internal/classify"
	"github.com/Johnnywatts/forker/internal/copier"
	"github.com/Johnnywatts/forker/internal/model"
	"github.com/Johnnywatts/forker/internal/quarantine"
	"github.com/Johnnywatts/forker/internal/retry"
	"github.com/Johnnywatts/forker/internal/target"
	"github.com/Johnnywatts/forker/internal/verify"
	"github.com/Johnnywatts/forker/internal/watcher"
)

// Health mirrors spec.md §4.G's GetHealthStatus outcomes.
type Health string

const (
	HealthHealthy Health = "Healthy"
	HealthWarning Health = "Warning"
	HealthError   Health = "Error"
	HealthStopped Health = "Stopped"
)

// Options configures the Queue.
type Options struct {
	MaxConcurrentOperations     int
	MaxRetries                  int
	RetryDelay                  time.Duration
	OperationTimeout            time.Duration
	ShutdownTimeout             time.Duration
	HighQueueThreshold          int
	MaxCompletedItems           int
	CompletedItemRetentionHours time.Duration
	ProcessingInterval          time.Duration
	QuarantineDir               string

	// StagingDir holds local working copies of files destined for a
	// remote (e.g. GCS) destination: the Copy Engine only ever writes to
	// local paths, so a gs:// destination is staged here first, verified
	// like any other destination, then uploaded and the stage file
	// removed.
	StagingDir string

	// Sink, if set, receives FileCopyCompleted/FileCopyFailed/SecurityEvent
	// audit events as items finish, per spec.md §4.G.
	Sink audit.Sink
}

// Source is the minimal interface the queue needs from the watcher's ready
// queue, so tests can supply a fake.
type Source interface {
	Dequeue() (model.DetectionRecord, bool)
}

var _ Source = (*watcher.ReadyQueue)(nil)

// Queue is the Processing Queue: dispatcher, worker pool, and maintenance
// sweeper wired around a shared map of active and completed
// ProcessingItems.
type Queue struct {
	opts         Options
	source       Source
	destinations map[string]string // name -> local base directory (staged, for remote kinds)
	remoteKind   map[string]target.Kind
	backends     map[string]target.Backend
	copyEngine   *copier.Engine
	verifier     *verify.Verifier
	classifier   *classify.Classifier
	retryExec    *retry.Executor
	recovery     *quarantine.Recovery

	sem *semaphore.Weighted

	retryMu      sync.Mutex
	retryTickets []retryTicket

	mu             sync.Mutex
	active         map[string]*model.ProcessingItem
	completed      map[string]*model.ProcessingItem
	completedOrder []string

	itemsRetried   int64
	itemsFailed    int64
	itemsCompleted int64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
	crashed  bool
}

// New wires a Queue from its collaborators. rawDestinations maps a
// destination name to its configured path, either a local directory or a
// gs://bucket/prefix URI. gcsClient may be nil if no destination is a
// gs:// URI; New creates one GCSBackend per distinct bucket/prefix pair.
func New(opts Options, source Source, rawDestinations map[string]string, gcsClient *storage.Client, copyEngine *copier.Engine, verifier *verify.Verifier, classifier *classify.Classifier, retryExec *retry.Executor, recovery *quarantine.Recovery) *Queue {
	if opts.MaxConcurrentOperations <= 0 {
		opts.MaxConcurrentOperations = 4
	}
	if opts.StagingDir == "" {
		opts.StagingDir = os.TempDir() + "/forker-staging"
	}

	destinations := make(map[string]string, len(rawDestinations))
	remoteKind := make(map[string]target.Kind, len(rawDestinations))
	backends := make(map[string]target.Backend, len(rawDestinations))
	bucketBackends := make(map[string]*target.GCSBackend)

	for name, raw := range rawDestinations {
		kind, bucket, prefix := target.Resolve(raw)
		remoteKind[name] = kind
		if kind == target.KindGCS {
			backend, ok := bucketBackends[bucket+"/"+prefix]
			if !ok && gcsClient != nil {
				backend = target.NewGCSBackend(gcsClient, bucket, prefix)
				bucketBackends[bucket+"/"+prefix] = backend
			}
			if backend != nil {
				backends[name] = backend
			}
			destinations[name] = opts.StagingDir + "/" + name
			continue
		}
		destinations[name] = raw
	}

	return &Queue{
		opts:         opts,
		source:       source,
		destinations: destinations,
		remoteKind:   remoteKind,
		backends:     backends,
		copyEngine:   copyEngine,
		verifier:     verifier,
		classifier:   classifier,
		retryExec:    retryExec,
		recovery:     recovery,
		sem:          semaphore.NewWeighted(int64(opts.MaxConcurrentOperations)),
		active:       make(map[string]*model.ProcessingItem),
		completed:    make(map[string]*model.ProcessingItem),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the dispatcher and maintenance tasks. Workers are spawned
// on demand, bounded by the admission semaphore, per spec.md §5.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	q.running = true
	q.mu.Unlock()

	q.wg.Add(2)
	go q.dispatchLoop(ctx)
	go q.maintenanceLoop(ctx)
}

// Stop signals the dispatcher and workers to wind down, waiting up to
// ShutdownTimeout for active items to finish before returning. No new
// items are admitted after Stop is called.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	timeout := q.opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		glog.Warningf("queue: shutdown timeout exceeded after %v, forcing termination", timeout)
	}

	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
}

// retryTicket is a scheduled retry awaiting its backoff, drained by
// dispatchLoop instead of blocking the worker that produced it in
// time.Sleep, per spec.md §4.G "schedule a retry: sleep retryDelay, then
// re-enqueue the item".
type retryTicket struct {
	item    *model.ProcessingItem
	readyAt time.Time
}

// scheduleRetry queues item to be redispatched once delay has elapsed. The
// item stays in q.active the whole time; it is not holding a semaphore
// slot or a worker goroutine during the wait.
func (q *Queue) scheduleRetry(item *model.ProcessingItem, delay time.Duration) {
	q.retryMu.Lock()
	q.retryTickets = append(q.retryTickets, retryTicket{item: item, readyAt: time.Now().Add(delay)})
	q.retryMu.Unlock()
}

// popDueRetry removes and returns the first retry ticket whose backoff has
// elapsed, or nil if none is due yet.
func (q *Queue) popDueRetry() *model.ProcessingItem {
	q.retryMu.Lock()
	defer q.retryMu.Unlock()
	now := time.Now()
	for i, t := range q.retryTickets {
		if now.Before(t.readyAt) {
			continue
		}
		q.retryTickets = append(q.retryTickets[:i], q.retryTickets[i+1:]...)
		return t.item
	}
	return nil
}

// spawnWorker acquires an admission slot then runs fn in a panic-guarded
// goroutine, releasing the slot and the queue's WaitGroup when fn returns.
// Returns false if the semaphore acquire was aborted by ctx, meaning the
// caller should stop dispatching entirely.
func (q *Queue) spawnWorker(ctx context.Context, errLabel string, fn func()) bool {
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer q.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				glog.Errorf("queue: worker panicked processing %s: %v", errLabel, r)
				q.mu.Lock()
				q.crashed = true
				q.mu.Unlock()
			}
		}()
		fn()
	}()
	return true
}

func (q *Queue) dispatchLoop(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		default:
		}

		if item := q.popDueRetry(); item != nil {
			if !q.spawnWorker(ctx, item.SourcePath, func() { q.runItem(ctx, item) }) {
				return
			}
			continue
		}

		rec, ok := q.source.Dequeue()
		if !ok {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return
			case <-q.stopCh:
				return
			}
			continue
		}

		if !q.spawnWorker(ctx, rec.Path, func() { q.runItem(ctx, q.newItem(rec)) }) {
			return
		}
	}
}

func (q *Queue) newItem(rec model.DetectionRecord) *model.ProcessingItem {
	dests := make(map[string]string, len(q.destinations))
	for name, base := range q.destinations {
		dests[name] = joinDestination(base, rec.Path)
	}
	item := model.NewProcessingItem(uuid.NewString(), rec.Path, rec.SizeAtDetection, dests, time.Now())
	q.mu.Lock()
	q.active[item.ID] = item
	q.mu.Unlock()
	return item
}

// runItem drives one ProcessingItem through copy -> verify for each
// destination still Pending/Failed, per spec.md §4.G "Per-item execution".
func (q *Queue) runItem(ctx context.Context, item *model.ProcessingItem) {
	opCtx, cancel := context.WithTimeout(ctx, q.operationTimeout())
	defer cancel()

	item.WithLock(func() { item.State = model.ItemProcessing })

	pending := q.pendingDestinations(item)
	if len(pending) > 0 {
		q.copyDestinations(opCtx, item, pending)
		q.verifyDestinations(opCtx, item, pending)
	}

	item.WithLock(func() { item.RecomputeState() })

	snap := item.Snapshot()
	switch snap.State {
	case model.ItemCompleted:
		q.audit(ctx, item, audit.EventFileCopyCompleted, "all destinations verified", nil)
		q.finish(item, &q.itemsCompleted)
	case model.ItemFailed:
		q.handleFailed(ctx, item)
	default:
		// Destinations still running (shouldn't happen: runItem is
		// synchronous per item) - treat as failed-to-converge.
		q.handleFailed(ctx, item)
	}
}

func (q *Queue) pendingDestinations(item *model.ProcessingItem) []string {
	var names []string
	item.WithLock(func() {
		for name, d := range item.Destinations {
			if d.Status == model.DestinationPending || d.Status == model.DestinationFailed {
				names = append(names, name)
			}
		}
	})
	return names
}

func (q *Queue) copyDestinations(ctx context.Context, item *model.ProcessingItem, names []string) {
	targets := make(map[string]string, len(names))
	item.WithLock(func() {
		for _, name := range names {
			item.Destinations[name].Status = model.DestinationRunning
			targets[name] = item.Destinations[name].TargetPath
		}
	})

	progress := func(bytesCopied, totalBytes int64, percent float64, operationID string) {
		item.WithLock(func() {
			for _, name := range names {
				d := item.Destinations[name]
				d.BytesCopied = bytesCopied
				d.Progress = percent
			}
			item.RecomputeState()
			item.LastActivity = time.Now()
		})
	}

	outcome := q.retryExec.RetryFileOperation(ctx, func(ctx context.Context) (interface{}, error) {
		res := q.copyEngine.Copy(ctx, item.ID, item.SourcePath, targets, progress)
		if !res.Success {
			return nil, res.Err
		}
		return res, nil
	})

	if outcome.Success {
		item.WithLock(func() {
			for _, name := range names {
				item.Destinations[name].Status = model.DestinationVerifying
			}
		})
		return
	}
	q.failDestinations(item, names, "copy", outcome.FinalError)
}

func (q *Queue) verifyDestinations(ctx context.Context, item *model.ProcessingItem, names []string) {
	verifying := make([]string, 0, len(names))
	targets := make(map[string]string, len(names))
	item.WithLock(func() {
		for _, name := range names {
			if item.Destinations[name].Status == model.DestinationVerifying {
				verifying = append(verifying, name)
				targets[name] = item.Destinations[name].TargetPath
			}
		}
	})
	if len(verifying) == 0 {
		return
	}

	outcome := q.retryExec.RetryVerificationOperation(ctx, func(ctx context.Context) (interface{}, error) {
		res, err := q.verifier.VerifyMulti(item.SourcePath, targets)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return res, model.NewOpError(model.CategoryVerification, "hash mismatch verifying "+item.SourcePath, nil)
		}
		return res, nil
	})

	if outcome.Success {
		var uploadFailed []string
		for _, name := range verifying {
			if err := q.publishRemote(ctx, item, name, targets[name]); err != nil {
				uploadFailed = append(uploadFailed, name)
				item.WithLock(func() {
					item.Destinations[name].LastError = err.Error()
					item.RecordError(name, model.CategoryNetwork, err.Error(), time.Now())
				})
			}
		}
		if len(uploadFailed) > 0 {
			q.failDestinations(item, uploadFailed, "upload", nil)
		}
		completed := subtract(verifying, uploadFailed)
		item.WithLock(func() {
			for _, name := range completed {
				item.Destinations[name].Status = model.DestinationCompleted
				item.Destinations[name].Progress = 100
			}
			item.LastActivity = time.Now()
		})
		return
	}
	q.failDestinations(item, verifying, "verify", outcome.FinalError)
}

// publishRemote uploads a locally-staged file to its remote backend once
// verification succeeds, then removes the local stage copy. A no-op for
// local-filesystem destinations, where the Copy Engine already wrote the
// final path directly.
func (q *Queue) publishRemote(ctx context.Context, item *model.ProcessingItem, name, localPath string) error {
	if q.remoteKind[name] != target.KindGCS {
		return nil
	}
	backend, ok := q.backends[name]
	if !ok {
		return nil
	}
	info, err := os.Stat(item.SourcePath)
	if err != nil {
		return err
	}
	if err := backend.Upload(ctx, localPath, filepath.Base(item.SourcePath), info.ModTime().UnixNano()); err != nil {
		return err
	}
	if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
		glog.Warningf("queue: uploaded %s but failed to remove local stage copy %s: %v", item.SourcePath, localPath, err)
	}
	return nil
}

func subtract(all, remove []string) []string {
	if len(remove) == 0 {
		return all
	}
	skip := make(map[string]bool, len(remove))
	for _, r := range remove {
		skip[r] = true
	}
	out := make([]string, 0, len(all))
	for _, v := range all {
		if !skip[v] {
			out = append(out, v)
		}
	}
	return out
}

func (q *Queue) failDestinations(item *model.ProcessingItem, names []string, phase string, err error) {
	now := time.Now()
	item.WithLock(func() {
		for _, name := range names {
			item.Destinations[name].Status = model.DestinationFailed
			item.Destinations[name].RetryCount++
			msg := phase + " failed"
			if err != nil {
				msg = err.Error()
			}
			item.Destinations[name].LastError = msg
			cat := model.CategoryUnknown
			var opErr *model.OpError
			if oe, ok := err.(*model.OpError); ok {
				opErr = oe
				cat = opErr.Category
			}
			item.RecordError(name, cat, msg, now)
		}
		item.LastActivity = now
	})
}

// audit records ev to q.opts.Sink, a no-op if none was configured.
func (q *Queue) audit(ctx context.Context, item *model.ProcessingItem, eventType audit.EventType, message string, props map[string]string) {
	if q.opts.Sink == nil {
		return
	}
	q.opts.Sink.Record(ctx, audit.Event{
		Timestamp:   time.Now(),
		EventType:   eventType,
		OperationID: item.ID,
		FilePath:    item.SourcePath,
		Message:     message,
		Properties:  props,
	})
}

// handleFailed implements spec.md §4.G's post-item-run failure handling: a
// recoverable, non-quarantine failure under the retry budget is scheduled
// for another attempt (see scheduleRetry); everything else is terminal.
func (q *Queue) handleFailed(ctx context.Context, item *model.ProcessingItem) {
	snap := item.Snapshot()
	info := q.classifier.Classify(lastError(snap), "ProcessingQueue", snap.SourcePath, time.Now())

	// The retry backoff is served by scheduleRetry below, so Apply gets no
	// default delay and a DelayedRetry verdict does not sleep in this worker.
	handled := q.recovery.Apply(info, 0)

	if handled && info.Strategy != model.StrategyQuarantine && snap.RetryCount < q.maxRetries() {
		item.WithLock(func() {
			item.RetryCount++
			item.LastActivity = time.Now()
		})
		q.mu.Lock()
		q.itemsRetried++
		q.mu.Unlock()
		q.scheduleRetry(item, q.opts.RetryDelay)
		return
	}

	props := map[string]string{"category": string(info.Category)}
	if info.Strategy == model.StrategyQuarantine {
		props["quarantinePath"] = q.recovery.QuarantinePath(info)
	}
	q.audit(ctx, item, audit.EventFileCopyFailed, lastErrorMessage(snap), props)
	if info.Strategy == model.StrategyEscalate && info.Category == model.CategoryPermission {
		q.audit(ctx, item, audit.EventSecurityEvent, lastErrorMessage(snap), props)
	}

	q.finish(item, &q.itemsFailed)
}

func lastError(item model.ProcessingItem) error {
	if len(item.ErrorHistory) == 0 {
		return nil
	}
	ev := item.ErrorHistory[len(item.ErrorHistory)-1]
	return model.NewOpError(ev.Category, ev.Message, nil)
}

func lastErrorMessage(item model.ProcessingItem) string {
	if len(item.ErrorHistory) == 0 {
		return ""
	}
	return item.ErrorHistory[len(item.ErrorHistory)-1].Message
}

// finish moves item from active to completed, bumping counter. It is
// idempotent: sweepStalled and a scheduled retry can race to finish the
// same item (e.g. a retry backoff longer than the stall timeout), and only
// the first caller to observe item still active should count it.
func (q *Queue) finish(item *model.ProcessingItem, counter *int64) {
	q.mu.Lock()
	if _, stillActive := q.active[item.ID]; !stillActive {
		q.mu.Unlock()
		return
	}
	delete(q.active, item.ID)
	q.completed[item.ID] = item
	q.completedOrder = append(q.completedOrder, item.ID)
	*counter++
	q.mu.Unlock()

	item.WithLock(func() { item.CompletedAt = time.Now() })
}

func (q *Queue) maxRetries() int {
	if q.opts.MaxRetries <= 0 {
		return 3
	}
	return q.opts.MaxRetries
}

func (q *Queue) operationTimeout() time.Duration {
	if q.opts.OperationTimeout <= 0 {
		return 30 * time.Minute
	}
	return q.opts.OperationTimeout
}

// maintenanceLoop runs the stall sweep and retention sweep on
// ProcessingInterval, per spec.md §4.G.
func (q *Queue) maintenanceLoop(ctx context.Context) {
	defer q.wg.Done()
	interval := q.opts.ProcessingInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.sweepStalled()
			q.sweepRetention()
		}
	}
}

func (q *Queue) sweepStalled() {
	timeout := q.operationTimeout()
	now := time.Now()
	q.mu.Lock()
	var stalled []*model.ProcessingItem
	for _, item := range q.active {
		snap := item.Snapshot()
		if now.Sub(snap.LastActivity) > timeout {
			stalled = append(stalled, item)
		}
	}
	q.mu.Unlock()

	for _, item := range stalled {
		glog.Warningf("queue: item %s stalled, marking Failed", item.ID)
		item.WithLock(func() {
			for _, d := range item.Destinations {
				if d.Status == model.DestinationRunning || d.Status == model.DestinationVerifying {
					d.Status = model.DestinationFailed
					d.LastError = "Stalled"
				}
			}
			item.RecordError("", model.CategoryUnknown, "Stalled", now)
			item.RecomputeState()
		})
		q.finish(item, &q.itemsFailed)
	}
}

func (q *Queue) sweepRetention() {
	q.mu.Lock()
	defer q.mu.Unlock()

	retention := q.opts.CompletedItemRetentionHours
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	now := time.Now()
	kept := q.completedOrder[:0]
	for _, id := range q.completedOrder {
		item, ok := q.completed[id]
		if !ok {
			continue
		}
		snap := item.Snapshot()
		if now.Sub(snap.CompletedAt) > retention {
			delete(q.completed, id)
			continue
		}
		kept = append(kept, id)
	}
	q.completedOrder = kept

	maxItems := q.opts.MaxCompletedItems
	if maxItems > 0 {
		for len(q.completedOrder) > maxItems {
			oldest := q.completedOrder[0]
			q.completedOrder = q.completedOrder[1:]
			delete(q.completed, oldest)
		}
	}
}

// Counters is the queue's monotonic counter snapshot.
type Counters struct {
	ItemsRetried   int64
	ItemsFailed    int64
	ItemsCompleted int64
	ActiveCount    int
	CompletedCount int
}

func (q *Queue) Counters() Counters {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Counters{
		ItemsRetried:   q.itemsRetried,
		ItemsFailed:    q.itemsFailed,
		ItemsCompleted: q.itemsCompleted,
		ActiveCount:    len(q.active),
		CompletedCount: len(q.completed),
	}
}

// Health implements spec.md §4.G's GetHealthStatus.
func (q *Queue) Health() Health {
	q.mu.Lock()
	running := q.running
	crashed := q.crashed
	activeCount := len(q.active)
	total := q.itemsCompleted + q.itemsFailed
	failed := q.itemsFailed
	q.mu.Unlock()

	if !running {
		return HealthStopped
	}
	if crashed {
		return HealthError
	}
	if activeCount > q.opts.HighQueueThreshold && q.opts.HighQueueThreshold > 0 {
		return HealthWarning
	}
	if total >= 10 {
		rate := float64(failed) / float64(total)
		if rate > 0.25 {
			return HealthWarning
		}
	}
	return HealthHealthy
}

func joinDestination(base, sourcePath string) string {
	return filepath.Join(base, filepath.Base(sourcePath))
}
