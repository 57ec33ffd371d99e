// Package watcher implements the Completion Detector (spec.md §4.F): turns
// filesystem notifications into a stream of DetectionRecords once a file's
// (size, mtime) pair has been observed stable across consecutive polls.
//
// Grounded on the teacher's depth-first directory walk
// (agent/depthfirstlist.go's processDirectory/processDirectories, bounded
// by agent/directoryinfostore.go — adapted here as dirstore.go) for the
// periodic rescan, and on helpers.Clock for deterministic stability-check
// timing in tests. The live notification source is
// github.com/fsnotify/fsnotify, not present in the teacher (which only
// ever lists — it never watches a live directory) but present elsewhere in
// the pack (vjache-cie's go.mod).
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"

	"github.com/Johnnywatts/forker/helpers"
	"github.com/Johnnywatts/forker/internal/audit"
	"github.com/Johnnywatts/forker/internal/model"
)

// Options configures the Watcher, mirroring config.Monitoring.
type Options struct {
	Root                    string
	IncludeSubdirectories   bool
	Filters                 Filters
	MinimumFileAge          time.Duration
	StabilityCheckInterval  time.Duration
	MaxStabilityChecks      int
	RescanInterval          time.Duration

	// MaxRescanDirBytes bounds dirStore's in-flight directory backlog
	// during a rescan, mirroring the teacher's
	// agent/depthfirstlist.go:processDirectories bound on DirectoryInfoStore
	// size. <= 0 means unbounded (the backlog may grow to the tree's full
	// directory count before it drains).
	MaxRescanDirBytes int

	// Sink, if set, receives a FileDetected audit event each time track()
	// begins stability-tracking a path: a new path, one dropped from pending
	// earlier, or an already-emitted path whose mtime has changed.
	Sink audit.Sink
}

type pendingEntry struct {
	firstSeen       time.Time
	lastSize        int64
	lastMtime       time.Time
	stableChecks    int
}

// Watcher owns the pendingFiles map and drives the notification,
// stability-poll, and rescan tasks.
type Watcher struct {
	opts  Options
	clock helpers.Clock
	queue *ReadyQueue

	mu      sync.Mutex
	pending map[string]*pendingEntry
	emitted map[string]time.Time // path -> mtime at emission, so rescan never re-tracks an already-replicated file

	watcher *fsnotify.Watcher
	running runFlag
	wg      sync.WaitGroup
}

// runFlag is a tiny mutex-guarded bool; ReadyQueue already uses sync/atomic
// for its counters, so this stays separate to avoid the import alias
// colliding with a package-level type of the same name.
type runFlag struct {
	mu sync.Mutex
	v  bool
}

func (a *runFlag) set(v bool) { a.mu.Lock(); a.v = v; a.mu.Unlock() }
func (a *runFlag) get() bool  { a.mu.Lock(); defer a.mu.Unlock(); return a.v }

func New(opts Options, clock helpers.Clock) *Watcher {
	if clock == nil {
		clock = helpers.NewClock()
	}
	return &Watcher{
		opts:    opts,
		clock:   clock,
		queue:   NewReadyQueue(),
		pending: make(map[string]*pendingEntry),
		emitted: make(map[string]time.Time),
	}
}

// Queue returns the ready queue downstream consumers dequeue from.
func (w *Watcher) Queue() *ReadyQueue { return w.queue }

// Start begins the notification, stability-poll, and rescan tasks. It
// returns once the initial fsnotify watch is established; the tasks run
// until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return model.NewOpError(model.CategoryFileSystem, "create fsnotify watcher", err)
	}
	w.watcher = fw

	if err := w.addWatches(w.opts.Root); err != nil {
		fw.Close()
		return err
	}

	w.running.set(true)
	w.wg.Add(3)
	go w.notifyLoop(ctx)
	go w.stabilityLoop(ctx)
	go w.rescanLoop(ctx)

	go func() {
		<-ctx.Done()
		w.running.set(false)
		fw.Close()
	}()

	return nil
}

// Wait blocks until all watcher tasks have exited.
func (w *Watcher) Wait() { w.wg.Wait() }

func (w *Watcher) addWatches(root string) error {
	if !w.opts.IncludeSubdirectories {
		return w.watcher.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) notifyLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			glog.Warningf("watcher: fsnotify error: %v", err)
			w.queue.IncWatcherErrors()
		}
	}
}

// handleEvent implements spec.md §4.F: Create/Write/Rename feed
// pendingFiles; a Rename's new name is treated as Create, the old name is
// forgotten (fsnotify reports the new name under a separate Create event on
// most platforms, so we only need to drop the old name here).
func (w *Watcher) handleEvent(ev fsnotify.Event) {
	name := ev.Name
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		w.mu.Lock()
		delete(w.pending, name)
		delete(w.emitted, name)
		w.mu.Unlock()
		return
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if !w.opts.Filters.Match(name) {
		return
	}
	info, err := os.Stat(name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if w.opts.IncludeSubdirectories {
			if err := w.watcher.Add(name); err != nil {
				glog.Warningf("watcher: failed to add watch on new directory %s: %v", name, err)
			}
		}
		return
	}
	w.track(name, info)
}

// track begins stability tracking for path, unless it is already pending or
// was already emitted as a DetectionRecord at its current mtime. The emitted
// check is what stops rescanOnce from re-tracking (and so re-copying) a file
// forever: pollOnce removes a path from pending the instant it emits, so
// pending alone can't tell "already replicated" from "never seen".
func (w *Watcher) track(path string, info os.FileInfo) {
	w.mu.Lock()
	if _, exists := w.pending[path]; exists {
		w.mu.Unlock()
		return
	}
	if seenMtime, ok := w.emitted[path]; ok && seenMtime.Equal(info.ModTime()) {
		w.mu.Unlock()
		return
	}
	w.pending[path] = &pendingEntry{
		firstSeen: w.clock.Now(),
		lastSize:  info.Size(),
		lastMtime: info.ModTime(),
	}
	w.mu.Unlock()
	w.queue.IncFilesDetected()

	if w.opts.Sink != nil {
		w.opts.Sink.Record(context.Background(), audit.Event{
			Timestamp: w.clock.Now(),
			EventType: audit.EventFileDetected,
			FilePath:  path,
			Message:   "file detected, beginning stability tracking",
		})
	}
}

// stabilityLoop wakes every StabilityCheckInterval and advances each
// pending entry's stability count, per spec.md §4.F.
func (w *Watcher) stabilityLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.StabilityCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce()
		}
	}
}

func (w *Watcher) pollOnce() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.mu.Unlock()

	now := w.clock.Now()
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			w.mu.Lock()
			delete(w.pending, path)
			w.mu.Unlock()
			w.queue.IncFilesSkipped()
			continue
		}

		w.mu.Lock()
		entry, ok := w.pending[path]
		if !ok {
			w.mu.Unlock()
			continue
		}
		if info.Size() != entry.lastSize || !info.ModTime().Equal(entry.lastMtime) {
			entry.lastSize = info.Size()
			entry.lastMtime = info.ModTime()
			entry.stableChecks = 1
			w.mu.Unlock()
			continue
		}
		entry.stableChecks++
		ready := entry.stableChecks >= w.opts.MaxStabilityChecks && now.Sub(entry.firstSeen) >= w.opts.MinimumFileAge
		var rec model.DetectionRecord
		if ready {
			rec = model.DetectionRecord{
				Path:               path,
				DetectedAt:         now,
				QueuedAt:           now,
				SizeAtDetection:    entry.lastSize,
				ModTimeAtDetection: entry.lastMtime,
				StabilityChecks:    entry.stableChecks,
			}
			w.emitted[path] = entry.lastMtime
			delete(w.pending, path)
		}
		w.mu.Unlock()

		if ready {
			w.queue.Enqueue(rec)
		}
	}
}

// rescanLoop periodically walks the tree to catch files whose fsnotify
// events were dropped, per spec.md §4.F. Bounded by dirStore so a huge
// archive doesn't blow up memory mid-walk.
func (w *Watcher) rescanLoop(ctx context.Context) {
	defer w.wg.Done()
	if w.opts.RescanInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.opts.RescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.rescanOnce()
		}
	}
}

// rescanOnce walks the tree from Root, bounding dirStore's in-flight
// directory backlog by MaxRescanDirBytes: a subdirectory found while the
// backlog is already at or over the bound is skipped for this pass. Every
// pass restarts from Root and nothing is carried over, so on an unchanged
// tree the same subdirectories are skipped again. track() itself rejects
// paths already in pending or already emitted, so this never re-queues a
// file that has already been replicated.
func (w *Watcher) rescanOnce() {
	store := newDirStore()
	store.add(w.opts.Root)

	seen := make(map[string]bool)
	deferred := false
	for store.len() > 0 {
		dir, ok := store.removeFirst()
		if !ok {
			break
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			w.queue.IncWatcherErrors()
			continue
		}
		for _, entry := range entries {
			full := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				if !w.opts.IncludeSubdirectories {
					continue
				}
				if w.opts.MaxRescanDirBytes > 0 && store.sizeBytes() >= w.opts.MaxRescanDirBytes {
					deferred = true
					glog.Warningf("watcher: rescan directory backlog reached %d bytes, deferring %s to next rescan", w.opts.MaxRescanDirBytes, full)
					continue
				}
				store.add(full)
				continue
			}
			if !w.opts.Filters.Match(full) {
				continue
			}
			seen[full] = true
			info, err := entry.Info()
			if err != nil {
				continue
			}
			w.track(full, info)
		}
	}

	// Only prune emitted's "already replicated" markers once a rescan
	// covers the whole tree: a deferred, partial pass hasn't visited every
	// file, so absence from seen wouldn't mean the file is actually gone.
	if deferred {
		return
	}
	w.mu.Lock()
	for path := range w.emitted {
		if !seen[path] {
			delete(w.emitted, path)
		}
	}
	w.mu.Unlock()
}

// Status reports the watcher's current state, spec.md §4.F.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	pendingCount := len(w.pending)
	w.mu.Unlock()
	return Status{
		QueueCount:   w.queue.Count(),
		PendingCount: pendingCount,
		IsRunning:    w.running.get(),
		Counters:     w.queue.snapshot(),
	}
}
