package watcher

import (
	"sync"
	"sync/atomic"

	"github.com/Johnnywatts/forker/internal/model"
)

// ReadyQueue is the thread-safe FIFO of DetectionRecords the watcher
// produces and the processing queue consumes, per spec.md §4.F "Output".
type ReadyQueue struct {
	mu    sync.Mutex
	items []model.DetectionRecord

	filesDetected atomic.Int64
	filesQueued   atomic.Int64
	filesSkipped  atomic.Int64
	watcherErrors atomic.Int64
}

func NewReadyQueue() *ReadyQueue {
	return &ReadyQueue{}
}

func (q *ReadyQueue) Enqueue(rec model.DetectionRecord) {
	q.mu.Lock()
	q.items = append(q.items, rec)
	q.mu.Unlock()
	q.filesQueued.Add(1)
}

// Dequeue is non-blocking: it returns (zero, false) if the queue is empty.
func (q *ReadyQueue) Dequeue() (model.DetectionRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return model.DetectionRecord{}, false
	}
	rec := q.items[0]
	q.items = q.items[1:]
	return rec, true
}

func (q *ReadyQueue) IncFilesDetected() { q.filesDetected.Add(1) }
func (q *ReadyQueue) IncFilesSkipped()  { q.filesSkipped.Add(1) }
func (q *ReadyQueue) IncWatcherErrors() { q.watcherErrors.Add(1) }

func (q *ReadyQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Counters is the monotonic counter snapshot spec.md §4.F names.
type Counters struct {
	FilesDetected int64
	FilesQueued   int64
	FilesSkipped  int64
	WatcherErrors int64
}

// Status is the watcher's overall status report.
type Status struct {
	QueueCount   int
	PendingCount int
	IsRunning    bool
	Counters     Counters
}

func (q *ReadyQueue) snapshot() Counters {
	return Counters{
		FilesDetected: q.filesDetected.Load(),
		FilesQueued:   q.filesQueued.Load(),
		FilesSkipped:  q.filesSkipped.Load(),
		WatcherErrors: q.watcherErrors.Load(),
	}
}
