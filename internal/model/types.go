// Package model holds the data types shared across the replication core:
// the watcher's DetectionRecord, the queue's ProcessingItem, and the
// classifier's ErrorInfo/RetryStrategy/CircuitState records.
//
// Grounded on the teacher's agent/task.go (status enum, JSON task specs)
// and agent/errors.go (AgentError).
package model

import (
	"sync"
	"time"
)

// DetectionRecord is produced by the completion detector once a file has
// been observed stable for the configured number of consecutive polls.
// Immutable once emitted.
type DetectionRecord struct {
	Path               string
	DetectedAt         time.Time
	QueuedAt           time.Time
	SizeAtDetection    int64
	ModTimeAtDetection time.Time
	StabilityChecks    int
}

// DestinationStatus is the lifecycle state of one ProcessingItem destination.
type DestinationStatus string

const (
	DestinationPending    DestinationStatus = "Pending"
	DestinationRunning    DestinationStatus = "Running"
	DestinationVerifying  DestinationStatus = "Verifying"
	DestinationCompleted  DestinationStatus = "Completed"
	DestinationFailed     DestinationStatus = "Failed"
)

// ItemState is the overall lifecycle state of a ProcessingItem.
type ItemState string

const (
	ItemQueued     ItemState = "Queued"
	ItemProcessing ItemState = "Processing"
	ItemCompleted  ItemState = "Completed"
	ItemFailed     ItemState = "Failed"
)

// DestinationEntry tracks per-destination copy/verify progress for a
// ProcessingItem.
type DestinationEntry struct {
	TargetPath    string
	Status        DestinationStatus
	BytesCopied   int64
	Progress      float64
	RetryCount    int
	LastError     string
}

// ErrorEvent is one entry in a ProcessingItem's bounded error history ring.
type ErrorEvent struct {
	Timestamp   time.Time
	Destination string
	Category    ErrorCategory
	Message     string
}

// ProcessingItem is the queue's unit of work: one source file fanned out to
// every configured destination. Mutated only under Lock/Unlock, which must
// never be held across a copy read/write loop — only while touching fields.
type ProcessingItem struct {
	mu sync.Mutex

	ID               string
	SourcePath       string
	SourceSize       int64
	Destinations     map[string]*DestinationEntry
	State            ItemState
	OverallProgress  float64
	RetryCount       int
	ErrorHistory     []ErrorEvent
	CreatedAt        time.Time
	LastActivity     time.Time
	CompletedAt      time.Time

	maxErrorHistory int
}

// NewProcessingItem builds a ProcessingItem with one DestinationEntry per
// destination name, all starting Pending.
func NewProcessingItem(id, sourcePath string, sourceSize int64, destinationPaths map[string]string, now time.Time) *ProcessingItem {
	dests := make(map[string]*DestinationEntry, len(destinationPaths))
	for name, path := range destinationPaths {
		dests[name] = &DestinationEntry{TargetPath: path, Status: DestinationPending}
	}
	return &ProcessingItem{
		ID:              id,
		SourcePath:      sourcePath,
		SourceSize:      sourceSize,
		Destinations:    dests,
		State:           ItemQueued,
		CreatedAt:       now,
		LastActivity:    now,
		maxErrorHistory: 32,
	}
}

// WithLock runs fn while holding the item's lock. Never call a blocking I/O
// operation from within fn.
func (p *ProcessingItem) WithLock(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn()
}

// Snapshot returns a shallow copy of the item's fields for status reporting,
// taken under the item's short lock.
func (p *ProcessingItem) Snapshot() ProcessingItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	dests := make(map[string]*DestinationEntry, len(p.Destinations))
	for k, v := range p.Destinations {
		cp := *v
		dests[k] = &cp
	}
	return ProcessingItem{
		ID:              p.ID,
		SourcePath:      p.SourcePath,
		SourceSize:      p.SourceSize,
		Destinations:    dests,
		State:           p.State,
		OverallProgress: p.OverallProgress,
		RetryCount:      p.RetryCount,
		ErrorHistory:    append([]ErrorEvent(nil), p.ErrorHistory...),
		CreatedAt:       p.CreatedAt,
		LastActivity:    p.LastActivity,
		CompletedAt:     p.CompletedAt,
	}
}

// RecordError appends to the bounded error history ring, evicting the oldest
// entry once maxErrorHistory is exceeded. Caller must hold the lock.
func (p *ProcessingItem) RecordError(dest string, cat ErrorCategory, msg string, now time.Time) {
	p.ErrorHistory = append(p.ErrorHistory, ErrorEvent{Timestamp: now, Destination: dest, Category: cat, Message: msg})
	if len(p.ErrorHistory) > p.maxErrorHistory {
		p.ErrorHistory = p.ErrorHistory[len(p.ErrorHistory)-p.maxErrorHistory:]
	}
}

// RecomputeState derives the overall item state from destination statuses,
// per spec: Completed iff every destination is Completed, Failed iff any
// destination is Failed and none is Running. Caller must hold the lock.
func (p *ProcessingItem) RecomputeState() {
	allCompleted := true
	anyFailed := false
	anyRunning := false
	var progressSum float64
	for _, d := range p.Destinations {
		if d.Status != DestinationCompleted {
			allCompleted = false
		}
		if d.Status == DestinationFailed {
			anyFailed = true
		}
		if d.Status == DestinationRunning || d.Status == DestinationVerifying {
			anyRunning = true
		}
		progressSum += d.Progress
	}
	if len(p.Destinations) > 0 {
		p.OverallProgress = progressSum / float64(len(p.Destinations))
	}
	switch {
	case allCompleted:
		p.State = ItemCompleted
	case anyFailed && !anyRunning:
		p.State = ItemFailed
	default:
		p.State = ItemProcessing
	}
}

// FailedDestinations returns the names of destinations currently Failed,
// used to scope an item-level retry to only the destinations that need it.
func (p *ProcessingItem) FailedDestinations() []string {
	var out []string
	for name, d := range p.Destinations {
		if d.Status == DestinationFailed {
			out = append(out, name)
		}
	}
	return out
}
