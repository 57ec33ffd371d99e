// Package service implements the Service Loop (spec.md §4.H): owns the
// watcher and processing queue's lifetimes (the processing queue's
// dispatcher dequeues DetectionRecords from the watcher's ready queue
// directly), and exposes a periodic heartbeat composing both components'
// status.
//
// The heartbeat is grounded on the teacher's agent/pulse.go PulseHandler
// (a ticker-driven loop that periodically emits a liveness message),
// adapted here from a Pub/Sub publish into a structured glog line carrying
// the composed health snapshot, since the replication core has no
// control-plane topic to publish to.
package service

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/Johnnywatts/forker/internal/queue"
	"github.com/Johnnywatts/forker/internal/watcher"
)

// Status is the aggregate snapshot Service exposes, composing §4.F and
// §4.G's status structures per spec.md §4.H.
type Status struct {
	Watcher watcher.Status
	Queue   queue.Counters
	Health  queue.Health
}

// Options configures the heartbeat cadence.
type Options struct {
	PulseInterval time.Duration
}

// Service wires a Watcher and Queue together and owns their lifecycles.
type Service struct {
	opts Options
	w    *watcher.Watcher
	q    *queue.Queue

	cancel context.CancelFunc
}

func New(opts Options, w *watcher.Watcher, q *queue.Queue) *Service {
	if opts.PulseInterval <= 0 {
		opts.PulseInterval = 30 * time.Second
	}
	return &Service{opts: opts, w: w, q: q}
}

// Run starts the watcher and queue, then blocks until ctx is cancelled or
// an OS interrupt/terminate signal arrives, at which point it stops the
// queue, then the watcher, in that order, per spec.md §4.H.
func (s *Service) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := s.w.Start(ctx); err != nil {
		return err
	}
	s.q.Start(ctx)

	go s.pulseLoop(ctx)

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		glog.Infof("service: received signal %v, shutting down", sig)
		cancel()
	}

	s.q.Stop()
	s.w.Wait()
	return nil
}

// Stop requests shutdown without waiting for a signal; used by callers that
// manage their own termination trigger (tests, supervisors).
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Service) pulseLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PulseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.Status()
			glog.Infof("service: pulse health=%s queue_active=%d queue_completed=%d watcher_pending=%d watcher_queue=%d",
				st.Health, st.Queue.ActiveCount, st.Queue.CompletedCount, st.Watcher.PendingCount, st.Watcher.QueueCount)
		}
	}
}

// Status composes the watcher and queue's current status, per spec.md §4.H.
func (s *Service) Status() Status {
	return Status{
		Watcher: s.w.Status(),
		Queue:   s.q.Counters(),
		Health:  s.q.Health(),
	}
}
