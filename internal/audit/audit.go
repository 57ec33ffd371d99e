// Package audit implements the out-of-core audit sink spec.md §7 names as
// a consumer the core emits events to but does not define the schema for
// in detail: one JSON object per line, append-only, plus an optional
// Pub/Sub fan-out for deployments that centralize audit trails off-box.
//
// The file sink's one-line-JSON-per-event shape mirrors the teacher's
// agent/logentry.go LogEntry (a JSON-marshalable record batched into the
// progress messages sent upstream); the Pub/Sub sink is grounded directly
// on agent/workprocessor.go's publish-and-wait-for-result pattern
// (topic.Publish then result.Get(ctx) to surface publish errors
// synchronously).
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/golang/glog"
)

// EventType enumerates the audit event kinds spec.md §7 calls out.
type EventType string

const (
	EventFileDetected        EventType = "FileDetected"
	EventFileCopyStarted     EventType = "FileCopyStarted"
	EventFileCopyCompleted   EventType = "FileCopyCompleted"
	EventFileCopyFailed      EventType = "FileCopyFailed"
	EventVerificationFailed  EventType = "VerificationFailed"
	EventPerformanceAlert    EventType = "PerformanceAlert"
	EventSecurityEvent       EventType = "SecurityEvent"
)

// Event is one audit record.
type Event struct {
	Timestamp   time.Time         `json:"timestamp"`
	EventType   EventType         `json:"eventType"`
	OperationID string            `json:"operationId"`
	FilePath    string            `json:"filePath"`
	Message     string            `json:"message"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// Sink records Events. Implementations must be safe for concurrent use:
// every worker in the processing queue may emit concurrently.
type Sink interface {
	Record(ctx context.Context, ev Event)
	Close() error
}

// FileSink appends newline-delimited JSON to a file, the default audit
// trail, written under the logging.auditDirectory config setting.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
	enc *json.Encoder
}

// NewFileSink opens (creating if needed) dir/audit.jsonl for append.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create directory %s: %w", dir, err)
	}
	path := dir + "/audit.jsonl"
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &FileSink{f: f, enc: json.NewEncoder(f)}, nil
}

func (s *FileSink) Record(_ context.Context, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(ev); err != nil {
		glog.Errorf("audit: failed to write event %s for %s: %v", ev.EventType, ev.FilePath, err)
	}
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// PubSubSink publishes every Event as a JSON-encoded Pub/Sub message,
// waiting for each publish result so a misconfigured topic surfaces
// immediately rather than silently dropping audit events.
type PubSubSink struct {
	topic *pubsub.Topic
}

func NewPubSubSink(topic *pubsub.Topic) *PubSubSink {
	return &PubSubSink{topic: topic}
}

func (s *PubSubSink) Record(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		glog.Errorf("audit: failed to marshal event %s for %s: %v", ev.EventType, ev.FilePath, err)
		return
	}
	result := s.topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		glog.Errorf("audit: failed to publish event %s for %s: %v", ev.EventType, ev.FilePath, err)
	}
}

func (s *PubSubSink) Close() error {
	s.topic.Stop()
	return nil
}

// MultiSink fans an Event out to every wrapped Sink.
type MultiSink struct {
	Sinks []Sink
}

func (m MultiSink) Record(ctx context.Context, ev Event) {
	for _, s := range m.Sinks {
		s.Record(ctx, ev)
	}
}

func (m MultiSink) Close() error {
	var firstErr error
	for _, s := range m.Sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
