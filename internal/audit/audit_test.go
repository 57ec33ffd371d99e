package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileSink_WritesNewlineDelimitedJSON(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	sink.Record(context.Background(), Event{
		Timestamp:   time.Now(),
		EventType:   EventFileDetected,
		OperationID: "op-1",
		FilePath:    "/data/slide.svs",
		Message:     "detected",
	})
	sink.Record(context.Background(), Event{
		EventType: EventFileCopyCompleted,
		FilePath:  "/data/slide.svs",
	})
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)

	var lines []Event
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			break
		}
		lines = append(lines, ev)
	}
	require.Len(t, lines, 2)
	require.Equal(t, EventFileDetected, lines[0].EventType)
	require.Equal(t, EventFileCopyCompleted, lines[1].EventType)
}

func TestFileSink_CreatesDirectoryAndAppendsAcrossOpens(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "audit")

	first, err := NewFileSink(dir)
	require.NoError(t, err)
	first.Record(context.Background(), Event{EventType: EventSecurityEvent, Message: "first"})
	require.NoError(t, first.Close())

	second, err := NewFileSink(dir)
	require.NoError(t, err)
	second.Record(context.Background(), Event{EventType: EventPerformanceAlert, Message: "second"})
	require.NoError(t, second.Close())

	data, err := os.ReadFile(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)

	var count int
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			break
		}
		count++
	}
	require.Equal(t, 2, count, "reopening the sink must append, not truncate")
}

// recordingSink is a minimal in-memory Sink used to verify MultiSink fan-out
// without depending on a real file or Pub/Sub topic.
type recordingSink struct {
	events []Event
	closed bool
}

func (r *recordingSink) Record(_ context.Context, ev Event) { r.events = append(r.events, ev) }
func (r *recordingSink) Close() error                        { r.closed = true; return nil }

func TestMultiSink_FansOutToEverySink(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	m := MultiSink{Sinks: []Sink{a, b}}

	m.Record(context.Background(), Event{EventType: EventFileDetected, FilePath: "/x"})
	require.NoError(t, m.Close())

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	require.True(t, a.closed)
	require.True(t, b.closed)
}
