package progress

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLSinkWritesOneObjectPerLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events", "job-1.jsonl")
	sink, err := NewJSONLSink(path)
	require.NoError(t, err)

	bus := New()
	bus.Subscribe(sink)

	bus.Publish(Event{Type: JobStarted, JobID: "job-1", Message: "started", Timestamp: time.Now().UTC()})
	bus.Publish(Event{Type: StepCompleted, JobID: "job-1", Step: "build", Message: "completed", Timestamp: time.Now().UTC()})
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	var lines []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev), "every line must be a self-contained JSON object")
		lines = append(lines, ev)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, JobStarted, lines[0].Type)
	assert.Equal(t, "build", lines[1].Step)
}

func TestJSONLSinkClosedSinkDropsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := NewJSONLSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	// Publishing after close must not panic or error the producer.
	sink.Notify(Event{Type: JobCompleted, JobID: "job-1"})
}
