package sink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fleetsim/internal/event"
)

func sampleEvent(id string) event.Event {
	return event.Event{
		ID:        id,
		DeviceID:  "dev-1",
		Kind:      event.KindMessageSent,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Latency:   12 * time.Millisecond,
	}
}

func TestStdoutSinkWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := &StdoutSink{out: &buf}
	if err := s.Write(sampleEvent("a")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.WriteStats(FleetStats{Devices: 3}); err != nil {
		t.Fatalf("WriteStats: %v", err)
	}

	scanner := bufio.NewScanner(&buf)
	lines := 0
	for scanner.Scan() {
		var decoded map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("line %d not JSON: %v", lines, err)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("lines = %d, want 2", lines)
	}
}

func TestFileSinkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	eventPath := filepath.Join(dir, "events.jsonl")
	statsPath := filepath.Join(dir, "stats.jsonl")

	fs, err := NewFileSink(eventPath, statsPath)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	if err := fs.WriteBatch([]event.Event{sampleEvent("a"), sampleEvent("b")}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := fs.WriteStats(FleetStats{Devices: 2, Sent: 10}); err != nil {
		t.Fatalf("WriteStats: %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(eventPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got := bytes.Count(data, []byte("\n")); got != 2 {
		t.Errorf("event lines = %d, want 2", got)
	}

	data, _ = os.ReadFile(statsPath)
	var stats FleetStats
	if err := json.Unmarshal(bytes.TrimSpace(data), &stats); err != nil {
		t.Fatalf("stats not JSON: %v", err)
	}
	if stats.Sent != 10 {
		t.Errorf("stats sent = %d, want 10", stats.Sent)
	}
}

// countingSink records calls; batching tested through MultiSink.
type countingSink struct {
	writes  int
	batches int
	stats   int
	fail    error
}

func (c *countingSink) Write(event.Event) error { c.writes++; return c.fail }

type countingBatchSink struct {
	countingSink
}

func (c *countingBatchSink) WriteBatch(evs []event.Event) error {
	c.batches++
	c.writes += len(evs)
	return c.fail
}

func (c *countingBatchSink) WriteStats(FleetStats) error { c.stats++; return nil }

func TestMultiSinkFansOut(t *testing.T) {
	plain := &countingSink{}
	batch := &countingBatchSink{}
	m := NewMultiSink(plain, batch)

	evs := []event.Event{sampleEvent("a"), sampleEvent("b"), sampleEvent("c")}
	if err := m.WriteBatch(evs); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if plain.writes != 3 {
		t.Errorf("plain writes = %d, want 3 (per-event fallback)", plain.writes)
	}
	if batch.batches != 1 || batch.writes != 3 {
		t.Errorf("batch sink got %d batches / %d events, want 1 / 3", batch.batches, batch.writes)
	}

	if err := m.WriteStats(FleetStats{}); err != nil {
		t.Fatalf("WriteStats: %v", err)
	}
	if batch.stats != 1 {
		t.Errorf("stats writes = %d, want 1", batch.stats)
	}
}

func TestMultiSinkPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	m := NewMultiSink(&countingSink{fail: boom})
	if err := m.Write(sampleEvent("a")); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestReplayLogPreservesEvents(t *testing.T) {
	var log bytes.Buffer
	enc := json.NewEncoder(&log)
	for _, id := range []string{"a", "b", "c"} {
		if err := enc.Encode(sampleEvent(id)); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}

	var got []event.Event
	err := ReplayLog(&log, sinkFunc(func(ev event.Event) error {
		got = append(got, ev)
		return nil
	}), 0)
	if err != nil {
		t.Fatalf("ReplayLog: %v", err)
	}
	if len(got) != 3 || got[0].ID != "a" || got[2].ID != "c" {
		t.Errorf("replayed = %v", got)
	}
}

func TestReplayLogStopsOnSinkError(t *testing.T) {
	var log bytes.Buffer
	enc := json.NewEncoder(&log)
	enc.Encode(sampleEvent("a"))
	enc.Encode(sampleEvent("b"))

	boom := errors.New("sink down")
	err := ReplayLog(&log, sinkFunc(func(event.Event) error { return boom }), 0)
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want sink error", err)
	}
}

type sinkFunc func(event.Event) error

func (f sinkFunc) Write(ev event.Event) error { return f(ev) }
