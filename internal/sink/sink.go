// Package sink delivers simulation events and fleet statistics to
// external consumers (stdout, files, Prometheus, NATS, GreptimeDB, TUI).
package sink

import (
	"time"

	"fleetsim/internal/event"
)

// Sink consumes simulation events, one at a time.
type Sink interface {
	Write(ev event.Event) error
}

// batchSink is the optional bulk path. Sinks that can ingest a whole
// batch in one round trip implement it; everyone else gets per-event
// writes.
type batchSink interface {
	WriteBatch(evs []event.Event) error
}

// StatsSink additionally receives periodic fleet aggregates.
type StatsSink interface {
	Sink
	WriteStats(stats FleetStats) error
}

// Closer is implemented by sinks holding OS or network resources.
type Closer interface {
	Close() error
}

// FleetStats is one aggregate snapshot across the whole fleet.
type FleetStats struct {
	Timestamp       time.Time      `json:"timestamp"`
	Devices         int            `json:"devices"`
	Running         int            `json:"running"`
	Paused          int            `json:"paused"`
	ByState         map[string]int `json:"by_state"`
	Sent            uint64         `json:"sent"`
	Failed          uint64         `json:"failed"`
	Acked           uint64         `json:"acked"`
	TwinUpdates     uint64         `json:"twin_updates"`
	MethodCalls     uint64         `json:"method_calls"`
	LiveConnections int64          `json:"live_connections"`
	EventsDropped   uint64         `json:"events_dropped"`
}
