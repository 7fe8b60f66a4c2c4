// Simulation event records emitted by virtual devices.
package event

import "time"

// Kind identifies what happened to a device.
type Kind string

const (
	KindStarted       Kind = "started"
	KindConnected     Kind = "connected"
	KindDisconnected  Kind = "disconnected"
	KindMessageSent   Kind = "message-sent"
	KindMessageFailed Kind = "message-failed"
	KindTwinUpdated   Kind = "twin-updated"
	KindMethodInvoked Kind = "method-invoked"
	KindFaulted       Kind = "faulted"
	KindStopped       Kind = "stopped"
	KindPaused        Kind = "paused"
	KindResumed       Kind = "resumed"
)

// Event is an immutable record of one device outcome. Events from a single
// device are ordered by Timestamp; no ordering is guaranteed across devices.
type Event struct {
	ID        string        `json:"id"`
	DeviceID  string        `json:"device_id"`
	Kind      Kind          `json:"kind"`
	Timestamp time.Time     `json:"ts"`
	Latency   time.Duration `json:"latency,omitempty"`
	Error     string        `json:"error,omitempty"`
	Detail    string        `json:"detail,omitempty"`
}
