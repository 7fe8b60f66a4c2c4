package sink

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"fleetsim/internal/event"
)

const natsStatsSubject = "fleetsim.stats"

// NATSSink publishes events to a NATS subject per device and fleet
// stats to a shared subject.
type NATSSink struct {
	conn *nats.Conn
}

// NewNATSSink connects to the NATS server at url.
func NewNATSSink(url string) (*NATSSink, error) {
	conn, err := nats.Connect(url, nats.Name("fleetsim"))
	if err != nil {
		return nil, err
	}
	return &NATSSink{conn: conn}, nil
}

// Write publishes one event to fleetsim.events.<device_id>.
func (n *NATSSink) Write(ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.conn.Publish(fmt.Sprintf("fleetsim.events.%s", ev.DeviceID), data)
}

// WriteStats publishes a fleet aggregate.
func (n *NATSSink) WriteStats(stats FleetStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return n.conn.Publish(natsStatsSubject, data)
}

// Close flushes pending publishes and drops the connection.
func (n *NATSSink) Close() error {
	if err := n.conn.Flush(); err != nil {
		n.conn.Close()
		return err
	}
	n.conn.Close()
	return nil
}
