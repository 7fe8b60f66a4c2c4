package sink

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"fleetsim/internal/event"
)

// StdoutSink prints events and fleet stats as JSON lines to STDOUT.
type StdoutSink struct {
	out io.Writer
}

// NewStdoutSink creates a StdoutSink writing to os.Stdout.
func NewStdoutSink() *StdoutSink {
	return &StdoutSink{out: os.Stdout}
}

// Write outputs one event in JSON format.
func (s *StdoutSink) Write(ev event.Event) error {
	data, _ := json.Marshal(ev)
	fmt.Fprintln(s.out, string(data))
	return nil
}

// WriteStats outputs a fleet aggregate in JSON format.
func (s *StdoutSink) WriteStats(stats FleetStats) error {
	data, _ := json.Marshal(stats)
	fmt.Fprintln(s.out, string(data))
	return nil
}
