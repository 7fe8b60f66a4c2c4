package sink

import "fleetsim/internal/event"

// MultiSink fans events and fleet stats out to multiple sinks.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a MultiSink.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Write sends one event to all sinks.
func (m *MultiSink) Write(ev event.Event) error {
	for _, s := range m.sinks {
		if err := s.Write(ev); err != nil {
			return err
		}
	}
	return nil
}

// WriteBatch sends multiple events to all sinks, using batch if supported.
func (m *MultiSink) WriteBatch(evs []event.Event) error {
	for _, s := range m.sinks {
		if bs, ok := s.(batchSink); ok {
			if err := bs.WriteBatch(evs); err != nil {
				return err
			}
			continue
		}
		for _, ev := range evs {
			if err := s.Write(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteStats sends a fleet aggregate to every sink that accepts stats.
func (m *MultiSink) WriteStats(stats FleetStats) error {
	for _, s := range m.sinks {
		if ss, ok := s.(StatsSink); ok {
			if err := ss.WriteStats(stats); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close closes every sink holding resources.
func (m *MultiSink) Close() error {
	var err error
	for _, s := range m.sinks {
		if c, ok := s.(Closer); ok {
			if e := c.Close(); e != nil && err == nil {
				err = e
			}
		}
	}
	return err
}
