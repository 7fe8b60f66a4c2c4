package sink

import (
	"encoding/json"
	"os"

	"fleetsim/internal/event"
)

// FileSink appends events and fleet stats to JSONL files.
type FileSink struct {
	eventFile *os.File
	statsFile *os.File
	eventEnc  *json.Encoder
	statsEnc  *json.Encoder
}

// NewFileSink creates a FileSink. statsPath may be empty to skip the
// stats log.
func NewFileSink(eventPath, statsPath string) (*FileSink, error) {
	ef, err := os.Create(eventPath)
	if err != nil {
		return nil, err
	}
	fs := &FileSink{eventFile: ef, eventEnc: json.NewEncoder(ef)}
	if statsPath != "" {
		sf, err := os.Create(statsPath)
		if err != nil {
			ef.Close()
			return nil, err
		}
		fs.statsFile = sf
		fs.statsEnc = json.NewEncoder(sf)
	}
	return fs, nil
}

// Write logs a single event.
func (f *FileSink) Write(ev event.Event) error {
	return f.eventEnc.Encode(ev)
}

// WriteBatch logs multiple events.
func (f *FileSink) WriteBatch(evs []event.Event) error {
	for _, ev := range evs {
		if err := f.Write(ev); err != nil {
			return err
		}
	}
	return nil
}

// WriteStats logs a fleet aggregate, if enabled.
func (f *FileSink) WriteStats(stats FleetStats) error {
	if f.statsEnc == nil {
		return nil
	}
	return f.statsEnc.Encode(stats)
}

// Close closes the underlying files.
func (f *FileSink) Close() error {
	var err error
	if f.eventFile != nil {
		if e := f.eventFile.Close(); e != nil && err == nil {
			err = e
		}
	}
	if f.statsFile != nil {
		if e := f.statsFile.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}
