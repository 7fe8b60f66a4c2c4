package sink

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"fleetsim/internal/event"
)

// ReplayLog replays recorded events from r into sink. A speed >0
// reproduces the original inter-event gaps, scaled; speed <= 0 inserts
// no artificial delay.
func ReplayLog(r io.Reader, sink Sink, speed float64) error {
	dec := json.NewDecoder(r)
	var prev time.Time
	for {
		var ev event.Event
		if err := dec.Decode(&ev); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if !prev.IsZero() && speed > 0 {
			diff := ev.Timestamp.Sub(prev)
			if speed != 1 {
				diff = time.Duration(float64(diff) / speed)
			}
			if diff > 0 {
				time.Sleep(diff)
			}
		}
		if err := sink.Write(ev); err != nil {
			return err
		}
		prev = ev.Timestamp
	}
}

// ReplayLogFile opens a JSONL event log and replays it.
func ReplayLogFile(path string, sink Sink, speed float64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return ReplayLog(f, sink, speed)
}
