package sink

import (
	"context"
	"net"
	"strconv"

	greptime "github.com/GreptimeTeam/greptimedb-ingester-go"
	ingesterContext "github.com/GreptimeTeam/greptimedb-ingester-go/context"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table/types"

	"fleetsim/internal/event"
)

// GreptimeSink archives events in GreptimeDB via the ingester client.
type GreptimeSink struct {
	client *greptime.Client
	db     string
	table  string
}

// NewGreptimeSink creates a GreptimeDB sink and auto-creates the table
// if needed.
func NewGreptimeSink(endpoint, database string) (*GreptimeSink, error) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		host = endpoint
		portStr = ""
	}
	cfg := greptime.NewConfig(host).WithDatabase(database)
	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, err
		}
		cfg = cfg.WithPort(port)
	}
	client, err := greptime.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	return &GreptimeSink{
		client: client,
		db:     database,
		table:  "fleet_events",
	}, nil
}

// Write inserts a single event.
func (g *GreptimeSink) Write(ev event.Event) error {
	return g.WriteBatch([]event.Event{ev})
}

// WriteBatch inserts multiple events in one round trip.
func (g *GreptimeSink) WriteBatch(evs []event.Event) error {
	if len(evs) == 0 {
		return nil
	}

	ctx := ingesterContext.New(context.Background())

	tbl, err := table.New(g.table)
	if err != nil {
		return err
	}
	if err := tbl.AddTagColumn("device_id", types.STRING); err != nil {
		return err
	}
	if err := tbl.AddTagColumn("kind", types.STRING); err != nil {
		return err
	}
	if err := tbl.AddFieldColumn("event_id", types.STRING); err != nil {
		return err
	}
	if err := tbl.AddFieldColumn("latency_ms", types.FLOAT64); err != nil {
		return err
	}
	if err := tbl.AddFieldColumn("error", types.STRING); err != nil {
		return err
	}
	if err := tbl.AddFieldColumn("detail", types.STRING); err != nil {
		return err
	}
	if err := tbl.AddTimestampColumn("ts", types.TIMESTAMP_MILLISECOND); err != nil {
		return err
	}

	for _, ev := range evs {
		if err := tbl.AddRow(
			ev.DeviceID,
			string(ev.Kind),
			ev.ID,
			float64(ev.Latency.Milliseconds()),
			ev.Error,
			ev.Detail,
			ev.Timestamp,
		); err != nil {
			return err
		}
	}

	_, err = g.client.Write(ctx, tbl)
	return err
}
