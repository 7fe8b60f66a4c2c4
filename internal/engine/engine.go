// Package engine owns the device fleet: registration, lifecycle
// fan-out, event pumping to sinks, and fleet-wide statistics.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"fleetsim/internal/device"
	"fleetsim/internal/event"
	"fleetsim/internal/hub"
	"fleetsim/internal/logging"
	"fleetsim/internal/sink"
	"fleetsim/internal/template"
)

var (
	// ErrDuplicateDeviceID rejects registration of an ID already in the
	// fleet. The existing device is left untouched.
	ErrDuplicateDeviceID = errors.New("duplicate device id")
	// ErrNotFound reports an unknown device ID.
	ErrNotFound = errors.New("device not found")
	// ErrTooManyDevices rejects registrations beyond the fleet ceiling.
	ErrTooManyDevices = errors.New("device ceiling reached")
	// ErrUnknownTemplate reports a template name with no definition.
	ErrUnknownTemplate = errors.New("unknown template")
)

// Config tunes the engine. Zero values pick defaults.
type Config struct {
	// MaxDevices caps fleet size; 0 means 10000.
	MaxDevices int
	// StartConcurrency caps concurrent connection handshakes across the
	// fleet, independent of the manager's live-connection ceiling.
	StartConcurrency int
	// StartJitter spreads device starts over a random delay so a large
	// fleet does not stampede the hub.
	StartJitter time.Duration
	// StatsInterval is the cadence of fleet aggregates pushed to stats
	// sinks.
	StatsInterval time.Duration
	// StopGrace is how long Shutdown waits for cooperative stops before
	// hard-stopping the remainder.
	StopGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxDevices <= 0 {
		c.MaxDevices = 10000
	}
	if c.StartConcurrency <= 0 {
		c.StartConcurrency = 50
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 5 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 15 * time.Second
	}
	return c
}

// Engine coordinates the virtual device fleet over one connection
// manager and one event bus.
type Engine struct {
	cfg       Config
	deviceCfg device.Config
	mgr       *hub.Manager
	bus       *event.Bus
	log       *slog.Logger
	templates map[string]*template.Template
	rng       *rand.Rand
	gate      *semaphore.Weighted

	mu      sync.Mutex
	devices map[string]*device.Device

	pumpWG sync.WaitGroup
}

// New builds an engine. The builtin templates are always available;
// extra ones override or extend them by name.
func New(cfg Config, deviceCfg device.Config, mgr *hub.Manager, bus *event.Bus, extra []template.Template, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	templates := template.Builtin()
	for i := range extra {
		t := extra[i]
		templates[t.Name] = &t
	}
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:       cfg,
		deviceCfg: deviceCfg,
		mgr:       mgr,
		bus:       bus,
		log:       log,
		templates: templates,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		gate:      semaphore.NewWeighted(int64(cfg.StartConcurrency)),
		devices:   make(map[string]*device.Device),
	}
}

// Template looks up a registered template by name.
func (e *Engine) Template(name string) (*template.Template, bool) {
	t, ok := e.templates[name]
	return t, ok
}

// AddDevice registers a new virtual device in Created state. It does not
// start the device.
func (e *Engine) AddDevice(identity hub.Identity, cfg *device.Config) (*device.Device, error) {
	tmpl, ok := e.templates[identity.Template]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, identity.Template)
	}
	dcfg := e.deviceCfg
	if cfg != nil {
		dcfg = *cfg
	}
	if dcfg.ConnectGate == nil {
		dcfg.ConnectGate = e.gate
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.devices[identity.DeviceID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateDeviceID, identity.DeviceID)
	}
	if len(e.devices) >= e.cfg.MaxDevices {
		return nil, fmt.Errorf("%w: limit %d", ErrTooManyDevices, e.cfg.MaxDevices)
	}
	d, err := device.New(identity, tmpl, dcfg, e.mgr, e.bus, e.log)
	if err != nil {
		return nil, err
	}
	e.devices[identity.DeviceID] = d
	return d, nil
}

// RemoveDevice stops a device and drops it from the fleet.
func (e *Engine) RemoveDevice(ctx context.Context, id string) error {
	e.mu.Lock()
	d, ok := e.devices[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := d.Stop(ctx); err != nil {
		d.HardStop()
	}
	e.mu.Lock()
	delete(e.devices, id)
	e.mu.Unlock()
	return nil
}

// Device returns the device with the given ID.
func (e *Engine) Device(id string) (*device.Device, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, nil
}

// StartAll launches every registered device, bounded-parallel with
// start jitter. Already-running devices are skipped.
func (e *Engine) StartAll(ctx context.Context) error {
	return e.startDevices(ctx, e.listDevices())
}

// StartDevices launches the named devices.
func (e *Engine) StartDevices(ctx context.Context, ids ...string) error {
	devs := make([]*device.Device, 0, len(ids))
	for _, id := range ids {
		d, err := e.Device(id)
		if err != nil {
			return err
		}
		devs = append(devs, d)
	}
	return e.startDevices(ctx, devs)
}

func (e *Engine) startDevices(ctx context.Context, devs []*device.Device) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.StartConcurrency)
	for _, d := range devs {
		d := d
		var delay time.Duration
		if e.cfg.StartJitter > 0 {
			e.mu.Lock()
			delay = time.Duration(e.rng.Int63n(int64(e.cfg.StartJitter)))
			e.mu.Unlock()
		}
		g.Go(func() error {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			d.Start(gctx)
			return nil
		})
	}
	return g.Wait()
}

// StopAll stops every device cooperatively, then hard-stops whatever is
// still up when the grace period runs out.
func (e *Engine) StopAll(ctx context.Context) error {
	return e.stopDevices(ctx, e.listDevices())
}

// StopDevices stops the named devices.
func (e *Engine) StopDevices(ctx context.Context, ids ...string) error {
	devs := make([]*device.Device, 0, len(ids))
	for _, id := range ids {
		d, err := e.Device(id)
		if err != nil {
			return err
		}
		devs = append(devs, d)
	}
	return e.stopDevices(ctx, devs)
}

func (e *Engine) stopDevices(ctx context.Context, devs []*device.Device) error {
	graceCtx, cancel := context.WithTimeout(ctx, e.cfg.StopGrace)
	defer cancel()

	var wg sync.WaitGroup
	for _, d := range devs {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Stop(graceCtx); err != nil {
				e.log.Warn("device did not stop in time, forcing", "device_id", d.ID())
				d.HardStop()
				<-d.Wait()
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// PauseAll suspends telemetry fleet-wide without dropping connections.
func (e *Engine) PauseAll() {
	for _, d := range e.listDevices() {
		d.Pause()
	}
}

// ResumeAll re-enables telemetry fleet-wide.
func (e *Engine) ResumeAll() {
	for _, d := range e.listDevices() {
		d.Resume()
	}
}

// Snapshot returns per-device snapshots sorted by device ID.
func (e *Engine) Snapshot() []device.Snapshot {
	devs := e.listDevices()
	out := make([]device.Snapshot, 0, len(devs))
	for _, d := range devs {
		out = append(out, d.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Stats aggregates the fleet into one FleetStats row.
func (e *Engine) Stats() sink.FleetStats {
	stats := sink.FleetStats{
		Timestamp: time.Now().UTC(),
		ByState:   make(map[string]int),
	}
	for _, d := range e.listDevices() {
		snap := d.Snapshot()
		stats.Devices++
		if d.Running() {
			stats.Running++
		}
		if snap.Paused {
			stats.Paused++
		}
		stats.ByState[snap.State]++
		stats.Sent += snap.Sent
		stats.Failed += snap.Failed
		stats.Acked += snap.Acked
		stats.TwinUpdates += snap.TwinUpdates
		stats.MethodCalls += snap.MethodCalls
	}
	stats.LiveConnections = int64(e.mgr.LiveConnections())
	stats.EventsDropped = e.bus.Dropped()
	return stats
}

// Subscribe attaches a sink to the event stream. The pump drains the
// subscription in batches where the sink supports it and exits when the
// subscription closes.
func (e *Engine) Subscribe(name string, s sink.Sink) *event.Subscription {
	sub := e.bus.Subscribe(name, 0)
	e.pumpWG.Add(1)
	go e.pump(sub, s)
	return sub
}

type batchSink interface {
	WriteBatch(evs []event.Event) error
}

func (e *Engine) pump(sub *event.Subscription, s sink.Sink) {
	defer e.pumpWG.Done()
	bs, batched := s.(batchSink)
	for ev, ok := <-sub.C(); ok; ev, ok = <-sub.C() {
		if !batched {
			if err := s.Write(ev); err != nil {
				e.log.Warn("sink write failed", "sink", sub.Name(), "error", err)
			}
			continue
		}
		batch := []event.Event{ev}
	drain:
		for len(batch) < 64 {
			select {
			case next, more := <-sub.C():
				if !more {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		if err := bs.WriteBatch(batch); err != nil {
			e.log.Warn("sink batch write failed", "sink", sub.Name(), "error", err)
		}
	}
}

// Run pushes periodic fleet aggregates to stats until ctx is cancelled.
// It is typically run in its own goroutine alongside the admin server.
func (e *Engine) Run(ctx context.Context, stats sink.StatsSink) {
	log := logging.FromContext(ctx)
	ticker := time.NewTicker(e.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stats == nil {
				continue
			}
			if err := stats.WriteStats(e.Stats()); err != nil {
				log.Warn("stats write failed", "error", err)
			}
		}
	}
}

// Shutdown stops the fleet, closes the bus, and waits for the sink
// pumps to drain.
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.StopAll(ctx)
	e.bus.Close()
	e.pumpWG.Wait()
	return err
}

func (e *Engine) listDevices() []*device.Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*device.Device, 0, len(e.devices))
	for _, d := range e.devices {
		out = append(out, d)
	}
	return out
}
