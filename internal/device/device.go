// Virtual device owning one identity, connection state machine, and
// telemetry cadence.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"fleetsim/internal/event"
	"fleetsim/internal/hub"
	"fleetsim/internal/template"
)

// Config tunes one device's telemetry cadence and retry policy. Zero
// values pick defaults.
type Config struct {
	// Interval between telemetry ticks.
	Interval time.Duration
	// Jitter is the random interval variation as a fraction in [0,1].
	Jitter float64
	// BurstCount > 1 sends that many messages back-to-back per tick,
	// sequentially (one in-flight message at a time).
	BurstCount int
	// BurstGap separates messages inside a burst.
	BurstGap time.Duration
	// MaxMessages stops telemetry after this many attempts; 0 means
	// unlimited.
	MaxMessages uint64
	// MaxRetries bounds transient connect retries before Faulted.
	MaxRetries int
	// RetryBase and RetryCap shape the exponential backoff schedule.
	RetryBase time.Duration
	RetryCap  time.Duration
	// ThrottleCooldown is the fixed delay applied after ErrThrottled,
	// outside the exponential schedule.
	ThrottleCooldown time.Duration
	// SendTimeout bounds each send.
	SendTimeout time.Duration
	// ConnectGate caps in-flight connection attempts across the fleet,
	// independent of the manager's live-connection ceiling. The permit is
	// held for the duration of one handshake, not across backoff waits.
	// Nil means unbounded.
	ConnectGate *semaphore.Weighted
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter > 1 {
		c.Jitter = 1
	}
	if c.BurstCount < 1 {
		c.BurstCount = 1
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 60 * time.Second
	}
	if c.ThrottleCooldown <= 0 {
		c.ThrottleCooldown = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Snapshot is an immutable copy of a device's runtime state for display.
type Snapshot struct {
	DeviceID    string         `json:"device_id"`
	DisplayName string         `json:"display_name,omitempty"`
	Template    string         `json:"template"`
	Protocol    hub.Protocol   `json:"protocol"`
	State       string         `json:"state"`
	Paused      bool           `json:"paused"`
	Sent        uint64         `json:"sent"`
	Failed      uint64         `json:"failed"`
	Acked       uint64         `json:"acked"`
	TwinUpdates uint64         `json:"twin_updates"`
	MethodCalls uint64         `json:"method_calls"`
	Retries     int            `json:"retries"`
	LastError   string         `json:"last_error,omitempty"`
	LastSend    time.Time      `json:"last_send,omitempty"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	Uptime      float64        `json:"uptime_seconds,omitempty"`
	MsgPerMin   float64        `json:"msg_per_min,omitempty"`
	Desired     map[string]any `json:"desired,omitempty"`
	Reported    map[string]any `json:"reported,omitempty"`
}

// Device drives one virtual device. All mutable runtime state is owned
// here; external readers get snapshot copies only.
type Device struct {
	identity hub.Identity
	cfg      Config
	gen      *template.Generator
	mgr      *hub.Manager
	bus      *event.Bus
	log      *slog.Logger
	rng      *rand.Rand

	mu          sync.Mutex
	state       State
	paused      bool
	slot        *hub.Slot
	sent        uint64
	failed      uint64
	acked       uint64
	twinUpdates uint64
	methodCalls uint64
	retries     int
	tick        int64
	lastErr     string
	lastSend    time.Time
	startedAt   time.Time
	desired     map[string]any
	reported    map[string]any

	running    bool
	loopCancel context.CancelFunc
	hardCancel context.CancelFunc
	done       chan struct{}
}

// New builds a device for the identity, deriving its generator from the
// template. Construction fails synchronously on an invalid template.
func New(identity hub.Identity, tmpl *template.Template, cfg Config, mgr *hub.Manager, bus *event.Bus, log *slog.Logger) (*Device, error) {
	gen, err := template.NewGenerator(tmpl, identity.DeviceID)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Device{
		identity: identity,
		cfg:      cfg.withDefaults(),
		gen:      gen,
		mgr:      mgr,
		bus:      bus,
		log:      log.With("device_id", identity.DeviceID),
		rng:      rand.New(rand.NewSource(int64(len(identity.DeviceID)) + time.Now().UnixNano())),
		state:    StateCreated,
		desired:  map[string]any{},
		reported: map[string]any{},
		done:     make(chan struct{}),
	}, nil
}

// ID returns the device ID.
func (d *Device) ID() string { return d.identity.DeviceID }

// Identity returns the immutable device identity.
func (d *Device) Identity() hub.Identity { return d.identity }

// Start launches the device's run loop. Starting an already-running
// device is a no-op, not an error.
func (d *Device) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.retries = 0
	d.startedAt = time.Now()
	d.done = make(chan struct{})
	loopCtx, loopCancel := context.WithCancel(context.WithoutCancel(ctx))
	hardCtx, hardCancel := context.WithCancel(context.Background())
	d.loopCancel = loopCancel
	d.hardCancel = hardCancel
	d.mu.Unlock()

	d.emit(event.KindStarted)
	go d.run(loopCtx, hardCtx)
}

// Stop requests a cooperative shutdown: the in-flight send may complete or
// time out before the device disconnects. It blocks until the device is
// down or ctx expires.
func (d *Device) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel := d.loopCancel
	done := d.done
	d.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HardStop abandons in-flight operations immediately; they are recorded
// as cancelled rather than failed.
func (d *Device) HardStop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	loopCancel, hardCancel := d.loopCancel, d.hardCancel
	d.mu.Unlock()
	hardCancel()
	loopCancel()
}

// Wait blocks until the run loop has exited.
func (d *Device) Wait() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// Pause suspends the telemetry timer without dropping the connection.
func (d *Device) Pause() {
	d.mu.Lock()
	was := d.paused
	d.paused = true
	d.mu.Unlock()
	if !was {
		d.emit(event.KindPaused)
	}
}

// Resume re-enables the telemetry timer.
func (d *Device) Resume() {
	d.mu.Lock()
	was := d.paused
	d.paused = false
	d.mu.Unlock()
	if was {
		d.emit(event.KindResumed)
	}
}

// State returns the current lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Running reports whether the run loop is active.
func (d *Device) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Snapshot copies the runtime state. The copy shares nothing with the
// device.
func (d *Device) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	var uptime, rate float64
	if d.running && !d.startedAt.IsZero() {
		uptime = time.Since(d.startedAt).Seconds()
		if uptime > 0 {
			rate = float64(d.sent) / uptime * 60
		}
	}
	return Snapshot{
		DeviceID:    d.identity.DeviceID,
		DisplayName: d.identity.DisplayName,
		Template:    d.identity.Template,
		Protocol:    d.identity.Protocol,
		State:       d.state.String(),
		Paused:      d.paused,
		Sent:        d.sent,
		Failed:      d.failed,
		Acked:       d.acked,
		TwinUpdates: d.twinUpdates,
		MethodCalls: d.methodCalls,
		Retries:     d.retries,
		LastError:   d.lastErr,
		LastSend:    d.lastSend,
		StartedAt:   d.startedAt,
		Uptime:      uptime,
		MsgPerMin:   rate,
		Desired:     copyProps(d.desired),
		Reported:    copyProps(d.reported),
	}
}

func (d *Device) run(loopCtx, hardCtx context.Context) {
	defer func() {
		d.mu.Lock()
		d.running = false
		close(d.done)
		d.mu.Unlock()
	}()

	if !d.connect(loopCtx, hardCtx) {
		return
	}
	d.telemetryLoop(loopCtx, hardCtx)
	d.shutdown(hardCtx)
}

// connect acquires a slot under the retry policy. Returns false when the
// device faulted or was stopped while connecting.
func (d *Device) connect(loopCtx, hardCtx context.Context) bool {
	d.setState(StateConnecting)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.RetryBase
	bo.Multiplier = 2
	bo.MaxInterval = d.cfg.RetryCap
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempts := 0
	for {
		if loopCtx.Err() != nil {
			d.setState(StateStopped)
			d.emit(event.KindStopped)
			return false
		}

		slot, err := d.acquireSlot(loopCtx)
		if err == nil {
			d.mu.Lock()
			d.slot = slot
			d.mu.Unlock()
			slot.SetTwinHandler(d.onTwinPatch(hardCtx))
			slot.SetMethodHandler(d.onMethodRequest)
			d.setState(StateConnected)
			d.emit(event.KindConnected)
			return true
		}
		if errors.Is(err, context.Canceled) {
			d.setState(StateStopped)
			d.emit(event.KindStopped)
			return false
		}

		d.recordError(err)
		var delay time.Duration
		switch {
		case errors.Is(err, hub.ErrThrottled):
			// Throttling is its own cooldown window, not the
			// exponential schedule, but it still consumes the
			// retry budget so shutdown stays bounded.
			delay = d.cfg.ThrottleCooldown
			attempts++
		case hub.IsPermanent(err):
			d.fault(err)
			return false
		default:
			attempts++
			delay = bo.NextBackOff()
		}
		if attempts > d.cfg.MaxRetries {
			d.fault(err)
			return false
		}
		d.mu.Lock()
		d.retries = attempts
		d.mu.Unlock()
		d.log.Debug("connect retry scheduled", "attempt", attempts, "delay", delay, "err", err)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-loopCtx.Done():
			t.Stop()
			d.setState(StateStopped)
			d.emit(event.KindStopped)
			return false
		}
	}
}

func (d *Device) telemetryLoop(loopCtx, hardCtx context.Context) {
	timer := time.NewTimer(d.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-timer.C:
		}

		d.mu.Lock()
		paused := d.paused
		budget := d.cfg.MaxMessages
		attempted := d.sent + d.failed
		d.mu.Unlock()

		if paused {
			timer.Reset(d.nextInterval())
			continue
		}
		if budget > 0 && attempted >= budget {
			// Message budget exhausted: stay connected, idle.
			<-loopCtx.Done()
			return
		}

		for i := 0; i < d.cfg.BurstCount; i++ {
			err := d.sendOnce(hardCtx)
			if err != nil && needsReconnect(err) {
				d.mgrRelease(hardCtx)
				if !d.connect(loopCtx, hardCtx) {
					return
				}
			}
			if errors.Is(err, hub.ErrThrottled) {
				if !sleepCtx(loopCtx, d.cfg.ThrottleCooldown) {
					return
				}
			}
			if i < d.cfg.BurstCount-1 {
				if !sleepCtx(loopCtx, d.cfg.BurstGap) {
					return
				}
			}
		}
		timer.Reset(d.nextInterval())
	}
}

// sendOnce pulls one payload from the generator and submits it. The send
// is synchronous: the in-flight cap per device is one, so a slow endpoint
// cannot grow an unbounded queue.
func (d *Device) sendOnce(hardCtx context.Context) error {
	d.setState(StateSending)
	defer d.setState(StateConnected)

	d.mu.Lock()
	tick := d.tick
	d.tick++
	slot := d.slot
	d.mu.Unlock()

	payload, err := d.gen.Next(tick)
	if err != nil {
		d.recordFailure(err, 0)
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		d.recordFailure(err, 0)
		return err
	}

	sendCtx, cancel := context.WithTimeout(hardCtx, d.cfg.SendTimeout)
	defer cancel()
	start := time.Now()
	ack, err := d.mgr.Send(sendCtx, slot, body)
	if err != nil {
		if hardCtx.Err() != nil {
			// Hard stop mid-send: cancelled, not failed.
			d.emitDetail(event.KindMessageFailed, "cancelled", "")
			return err
		}
		d.recordFailure(err, time.Since(start))
		return err
	}

	d.mu.Lock()
	d.sent++
	d.acked++
	d.lastSend = time.Now()
	d.mu.Unlock()
	d.emitLatency(event.KindMessageSent, ack.Latency)
	return nil
}

func (d *Device) shutdown(hardCtx context.Context) {
	d.mu.Lock()
	st := d.state
	d.mu.Unlock()

	if st == StateConnected || st == StateSending {
		d.setState(StateDisconnecting)
		d.mgrRelease(hardCtx)
		d.setState(StateDisconnected)
		d.emit(event.KindDisconnected)
	}
	d.setState(StateStopped)
	d.emit(event.KindStopped)
}

// acquireSlot performs one gated handshake attempt. Backoff waits happen
// outside the gate so a fleet stuck in retries does not starve fresh
// connects.
func (d *Device) acquireSlot(ctx context.Context) (*hub.Slot, error) {
	if d.cfg.ConnectGate != nil {
		if err := d.cfg.ConnectGate.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer d.cfg.ConnectGate.Release(1)
	}
	return d.mgr.Acquire(ctx, d.identity)
}

func (d *Device) mgrRelease(ctx context.Context) {
	d.mu.Lock()
	slot := d.slot
	d.slot = nil
	d.mu.Unlock()
	if slot != nil {
		d.mgr.Release(ctx, slot)
	}
}

// onTwinPatch folds desired-property updates into runtime state and acks
// them as reported properties.
func (d *Device) onTwinPatch(hardCtx context.Context) hub.TwinHandler {
	return func(patch hub.TwinPatch) {
		d.mu.Lock()
		for k, v := range patch {
			d.desired[k] = v
			d.reported[k] = v
		}
		d.twinUpdates++
		ack := copyProps(d.reported)
		slot := d.slot
		d.mu.Unlock()

		d.emit(event.KindTwinUpdated)
		if slot != nil {
			ctx, cancel := context.WithTimeout(hardCtx, d.cfg.SendTimeout)
			defer cancel()
			if err := slot.UpdateReported(ctx, ack); err != nil {
				d.log.Debug("reported-property update failed", "err", err)
			}
		}
	}
}

func (d *Device) onMethodRequest(req hub.MethodRequest) hub.MethodResponse {
	d.mu.Lock()
	d.methodCalls++
	d.mu.Unlock()
	d.emitDetail(event.KindMethodInvoked, req.Name, "")
	return hub.MethodResponse{
		Status:  200,
		Payload: []byte(`{"result":"success","message":"method executed"}`),
	}
}

func (d *Device) nextInterval() time.Duration {
	base := d.cfg.Interval
	if d.cfg.Jitter <= 0 {
		return base
	}
	d.mu.Lock()
	f := 1 + d.cfg.Jitter*(2*d.rng.Float64()-1)
	d.mu.Unlock()
	iv := time.Duration(float64(base) * f)
	if iv < 100*time.Millisecond {
		iv = 100 * time.Millisecond
	}
	return iv
}

func (d *Device) setState(next State) {
	d.mu.Lock()
	cur := d.state
	if cur == next {
		d.mu.Unlock()
		return
	}
	if !cur.CanTransition(next) {
		d.mu.Unlock()
		d.log.Warn("illegal state transition", "from", cur, "to", next)
		return
	}
	d.state = next
	d.mu.Unlock()
}

func (d *Device) fault(err error) {
	d.mu.Lock()
	d.state = StateFaulted
	d.lastErr = err.Error()
	d.mu.Unlock()
	d.emitDetail(event.KindFaulted, "", err.Error())
	d.log.Warn("device faulted", "err", err)
}

func (d *Device) recordError(err error) {
	d.mu.Lock()
	d.lastErr = err.Error()
	d.mu.Unlock()
}

func (d *Device) recordFailure(err error, latency time.Duration) {
	d.mu.Lock()
	d.failed++
	d.lastErr = err.Error()
	d.mu.Unlock()
	ev := d.newEvent(event.KindMessageFailed)
	ev.Error = err.Error()
	ev.Latency = latency
	d.publish(ev)
}

func (d *Device) emit(kind event.Kind) {
	d.publish(d.newEvent(kind))
}

func (d *Device) emitLatency(kind event.Kind, latency time.Duration) {
	ev := d.newEvent(kind)
	ev.Latency = latency
	d.publish(ev)
}

func (d *Device) emitDetail(kind event.Kind, detail, errMsg string) {
	ev := d.newEvent(kind)
	ev.Detail = detail
	ev.Error = errMsg
	d.publish(ev)
}

func (d *Device) newEvent(kind event.Kind) event.Event {
	return event.Event{
		ID:        uuid.NewString(),
		DeviceID:  d.identity.DeviceID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

func (d *Device) publish(ev event.Event) {
	if d.bus != nil {
		d.bus.Publish(ev)
	}
}

func needsReconnect(err error) bool {
	var se *hub.SendError
	return errors.As(err, &se) && se.ConnectionLost
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func copyProps(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
