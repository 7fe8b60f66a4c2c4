package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config bounds the manager's shared resources. Zero values pick sane
// defaults.
type Config struct {
	// MaxConnections caps live transport connections across all devices.
	MaxConnections int64
	// AcquireQueueDepth caps devices waiting for a connection slot; the
	// excess fails fast with ErrThrottled.
	AcquireQueueDepth int64
	// AcquireTimeout bounds how long a queued acquire may wait.
	AcquireTimeout time.Duration
	// SendRate is the per-endpoint token-bucket refill rate in
	// messages/second. SendBurst is the bucket size.
	SendRate  float64
	SendBurst int
	// MaxSendDelay caps how long a send may wait on the bucket before
	// surfacing ErrThrottled.
	MaxSendDelay time.Duration
	// ConnectTimeout bounds each transport handshake.
	ConnectTimeout time.Duration

	Options Options
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxConnections <= 0 {
		out.MaxConnections = 500
	}
	if out.AcquireQueueDepth <= 0 {
		out.AcquireQueueDepth = 2 * out.MaxConnections
	}
	if out.AcquireTimeout <= 0 {
		out.AcquireTimeout = 30 * time.Second
	}
	if out.SendRate <= 0 {
		out.SendRate = 1000
	}
	if out.SendBurst <= 0 {
		out.SendBurst = int(out.SendRate)
	}
	if out.MaxSendDelay <= 0 {
		out.MaxSendDelay = 5 * time.Second
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 10 * time.Second
	}
	out.Options.ConnectTimeout = out.ConnectTimeout
	return out
}

// Ack confirms a successful send.
type Ack struct {
	MessageID string
	Latency   time.Duration
}

// Slot is one live transport connection leased to exactly one device.
type Slot struct {
	id       string
	identity Identity
	tr       Transport
	released atomic.Bool
}

// ID returns the lease ID.
func (s *Slot) ID() string { return s.id }

// Identity returns the owning device identity.
func (s *Slot) Identity() Identity { return s.identity }

// SetTwinHandler forwards desired-property patches to the device.
func (s *Slot) SetTwinHandler(h TwinHandler) { s.tr.SetTwinHandler(h) }

// SetMethodHandler forwards direct-method requests to the device.
func (s *Slot) SetMethodHandler(h MethodHandler) { s.tr.SetMethodHandler(h) }

// UpdateReported pushes reported twin properties to the hub.
func (s *Slot) UpdateReported(ctx context.Context, props map[string]any) error {
	return s.tr.UpdateReported(ctx, props)
}

// Manager brokers transport connections toward a rate-limited hub. Its
// ceilings are the only state shared across devices; devices touch it only
// through Acquire, Send, and Release.
type Manager struct {
	cfg     Config
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	dialers map[Protocol]DialFunc
	log     *slog.Logger

	waiters atomic.Int64

	mu    sync.Mutex
	slots map[string]*Slot // keyed by device ID
}

// NewManager builds a manager with the protocol dialers registered.
func NewManager(cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	cfg = (&cfg).withDefaults()
	return &Manager{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxConnections),
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
		dialers: defaultDialers(),
		log:     log,
		slots:   make(map[string]*Slot),
	}
}

// RegisterDialer overrides the transport factory for a protocol. Tests use
// this to inject failing or instrumented transports.
func (m *Manager) RegisterDialer(p Protocol, d DialFunc) {
	m.dialers[p] = d
}

// Acquire leases a connection slot for the device, connecting its
// transport. Exceeding the connection ceiling queues the caller; a full
// queue surfaces ErrThrottled instead of blocking indefinitely.
func (m *Manager) Acquire(ctx context.Context, id Identity) (*Slot, error) {
	dial, ok := m.dialers[id.Protocol]
	if !ok {
		return nil, &ConnectionError{Class: ClassPermanent, Err: unknownProtocol(id.Protocol)}
	}

	if m.waiters.Add(1) > m.cfg.AcquireQueueDepth {
		m.waiters.Add(-1)
		return nil, ErrThrottled
	}
	acqCtx, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
	err := m.sem.Acquire(acqCtx, 1)
	cancel()
	m.waiters.Add(-1)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrThrottled
	}

	tr, err := dial(id, m.cfg.Options)
	if err != nil {
		m.sem.Release(1)
		return nil, &ConnectionError{Class: ClassPermanent, Err: err}
	}
	connCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	err = tr.Connect(connCtx)
	cancel()
	if err != nil {
		m.sem.Release(1)
		var ce *ConnectionError
		if errors.As(err, &ce) {
			return nil, ce
		}
		return nil, &ConnectionError{Class: Classify(err), Err: err}
	}

	slot := &Slot{id: uuid.NewString(), identity: id, tr: tr}
	m.mu.Lock()
	m.slots[id.DeviceID] = slot
	m.mu.Unlock()
	m.log.Debug("slot acquired", "device_id", id.DeviceID, "protocol", id.Protocol, "slot", slot.id)
	return slot, nil
}

// Send submits one payload through the slot, honoring the send-rate
// ceiling. Waiting longer than MaxSendDelay surfaces ErrThrottled.
func (m *Manager) Send(ctx context.Context, slot *Slot, payload []byte) (Ack, error) {
	if slot == nil || slot.released.Load() {
		return Ack{}, &SendError{Class: ClassTransient, ConnectionLost: true, Err: fmt.Errorf("slot released")}
	}

	res := m.limiter.Reserve()
	if !res.OK() {
		return Ack{}, ErrThrottled
	}
	if delay := res.Delay(); delay > 0 {
		if delay > m.cfg.MaxSendDelay {
			res.Cancel()
			return Ack{}, ErrThrottled
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			res.Cancel()
			return Ack{}, ctx.Err()
		}
	}

	start := time.Now()
	if err := slot.tr.Send(ctx, payload); err != nil {
		var se *SendError
		if errors.As(err, &se) {
			return Ack{}, se
		}
		return Ack{}, &SendError{Class: Classify(err), Err: err}
	}
	return Ack{MessageID: uuid.NewString(), Latency: time.Since(start)}, nil
}

// Release returns the slot's connection to the pool. Idempotent.
func (m *Manager) Release(ctx context.Context, slot *Slot) {
	if slot == nil || !slot.released.CompareAndSwap(false, true) {
		return
	}
	if err := slot.tr.Disconnect(ctx); err != nil {
		m.log.Debug("transport disconnect failed", "device_id", slot.identity.DeviceID, "err", err)
	}
	m.mu.Lock()
	if cur, ok := m.slots[slot.identity.DeviceID]; ok && cur == slot {
		delete(m.slots, slot.identity.DeviceID)
	}
	m.mu.Unlock()
	m.sem.Release(1)
	m.log.Debug("slot released", "device_id", slot.identity.DeviceID, "slot", slot.id)
}

// LiveConnections reports the number of leased slots.
func (m *Manager) LiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

