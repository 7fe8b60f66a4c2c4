package device

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"fleetsim/internal/event"
	"fleetsim/internal/hub"
	"fleetsim/internal/template"
)

func fastConfig() Config {
	return Config{
		Interval:         20 * time.Millisecond,
		BurstCount:       1,
		MaxRetries:       5,
		RetryBase:        time.Millisecond,
		RetryCap:         10 * time.Millisecond,
		ThrottleCooldown: 5 * time.Millisecond,
		SendTimeout:      time.Second,
	}
}

// testRig wires a device to a manager whose sim dialer records every
// transport it hands out.
type testRig struct {
	dev *Device
	bus *event.Bus
	sub *event.Subscription

	mu  sync.Mutex
	trs []*hub.SimTransport
}

func newRig(t *testing.T, profile hub.SimProfile, cfg Config) *testRig {
	t.Helper()
	mgr := hub.NewManager(hub.Config{AcquireTimeout: 50 * time.Millisecond}, nil)
	rig := &testRig{bus: event.NewBus()}
	mgr.RegisterDialer(hub.ProtocolSim, func(id hub.Identity, _ hub.Options) (hub.Transport, error) {
		rig.mu.Lock()
		defer rig.mu.Unlock()
		// Each connect attempt dials a fresh transport, so a bounded
		// failure budget has to be consumed across dials here.
		p := profile
		if p.ConnectFails > 0 && len(rig.trs) >= p.ConnectFails {
			p.ConnectErr = nil
			p.ConnectFails = 0
		}
		tr := hub.NewSimTransport(id, p)
		rig.trs = append(rig.trs, tr)
		return tr, nil
	})

	id := hub.Identity{DeviceID: "dev-1", Template: "temperature_sensor", Protocol: hub.ProtocolSim}
	dev, err := New(id, template.Builtin()["temperature_sensor"], cfg, mgr, rig.bus, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rig.dev = dev
	rig.sub = rig.bus.Subscribe("test", 1024)
	t.Cleanup(func() {
		dev.HardStop()
		select {
		case <-dev.Wait():
		case <-time.After(time.Second):
		}
		rig.bus.Close()
	})
	return rig
}

func (r *testRig) transport() *hub.SimTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.trs) == 0 {
		return nil
	}
	return r.trs[len(r.trs)-1]
}

func (r *testRig) dials() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trs)
}

// drainKinds returns the kinds of all events received so far.
func (r *testRig) drainKinds() []event.Kind {
	var kinds []event.Kind
	for {
		select {
		case ev := <-r.sub.C():
			kinds = append(kinds, ev.Kind)
		default:
			return kinds
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDeviceSendsTelemetry(t *testing.T) {
	rig := newRig(t, hub.SimProfile{}, fastConfig())
	rig.dev.Start(context.Background())

	waitFor(t, 2*time.Second, "two sends", func() bool {
		return rig.dev.Snapshot().Sent >= 2
	})

	snap := rig.dev.Snapshot()
	if snap.Acked != snap.Sent {
		t.Errorf("acked %d != sent %d", snap.Acked, snap.Sent)
	}
	if snap.Failed != 0 {
		t.Errorf("failed = %d, want 0", snap.Failed)
	}
	sent := rig.transport().Sent()
	if len(sent) == 0 {
		t.Fatal("transport recorded no payloads")
	}
	if !strings.Contains(string(sent[0]), "temperature") {
		t.Errorf("payload missing temperature field: %s", sent[0])
	}
	if !strings.Contains(string(sent[0]), "timestamp") {
		t.Errorf("payload missing timestamp: %s", sent[0])
	}
}

func TestDevicePermanentErrorFaultsWithoutRetry(t *testing.T) {
	rig := newRig(t, hub.SimProfile{ConnectErr: hub.ErrAuthRejected, ConnectFails: -1}, fastConfig())
	rig.dev.Start(context.Background())

	waitFor(t, 2*time.Second, "fault", func() bool {
		return rig.dev.State() == StateFaulted
	})
	<-rig.dev.Wait()

	snap := rig.dev.Snapshot()
	if snap.Retries != 0 {
		t.Errorf("permanent failure consumed retry budget: retries = %d", snap.Retries)
	}
	if snap.LastError == "" {
		t.Error("last error not recorded")
	}
	if rig.dials() != 1 {
		t.Errorf("dialed %d times, want 1", rig.dials())
	}
}

func TestDeviceRetriesTransientConnectErrors(t *testing.T) {
	rig := newRig(t, hub.SimProfile{ConnectErr: errors.New("link flap"), ConnectFails: 2}, fastConfig())
	rig.dev.Start(context.Background())

	waitFor(t, 2*time.Second, "connect after retries", func() bool {
		return rig.dev.State() == StateConnected || rig.dev.State() == StateSending
	})
	if got := rig.dev.Snapshot().Retries; got != 2 {
		t.Errorf("retries = %d, want 2", got)
	}
}

func TestDeviceExhaustsRetryBudget(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 2
	rig := newRig(t, hub.SimProfile{ConnectErr: errors.New("down"), ConnectFails: -1}, cfg)
	rig.dev.Start(context.Background())

	waitFor(t, 2*time.Second, "fault", func() bool {
		return rig.dev.State() == StateFaulted
	})
	<-rig.dev.Wait()
	if rig.dev.Running() {
		t.Error("faulted device still running")
	}
}

func TestDeviceStopDuringConnectBackoff(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryBase = 10 * time.Second
	cfg.RetryCap = 20 * time.Second
	rig := newRig(t, hub.SimProfile{ConnectErr: errors.New("down"), ConnectFails: -1}, cfg)
	rig.dev.Start(context.Background())

	waitFor(t, 2*time.Second, "retry scheduled", func() bool {
		return rig.dev.Snapshot().Retries >= 1
	})

	// The device is now sleeping out a multi-second backoff. Stop must
	// interrupt the wait, not sit it out.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	if err := rig.dev.Stop(ctx); err != nil {
		t.Fatalf("Stop during backoff: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("stop took %v, want well under the pending backoff", elapsed)
	}
	if got := rig.dev.State(); got != StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
}

func TestDeviceStopDisconnectsCleanly(t *testing.T) {
	rig := newRig(t, hub.SimProfile{}, fastConfig())
	rig.dev.Start(context.Background())
	waitFor(t, 2*time.Second, "first send", func() bool {
		return rig.dev.Snapshot().Sent >= 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rig.dev.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := rig.dev.State(); got != StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
	if rig.transport().Connected() {
		t.Error("transport still connected after stop")
	}

	kinds := rig.drainKinds()
	var sawDisconnect, sawStop bool
	for _, k := range kinds {
		if k == event.KindDisconnected {
			sawDisconnect = true
		}
		if k == event.KindStopped && sawDisconnect {
			sawStop = true
		}
	}
	if !sawStop {
		t.Errorf("missing disconnect-then-stop sequence in %v", kinds)
	}

	// Stop on a stopped device is a no-op.
	if err := rig.dev.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestDeviceRestartAfterStop(t *testing.T) {
	rig := newRig(t, hub.SimProfile{}, fastConfig())
	ctx := context.Background()
	rig.dev.Start(ctx)
	waitFor(t, 2*time.Second, "connect", func() bool { return rig.dev.Snapshot().Sent >= 1 })

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rig.dev.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	rig.dev.Start(ctx)
	waitFor(t, 2*time.Second, "reconnect", func() bool {
		return rig.dev.State() == StateConnected || rig.dev.State() == StateSending
	})
	if rig.dials() < 2 {
		t.Errorf("expected a fresh transport on restart, dials = %d", rig.dials())
	}
}

func TestDeviceStartIdempotent(t *testing.T) {
	rig := newRig(t, hub.SimProfile{}, fastConfig())
	ctx := context.Background()
	rig.dev.Start(ctx)
	rig.dev.Start(ctx)
	waitFor(t, 2*time.Second, "send", func() bool { return rig.dev.Snapshot().Sent >= 1 })

	started := 0
	for _, k := range rig.drainKinds() {
		if k == event.KindStarted {
			started++
		}
	}
	if started != 1 {
		t.Errorf("started events = %d, want 1", started)
	}
}

func TestDevicePauseSuspendsTelemetry(t *testing.T) {
	rig := newRig(t, hub.SimProfile{}, fastConfig())
	rig.dev.Start(context.Background())
	waitFor(t, 2*time.Second, "send", func() bool { return rig.dev.Snapshot().Sent >= 1 })

	rig.dev.Pause()
	time.Sleep(30 * time.Millisecond) // let any in-flight send finish
	before := rig.dev.Snapshot().Sent
	time.Sleep(100 * time.Millisecond)
	after := rig.dev.Snapshot().Sent
	if after != before {
		t.Errorf("sent advanced while paused: %d -> %d", before, after)
	}
	if !rig.transport().Connected() {
		t.Error("pause dropped the connection")
	}

	rig.dev.Resume()
	waitFor(t, 2*time.Second, "send after resume", func() bool {
		return rig.dev.Snapshot().Sent > after
	})
}

func TestDeviceMessageBudget(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxMessages = 3
	rig := newRig(t, hub.SimProfile{}, cfg)
	rig.dev.Start(context.Background())

	waitFor(t, 2*time.Second, "budget", func() bool {
		return rig.dev.Snapshot().Sent == 3
	})
	time.Sleep(100 * time.Millisecond)
	snap := rig.dev.Snapshot()
	if snap.Sent != 3 {
		t.Errorf("sent = %d, want exactly 3", snap.Sent)
	}
	// Budget exhaustion idles the device but keeps it connected.
	if got := rig.dev.State(); got != StateConnected {
		t.Errorf("state = %v, want connected", got)
	}
}

func TestDeviceBurstSendsSequentially(t *testing.T) {
	cfg := fastConfig()
	cfg.Interval = 50 * time.Millisecond
	cfg.BurstCount = 3
	cfg.BurstGap = time.Millisecond
	rig := newRig(t, hub.SimProfile{}, cfg)
	rig.dev.Start(context.Background())

	waitFor(t, 2*time.Second, "one burst", func() bool {
		return rig.dev.Snapshot().Sent >= 3
	})
}

func TestDeviceReconnectsOnLostConnection(t *testing.T) {
	rig := newRig(t, hub.SimProfile{}, fastConfig())
	rig.dev.Start(context.Background())
	waitFor(t, 2*time.Second, "send", func() bool { return rig.dev.Snapshot().Sent >= 1 })

	// Simulate the hub dropping the link: the next send fails with
	// ConnectionLost and the device must dial a fresh transport.
	rig.transport().Disconnect(context.Background())
	waitFor(t, 2*time.Second, "reconnect", func() bool { return rig.dials() >= 2 })
	waitFor(t, 2*time.Second, "send after reconnect", func() bool {
		return len(rig.transport().Sent()) >= 1
	})
	if rig.dev.Snapshot().Failed == 0 {
		t.Error("lost-connection send not counted as failed")
	}
}

func TestDeviceTwinPatch(t *testing.T) {
	rig := newRig(t, hub.SimProfile{}, fastConfig())
	rig.dev.Start(context.Background())
	waitFor(t, 2*time.Second, "connect", func() bool {
		return rig.dev.State() == StateConnected || rig.dev.State() == StateSending
	})

	rig.transport().PushTwinPatch(hub.TwinPatch{"reportInterval": 30})

	waitFor(t, 2*time.Second, "twin update", func() bool {
		return rig.dev.Snapshot().TwinUpdates == 1
	})
	snap := rig.dev.Snapshot()
	if got, ok := snap.Desired["reportInterval"]; !ok || got != 30 {
		t.Errorf("desired = %v", snap.Desired)
	}
	if got, ok := snap.Reported["reportInterval"]; !ok || got != 30 {
		t.Errorf("reported = %v", snap.Reported)
	}
}

func TestDeviceDirectMethod(t *testing.T) {
	rig := newRig(t, hub.SimProfile{}, fastConfig())
	rig.dev.Start(context.Background())
	waitFor(t, 2*time.Second, "connect", func() bool {
		return rig.dev.State() == StateConnected || rig.dev.State() == StateSending
	})

	resp, ok := rig.transport().InvokeMethod(hub.MethodRequest{Name: "reboot", RequestID: "r1"})
	if !ok {
		t.Fatal("method handler not registered")
	}
	if resp.Status != 200 {
		t.Errorf("status = %d, want 200", resp.Status)
	}
	if !strings.Contains(string(resp.Payload), "success") {
		t.Errorf("payload = %s", resp.Payload)
	}
	if got := rig.dev.Snapshot().MethodCalls; got != 1 {
		t.Errorf("method calls = %d, want 1", got)
	}
}

func TestSnapshotSharesNothing(t *testing.T) {
	rig := newRig(t, hub.SimProfile{}, fastConfig())
	rig.dev.Start(context.Background())
	waitFor(t, 2*time.Second, "connect", func() bool {
		return rig.dev.State() == StateConnected || rig.dev.State() == StateSending
	})
	rig.transport().PushTwinPatch(hub.TwinPatch{"a": 1})
	waitFor(t, 2*time.Second, "twin", func() bool { return rig.dev.Snapshot().TwinUpdates == 1 })

	snap := rig.dev.Snapshot()
	snap.Desired["a"] = 999
	if got := rig.dev.Snapshot().Desired["a"]; got != 1 {
		t.Errorf("snapshot mutation leaked into device: %v", got)
	}
}

func TestStateTransitions(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateCreated, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnected, StateSending},
		{StateSending, StateConnected},
		{StateSending, StateDisconnecting},
		{StateDisconnecting, StateDisconnected},
		{StateFaulted, StateConnecting},
		{StateConnected, StateStopped},
	}
	for _, tc := range legal {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("%v -> %v should be legal", tc.from, tc.to)
		}
	}
	illegal := []struct{ from, to State }{
		{StateCreated, StateSending},
		{StateDisconnected, StateSending},
		{StateDisconnecting, StateConnected},
	}
	for _, tc := range illegal {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("%v -> %v should be illegal", tc.from, tc.to)
		}
	}
}
