package hub

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// SimProfile controls the simulated transport's behavior. Zero value is a
// perfectly reliable, instant hub.
type SimProfile struct {
	// ConnectErr is returned by every Connect attempt until ConnectFails
	// attempts have been consumed (ConnectFails < 0 fails forever).
	ConnectErr   error
	ConnectFails int
	// SendFailRate is the probability in [0,1] that a send fails
	// transiently.
	SendFailRate float64
	// SendErr, when set, fails every send with this error.
	SendErr error
	// Latency is added to every send.
	Latency time.Duration
	// ConnectDelay is added to every connect.
	ConnectDelay time.Duration
	// Seed makes the failure dice deterministic; 0 seeds from the device
	// identity.
	Seed int64
}

// SimTransport is an in-process hub stand-in with failure and latency
// injection. It backs the "sim" protocol and most tests.
type SimTransport struct {
	id      Identity
	profile SimProfile
	rng     *rand.Rand

	mu            sync.Mutex
	connected     bool
	connectsLeft  int
	sent          [][]byte
	twinHandler   TwinHandler
	methodHandler MethodHandler
}

// NewSimTransport builds a simulated transport for one device.
func NewSimTransport(id Identity, profile SimProfile) *SimTransport {
	seed := profile.Seed
	if seed == 0 {
		seed = int64(len(id.DeviceID)) + 7919
	}
	return &SimTransport{
		id:           id,
		profile:      profile,
		rng:          rand.New(rand.NewSource(seed)),
		connectsLeft: profile.ConnectFails,
	}
}

func (t *SimTransport) Connect(ctx context.Context) error {
	if t.profile.ConnectDelay > 0 {
		select {
		case <-time.After(t.profile.ConnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.profile.ConnectErr != nil {
		if t.profile.ConnectFails < 0 || t.connectsLeft > 0 {
			t.connectsLeft--
			return t.profile.ConnectErr
		}
	}
	t.connected = true
	return nil
}

func (t *SimTransport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	return nil
}

func (t *SimTransport) Send(ctx context.Context, payload []byte) error {
	if t.profile.Latency > 0 {
		select {
		case <-time.After(t.profile.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return &SendError{Class: ClassTransient, ConnectionLost: true, Err: fmt.Errorf("sim: not connected")}
	}
	if t.profile.SendErr != nil {
		return t.profile.SendErr
	}
	if t.profile.SendFailRate > 0 && t.rng.Float64() < t.profile.SendFailRate {
		return &SendError{Class: ClassTransient, Err: fmt.Errorf("sim: injected send failure")}
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	t.sent = append(t.sent, cp)
	return nil
}

func (t *SimTransport) UpdateReported(_ context.Context, _ map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return fmt.Errorf("sim: not connected")
	}
	return nil
}

func (t *SimTransport) SetTwinHandler(h TwinHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.twinHandler = h
}

func (t *SimTransport) SetMethodHandler(h MethodHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.methodHandler = h
}

// Sent returns copies of the payloads accepted so far.
func (t *SimTransport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

// Connected reports the transport's link state.
func (t *SimTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// PushTwinPatch delivers a desired-property patch as the hub would.
func (t *SimTransport) PushTwinPatch(patch TwinPatch) {
	t.mu.Lock()
	h := t.twinHandler
	t.mu.Unlock()
	if h != nil {
		h(patch)
	}
}

// InvokeMethod delivers a direct-method request and returns the device's
// response.
func (t *SimTransport) InvokeMethod(req MethodRequest) (MethodResponse, bool) {
	t.mu.Lock()
	h := t.methodHandler
	t.mu.Unlock()
	if h == nil {
		return MethodResponse{}, false
	}
	return h(req), true
}

var _ Transport = (*SimTransport)(nil)
