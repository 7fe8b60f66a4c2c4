// Transport abstraction over the hub-facing protocols.
package hub

import (
	"context"
	"fmt"
	"time"
)

// Protocol selects the wire protocol a device speaks to the hub.
type Protocol string

const (
	ProtocolMQTT  Protocol = "mqtt"
	ProtocolAMQP  Protocol = "amqp"
	ProtocolHTTPS Protocol = "https"
	// ProtocolSim is a loopback transport with configurable failure and
	// latency injection, used when no hub endpoint is configured.
	ProtocolSim Protocol = "sim"
)

// Identity carries everything needed to present one device to the hub.
// Immutable after construction.
type Identity struct {
	DeviceID    string
	DisplayName string
	Template    string
	Credential  string
	Protocol    Protocol
}

// TwinPatch is a desired-property update pushed down from the hub.
type TwinPatch map[string]any

// MethodRequest is a direct-method invocation from the hub.
type MethodRequest struct {
	Name      string
	RequestID string
	Payload   []byte
}

// MethodResponse is the device's answer to a direct method.
type MethodResponse struct {
	Status  int
	Payload []byte
}

// Handlers for hub-initiated exchanges.
type (
	TwinHandler   func(TwinPatch)
	MethodHandler func(MethodRequest) MethodResponse
)

// Transport is the capability set every protocol implementation provides.
// Callers depend on this set only, never on a specific protocol's
// internals.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Send(ctx context.Context, payload []byte) error
	UpdateReported(ctx context.Context, props map[string]any) error
	SetTwinHandler(TwinHandler)
	SetMethodHandler(MethodHandler)
}

// DialFunc builds an unconnected transport for one device.
type DialFunc func(id Identity, opts Options) (Transport, error)

// Options carries endpoint configuration shared by all transports.
type Options struct {
	// Endpoint is the hub address: tcp://host:port for MQTT,
	// amqps://host for AMQP, https://host for HTTPS.
	Endpoint string
	// ConnectTimeout bounds the handshake.
	ConnectTimeout time.Duration
}

func defaultDialers() map[Protocol]DialFunc {
	return map[Protocol]DialFunc{
		ProtocolMQTT:  dialMQTT,
		ProtocolAMQP:  dialAMQP,
		ProtocolHTTPS: dialHTTPS,
		ProtocolSim: func(id Identity, _ Options) (Transport, error) {
			return NewSimTransport(id, SimProfile{}), nil
		},
	}
}

func unknownProtocol(p Protocol) error {
	return fmt.Errorf("unknown protocol %q", p)
}
