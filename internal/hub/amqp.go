package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Azure/go-amqp"
)

func amqpTelemetryAddress(deviceID string) string {
	return fmt.Sprintf("/devices/%s/messages/events", deviceID)
}

func amqpCommandAddress(deviceID string) string {
	return fmt.Sprintf("/devices/%s/messages/devicebound", deviceID)
}

func amqpTwinAddress(deviceID string) string {
	return fmt.Sprintf("/devices/%s/twin", deviceID)
}

// amqpTransport speaks AMQP 1.0 to the hub via go-amqp links.
type amqpTransport struct {
	id   Identity
	opts Options

	conn       *amqp.Conn
	session    *amqp.Session
	sender     *amqp.Sender
	twinSender *amqp.Sender
	receiver   *amqp.Receiver

	mu            sync.Mutex
	twinHandler   TwinHandler
	methodHandler MethodHandler
	recvCancel    context.CancelFunc
}

func dialAMQP(id Identity, opts Options) (Transport, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("amqp: endpoint not configured")
	}
	return &amqpTransport{id: id, opts: opts}, nil
}

func (t *amqpTransport) Connect(ctx context.Context) error {
	conn, err := amqp.Dial(ctx, t.opts.Endpoint, &amqp.ConnOptions{
		SASLType:    amqp.SASLTypePlain(t.id.DeviceID, t.id.Credential),
		ContainerID: t.id.DeviceID,
	})
	if err != nil {
		return &ConnectionError{Class: classifyAMQP(err), Err: err}
	}
	session, err := conn.NewSession(ctx, nil)
	if err != nil {
		conn.Close()
		return &ConnectionError{Class: classifyAMQP(err), Err: err}
	}
	sender, err := session.NewSender(ctx, amqpTelemetryAddress(t.id.DeviceID), nil)
	if err != nil {
		conn.Close()
		return &ConnectionError{Class: classifyAMQP(err), Err: err}
	}
	twinSender, err := session.NewSender(ctx, amqpTwinAddress(t.id.DeviceID), nil)
	if err != nil {
		conn.Close()
		return &ConnectionError{Class: classifyAMQP(err), Err: err}
	}
	receiver, err := session.NewReceiver(ctx, amqpCommandAddress(t.id.DeviceID), nil)
	if err != nil {
		conn.Close()
		return &ConnectionError{Class: classifyAMQP(err), Err: err}
	}

	t.conn, t.session, t.sender, t.twinSender, t.receiver = conn, session, sender, twinSender, receiver

	recvCtx, cancel := context.WithCancel(context.Background())
	t.recvCancel = cancel
	go t.receiveLoop(recvCtx)
	return nil
}

func (t *amqpTransport) Disconnect(_ context.Context) error {
	if t.recvCancel != nil {
		t.recvCancel()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

func (t *amqpTransport) Send(ctx context.Context, payload []byte) error {
	if t.sender == nil {
		return &SendError{Class: ClassTransient, ConnectionLost: true, Err: fmt.Errorf("amqp: not connected")}
	}
	msg := amqp.NewMessage(payload)
	msg.Properties = &amqp.MessageProperties{ContentType: strPtr("application/json")}
	if err := t.sender.Send(ctx, msg, nil); err != nil {
		return &SendError{Class: classifyAMQP(err), ConnectionLost: isLinkDown(err), Err: err}
	}
	return nil
}

func (t *amqpTransport) UpdateReported(ctx context.Context, props map[string]any) error {
	if t.twinSender == nil {
		return fmt.Errorf("amqp: not connected")
	}
	body, err := json.Marshal(props)
	if err != nil {
		return err
	}
	msg := amqp.NewMessage(body)
	msg.ApplicationProperties = map[string]any{"operation": "patch-reported"}
	return t.twinSender.Send(ctx, msg, nil)
}

func (t *amqpTransport) SetTwinHandler(h TwinHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.twinHandler = h
}

func (t *amqpTransport) SetMethodHandler(h MethodHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.methodHandler = h
}

// receiveLoop dispatches hub-initiated messages on the devicebound link.
// The hub marks twin patches and method requests via application
// properties.
func (t *amqpTransport) receiveLoop(ctx context.Context) {
	for {
		msg, err := t.receiver.Receive(ctx, nil)
		if err != nil {
			return
		}
		kind, _ := msg.ApplicationProperties["operation"].(string)
		switch kind {
		case "twin-patch":
			t.dispatchTwin(msg.GetData())
		case "method":
			name, _ := msg.ApplicationProperties["method"].(string)
			rid, _ := msg.ApplicationProperties["request_id"].(string)
			t.dispatchMethod(MethodRequest{Name: name, RequestID: rid, Payload: msg.GetData()})
		}
		_ = t.receiver.AcceptMessage(ctx, msg)
	}
}

func (t *amqpTransport) dispatchTwin(body []byte) {
	t.mu.Lock()
	h := t.twinHandler
	t.mu.Unlock()
	if h == nil {
		return
	}
	var patch TwinPatch
	if err := json.Unmarshal(body, &patch); err != nil {
		return
	}
	h(patch)
}

func (t *amqpTransport) dispatchMethod(req MethodRequest) {
	t.mu.Lock()
	h := t.methodHandler
	t.mu.Unlock()
	if h == nil {
		return
	}
	h(req)
}

func classifyAMQP(err error) Class {
	var connErr *amqp.ConnError
	if errors.As(err, &connErr) && connErr.RemoteErr != nil {
		switch connErr.RemoteErr.Condition {
		case amqp.ErrCondUnauthorizedAccess:
			return ClassPermanent
		case amqp.ErrCondResourceLimitExceeded:
			return ClassPermanent
		}
	}
	return Classify(err)
}

func isLinkDown(err error) bool {
	var linkErr *amqp.LinkError
	var connErr *amqp.ConnError
	return errors.As(err, &linkErr) || errors.As(err, &connErr)
}

func strPtr(s string) *string { return &s }

var _ Transport = (*amqpTransport)(nil)
