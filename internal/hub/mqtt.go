package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Hub topic layout for one device.
func mqttTelemetryTopic(deviceID string) string {
	return fmt.Sprintf("devices/%s/messages/events", deviceID)
}

func mqttTwinDesiredTopic(deviceID string) string {
	return fmt.Sprintf("devices/%s/twin/desired", deviceID)
}

func mqttTwinReportedTopic(deviceID string) string {
	return fmt.Sprintf("devices/%s/twin/reported", deviceID)
}

func mqttMethodReqFilter(deviceID string) string {
	return fmt.Sprintf("devices/%s/methods/req/+/+", deviceID)
}

func mqttMethodResTopic(deviceID, name, requestID string, status int) string {
	return fmt.Sprintf("devices/%s/methods/res/%s/%s/%d", deviceID, name, requestID, status)
}

// mqttTransport speaks MQTT 3.1.1 to the hub via paho.
type mqttTransport struct {
	id     Identity
	opts   Options
	client mqtt.Client

	twinHandler   TwinHandler
	methodHandler MethodHandler
}

func dialMQTT(id Identity, opts Options) (Transport, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("mqtt: endpoint not configured")
	}
	return &mqttTransport{id: id, opts: opts}, nil
}

func (t *mqttTransport) Connect(ctx context.Context) error {
	co := mqtt.NewClientOptions().
		AddBroker(t.opts.Endpoint).
		SetClientID(t.id.DeviceID).
		SetUsername(t.id.DeviceID).
		SetPassword(t.id.Credential).
		SetAutoReconnect(false).
		SetConnectTimeout(t.opts.ConnectTimeout).
		SetCleanSession(true)

	t.client = mqtt.NewClient(co)
	if err := waitToken(ctx, t.client.Connect()); err != nil {
		return classifyMQTT(err)
	}

	token := t.client.Subscribe(mqttTwinDesiredTopic(t.id.DeviceID), 1, t.onTwinDesired)
	if err := waitToken(ctx, token); err != nil {
		t.client.Disconnect(0)
		return classifyMQTT(err)
	}
	token = t.client.Subscribe(mqttMethodReqFilter(t.id.DeviceID), 1, t.onMethodRequest)
	if err := waitToken(ctx, token); err != nil {
		t.client.Disconnect(0)
		return classifyMQTT(err)
	}
	return nil
}

func (t *mqttTransport) Disconnect(_ context.Context) error {
	if t.client != nil && t.client.IsConnected() {
		t.client.Disconnect(250)
	}
	return nil
}

func (t *mqttTransport) Send(ctx context.Context, payload []byte) error {
	if t.client == nil || !t.client.IsConnected() {
		return &SendError{Class: ClassTransient, ConnectionLost: true, Err: fmt.Errorf("mqtt: not connected")}
	}
	token := t.client.Publish(mqttTelemetryTopic(t.id.DeviceID), 1, false, payload)
	if err := waitToken(ctx, token); err != nil {
		return &SendError{Class: Classify(err), ConnectionLost: !t.client.IsConnected(), Err: err}
	}
	return nil
}

func (t *mqttTransport) UpdateReported(ctx context.Context, props map[string]any) error {
	body, err := json.Marshal(props)
	if err != nil {
		return err
	}
	token := t.client.Publish(mqttTwinReportedTopic(t.id.DeviceID), 1, false, body)
	return waitToken(ctx, token)
}

func (t *mqttTransport) SetTwinHandler(h TwinHandler)     { t.twinHandler = h }
func (t *mqttTransport) SetMethodHandler(h MethodHandler) { t.methodHandler = h }

func (t *mqttTransport) onTwinDesired(_ mqtt.Client, msg mqtt.Message) {
	if t.twinHandler == nil {
		return
	}
	var patch TwinPatch
	if err := json.Unmarshal(msg.Payload(), &patch); err != nil {
		return
	}
	t.twinHandler(patch)
}

func (t *mqttTransport) onMethodRequest(client mqtt.Client, msg mqtt.Message) {
	if t.methodHandler == nil {
		return
	}
	// devices/<id>/methods/req/<name>/<rid>
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 6 {
		return
	}
	req := MethodRequest{Name: parts[4], RequestID: parts[5], Payload: msg.Payload()}
	resp := t.methodHandler(req)
	topic := mqttMethodResTopic(t.id.DeviceID, req.Name, req.RequestID, resp.Status)
	client.Publish(topic, 1, false, resp.Payload)
}

// waitToken adapts paho's token API to context cancellation.
func waitToken(ctx context.Context, token mqtt.Token) error {
	done := token.Done()
	select {
	case <-done:
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classifyMQTT(err error) error {
	if err == nil {
		return nil
	}
	// paho surfaces broker CONNACK refusals as distinct errors; bad
	// credentials and unauthorized clients are permanent.
	msg := err.Error()
	if strings.Contains(msg, "bad user name or password") || strings.Contains(msg, "not authorized") {
		return &ConnectionError{Class: ClassPermanent, Err: fmt.Errorf("%w: %v", ErrAuthRejected, err)}
	}
	if strings.Contains(msg, "identifier rejected") {
		return &ConnectionError{Class: ClassPermanent, Err: err}
	}
	return &ConnectionError{Class: ClassTransient, Err: err}
}

var _ Transport = (*mqttTransport)(nil)
