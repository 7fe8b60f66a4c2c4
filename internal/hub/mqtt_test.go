package hub

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/require"
)

// startBroker runs an in-process MQTT broker on a free port and returns
// its endpoint URL.
func startBroker(t *testing.T) (*mochi.Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	server := mochi.New(&mochi.Options{InlineClient: true})
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))
	require.NoError(t, server.AddListener(listeners.NewTCP(listeners.Config{ID: "test", Address: addr})))
	go func() { _ = server.Serve() }()
	t.Cleanup(func() { server.Close() })
	return server, "tcp://" + addr
}

func connectMQTT(t *testing.T, endpoint, deviceID string) Transport {
	t.Helper()
	tr, err := dialMQTT(Identity{DeviceID: deviceID, Protocol: ProtocolMQTT},
		Options{Endpoint: endpoint, ConnectTimeout: 5 * time.Second})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))
	t.Cleanup(func() { tr.Disconnect(context.Background()) })
	return tr
}

func TestMQTTSendPublishesTelemetry(t *testing.T) {
	server, endpoint := startBroker(t)

	received := make(chan []byte, 1)
	err := server.Subscribe(mqttTelemetryTopic("dev-1"), 1, func(cl *mochi.Client, sub packets.Subscription, pk packets.Packet) {
		received <- pk.Payload
	})
	require.NoError(t, err)

	tr := connectMQTT(t, endpoint, "dev-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Send(ctx, []byte(`{"temperature":21.5}`)))

	select {
	case payload := <-received:
		require.JSONEq(t, `{"temperature":21.5}`, string(payload))
	case <-time.After(5 * time.Second):
		t.Fatal("telemetry not delivered to broker")
	}
}

func TestMQTTTwinPatchDelivered(t *testing.T) {
	server, endpoint := startBroker(t)
	tr := connectMQTT(t, endpoint, "dev-2")

	patches := make(chan TwinPatch, 1)
	tr.SetTwinHandler(func(p TwinPatch) { patches <- p })

	body, _ := json.Marshal(map[string]any{"reportInterval": 30})
	require.NoError(t, server.Publish(mqttTwinDesiredTopic("dev-2"), body, false, 1))

	select {
	case patch := <-patches:
		require.EqualValues(t, 30, patch["reportInterval"])
	case <-time.After(5 * time.Second):
		t.Fatal("twin patch not delivered")
	}
}

func TestMQTTMethodRequestAndResponse(t *testing.T) {
	server, endpoint := startBroker(t)
	tr := connectMQTT(t, endpoint, "dev-3")

	tr.SetMethodHandler(func(req MethodRequest) MethodResponse {
		require.Equal(t, "reboot", req.Name)
		return MethodResponse{Status: 200, Payload: []byte(`{"result":"success"}`)}
	})

	responses := make(chan string, 1)
	err := server.Subscribe("devices/dev-3/methods/res/#", 1, func(cl *mochi.Client, sub packets.Subscription, pk packets.Packet) {
		responses <- pk.TopicName
	})
	require.NoError(t, err)

	require.NoError(t, server.Publish("devices/dev-3/methods/req/reboot/rid-1", []byte(`{}`), false, 1))

	select {
	case topic := <-responses:
		require.True(t, strings.HasSuffix(topic, "/reboot/rid-1/200"), "unexpected response topic %q", topic)
	case <-time.After(5 * time.Second):
		t.Fatal("method response not published")
	}
}

func TestMQTTConnectFailureIsTransient(t *testing.T) {
	tr, err := dialMQTT(Identity{DeviceID: "dev-4", Protocol: ProtocolMQTT},
		Options{Endpoint: "tcp://127.0.0.1:1", ConnectTimeout: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err = tr.Connect(ctx)
	require.Error(t, err)
	require.False(t, IsPermanent(err))
}
