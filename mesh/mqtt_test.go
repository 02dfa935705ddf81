package mesh

import (
	"context"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// useMockClient makes ConnectMQTT build mock instead of a paho client and
// records the options it was given.
func useMockClient(t *testing.T, mock *MockClient) **mqtt.ClientOptions {
	t.Helper()
	var seen *mqtt.ClientOptions
	orig := newMQTTClient
	newMQTTClient = func(o *mqtt.ClientOptions) mqtt.Client {
		seen = o
		return mock
	}
	t.Cleanup(func() { newMQTTClient = orig })
	return &seen
}

func TestConnectMQTT_Disabled(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	client, err := ConnectMQTT(context.Background(), MQTTConfig{}, quietLogger())
	assert.NoError(t, err)
	assert.Nil(t, client)
}

func TestConnectMQTT_Connects(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	t.Setenv("MQTT_CLIENT_ID", "")
	mock := NewMockClient()
	seen := useMockClient(t, mock)

	client, err := ConnectMQTT(context.Background(), MQTTConfig{
		Broker:   "tcp://broker:1883",
		Username: "u",
		Password: "p",
	}, quietLogger())
	require.NoError(t, err)
	assert.Same(t, mock, client)
	assert.True(t, mock.IsConnected())
	assert.Equal(t, 1, mock.ConnectAttempts())

	opts := *seen
	require.NotNil(t, opts)
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "broker:1883", opts.Servers[0].Host)
	assert.Equal(t, "meshreg", opts.ClientID)
	assert.Equal(t, "u", opts.Username)
	assert.True(t, opts.CleanSession)
	assert.True(t, opts.Order)
}

func TestConnectMQTT_EnvBroker(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://env-broker:1883")
	mock := NewMockClient()
	seen := useMockClient(t, mock)

	_, err := ConnectMQTT(context.Background(), MQTTConfig{}, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "env-broker:1883", (*seen).Servers[0].Host)
}

func TestConnectMQTT_StopsWithContext(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	mock := NewMockClient()
	mock.SetConnectError(errors.New("refused"))
	useMockClient(t, mock)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	client, err := ConnectMQTT(ctx, MQTTConfig{Broker: "tcp://broker:1883"}, quietLogger())
	assert.Nil(t, client)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "tcp://broker:1883")
	assert.Equal(t, 1, mock.ConnectAttempts(), "first retry waits a second")
}

func TestDisconnectMQTT(t *testing.T) {
	DisconnectMQTT(nil)

	mock := NewMockClient()
	mock.SetConnected(true)
	DisconnectMQTT(mock)
	assert.False(t, mock.IsConnected())
}
