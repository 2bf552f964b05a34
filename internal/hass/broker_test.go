package hass

import (
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pendingToken struct{ err error }

func (pendingToken) Wait() bool                     { return false }
func (pendingToken) WaitTimeout(time.Duration) bool { return false }
func (pendingToken) Done() <-chan struct{}          { return make(chan struct{}) }
func (t pendingToken) Error() error                 { return t.err }

type doneToken struct{ err error }

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

// fakeClient only implements the calls NewPahoBroker makes.
type fakeClient struct {
	mqtt.Client
	opts        *mqtt.ClientOptions
	connect     mqtt.Token
	disconnects []uint
}

func (f *fakeClient) Connect() mqtt.Token     { return f.connect }
func (f *fakeClient) Disconnect(quiesce uint) { f.disconnects = append(f.disconnects, quiesce) }

func stubMQTTClient(t *testing.T, connect mqtt.Token) *fakeClient {
	t.Helper()
	fake := &fakeClient{connect: connect}
	orig := newMQTTClient
	newMQTTClient = func(o *mqtt.ClientOptions) mqtt.Client {
		fake.opts = o
		return fake
	}
	t.Cleanup(func() { newMQTTClient = orig })
	return fake
}

func TestNewPahoBrokerTimeoutStopsRetries(t *testing.T) {
	fake := stubMQTTClient(t, pendingToken{})

	b, err := NewPahoBroker(MQTTConfig{Broker: "tcp://127.0.0.1:1", ConnectTimeout: 10 * time.Millisecond}, zap.NewNop())
	require.Error(t, err)
	assert.Nil(t, b)
	assert.Contains(t, err.Error(), "timed out connecting to MQTT broker tcp://127.0.0.1:1")
	assert.Equal(t, []uint{0}, fake.disconnects)
}

func TestNewPahoBrokerConnectError(t *testing.T) {
	refused := errors.New("connection refused")
	stubMQTTClient(t, doneToken{err: refused})

	_, err := NewPahoBroker(MQTTConfig{Broker: "tcp://127.0.0.1:1"}, zap.NewNop())
	assert.ErrorIs(t, err, refused)
}

func TestNewPahoBrokerOptions(t *testing.T) {
	fake := stubMQTTClient(t, doneToken{})

	b, err := NewPahoBroker(MQTTConfig{
		Broker:            "tcp://mqtt.local:1883",
		ClientID:          "nest-web",
		AvailabilityTopic: "nest_web/status",
	}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, b)

	assert.Equal(t, "nest-web", fake.opts.ClientID)
	assert.True(t, fake.opts.AutoReconnect)
	assert.True(t, fake.opts.ConnectRetry)
	assert.Equal(t, 10*time.Second, fake.opts.ConnectTimeout)
	assert.True(t, fake.opts.WillEnabled)
	assert.Equal(t, "nest_web/status", fake.opts.WillTopic)
	assert.Equal(t, []byte(PayloadOffline), fake.opts.WillPayload)
	assert.True(t, fake.opts.WillRetained)
	assert.Empty(t, fake.disconnects)
}
