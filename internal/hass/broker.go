package hass

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Broker is the MQTT connection the host publishes through. Handlers run on
// the broker's delivery goroutine and must not block.
type Broker interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Disconnect()
}

// MQTTConfig configures the paho connection.
type MQTTConfig struct {
	Broker   string
	Username string
	Password string
	ClientID string

	// AvailabilityTopic receives a retained "offline" will when the
	// connection drops.
	AvailabilityTopic string

	ConnectTimeout time.Duration
}

var newMQTTClient = mqtt.NewClient

// PahoBroker is a Broker backed by the Eclipse paho client. Subscriptions are
// restored after every reconnect.
type PahoBroker struct {
	client mqtt.Client
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]func(string, []byte)
}

// NewPahoBroker connects to the broker and blocks until the first connection
// succeeds or the connect timeout passes.
func NewPahoBroker(cfg MQTTConfig, logger *zap.Logger) (*PahoBroker, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	b := &PahoBroker{
		logger: logger.Named("mqtt"),
		subs:   make(map[string]func(string, []byte)),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetOrderMatters(false)
	if cfg.AvailabilityTopic != "" {
		opts.SetWill(cfg.AvailabilityTopic, PayloadOffline, 1, true)
	}
	opts.OnConnect = func(c mqtt.Client) {
		b.logger.Info("Connected to MQTT broker", zap.String("broker", cfg.Broker))
		b.resubscribeAll()
		if cfg.AvailabilityTopic != "" {
			c.Publish(cfg.AvailabilityTopic, 1, true, PayloadOnline)
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		b.logger.Warn("Lost connection to MQTT broker", zap.Error(err))
	}

	b.client = newMQTTClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		// Stop the background connect retries.
		b.client.Disconnect(0)
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, err)
	}
	return b, nil
}

func (b *PahoBroker) Publish(topic string, payload []byte, retained bool) error {
	token := b.client.Publish(topic, 1, retained, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, token.Error())
	}
	return nil
}

func (b *PahoBroker) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	b.mu.Lock()
	b.subs[topic] = handler
	b.mu.Unlock()

	token := b.client.Subscribe(topic, 1, b.dispatch)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, token.Error())
	}
	return nil
}

func (b *PahoBroker) Disconnect() {
	b.client.Disconnect(250)
}

func (b *PahoBroker) dispatch(_ mqtt.Client, msg mqtt.Message) {
	b.mu.Lock()
	handler := b.subs[msg.Topic()]
	b.mu.Unlock()
	if handler != nil {
		handler(msg.Topic(), msg.Payload())
	}
}

func (b *PahoBroker) resubscribeAll() {
	b.mu.Lock()
	topics := make([]string, 0, len(b.subs))
	for topic := range b.subs {
		topics = append(topics, topic)
	}
	b.mu.Unlock()

	for _, topic := range topics {
		if token := b.client.Subscribe(topic, 1, b.dispatch); token.Wait() && token.Error() != nil {
			b.logger.Warn("Failed to resubscribe", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}
}
