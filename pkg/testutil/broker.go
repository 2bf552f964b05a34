package testutil

import (
	"encoding/json"
	"sync"
	"time"
)

// Message records a publish received by the fake broker.
type Message struct {
	Timestamp time.Time
	Topic     string
	Payload   []byte
	Retained  bool
}

// JSON decodes the payload into a map.
func (m Message) JSON() map[string]any {
	var out map[string]any
	if err := json.Unmarshal(m.Payload, &out); err != nil {
		return nil
	}
	return out
}

// Broker is an in-memory MQTT broker. It records every publish, keeps
// retained payloads, and lets tests deliver messages to subscribers.
type Broker struct {
	mu           sync.Mutex
	messages     []Message
	retained     map[string][]byte
	handlers     map[string]func(string, []byte)
	disconnected bool
	notify       chan struct{}
}

// NewBroker creates an empty fake broker.
func NewBroker() *Broker {
	return &Broker{
		retained: make(map[string][]byte),
		handlers: make(map[string]func(string, []byte)),
		notify:   make(chan struct{}),
	}
}

func (b *Broker) Publish(topic string, payload []byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	copied := append([]byte(nil), payload...)
	b.messages = append(b.messages, Message{
		Timestamp: time.Now(),
		Topic:     topic,
		Payload:   copied,
		Retained:  retained,
	})
	if retained {
		b.retained[topic] = copied
	}
	close(b.notify)
	b.notify = make(chan struct{})
	return nil
}

func (b *Broker) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *Broker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnected = true
}

// Disconnected reports whether Disconnect was called.
func (b *Broker) Disconnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnected
}

// Deliver hands payload to the subscriber of topic and reports whether there was one.
func (b *Broker) Deliver(topic, payload string) bool {
	b.mu.Lock()
	handler := b.handlers[topic]
	b.mu.Unlock()

	if handler == nil {
		return false
	}
	handler(topic, []byte(payload))
	return true
}

// Subscribed reports whether something subscribed to topic.
func (b *Broker) Subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[topic]
	return ok
}

// Messages returns every publish so far.
func (b *Broker) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// FilterMessages returns the publishes to topic in order.
func (b *Broker) FilterMessages(topic string) []Message {
	var filtered []Message
	for _, m := range b.Messages() {
		if m.Topic == topic {
			filtered = append(filtered, m)
		}
	}
	return filtered
}

// Retained returns the retained payload for topic, or nil.
func (b *Broker) Retained(topic string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retained[topic]
}

// RetainedJSON decodes the retained payload for topic.
func (b *Broker) RetainedJSON(topic string) map[string]any {
	payload := b.Retained(topic)
	if payload == nil {
		return nil
	}
	return Message{Payload: payload}.JSON()
}

// WaitFor blocks until a retained payload on topic satisfies match, or the
// timeout passes. It returns the last payload seen.
func (b *Broker) WaitFor(topic string, timeout time.Duration, match func(payload []byte) bool) ([]byte, bool) {
	deadline := time.After(timeout)
	for {
		b.mu.Lock()
		payload := b.retained[topic]
		notify := b.notify
		b.mu.Unlock()

		if payload != nil && match(payload) {
			return payload, true
		}
		select {
		case <-notify:
		case <-deadline:
			return payload, false
		}
	}
}

// ClearMessages forgets recorded publishes but keeps retained payloads.
func (b *Broker) ClearMessages() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = nil
}
