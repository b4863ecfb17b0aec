package publisher

import (
	"context"
	"sync"

	"github.com/sweeney/nfon-callmonitor/internal/calls"
)

// Message records a single published message. Call and Kind are set for
// call transition topics only.
type Message struct {
	Topic   string
	Payload []byte
	Call    calls.Key
	Kind    calls.EventKind
}

// MockPublisher records all publishes for test assertions.
type MockPublisher struct {
	mu       sync.Mutex
	messages []Message
	closed   bool
	err      error // if set, Publish returns this error
}

// NewMockPublisher creates a new MockPublisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	msg := Message{Topic: topic, Payload: p}
	if key, kind, ok := ParseCallTopic(topic); ok {
		msg.Call, msg.Kind = key, kind
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Messages returns a copy of all published messages.
func (m *MockPublisher) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := make([]Message, len(m.messages))
	copy(msgs, m.messages)
	return msgs
}

// Topics returns the topics of all published messages, in order.
func (m *MockPublisher) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, len(m.messages))
	for i, msg := range m.messages {
		topics[i] = msg.Topic
	}
	return topics
}

// CallMessages returns the call transition messages, in order.
func (m *MockPublisher) CallMessages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.messages {
		if msg.Kind != "" {
			out = append(out, msg)
		}
	}
	return out
}

// Kinds returns the transition kinds published for one call leg, in order.
func (m *MockPublisher) Kinds(key calls.Key) []calls.EventKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []calls.EventKind
	for _, msg := range m.messages {
		if msg.Kind != "" && msg.Call == key {
			out = append(out, msg.Kind)
		}
	}
	return out
}

// Reset clears all recorded messages.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}

// Closed returns whether Close was called.
func (m *MockPublisher) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SetError causes all subsequent Publish calls to return err.
// Pass nil to clear.
func (m *MockPublisher) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
