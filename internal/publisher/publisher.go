// Package publisher fans call and presence signals out to a message broker.
package publisher

import "context"

// Publisher delivers a payload to a topic (MQTT) or channel (Redis).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Nop discards everything. Used when broadcast.driver is "none".
type Nop struct{}

func (Nop) Publish(context.Context, string, []byte) error { return nil }
func (Nop) Close() error                                  { return nil }
