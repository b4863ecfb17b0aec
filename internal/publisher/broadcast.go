package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sweeney/nfon-callmonitor/internal/calls"
	"github.com/sweeney/nfon-callmonitor/internal/presence"
)

// DefaultPublishTimeout bounds a single broadcast publish.
const DefaultPublishTimeout = 5 * time.Second

// Broadcaster turns aggregator transitions, presence snapshots and stream
// status changes into published messages under a common topic prefix.
// Publish failures are logged and dropped.
type Broadcaster struct {
	pub     Publisher
	prefix  string
	timeout time.Duration
	log     *slog.Logger
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithPublishTimeout overrides DefaultPublishTimeout.
func WithPublishTimeout(d time.Duration) BroadcasterOption {
	return func(b *Broadcaster) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithBroadcastLogger sets the logger.
func WithBroadcastLogger(l *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) { b.log = l }
}

// NewBroadcaster creates a Broadcaster publishing under prefix.
func NewBroadcaster(pub Publisher, prefix string, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		pub:     pub,
		prefix:  prefix,
		timeout: DefaultPublishTimeout,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// callPayload is the JSON published for every call transition.
type callPayload struct {
	Event calls.EventKind `json:"event"`
	calls.CallRecord
}

// CallTopic returns <prefix>/call/<id>/<extension>/<kind>.
func CallTopic(prefix string, key calls.Key, kind calls.EventKind) string {
	return fmt.Sprintf("%s/call/%s/%s/%s", prefix, key.ID, key.Extension, kind)
}

// ParseCallTopic splits a topic built by CallTopic. ok is false for any
// other topic.
func ParseCallTopic(topic string) (key calls.Key, kind calls.EventKind, ok bool) {
	i := strings.LastIndex(topic, "/call/")
	if i < 0 {
		return calls.Key{}, "", false
	}
	parts := strings.Split(topic[i+len("/call/"):], "/")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return calls.Key{}, "", false
	}
	return calls.Key{ID: parts[0], Extension: parts[1]}, calls.EventKind(parts[2]), true
}

// CallChanged publishes rec to its CallTopic.
func (b *Broadcaster) CallChanged(kind calls.EventKind, rec calls.CallRecord) {
	b.publish(CallTopic(b.prefix, rec.Key(), kind), callPayload{Event: kind, CallRecord: rec})
}

// Extensions publishes the full extension state list to <prefix>/extensions.
func (b *Broadcaster) Extensions(states []presence.ExtensionState) {
	if states == nil {
		states = []presence.ExtensionState{}
	}
	b.publish(b.prefix+"/extensions", states)
}

// StreamStatus publishes {"connected":bool} to <prefix>/stream.
func (b *Broadcaster) StreamStatus(connected bool) {
	b.publish(b.prefix+"/stream", struct {
		Connected bool `json:"connected"`
	}{connected})
}

func (b *Broadcaster) publish(topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.log.Error("marshaling broadcast payload", "topic", topic, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	b.log.Debug("publishing", "topic", topic)
	if err := b.pub.Publish(ctx, topic, data); err != nil {
		b.log.Warn("publish failed", "topic", topic, "error", err)
	}
}
