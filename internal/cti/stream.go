package cti

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/nfon-callmonitor/internal/calls"
	"github.com/sweeney/nfon-callmonitor/internal/sse"
)

// DefaultReconnectDelay is the fixed wait between stream sessions.
const DefaultReconnectDelay = 5 * time.Second

var (
	errStreamClosed = errors.New("call stream closed by server")
	errMissingID    = errors.New("record has no call id")
)

// StreamOpener opens the raw call event stream.
type StreamOpener interface {
	OpenCallStream(ctx context.Context) (io.ReadCloser, error)
}

// Handler consumes decoded call events, one at a time in stream order.
type Handler func(ctx context.Context, evt calls.CallEvent)

// StreamClient keeps one call stream session open at a time and reconnects
// after a fixed delay whenever a session ends.
type StreamClient struct {
	opener   StreamOpener
	handle   Handler
	onStatus func(connected bool)
	delay    time.Duration
	after    func(time.Duration) <-chan time.Time
	log      *slog.Logger

	connected atomic.Bool
}

// StreamOption configures a StreamClient.
type StreamOption func(*StreamClient)

// WithReconnectDelay overrides DefaultReconnectDelay.
func WithReconnectDelay(d time.Duration) StreamOption {
	return func(s *StreamClient) {
		if d > 0 {
			s.delay = d
		}
	}
}

// WithStatus registers a callback for connect and disconnect transitions.
func WithStatus(f func(connected bool)) StreamOption {
	return func(s *StreamClient) { s.onStatus = f }
}

// WithStreamAfter replaces time.After for the reconnect wait.
func WithStreamAfter(f func(time.Duration) <-chan time.Time) StreamOption {
	return func(s *StreamClient) { s.after = f }
}

// WithStreamLogger sets the logger.
func WithStreamLogger(l *slog.Logger) StreamOption {
	return func(s *StreamClient) { s.log = l }
}

// NewStreamClient creates a StreamClient that feeds handle.
func NewStreamClient(opener StreamOpener, handle Handler, opts ...StreamOption) *StreamClient {
	s := &StreamClient{
		opener:   opener,
		handle:   handle,
		onStatus: func(bool) {},
		delay:    DefaultReconnectDelay,
		after:    time.After,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connected reports whether a session is currently open.
func (s *StreamClient) Connected() bool {
	return s.connected.Load()
}

// Run consumes the stream until ctx is done, reconnecting indefinitely.
func (s *StreamClient) Run(ctx context.Context) {
	for {
		err := s.runSession(ctx)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("call stream session ended, reconnecting",
			"error", err, "delay", s.delay.String())
		select {
		case <-s.after(s.delay):
		case <-ctx.Done():
			return
		}
	}
}

func (s *StreamClient) runSession(ctx context.Context) error {
	log := s.log.With("session_id", uuid.NewString())
	log.Info("connecting call stream")

	body, err := s.opener.OpenCallStream(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer body.Close()

	s.setConnected(true)
	defer s.setConnected(false)
	log.Info("call stream connected")

	parser := sse.NewParser(body)
	processed := 0
	for {
		payload, ok := parser.Next()
		if !ok {
			log.Info("call stream session closed", "events", processed)
			if err := parser.Err(); err != nil {
				return fmt.Errorf("reading stream: %w", err)
			}
			return errStreamClosed
		}

		evt, err := DecodeEvent(payload)
		if err != nil {
			log.Warn("skipping malformed stream record", "error", err, "line", truncate(payload, 200))
			continue
		}
		s.handle(ctx, evt)
		processed++
	}
}

func (s *StreamClient) setConnected(v bool) {
	if s.connected.Swap(v) != v {
		s.onStatus(v)
	}
}

// DecodeEvent parses one stream payload. Records without a call id are rejected.
func DecodeEvent(payload []byte) (calls.CallEvent, error) {
	var evt calls.CallEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return calls.CallEvent{}, err
	}
	if evt.ID == "" {
		return calls.CallEvent{}, errMissingID
	}
	return evt, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
