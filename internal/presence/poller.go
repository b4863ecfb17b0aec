package presence

import (
	"context"
	"log/slog"
	"time"
)

// Polling tiers, keyed by time since the last stream event.
const (
	IntervalHot   = 3 * time.Second
	IntervalWarm  = 15 * time.Second
	IntervalCool  = 30 * time.Second
	IntervalIdle  = 60 * time.Second
	thresholdHot  = 30 * time.Second
	thresholdWarm = 5 * time.Minute
	thresholdCool = time.Hour
)

// NextInterval maps the time since the last stream event to a poll interval.
func NextInterval(elapsed time.Duration) time.Duration {
	switch {
	case elapsed < thresholdHot:
		return IntervalHot
	case elapsed < thresholdWarm:
		return IntervalWarm
	case elapsed < thresholdCool:
		return IntervalCool
	default:
		return IntervalIdle
	}
}

// Source fetches the current line states.
type Source interface {
	LineStates(ctx context.Context) ([]LineState, error)
}

// Poller refreshes a Registry from a Source. Polls never overlap: the next
// timer is armed only after the previous poll finished.
type Poller struct {
	source    Source
	reg       *Registry
	lastEvent func() time.Time
	notify    func([]ExtensionState)
	clock     Clock
	after     func(time.Duration) <-chan time.Time
	log       *slog.Logger
	started   time.Time
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithLastEvent sets the function reporting the last stream event time.
func WithLastEvent(f func() time.Time) PollerOption {
	return func(p *Poller) { p.lastEvent = f }
}

// WithNotify sets the callback invoked with the full state after a poll that changed something.
func WithNotify(f func([]ExtensionState)) PollerOption {
	return func(p *Poller) { p.notify = f }
}

// WithPollerClock sets the time source.
func WithPollerClock(c Clock) PollerOption {
	return func(p *Poller) { p.clock = c }
}

// WithAfter replaces time.After for the poll schedule.
func WithAfter(f func(time.Duration) <-chan time.Time) PollerOption {
	return func(p *Poller) { p.after = f }
}

// WithPollerLogger sets the logger.
func WithPollerLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) { p.log = l }
}

// NewPoller creates a Poller.
func NewPoller(source Source, reg *Registry, opts ...PollerOption) *Poller {
	p := &Poller{
		source:    source,
		reg:       reg,
		lastEvent: func() time.Time { return time.Time{} },
		notify:    func([]ExtensionState) {},
		clock:     time.Now,
		after:     time.After,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.started = p.clock()
	return p
}

// Poll fetches line states once and applies them. It reports whether any
// extension changed; fetch failures are logged and count as no change.
func (p *Poller) Poll(ctx context.Context) bool {
	lines, err := p.source.LineStates(ctx)
	if err != nil {
		p.log.Warn("presence poll failed", "error", err)
		return false
	}
	if !p.reg.Apply(lines) {
		return false
	}
	p.notify(p.reg.Snapshot())
	return true
}

// Interval returns the delay before the next poll.
func (p *Poller) Interval() time.Duration {
	last := p.lastEvent()
	if last.IsZero() {
		last = p.started
	}
	return NextInterval(p.clock().Sub(last))
}

// Run polls on the adaptive schedule until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	for {
		d := p.Interval()
		select {
		case <-ctx.Done():
			return
		case <-p.after(d):
		}
		if p.Poll(ctx) {
			p.log.Debug("extension state changed", "next_in", p.Interval().String())
		}
	}
}
