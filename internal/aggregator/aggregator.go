// Package aggregator turns the PBX call stream into per-leg call records.
//
// Each leg is keyed by (call id, extension). Non-terminal legs live in an
// active table; every transition is persisted through a Store and announced
// to the registered Observers. Finalized legs are remembered for the stale
// threshold so a late hangup cannot reopen them.
package aggregator

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/sweeney/nfon-callmonitor/internal/calls"
)

const (
	// DefaultStaleAfter is how long a leg may stay non-terminal before the reaper finalizes it.
	DefaultStaleAfter = 5 * time.Minute
	// DefaultReapInterval is the reaper's scan period.
	DefaultReapInterval = 60 * time.Second
)

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// Store persists call records, upserting by (id, extension).
type Store interface {
	Upsert(ctx context.Context, rec calls.CallRecord) error
}

// Observer receives every transition. It is called with the aggregator lock
// held and must not call back into the Aggregator.
type Observer interface {
	CallChanged(kind calls.EventKind, rec calls.CallRecord)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(kind calls.EventKind, rec calls.CallRecord)

// CallChanged calls f.
func (f ObserverFunc) CallChanged(kind calls.EventKind, rec calls.CallRecord) { f(kind, rec) }

// Change is one emitted transition.
type Change struct {
	Kind   calls.EventKind
	Record calls.CallRecord
}

// Aggregator tracks active call legs. All methods are safe for concurrent use;
// the stream loop and the reaper serialize on one mutex.
type Aggregator struct {
	mu         sync.Mutex
	active     map[calls.Key]*calls.CallRecord
	finalized  map[calls.Key]time.Time
	names      map[string]string
	lastEvent  time.Time
	store      Store
	observers  []Observer
	clock      Clock
	staleAfter time.Duration
	log        *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock sets the time source for the aggregator.
func WithClock(c Clock) Option {
	return func(a *Aggregator) { a.clock = c }
}

// WithStore sets the persistence collaborator.
func WithStore(s Store) Option {
	return func(a *Aggregator) { a.store = s }
}

// WithObserver registers an observer. Observers run in registration order.
func WithObserver(o Observer) Option {
	return func(a *Aggregator) { a.observers = append(a.observers, o) }
}

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.staleAfter = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.log = l }
}

// New creates an Aggregator with an empty active table.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		active:     make(map[calls.Key]*calls.CallRecord),
		finalized:  make(map[calls.Key]time.Time),
		names:      make(map[string]string),
		clock:      time.Now,
		staleAfter: DefaultStaleAfter,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetExtensionNames replaces the extension number -> display name directory.
func (a *Aggregator) SetExtensionNames(names map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.names = make(map[string]string, len(names))
	for k, v := range names {
		a.names[k] = v
	}
}

// LastEventTime returns when the last stream event was processed, zero if none yet.
func (a *Aggregator) LastEventTime() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastEvent
}

// ActiveCount returns the number of non-terminal legs.
func (a *Aggregator) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

// Active returns copies of the non-terminal legs, oldest first.
func (a *Aggregator) Active() []calls.CallRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]calls.CallRecord, 0, len(a.active))
	for _, rec := range a.active {
		out = append(out, rec.Clone())
	}
	sortByStart(out)
	return out
}

// Process applies one stream event and returns the emitted transitions in
// order. Events without a call id are ignored.
func (a *Aggregator) Process(ctx context.Context, evt calls.CallEvent) []Change {
	if evt.ID == "" {
		a.log.Debug("ignoring event without call id", "state", evt.State)
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock()
	a.lastEvent = now

	key := calls.Key{ID: evt.ID, Extension: evt.Extension}
	rec, exists := a.active[key]
	if !exists && isTerminalState(evt.State) && a.recentlyFinalized(key, now) {
		a.log.Debug("ignoring terminal event for finalized leg", "call_id", evt.ID,
			"extension", evt.Extension, "state", evt.State)
		return nil
	}
	isNew := !exists
	if isNew {
		rec = &calls.CallRecord{
			ID:            evt.ID,
			Extension:     evt.Extension,
			ExtensionName: a.extensionName(evt.Extension),
			Direction:     evt.Direction,
			StartTime:     now,
			Status:        calls.StatusRinging,
		}
	}
	if evt.Caller != "" {
		rec.Caller = evt.Caller
	}
	if evt.Callee != "" {
		rec.Callee = evt.Callee
	}
	if evt.Direction != "" {
		rec.Direction = evt.Direction
	}

	var cancelled []Change
	switch evt.State {
	case "start", "dial", "ring":
		rec.Status = calls.StatusRinging

	case "answer", "bridge":
		rec.Status = calls.StatusActive
		if rec.AnswerTime == nil {
			rec.AnswerTime = &now
		}
		cancelled = a.cancelGroup(key, now)

	case "hangup", "end":
		finalize(rec, now, statusFromError(evt.Error), evt.Error)
	}

	if rec.Status.Terminal() {
		delete(a.active, key)
		a.finalized[key] = now
	} else {
		a.active[key] = rec
	}

	kind := calls.EventUpdated
	if isNew {
		kind = calls.EventNew
	}
	// The answering leg is announced before the legs it cancelled.
	changes := []Change{a.commit(ctx, kind, rec)}
	return append(changes, a.commitAll(ctx, cancelled)...)
}

// cancelGroup finalizes every other leg of the same call that is still ringing.
// The returned changes are not yet committed.
func (a *Aggregator) cancelGroup(answered calls.Key, now time.Time) []Change {
	var others []*calls.CallRecord
	for key, rec := range a.active {
		if key.ID == answered.ID && key.Extension != answered.Extension && rec.Status == calls.StatusRinging {
			others = append(others, rec)
		}
	}
	slices.SortFunc(others, func(x, y *calls.CallRecord) int {
		return x.StartTime.Compare(y.StartTime)
	})

	changes := make([]Change, 0, len(others))
	for _, rec := range others {
		end := now
		rec.Status = calls.StatusMissed
		rec.EndReason = calls.EndReasonCancel
		rec.EndTime = &end
		delete(a.active, rec.Key())
		a.finalized[rec.Key()] = now
		a.log.Debug("leg cancelled by group answer", "call_id", rec.ID, "extension", rec.Extension)
		changes = append(changes, Change{Kind: calls.EventUpdated, Record: rec.Clone()})
	}
	return changes
}

// ReapStale finalizes every active leg whose age exceeds the stale threshold.
func (a *Aggregator) ReapStale(ctx context.Context) []Change {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock()
	for key, at := range a.finalized {
		if now.Sub(at) > a.staleAfter {
			delete(a.finalized, key)
		}
	}

	var stale []*calls.CallRecord
	for _, rec := range a.active {
		if now.Sub(rec.StartTime) > a.staleAfter {
			stale = append(stale, rec)
		}
	}
	slices.SortFunc(stale, func(x, y *calls.CallRecord) int {
		return x.StartTime.Compare(y.StartTime)
	})

	changes := make([]Change, 0, len(stale))
	for _, rec := range stale {
		finalize(rec, now, calls.StatusMissed, calls.EndReasonStale)
		delete(a.active, rec.Key())
		a.finalized[rec.Key()] = now
		a.log.Info("reaped stale call", "call_id", rec.ID, "extension", rec.Extension,
			"status", rec.Status, "age", now.Sub(rec.StartTime).Round(time.Second).String())
		changes = append(changes, a.commit(ctx, calls.EventUpdated, rec))
	}
	return changes
}

// RunReaper calls ReapStale every interval until ctx is done.
func (a *Aggregator) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := len(a.ReapStale(ctx)); n > 0 {
				a.log.Info("reaper pass complete", "reaped", n)
			}
		}
	}
}

// recentlyFinalized reports whether key was closed within the stale threshold.
func (a *Aggregator) recentlyFinalized(key calls.Key, now time.Time) bool {
	at, ok := a.finalized[key]
	if !ok {
		return false
	}
	if now.Sub(at) > a.staleAfter {
		delete(a.finalized, key)
		return false
	}
	return true
}

func isTerminalState(state string) bool {
	return state == "hangup" || state == "end"
}

func (a *Aggregator) extensionName(ext string) string {
	if name, ok := a.names[ext]; ok && name != "" {
		return name
	}
	return ext
}

// commit persists rec and notifies observers. Store failures are logged only.
func (a *Aggregator) commit(ctx context.Context, kind calls.EventKind, rec *calls.CallRecord) Change {
	c := Change{Kind: kind, Record: rec.Clone()}
	a.commitAll(ctx, []Change{c})
	return c
}

func (a *Aggregator) commitAll(ctx context.Context, changes []Change) []Change {
	for _, c := range changes {
		if a.store != nil {
			if err := a.store.Upsert(ctx, c.Record); err != nil {
				a.log.Error("persisting call record failed", "call_id", c.Record.ID,
					"extension", c.Record.Extension, "error", err)
			}
		}
		for _, o := range a.observers {
			o.CallChanged(c.Kind, c.Record.Clone())
		}
	}
	return changes
}

// finalize ends a leg. Answered legs always become StatusAnswered with a
// duration; unanswered legs take the given status.
func finalize(rec *calls.CallRecord, now time.Time, unanswered calls.Status, reason string) {
	end := now
	rec.EndTime = &end
	rec.EndReason = reason
	if rec.AnswerTime == nil {
		rec.Status = unanswered
		return
	}
	rec.Status = calls.StatusAnswered
	d := int(math.Round(end.Sub(*rec.AnswerTime).Seconds()))
	if d < 0 {
		d = 0
	}
	rec.Duration = &d
}

func statusFromError(reason string) calls.Status {
	switch reason {
	case "busy":
		return calls.StatusBusy
	case "reject":
		return calls.StatusRejected
	}
	return calls.StatusMissed
}

func sortByStart(recs []calls.CallRecord) {
	slices.SortFunc(recs, func(x, y calls.CallRecord) int {
		return x.StartTime.Compare(y.StartTime)
	})
}
