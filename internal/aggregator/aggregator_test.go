package aggregator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/nfon-callmonitor/internal/aggregator"
	"github.com/sweeney/nfon-callmonitor/internal/calls"
)

// fakeClock advances only when told to.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingStore struct {
	upserts []calls.CallRecord
	err     error
}

func (s *recordingStore) Upsert(_ context.Context, rec calls.CallRecord) error {
	s.upserts = append(s.upserts, rec)
	return s.err
}

type recordingObserver struct {
	changes []aggregator.Change
}

func (o *recordingObserver) CallChanged(kind calls.EventKind, rec calls.CallRecord) {
	o.changes = append(o.changes, aggregator.Change{Kind: kind, Record: rec})
}

type harness struct {
	agg   *aggregator.Aggregator
	clock *fakeClock
	store *recordingStore
	obs   *recordingObserver
}

func newHarness(opts ...aggregator.Option) *harness {
	h := &harness{clock: newFakeClock(), store: &recordingStore{}, obs: &recordingObserver{}}
	base := []aggregator.Option{
		aggregator.WithClock(h.clock.Now),
		aggregator.WithStore(h.store),
		aggregator.WithObserver(h.obs),
		aggregator.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	h.agg = aggregator.New(append(base, opts...)...)
	return h
}

func (h *harness) send(evt calls.CallEvent) []aggregator.Change {
	return h.agg.Process(context.Background(), evt)
}

func ev(id, ext, state string) calls.CallEvent {
	return calls.CallEvent{ID: id, Extension: ext, State: state, Caller: "0625182755", Callee: ext, Direction: calls.DirectionInbound}
}

func assertStatus(t *testing.T, rec calls.CallRecord, want calls.Status) {
	t.Helper()
	if rec.Status != want {
		t.Errorf("expected status=%s, got %s", want, rec.Status)
	}
}

func assertKind(t *testing.T, c aggregator.Change, want calls.EventKind) {
	t.Helper()
	if c.Kind != want {
		t.Errorf("expected kind=%s, got %s", want, c.Kind)
	}
}

func last(t *testing.T, changes []aggregator.Change) calls.CallRecord {
	t.Helper()
	if len(changes) == 0 {
		t.Fatal("expected at least one change")
	}
	return changes[len(changes)-1].Record
}

// --- Answered call ---

func TestAnsweredCall(t *testing.T) {
	h := newHarness()

	changes := h.send(ev("C1", "21", "start"))
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	assertKind(t, changes[0], calls.EventNew)
	assertStatus(t, changes[0].Record, calls.StatusRinging)

	h.clock.Advance(4 * time.Second)
	changes = h.send(ev("C1", "21", "answer"))
	assertKind(t, changes[0], calls.EventUpdated)
	assertStatus(t, changes[0].Record, calls.StatusActive)
	if changes[0].Record.AnswerTime == nil {
		t.Fatal("expected answerTime to be set")
	}

	h.clock.Advance(61*time.Second + 600*time.Millisecond)
	rec := last(t, h.send(ev("C1", "21", "hangup")))
	assertStatus(t, rec, calls.StatusAnswered)
	if rec.EndTime == nil || rec.Duration == nil {
		t.Fatalf("expected endTime and duration, got %+v", rec)
	}
	if *rec.Duration != 62 {
		t.Errorf("expected rounded duration 62, got %d", *rec.Duration)
	}
	if h.agg.ActiveCount() != 0 {
		t.Errorf("expected empty active table, got %d", h.agg.ActiveCount())
	}
	if len(h.store.upserts) != 3 || len(h.obs.changes) != 3 {
		t.Errorf("expected 3 upserts and 3 notifications, got %d/%d", len(h.store.upserts), len(h.obs.changes))
	}
}

func TestDuplicateAnswerKeepsFirstAnswerTime(t *testing.T) {
	h := newHarness()
	h.send(ev("C1", "21", "ring"))
	first := last(t, h.send(ev("C1", "21", "answer"))).AnswerTime

	h.clock.Advance(10 * time.Second)
	second := last(t, h.send(ev("C1", "21", "bridge"))).AnswerTime
	if !first.Equal(*second) {
		t.Errorf("answerTime moved from %v to %v", first, second)
	}

	h.clock.Advance(5 * time.Second)
	rec := last(t, h.send(ev("C1", "21", "end")))
	if *rec.Duration != 15 {
		t.Errorf("expected duration from first answer (15s), got %d", *rec.Duration)
	}
}

// --- Unanswered outcomes ---

func TestUnansweredOutcomes(t *testing.T) {
	tests := []struct {
		reason string
		want   calls.Status
	}{
		{"busy", calls.StatusBusy},
		{"reject", calls.StatusRejected},
		{"", calls.StatusMissed},
		{"timeout", calls.StatusMissed},
		{"cancel", calls.StatusMissed},
	}
	for _, tt := range tests {
		t.Run("error="+tt.reason, func(t *testing.T) {
			h := newHarness()
			h.send(ev("C1", "21", "start"))
			hangup := ev("C1", "21", "hangup")
			hangup.Error = tt.reason

			rec := last(t, h.send(hangup))
			assertStatus(t, rec, tt.want)
			if rec.EndReason != tt.reason {
				t.Errorf("expected endReason=%q, got %q", tt.reason, rec.EndReason)
			}
			if rec.Duration != nil || rec.AnswerTime != nil {
				t.Errorf("expected no duration for unanswered call, got %+v", rec)
			}
			if rec.EndTime == nil {
				t.Error("expected endTime")
			}
		})
	}
}

func TestHangupForUnknownLegIsNewAndTerminal(t *testing.T) {
	h := newHarness()
	changes := h.send(ev("C9", "30", "hangup"))
	assertKind(t, changes[0], calls.EventNew)
	assertStatus(t, changes[0].Record, calls.StatusMissed)
	if h.agg.ActiveCount() != 0 {
		t.Error("terminal leg must not enter the active table")
	}
}

// --- Group call cancellation ---

func TestGroupCancellation(t *testing.T) {
	h := newHarness()
	h.send(ev("C", "X", "ring"))
	h.send(ev("C", "Y", "ring"))
	h.send(ev("OTHER", "Z", "ring"))

	h.clock.Advance(3 * time.Second)
	changes := h.send(ev("C", "X", "answer"))
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes (answer + cancel), got %d", len(changes))
	}

	assertStatus(t, changes[0].Record, calls.StatusActive)
	if changes[0].Record.Extension != "X" {
		t.Errorf("expected answering leg first, got %s", changes[0].Record.Extension)
	}

	cancelled := changes[1].Record
	assertKind(t, changes[1], calls.EventUpdated)
	assertStatus(t, cancelled, calls.StatusMissed)
	if cancelled.Extension != "Y" || cancelled.EndReason != calls.EndReasonCancel || cancelled.EndTime == nil {
		t.Errorf("unexpected cancelled leg %+v", cancelled)
	}

	active := h.agg.Active()
	if len(active) != 2 {
		t.Fatalf("expected X and Z active, got %+v", active)
	}
	for _, rec := range active {
		if rec.Extension == "Y" {
			t.Error("cancelled leg still active")
		}
	}
}

func TestGroupCancellationLeavesActiveLegsAlone(t *testing.T) {
	h := newHarness()
	h.send(ev("C", "X", "ring"))
	h.send(ev("C", "Y", "ring"))
	h.send(ev("C", "Y", "answer"))

	changes := h.send(ev("C", "X", "answer"))
	if len(changes) != 1 {
		t.Fatalf("expected only the answering leg, got %d changes", len(changes))
	}
	if h.agg.ActiveCount() != 2 {
		t.Errorf("expected both legs active, got %d", h.agg.ActiveCount())
	}
}

// --- Incremental fields ---

func TestIncrementalFields(t *testing.T) {
	h := newHarness()
	h.agg.SetExtensionNames(map[string]string{"21": "Empfang"})

	h.send(calls.CallEvent{ID: "C1", Extension: "21", State: "start"})
	rec := last(t, h.send(calls.CallEvent{ID: "C1", Extension: "21", State: "ring", Caller: "0625182755"}))
	if rec.Caller != "0625182755" || rec.Callee != "" {
		t.Errorf("unexpected fields %+v", rec)
	}
	rec = last(t, h.send(calls.CallEvent{ID: "C1", Extension: "21", State: "ring", Callee: "21"}))
	if rec.Caller != "0625182755" || rec.Callee != "21" {
		t.Errorf("empty fields must not overwrite earlier values: %+v", rec)
	}
	if rec.ExtensionName != "Empfang" {
		t.Errorf("expected extension name Empfang, got %q", rec.ExtensionName)
	}

	other := last(t, h.send(calls.CallEvent{ID: "C2", Extension: "99", State: "start"}))
	if other.ExtensionName != "99" {
		t.Errorf("expected fallback to extension number, got %q", other.ExtensionName)
	}
}

func TestUnknownStateKeepsStatus(t *testing.T) {
	h := newHarness()
	h.send(ev("C1", "21", "start"))
	rec := last(t, h.send(ev("C1", "21", "hold")))
	assertStatus(t, rec, calls.StatusRinging)
	if h.agg.ActiveCount() != 1 {
		t.Error("expected leg to stay active")
	}
}

func TestEventWithoutIDIgnored(t *testing.T) {
	h := newHarness()
	if changes := h.send(calls.CallEvent{Extension: "21", State: "start"}); changes != nil {
		t.Errorf("expected no changes, got %+v", changes)
	}
	if len(h.store.upserts) != 0 {
		t.Error("expected nothing persisted")
	}
}

func TestStoreFailureDoesNotStopProcessing(t *testing.T) {
	h := newHarness()
	h.store.err = errors.New("disk full")
	h.send(ev("C1", "21", "start"))
	rec := last(t, h.send(ev("C1", "21", "answer")))
	assertStatus(t, rec, calls.StatusActive)
	if len(h.obs.changes) != 2 {
		t.Errorf("observers must still be notified, got %d", len(h.obs.changes))
	}
}

func TestLastEventTime(t *testing.T) {
	h := newHarness()
	if !h.agg.LastEventTime().IsZero() {
		t.Error("expected zero before any event")
	}
	h.clock.Advance(time.Minute)
	h.send(ev("C1", "21", "start"))
	if !h.agg.LastEventTime().Equal(h.clock.Now()) {
		t.Errorf("expected last event time %v, got %v", h.clock.Now(), h.agg.LastEventTime())
	}
}

// --- Stale reaping ---

func TestReapStaleRinging(t *testing.T) {
	h := newHarness()
	h.send(ev("C1", "21", "ring"))
	h.clock.Advance(2 * time.Minute)
	h.send(ev("C2", "22", "ring"))

	h.clock.Advance(3*time.Minute + time.Second)
	changes := h.agg.ReapStale(context.Background())
	if len(changes) != 1 {
		t.Fatalf("expected 1 reaped leg, got %d", len(changes))
	}
	rec := changes[0].Record
	assertStatus(t, rec, calls.StatusMissed)
	if rec.ID != "C1" || rec.EndReason != calls.EndReasonStale || rec.EndTime == nil {
		t.Errorf("unexpected reaped record %+v", rec)
	}

	if again := h.agg.ReapStale(context.Background()); len(again) != 0 {
		t.Errorf("leg reaped twice: %+v", again)
	}
	if h.agg.ActiveCount() != 1 {
		t.Errorf("expected C2 still active, got %d", h.agg.ActiveCount())
	}
}

func TestReapStaleAnswered(t *testing.T) {
	h := newHarness(aggregator.WithStaleAfter(time.Minute))
	h.send(ev("C1", "21", "start"))
	h.clock.Advance(10 * time.Second)
	h.send(ev("C1", "21", "answer"))

	h.clock.Advance(time.Minute)
	changes := h.agg.ReapStale(context.Background())
	if len(changes) != 1 {
		t.Fatalf("expected 1 reaped leg, got %d", len(changes))
	}
	rec := changes[0].Record
	assertStatus(t, rec, calls.StatusAnswered)
	if rec.Duration == nil || *rec.Duration != 60 {
		t.Errorf("expected duration 60, got %v", rec.Duration)
	}
	if rec.EndReason != calls.EndReasonStale {
		t.Errorf("expected endReason stale, got %q", rec.EndReason)
	}
}

func TestLateHangupAfterReapIsIgnored(t *testing.T) {
	h := newHarness()
	h.send(ev("C1", "21", "ring"))
	h.clock.Advance(6 * time.Minute)
	reaped := last(t, h.agg.ReapStale(context.Background()))

	h.clock.Advance(30 * time.Second)
	if changes := h.send(ev("C1", "21", "hangup")); len(changes) != 0 {
		t.Fatalf("expected late hangup to be ignored, got %+v", changes)
	}
	stored := h.store.upserts[len(h.store.upserts)-1]
	if stored.EndReason != calls.EndReasonStale || !stored.EndTime.Equal(*reaped.EndTime) {
		t.Errorf("reaped record was overwritten: %+v", stored)
	}
	if h.agg.ActiveCount() != 0 {
		t.Error("expected empty active table")
	}
}

func TestLateHangupAfterGroupCancelIsIgnored(t *testing.T) {
	h := newHarness()
	h.send(ev("C", "X", "start"))
	h.send(ev("C", "Y", "start"))
	h.send(ev("C", "X", "answer"))
	notified := len(h.obs.changes)

	h.clock.Advance(2 * time.Second)
	if changes := h.send(ev("C", "Y", "hangup")); len(changes) != 0 {
		t.Fatalf("expected hangup of cancelled leg to be ignored, got %+v", changes)
	}
	if len(h.obs.changes) != notified {
		t.Errorf("expected no further notifications, got %+v", h.obs.changes[notified:])
	}
	for _, rec := range h.store.upserts {
		if rec.Extension == "Y" && rec.Status.Terminal() && rec.EndReason != calls.EndReasonCancel {
			t.Errorf("cancelled leg overwritten: %+v", rec)
		}
	}
}

func TestDuplicateHangupIsIgnored(t *testing.T) {
	h := newHarness()
	h.send(ev("C1", "21", "start"))
	h.send(ev("C1", "21", "hangup"))
	if changes := h.send(ev("C1", "21", "end")); len(changes) != 0 {
		t.Errorf("expected duplicate terminal event to be ignored, got %+v", changes)
	}
}

func TestFinalizedLegsExpire(t *testing.T) {
	h := newHarness(aggregator.WithStaleAfter(time.Minute))
	h.send(ev("C1", "21", "start"))
	h.send(ev("C1", "21", "hangup"))

	h.clock.Advance(2 * time.Minute)
	h.agg.ReapStale(context.Background())
	changes := h.send(ev("C1", "21", "hangup"))
	if len(changes) != 1 {
		t.Fatalf("expected hangup after expiry to be recorded, got %d changes", len(changes))
	}
	assertKind(t, changes[0], calls.EventNew)
}

func TestObserverFunc(t *testing.T) {
	var got []calls.EventKind
	agg := aggregator.New(
		aggregator.WithClock(newFakeClock().Now),
		aggregator.WithObserver(aggregator.ObserverFunc(func(kind calls.EventKind, _ calls.CallRecord) {
			got = append(got, kind)
		})),
	)
	agg.Process(context.Background(), ev("C1", "21", "start"))
	agg.Process(context.Background(), ev("C1", "21", "hangup"))
	if len(got) != 2 || got[0] != calls.EventNew || got[1] != calls.EventUpdated {
		t.Errorf("unexpected kinds %v", got)
	}
}
