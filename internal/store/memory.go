package store

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/sweeney/nfon-callmonitor/internal/calls"
)

// MemoryStore is an in-memory Store for tests and store.driver "memory".
type MemoryStore struct {
	mu   sync.Mutex
	recs map[calls.Key]calls.CallRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[calls.Key]calls.CallRecord)}
}

// Upsert stores rec, keeping the start time of an existing record.
func (m *MemoryStore) Upsert(_ context.Context, rec calls.CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec = rec.Clone()
	if prev, ok := m.recs[rec.Key()]; ok {
		rec.StartTime = prev.StartTime
	}
	m.recs[rec.Key()] = rec
	return nil
}

// Get returns the record for key.
func (m *MemoryStore) Get(key calls.Key) (calls.CallRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	return rec.Clone(), ok
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

// ListActive returns ringing and active records, newest first.
func (m *MemoryStore) ListActive(_ context.Context) ([]calls.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []calls.CallRecord
	for _, rec := range m.recs {
		if isOpen(rec.Status) {
			out = append(out, rec.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// Query returns one page of records matching f, newest first.
func (m *MemoryStore) Query(_ context.Context, f Filter) (Page, error) {
	f = f.withDefaults()
	m.mu.Lock()
	var matched []calls.CallRecord
	for _, rec := range m.recs {
		if f.match(rec) {
			matched = append(matched, rec.Clone())
		}
	}
	m.mu.Unlock()
	sortNewestFirst(matched)

	page := Page{Calls: []calls.CallRecord{}, Total: len(matched), Page: f.Page, PageSize: f.PageSize}
	if lo := f.offset(); lo < len(matched) {
		hi := min(lo+f.PageSize, len(matched))
		page.Calls = append(page.Calls, matched[lo:hi]...)
	}
	return page, nil
}

// RecoverStale marks open records without an end time as missed/stale.
func (m *MemoryStore) RecoverStale(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, rec := range m.recs {
		if isOpen(rec.Status) && rec.EndTime == nil {
			rec.Status = calls.StatusMissed
			rec.EndReason = calls.EndReasonStale
			m.recs[key] = rec
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func sortNewestFirst(recs []calls.CallRecord) {
	slices.SortStableFunc(recs, func(a, b calls.CallRecord) int {
		return cmp.Or(
			b.StartTime.Compare(a.StartTime),
			cmp.Compare(a.ID, b.ID),
			cmp.Compare(a.Extension, b.Extension),
		)
	})
}
