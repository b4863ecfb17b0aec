package contacts

import (
	"strings"

	"github.com/sweeney/nfon-callmonitor/internal/phone"
)

// SnapshotSource provides the snapshot a lookup runs against.
type SnapshotSource interface {
	Snapshot() *Snapshot
}

// Resolver matches raw numbers against the latest directory snapshot.
type Resolver struct {
	source SnapshotSource
	plan   *phone.Plan
}

// NewResolver creates a Resolver. A nil plan uses phone.DefaultPlan.
func NewResolver(source SnapshotSource, plan *phone.Plan) *Resolver {
	if plan == nil {
		plan = phone.DefaultPlan()
	}
	return &Resolver{source: source, plan: plan}
}

// Resolve returns the best match for raw, or nil for empty input. Numbers
// without a directory hit still resolve to a labeled, formatted Match with an
// empty name.
func (r *Resolver) Resolve(raw string) *Match {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	normalized := phone.Normalize(raw)

	var snap *Snapshot
	if r.source != nil {
		snap = r.source.Snapshot()
	}

	out := Match{}
	if c, fuzzy, ok := r.lookup(snap, normalized); ok {
		out.Name = c.Name
		out.ContactID = c.ContactID
		out.Fuzzy = fuzzy
	}

	if formatted, ok := r.plan.FormatNice(normalized); ok {
		out.Formatted = formatted
	} else {
		out.Formatted = raw
	}
	if label, ok := r.plan.Label(normalized); ok {
		out.City = label
	}
	return &out
}

// ResolveMany resolves every non-empty number, keyed by the original input string.
func (r *Resolver) ResolveMany(numbers []string) map[string]Match {
	out := make(map[string]Match, len(numbers))
	for _, n := range numbers {
		if n == "" {
			continue
		}
		if m := r.Resolve(n); m != nil {
			out[n] = *m
		}
	}
	return out
}

func (r *Resolver) lookup(snap *Snapshot, normalized string) (Contact, int, bool) {
	if snap.Len() == 0 || normalized == "" {
		return Contact{}, 0, false
	}

	for _, e := range snap.entries {
		if phone.MatchNormalized(normalized, e.Normalized) {
			return e.Contact, 0, true
		}
	}

	if !r.plan.IsLandline(normalized) {
		return Contact{}, 0, false
	}
	for trim := 1; trim <= MaxFuzzyDigits; trim++ {
		if c, ok := fuzzyAt(snap.entries, normalized, trim); ok {
			return c, trim, true
		}
	}
	return Contact{}, 0, false
}

// fuzzyAt tries both trim directions at one level, directory order first.
func fuzzyAt(entries []Entry, normalized string, trim int) (Contact, bool) {
	shortened, inputOK := trimDigits(normalized, trim)
	for _, e := range entries {
		if inputOK && phone.MatchNormalized(shortened, e.Normalized) {
			return e.Contact, true
		}
		if entryShort, ok := trimDigits(e.Normalized, trim); ok && phone.MatchNormalized(normalized, entryShort) {
			return e.Contact, true
		}
	}
	return Contact{}, false
}

// trimDigits drops n trailing digits; ok is false when fewer than
// phone.MinMatchDigits digits would remain.
func trimDigits(s string, n int) (string, bool) {
	if len(s)-n < phone.MinMatchDigits {
		return "", false
	}
	return s[:len(s)-n], true
}
