// Package presence keeps the per-extension line and presence state and polls
// the PBX for changes on an adaptive schedule.
package presence

import (
	"cmp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sweeney/nfon-callmonitor/internal/calls"
)

// PresenceOffline is assumed for extensions the PBX reports no state for.
const PresenceOffline = "offline"

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// LineState is one row of the PBX line-state listing.
type LineState struct {
	Customer  string `json:"customer"`
	Extension string `json:"extension"`
	Line      string `json:"line"`
	Presence  string `json:"presence"`
	Updated   string `json:"updated"`
}

// ExtensionState is the live state of one configured extension.
type ExtensionState struct {
	UUID            string    `json:"uuid,omitempty"`
	ExtensionNumber string    `json:"extensionNumber"`
	Name            string    `json:"name"`
	Presence        string    `json:"presence"`
	Line            string    `json:"line,omitempty"`
	LastStateChange time.Time `json:"lastStateChange"`
	AgentLoggedIn   bool      `json:"agentLoggedIn"`
	CurrentCall     string    `json:"currentCallId,omitempty"`
}

// Registry holds one ExtensionState per configured extension. Entries are
// created by Load and only ever mutated afterwards.
type Registry struct {
	mu    sync.Mutex
	exts  map[string]*ExtensionState
	clock Clock
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock sets the time source for state-change timestamps.
func WithRegistryClock(c Clock) RegistryOption {
	return func(r *Registry) { r.clock = c }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{exts: make(map[string]*ExtensionState), clock: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load registers extensions and seeds them from the initial line states.
// Already known extensions keep their state; only the name is refreshed.
func (r *Registry) Load(exts []ExtensionState, lines []LineState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byExt := indexLines(lines)
	now := r.clock()
	for _, e := range exts {
		if cur, ok := r.exts[e.ExtensionNumber]; ok {
			cur.Name = e.Name
			continue
		}
		st := e
		st.Presence = PresenceOffline
		if l, ok := byExt[e.ExtensionNumber]; ok {
			st.Presence = presenceOf(l)
			st.Line = l.Line
		}
		st.AgentLoggedIn = st.Presence != PresenceOffline
		st.LastStateChange = now
		r.exts[e.ExtensionNumber] = &st
	}
}

// Apply diffs fresh line states against the registry and reports whether any
// extension changed. Lines for unknown extensions are ignored.
func (r *Registry) Apply(lines []LineState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	byExt := indexLines(lines)
	now := r.clock()
	changed := false
	for num, st := range r.exts {
		presence, line := PresenceOffline, st.Line
		if l, ok := byExt[num]; ok {
			presence, line = presenceOf(l), l.Line
		}
		if presence == st.Presence && line == st.Line {
			continue
		}
		st.Presence = presence
		st.Line = line
		st.AgentLoggedIn = presence != PresenceOffline
		st.LastStateChange = now
		changed = true
	}
	return changed
}

// CallChanged tracks the call currently ringing or active on each extension.
// It satisfies aggregator.Observer.
func (r *Registry) CallChanged(_ calls.EventKind, rec calls.CallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.exts[rec.Extension]
	if !ok {
		return
	}
	switch {
	case !rec.Status.Terminal():
		st.CurrentCall = rec.ID
	case st.CurrentCall == rec.ID:
		st.CurrentCall = ""
	}
}

// Snapshot returns copies of all extension states ordered by extension number.
func (r *Registry) Snapshot() []ExtensionState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ExtensionState, 0, len(r.exts))
	for _, st := range r.exts {
		out = append(out, *st)
	}
	// Shorter numbers first so "9" sorts before "10".
	slices.SortFunc(out, func(a, b ExtensionState) int {
		return cmp.Or(
			cmp.Compare(len(a.ExtensionNumber), len(b.ExtensionNumber)),
			strings.Compare(a.ExtensionNumber, b.ExtensionNumber),
		)
	})
	return out
}

// Len returns the number of registered extensions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.exts)
}

func indexLines(lines []LineState) map[string]LineState {
	m := make(map[string]LineState, len(lines))
	for _, l := range lines {
		m[l.Extension] = l
	}
	return m
}

func presenceOf(l LineState) string {
	if l.Presence == "" {
		return PresenceOffline
	}
	return l.Presence
}
