// Package contacts resolves phone numbers to directory contacts.
//
// A Cache periodically loads the upstream directory into an immutable Snapshot
// and publishes it with an atomic swap. A Resolver matches numbers against the
// current snapshot: exact suffix matches first, then fuzzy landline matches
// that tolerate up to MaxFuzzyDigits trailing digits of routing drift.
package contacts

import (
	"context"
	"errors"
	"time"

	"github.com/sweeney/nfon-callmonitor/internal/phone"
)

// ErrNotConfigured is returned when the directory service has no credentials.
var ErrNotConfigured = errors.New("contacts: directory not configured")

// MaxFuzzyDigits is the largest number of trailing digits trimmed in the fuzzy pass.
const MaxFuzzyDigits = 3

// Contact is a directory contact.
type Contact struct {
	Name      string `json:"name"`
	ContactID int    `json:"contactId"`
}

// Match is the result of resolving one number.
type Match struct {
	Name      string `json:"name"`
	ContactID int    `json:"contactId"`
	// Fuzzy is the number of trimmed trailing digits, 0 for an exact match.
	Fuzzy     int    `json:"fuzzy,omitempty"`
	City      string `json:"city,omitempty"`
	Formatted string `json:"formatted,omitempty"`
}

// Entry is one phone number of a contact, held inside a Snapshot.
type Entry struct {
	Normalized string
	Raw        string
	Contact    Contact
}

// NewEntry normalizes raw and builds an entry.
func NewEntry(raw string, c Contact) Entry {
	return Entry{Normalized: phone.Normalize(raw), Raw: raw, Contact: c}
}

// Snapshot is an immutable, ordered view of the directory. Directory order is
// the tie-break between equally good matches.
type Snapshot struct {
	entries  []Entry
	loadedAt time.Time
}

// NewSnapshot copies entries into a new snapshot.
func NewSnapshot(entries []Entry, loadedAt time.Time) *Snapshot {
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	return &Snapshot{entries: cp, loadedAt: loadedAt}
}

// Len returns the number of entries.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// LoadedAt returns when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.loadedAt
}

// ListItem is one row of the paginated directory listing.
type ListItem struct {
	Caption string `json:"caption"`
	Href    string `json:"href"`
	Value   int    `json:"value"`
}

// FieldDetail is the detail document behind a ListItem.
type FieldDetail struct {
	Value   string `json:"value"`
	Contact *struct {
		Caption string `json:"caption"`
		Value   int    `json:"value"`
	} `json:"contact"`
}

// Directory is the upstream contact directory.
type Directory interface {
	// ListItems returns every phone field of the given type, following pagination.
	ListItems(ctx context.Context, fieldType string) ([]ListItem, error)
	// Detail fetches the document behind a list item's href.
	Detail(ctx context.Context, href string) (FieldDetail, error)
}
