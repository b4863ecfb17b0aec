// Package store persists call records in SQLite or Postgres and offers the
// read paths used by the history command.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sweeney/nfon-callmonitor/internal/calls"
)

// ErrUnsupportedDriver is returned by Open for drivers other than sqlite and postgres.
var ErrUnsupportedDriver = errors.New("store: unsupported driver")

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Store is the persistence collaborator of the aggregator.
type Store interface {
	Upsert(ctx context.Context, rec calls.CallRecord) error
	ListActive(ctx context.Context) ([]calls.CallRecord, error)
	Query(ctx context.Context, f Filter) (Page, error)
	RecoverStale(ctx context.Context) (int, error)
	Close() error
}

// Filter selects call records. Zero values mean "no constraint".
type Filter struct {
	Extension string
	Status    calls.Status
	Direction calls.Direction
	From      time.Time
	To        time.Time
	Page      int
	PageSize  int
}

// Page is one page of query results, newest first.
type Page struct {
	Calls    []calls.CallRecord `json:"calls"`
	Total    int                `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"pageSize"`
}

// withDefaults clamps paging: page starts at 1, page size defaults to
// DefaultPageSize and is capped at MaxPageSize.
func (f Filter) withDefaults() Filter {
	out := f
	if out.Page < 1 {
		out.Page = 1
	}
	if out.PageSize <= 0 {
		out.PageSize = DefaultPageSize
	}
	if out.PageSize > MaxPageSize {
		out.PageSize = MaxPageSize
	}
	return out
}

func (f Filter) offset() int { return (f.Page - 1) * f.PageSize }

func (f Filter) match(rec calls.CallRecord) bool {
	switch {
	case f.Extension != "" && rec.Extension != f.Extension:
		return false
	case f.Status != "" && rec.Status != f.Status:
		return false
	case f.Direction != "" && rec.Direction != f.Direction:
		return false
	case !f.From.IsZero() && rec.StartTime.Before(f.From):
		return false
	case !f.To.IsZero() && rec.StartTime.After(f.To):
		return false
	}
	return true
}

func isOpen(s calls.Status) bool {
	return s == calls.StatusRinging || s == calls.StatusActive
}
