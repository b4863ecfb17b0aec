package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweeney/nfon-callmonitor/internal/calls"
	"github.com/sweeney/nfon-callmonitor/internal/contacts"
	"github.com/sweeney/nfon-callmonitor/internal/store"
)

// historyEntry is a stored call with resolved caller and callee.
type historyEntry struct {
	calls.CallRecord
	CallerContact *contacts.Match `json:"callerContact,omitempty"`
	CalleeContact *contacts.Match `json:"calleeContact,omitempty"`
}

type historyPage struct {
	Calls    []historyEntry `json:"calls"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"pageSize"`
}

func newHistoryCmd() *cobra.Command {
	var (
		f       store.Filter
		status  string
		dir     string
		from    string
		to      string
		active  bool
		resolve bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded calls, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			f.Status = calls.Status(status)
			f.Direction = calls.Direction(dir)
			if f.From, err = parseDate(from, false); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			if f.To, err = parseDate(to, true); err != nil {
				return fmt.Errorf("--to: %w", err)
			}

			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			var page store.Page
			if active {
				recs, err := st.ListActive(ctx)
				if err != nil {
					return err
				}
				page = store.Page{Calls: recs, Total: len(recs), Page: 1, PageSize: len(recs)}
			} else if page, err = st.Query(ctx, f); err != nil {
				return err
			}

			out := historyPage{
				Calls:    make([]historyEntry, 0, len(page.Calls)),
				Total:    page.Total,
				Page:     page.Page,
				PageSize: page.PageSize,
			}
			var resolver *contacts.Resolver
			if resolve {
				if resolver, err = loadResolver(ctx, cfg, log); err != nil {
					return err
				}
			}
			for _, rec := range page.Calls {
				e := historyEntry{CallRecord: rec}
				if resolver != nil {
					e.CallerContact = resolver.Resolve(rec.Caller)
					e.CalleeContact = resolver.Resolve(rec.Callee)
				}
				out.Calls = append(out.Calls, e)
			}
			return writeJSON(cmd, out)
		},
	}

	cmd.Flags().StringVar(&f.Extension, "extension", "", "Only calls on this extension")
	cmd.Flags().StringVar(&status, "status", "", "Only calls with this status (ringing, active, answered, missed, busy, rejected)")
	cmd.Flags().StringVar(&dir, "direction", "", "Only inbound or outbound calls")
	cmd.Flags().StringVar(&from, "from", "", "Start date, YYYY-MM-DD or RFC 3339")
	cmd.Flags().StringVar(&to, "to", "", "End date (inclusive), YYYY-MM-DD or RFC 3339")
	cmd.Flags().IntVar(&f.Page, "page", 1, "Page number")
	cmd.Flags().IntVar(&f.PageSize, "page-size", store.DefaultPageSize, "Page size (max 200)")
	cmd.Flags().BoolVar(&active, "active", false, "List ringing and active calls instead")
	cmd.Flags().BoolVar(&resolve, "resolve", true, "Resolve caller and callee against the directory")
	return cmd
}

// parseDate accepts a calendar date or an RFC 3339 timestamp. A bare date
// used as an upper bound covers the whole day.
func parseDate(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, time.Local)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t, nil
}
