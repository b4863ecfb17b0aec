package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sweeney/nfon-callmonitor/internal/config"
	"github.com/sweeney/nfon-callmonitor/internal/contacts"
)

func newLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <number>...",
		Short: "Resolve phone numbers against the contact directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			resolver, err := loadResolver(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			return writeJSON(cmd, resolver.ResolveMany(args))
		},
	}
}

// loadResolver refreshes the directory once and returns a resolver over it.
// Without a directory, or when the refresh fails, numbers still get
// fallback labels.
func loadResolver(ctx context.Context, cfg *config.Config, log *slog.Logger) (*contacts.Resolver, error) {
	plan, err := newPlan(cfg)
	if err != nil {
		return nil, err
	}
	cache, err := newDirectoryCache(cfg, log)
	if err != nil {
		return nil, err
	}
	if cache == nil {
		return contacts.NewResolver(noDirectory{}, plan), nil
	}
	if err := cache.Refresh(ctx); err != nil {
		log.Warn("directory refresh failed, using fallback labels only", "error", err)
	}
	return contacts.NewResolver(cache, plan), nil
}

type noDirectory struct{}

func (noDirectory) Snapshot() *contacts.Snapshot { return nil }

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
