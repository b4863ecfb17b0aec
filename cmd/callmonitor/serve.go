package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/nfon-callmonitor/internal/config"
	"github.com/sweeney/nfon-callmonitor/internal/contacts"
	"github.com/sweeney/nfon-callmonitor/internal/cti"
	"github.com/sweeney/nfon-callmonitor/internal/health"
	"github.com/sweeney/nfon-callmonitor/internal/logger"
	"github.com/sweeney/nfon-callmonitor/internal/presence"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume the PBX call stream, record calls and broadcast changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := serve(ctx, cfg, log); err != nil {
				log.Error("serve failed", "error", err)
				return err
			}
			log.Info("shutdown complete")
			return nil
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	n, err := st.RecoverStale(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Info("finalized stale calls from previous run", "count", n)
	}

	pub, err := newPublisher(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting broadcast: %w", err)
	}
	defer pub.Close()
	log.Info("broadcast ready", "driver", cfg.Broadcast.Driver, "prefix", cfg.Broadcast.TopicPrefix)

	client, err := newCTIClient(cfg, log)
	if err != nil {
		return err
	}
	if err := client.Login(ctx); err != nil {
		return fmt.Errorf("pbx login: %w", err)
	}
	log.Info("logged in to PBX", "account", client.Account())

	p := newPipeline(pub, st, pipelineOptions{
		prefix:     cfg.Broadcast.TopicPrefix,
		staleAfter: cfg.Aggregator.StaleAfter,
	}, log)

	exts, err := client.Extensions(ctx)
	if err != nil {
		return fmt.Errorf("loading extensions: %w", err)
	}
	lines, err := client.LineStates(ctx)
	if err != nil {
		log.Warn("loading line states failed, extensions start offline", "error", err)
	}
	states, names := extensionStates(exts)
	p.bootstrap(states, names, lines)
	log.Info("extensions loaded", "count", p.registry.Len())

	cache, err := newDirectoryCache(cfg, log)
	if err != nil {
		return err
	}
	plan, err := newPlan(cfg)
	if err != nil {
		return err
	}
	var resolver *contacts.Resolver
	if cache != nil {
		resolver = contacts.NewResolver(cache, plan)
	} else {
		resolver = contacts.NewResolver(noDirectory{}, plan)
	}

	stream := cti.NewStreamClient(client, p.handle,
		cti.WithStatus(p.broadcast.StreamStatus),
		cti.WithReconnectDelay(cfg.CTI.ReconnectDelay),
		cti.WithStreamLogger(logger.Component(log, "stream")),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stream.Run(ctx)
		return nil
	})
	g.Go(func() error {
		p.agg.RunReaper(ctx, cfg.Aggregator.ReapInterval)
		return nil
	})
	g.Go(func() error {
		client.RunTokenRefresh(ctx, cfg.CTI.RefreshInterval)
		return nil
	})
	if cache != nil {
		g.Go(func() error {
			cache.Run(ctx, cfg.Directory.RefreshInterval)
			return nil
		})
	}
	if cfg.Presence.Enabled {
		poller := presence.NewPoller(client, p.registry,
			presence.WithLastEvent(p.agg.LastEventTime),
			presence.WithNotify(p.broadcast.Extensions),
			presence.WithPollerLogger(logger.Component(log, "presence")),
		)
		g.Go(func() error {
			poller.Run(ctx)
			return nil
		})
	}
	if cfg.Health.Addr != "" {
		src := health.Sources{
			StreamConnected: stream.Connected,
			ActiveCalls:     p.agg.ActiveCount,
			Lookup:          resolver,
		}
		if cache != nil {
			src.Directory = cache.Snapshot
		}
		router := health.Router(src, logger.Component(log, "health"))
		g.Go(func() error {
			return health.Serve(ctx, cfg.Health.Addr, router, log)
		})
	}

	return g.Wait()
}
