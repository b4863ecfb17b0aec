package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/sweeney/nfon-callmonitor/internal/aggregator"
	"github.com/sweeney/nfon-callmonitor/internal/calls"
	"github.com/sweeney/nfon-callmonitor/internal/logger"
	"github.com/sweeney/nfon-callmonitor/internal/presence"
	"github.com/sweeney/nfon-callmonitor/internal/publisher"
)

// pipeline connects stream events to the aggregator, the store, the
// presence registry and the broadcaster.
type pipeline struct {
	agg       *aggregator.Aggregator
	registry  *presence.Registry
	broadcast *publisher.Broadcaster
}

type pipelineOptions struct {
	prefix     string
	staleAfter time.Duration
	clock      func() time.Time
}

func newPipeline(pub publisher.Publisher, st aggregator.Store, opts pipelineOptions, log *slog.Logger) *pipeline {
	if opts.clock == nil {
		opts.clock = time.Now
	}
	registry := presence.NewRegistry(presence.WithRegistryClock(opts.clock))
	bc := publisher.NewBroadcaster(pub, opts.prefix,
		publisher.WithBroadcastLogger(logger.Component(log, "broadcast")))
	agg := aggregator.New(
		aggregator.WithClock(opts.clock),
		aggregator.WithStore(st),
		aggregator.WithObserver(registry),
		aggregator.WithObserver(bc),
		aggregator.WithStaleAfter(opts.staleAfter),
		aggregator.WithLogger(logger.Component(log, "aggregator")),
	)
	return &pipeline{agg: agg, registry: registry, broadcast: bc}
}

// handle is the stream client's event handler.
func (p *pipeline) handle(ctx context.Context, evt calls.CallEvent) {
	p.agg.Process(ctx, evt)
}

// bootstrap seeds extension names and presence and publishes the initial list.
func (p *pipeline) bootstrap(states []presence.ExtensionState, names map[string]string, lines []presence.LineState) {
	p.agg.SetExtensionNames(names)
	p.registry.Load(states, lines)
	p.broadcast.Extensions(p.registry.Snapshot())
}
