package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sweeney/nfon-callmonitor/internal/config"
	"github.com/sweeney/nfon-callmonitor/internal/contacts"
	"github.com/sweeney/nfon-callmonitor/internal/cti"
	"github.com/sweeney/nfon-callmonitor/internal/logger"
	"github.com/sweeney/nfon-callmonitor/internal/phone"
	"github.com/sweeney/nfon-callmonitor/internal/presence"
	"github.com/sweeney/nfon-callmonitor/internal/publisher"
	"github.com/sweeney/nfon-callmonitor/internal/store"
)

// loadConfig reads --config and builds the process logger from it.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(log)
	return cfg, log, nil
}

func newPlan(cfg *config.Config) (*phone.Plan, error) {
	return phone.NewPlan(
		phone.WithMobilePrefixes(cfg.Phone.MobilePrefixes),
		phone.WithSpecialPrefixes(cfg.Phone.SpecialPrefixes),
	)
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Store.Driver == "memory" {
		return store.NewMemoryStore(), nil
	}
	return store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, store.PoolConfig{
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
}

func newPublisher(ctx context.Context, cfg *config.Config) (publisher.Publisher, error) {
	b := cfg.Broadcast
	switch b.Driver {
	case "mqtt":
		return publisher.NewMQTTPublisher(publisher.MQTTOptions{
			Broker:   b.MQTT.Broker,
			ClientID: b.MQTT.ClientID,
			Username: b.MQTT.Username,
			Password: b.MQTT.Password,
			QoS:      byte(b.MQTT.QoS),
			Retain:   b.MQTT.Retain,
			Timeout:  publisher.DefaultPublishTimeout,
		})
	case "redis":
		return publisher.NewRedisPublisher(ctx, publisher.RedisOptions{
			Addr:     b.Redis.Addr,
			Password: b.Redis.Password,
			DB:       b.Redis.DB,
		})
	default:
		return publisher.Nop{}, nil
	}
}

func newCTIClient(cfg *config.Config, log *slog.Logger) (*cti.Client, error) {
	return cti.NewClient(cti.Options{
		BaseURL:  cfg.CTI.BaseURL,
		Username: cfg.CTI.Username,
		Password: cfg.CTI.Password,
		Timeout:  cfg.CTI.Timeout,
		Logger:   logger.Component(log, "cti"),
	})
}

// newDirectoryCache returns nil when no directory is configured.
func newDirectoryCache(cfg *config.Config, log *slog.Logger) (*contacts.Cache, error) {
	if !cfg.Directory.Enabled() {
		return nil, nil
	}
	dir, err := contacts.NewHTTPDirectory(contacts.HTTPDirectoryOptions{
		BaseURL:  cfg.Directory.BaseURL,
		DeviceID: cfg.Directory.DeviceID,
		Token:    cfg.Directory.Token,
		PageSize: cfg.Directory.PageSize,
	})
	if err != nil {
		return nil, err
	}
	return contacts.NewCache(dir,
		contacts.WithConcurrency(cfg.Directory.Concurrency),
		contacts.WithFieldTypes(cfg.Directory.FieldTypes),
		contacts.WithCacheLogger(logger.Component(log, "directory")),
	), nil
}

// extensionStates converts the PBX extension list into registry seeds and
// the number -> name directory used by the aggregator.
func extensionStates(exts []cti.Extension) ([]presence.ExtensionState, map[string]string) {
	states := make([]presence.ExtensionState, 0, len(exts))
	names := make(map[string]string, len(exts))
	for _, e := range exts {
		if e.Number == "" {
			continue
		}
		states = append(states, presence.ExtensionState{
			UUID:            e.UUID,
			ExtensionNumber: e.Number,
			Name:            e.Name,
		})
		if e.Name != "" {
			names[e.Number] = e.Name
		}
	}
	return states, names
}
