package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/tternquist/pihole-sqlite-exporter/internal/anonymize"
	"github.com/tternquist/pihole-sqlite-exporter/internal/config"
	"github.com/tternquist/pihole-sqlite-exporter/internal/destname"
	"github.com/tternquist/pihole-sqlite-exporter/internal/ftl"
	"github.com/tternquist/pihole-sqlite-exporter/internal/logging"
	"github.com/tternquist/pihole-sqlite-exporter/internal/metrics"
	"github.com/tternquist/pihole-sqlite-exporter/internal/mirror"
	"github.com/tternquist/pihole-sqlite-exporter/internal/ratetracker"
	"github.com/tternquist/pihole-sqlite-exporter/internal/scraper"
	"github.com/tternquist/pihole-sqlite-exporter/internal/server"
	"github.com/tternquist/pihole-sqlite-exporter/internal/webhook"
)

const shutdownTimeout = 5 * time.Second

// runServer loads config, wires components, starts the scraper and the HTTP
// server, and blocks until ctx is cancelled.
func runServer(ctx context.Context, configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Logging.Verbose = true
	}
	logger := logging.NewLogger(os.Stdout, logging.Config{
		Format:  cfg.Logging.Format,
		Level:   cfg.Logging.Level,
		Verbose: cfg.Logging.Verbose,
	})
	return run(ctx, cfg, logger)
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	commit := os.Getenv("GIT_COMMIT")
	if commit == "" {
		commit = "unknown"
	}
	logger.Info("starting pihole-exporter",
		"commit", commit,
		"ftl_db", cfg.Sources.FTLDB,
		"gravity_db", cfg.Sources.GravityDB,
		"listen", cfg.Server.Listen,
		"hostname", cfg.Exporter.HostnameLabel,
		"tz", cfg.Exporter.Timezone,
		"top_n", cfg.Exporter.TopN,
		"interval", cfg.Scrape.Interval.Duration,
		"request_rate_mode", cfg.RequestRate.Mode)

	loc, err := cfg.Location()
	if err != nil {
		logger.Warn("unknown time zone; falling back to local time", "tz", cfg.Exporter.Timezone, "err", err)
		loc = time.Local
	}

	registry := metrics.NewRegistry(cfg.Exporter.HostnameLabel, logging.Component(logger, "metrics"))
	store := metrics.NewSnapshotStore()

	opts := ftl.Options{
		FTLPath:              cfg.Sources.FTLDB,
		GravityPath:          cfg.Sources.GravityDB,
		TopN:                 cfg.Exporter.TopN,
		LifetimeDestinations: cfg.LifetimeDestinationsEnabled(),
		Rate:                 ratetracker.New(cfg.RequestRate.Mode, cfg.RequestRate.Window.Duration, logging.Component(logger, "request_rate")),
		Namer: destname.New(destname.Config{
			Names:         cfg.Destinations.Names,
			ReverseLookup: cfg.Destinations.ReverseLookup != nil && *cfg.Destinations.ReverseLookup,
			Resolver:      cfg.Destinations.Resolver,
			LookupTimeout: cfg.Destinations.LookupTimeout.Duration,
			CacheTTL:      cfg.Destinations.CacheTTL.Duration,
			Logger:        logging.Component(logger, "destname"),
		}),
		Logger: logging.Component(logger, "ftl"),
	}
	if cfg.Exporter.LifetimeDestinationsCache != nil {
		opts.LifetimeCacheTTL = cfg.Exporter.LifetimeDestinationsCache.Duration
	}
	if masker := anonymize.NewMasker(cfg.Privacy.AnonymizeSources); masker != nil {
		opts.Masker = masker
	}
	catalog, err := ftl.NewCatalog(opts)
	if err != nil {
		return err
	}

	scrapeCfg := scraper.Config{
		Hostname:   cfg.Exporter.HostnameLabel,
		Timezone:   cfg.Exporter.Timezone,
		Location:   loc,
		Interval:   cfg.Scrape.Interval.Duration,
		Timeout:    cfg.Scrape.Timeout.Duration,
		Registry:   registry,
		Store:      store,
		Aggregator: catalog,
		Logger:     logging.Component(logger, "scraper"),
	}

	var snapshotMirror *mirror.RedisMirror
	if cfg.Mirror.Enabled != nil && *cfg.Mirror.Enabled {
		m, err := mirror.NewRedisMirror(cfg.Mirror.Redis, cfg.Mirror.Key, cfg.Mirror.TTL.Duration, logging.Component(logger, "mirror"))
		if err != nil {
			logger.Warn("snapshot mirror disabled", "err", err)
		} else if m != nil {
			snapshotMirror = m
			scrapeCfg.Publisher = m
			defer func() { _ = m.Close() }()
		}
	}

	if hook := cfg.Webhooks.OnScrapeError; hook != nil && hook.Enabled != nil && *hook.Enabled {
		scrapeCfg.Notifier = webhook.NewNotifier(
			hook.URL,
			cfg.Exporter.HostnameLabel,
			hook.Timeout.Duration,
			hook.RateLimitMaxMessages,
			hook.RateLimitTimeframe.Duration,
			logging.Component(logger, "webhook"),
		)
	}

	s, err := scraper.New(scrapeCfg)
	if err != nil {
		return err
	}

	if err := s.Refresh(ctx); err != nil {
		logger.Warn("initial scrape failed; serving 503 until a pass succeeds", "err", err)
		seedFromMirror(ctx, snapshotMirror, store, logger)
	}
	s.Start(ctx)

	httpServer, err := server.Start(server.Config{
		Listen:   cfg.Server.Listen,
		Interval: cfg.Scrape.Interval.Duration,
		Auth: server.BasicAuth{
			Username:     cfg.Server.Auth.Username,
			PasswordHash: cfg.Server.Auth.PasswordHash,
		},
		ColdStartRefreshInterval: cfg.Server.ColdStartRefreshInterval.Duration,
		ReadTimeout:              cfg.Server.ReadTimeout.Duration,
		WriteTimeout:             cfg.Server.WriteTimeout.Duration,
		Scraper:                  s,
		Store:                    store,
		Logger:                   logging.Component(logger, "http"),
	})
	if err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown requested")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// seedFromMirror serves the last mirrored exposition while this instance has
// none of its own. Readiness still waits for a local pass.
func seedFromMirror(ctx context.Context, m *mirror.RedisMirror, store *metrics.SnapshotStore, logger *slog.Logger) {
	if m == nil {
		return
	}
	if _, err := store.Load(); err == nil {
		return
	}
	snap, err := m.Latest(ctx)
	if err != nil {
		if !errors.Is(err, metrics.ErrNoSnapshot) {
			logger.Warn("reading mirrored snapshot failed", "err", err)
		}
		return
	}
	store.Publish(snap.Payload, snap.Timestamp)
	logger.Info("serving mirrored snapshot until the first successful scrape", "snapshot_time", snap.Timestamp)
}
