// Package server exposes the published snapshot and the health probes over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/tternquist/pihole-sqlite-exporter/internal/metrics"
	"github.com/tternquist/pihole-sqlite-exporter/internal/scraper"
)

// Scraper is the part of *scraper.Scraper the HTTP layer needs.
type Scraper interface {
	Refresh(ctx context.Context) error
	Status() scraper.Status
}

// Config holds dependencies for the HTTP server.
type Config struct {
	Listen   string
	Interval time.Duration
	Auth     BasicAuth
	// ColdStartRefreshInterval is the minimum spacing between synchronous
	// refreshes triggered by /metrics while no snapshot exists.
	ColdStartRefreshInterval time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration

	Scraper Scraper
	Store   *metrics.SnapshotStore
	Logger  *slog.Logger
	Now     func() time.Time
}

// Handler builds the route table. Unknown paths get the mux's 404 and
// non-GET/HEAD methods a 405.
func Handler(cfg Config) http.Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	coldStart := cfg.ColdStartRefreshInterval
	if coldStart <= 0 {
		coldStart = 5 * time.Second
	}
	metricsHandler := cfg.Auth.wrap(handleMetrics(cfg.Store, cfg.Scraper, rate.NewLimiter(rate.Every(coldStart), 1), cfg.Logger))

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler)
	mux.Handle("GET /{$}", metricsHandler)
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Scraper, cfg.Store, cfg.Interval, cfg.Now))
	mux.HandleFunc("GET /readyz", handleReady(cfg.Scraper))
	return mux
}

// Start binds the listener and serves in the background. Bind errors are
// returned so startup can fail fast.
func Start(cfg Config) (*http.Server, error) {
	if cfg.Listen == "" {
		return nil, errors.New("server: missing listen address")
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           Handler(cfg),
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			if cfg.Logger != nil {
				cfg.Logger.Error("http server error", "err", err)
			}
		}
	}()
	if cfg.Logger != nil {
		cfg.Logger.Info("HTTP server ready; waiting for scrapes", "addr", ln.Addr().String())
	}
	return server, nil
}

func handleMetrics(store *metrics.SnapshotStore, s Scraper, coldStart *rate.Limiter, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if logger != nil {
			logger.Debug("metrics request", "remote", r.RemoteAddr, "user_agent", r.UserAgent())
		}
		start := time.Now()
		snap, err := store.Load()
		if errors.Is(err, metrics.ErrNoSnapshot) {
			snap, err = coldStartRefresh(r.Context(), store, s, coldStart)
		}
		if err != nil {
			writeText(w, r, http.StatusServiceUnavailable, "metrics snapshot unavailable: "+err.Error()+"\n", logger)
			return
		}

		w.Header().Set("Content-Type", metrics.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(snap.Payload)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		if _, err := w.Write(snap.Payload); err != nil {
			if logger != nil {
				logger.Debug("client disconnected while serving metrics", "err", err)
			}
			return
		}
		if logger != nil {
			logger.Debug("served metrics", "bytes", len(snap.Payload), "elapsed", time.Since(start))
		}
	}
}

// coldStartWait bounds how long a cold-start request waits for a pass that
// another caller already started.
const coldStartWait = 10 * time.Second

// coldStartRefresh runs a synchronous pass when nothing has been published
// yet. The limiter keeps a broken source from being hammered by scrapers.
// The pass outlives the request so a disconnecting client cannot abort it.
func coldStartRefresh(ctx context.Context, store *metrics.SnapshotStore, s Scraper, limiter *rate.Limiter) (*metrics.Snapshot, error) {
	before, _ := store.Load()
	if s != nil && limiter.Allow() {
		err := s.Refresh(context.WithoutCancel(ctx))
		switch {
		case errors.Is(err, scraper.ErrPassInProgress):
			waitForPublish(ctx, store, before)
		case err != nil:
			return nil, err
		}
	}
	snap, err := store.Load()
	if err != nil && snap != nil && snap.LastError != "" {
		return nil, errors.New(snap.LastError)
	}
	return snap, err
}

// waitForPublish polls until the store holds a snapshot other than before,
// the request ends, or coldStartWait elapses.
func waitForPublish(ctx context.Context, store *metrics.SnapshotStore, before *metrics.Snapshot) {
	deadline := time.NewTimer(coldStartWait)
	defer deadline.Stop()
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cur, _ := store.Load(); cur != before {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

func handleHealth(s Scraper, store *metrics.SnapshotStore, interval time.Duration, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, msg := healthStatus(s.Status(), store, interval, now())
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		writeText(w, r, status, msg, nil)
	}
}

func healthStatus(st scraper.Status, store *metrics.SnapshotStore, interval time.Duration, now time.Time) (bool, string) {
	if !st.LastAttempt.IsZero() && !st.LastSuccess {
		return false, "last scrape failed\n"
	}
	snap, err := store.Load()
	if err != nil || !st.Ever {
		return false, "no successful scrape yet\n"
	}
	if age := snap.Age(now); age > 2*interval {
		return false, fmt.Sprintf("snapshot too old: %ds\n", int64(age.Seconds()))
	}
	return true, "ok\n"
}

func handleReady(s Scraper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Status().Ever {
			writeText(w, r, http.StatusOK, "ready\n", nil)
			return
		}
		writeText(w, r, http.StatusServiceUnavailable, "waiting for first successful scrape\n", nil)
	}
}

func writeText(w http.ResponseWriter, r *http.Request, status int, body string, logger *slog.Logger) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write([]byte(body)); err != nil && logger != nil {
		logger.Debug("client disconnected while writing response", "err", err)
	}
}
