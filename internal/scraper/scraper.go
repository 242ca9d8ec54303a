// Package scraper drives aggregation passes and publishes their snapshots.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tternquist/pihole-sqlite-exporter/internal/ftl"
	"github.com/tternquist/pihole-sqlite-exporter/internal/metrics"
)

// ErrPassInProgress is returned when Refresh is called while another pass runs.
var ErrPassInProgress = errors.New("aggregation pass already in progress")

// Aggregator runs one full query catalog.
type Aggregator interface {
	Aggregate(ctx context.Context, w ftl.Window) (*ftl.Result, error)
}

// Publisher receives every published snapshot (for example a Redis mirror).
type Publisher interface {
	Publish(ctx context.Context, snap *metrics.Snapshot) error
}

// Notifier is told about failed passes.
type Notifier interface {
	NotifyScrapeError(ctx context.Context, err error, consecutiveFailures int)
}

// Status is the externally visible pass state used by health probes.
type Status struct {
	LastSuccess         bool
	Ever                bool
	LastAttempt         time.Time
	LastSuccessAt       time.Time
	LastError           string
	ConsecutiveFailures int
}

type Config struct {
	Hostname string
	// Timezone is the configured name, logged with failures.
	Timezone string
	Location *time.Location
	Interval time.Duration
	// Timeout caps one aggregation. Zero means no cap.
	Timeout time.Duration

	Registry   *metrics.Registry
	Store      *metrics.SnapshotStore
	Aggregator Aggregator
	Publisher  Publisher
	Notifier   Notifier
	Logger     *slog.Logger
	Now        func() time.Time
}

type Scraper struct {
	hostname string
	timezone string
	location *time.Location
	interval time.Duration
	timeout  time.Duration

	registry   *metrics.Registry
	store      *metrics.SnapshotStore
	aggregator Aggregator
	publisher  Publisher
	notifier   Notifier
	logger     *slog.Logger
	now        func() time.Time

	passMu sync.Mutex

	statusMu sync.Mutex
	status   Status
}

func New(cfg Config) (*Scraper, error) {
	if cfg.Registry == nil || cfg.Store == nil || cfg.Aggregator == nil {
		return nil, errors.New("scraper requires a registry, snapshot store and aggregator")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Interval < time.Second {
		cfg.Interval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scraper{
		hostname:   cfg.Hostname,
		timezone:   cfg.Timezone,
		location:   cfg.Location,
		interval:   cfg.Interval,
		timeout:    cfg.Timeout,
		registry:   cfg.Registry,
		store:      cfg.Store,
		aggregator: cfg.Aggregator,
		publisher:  cfg.Publisher,
		notifier:   cfg.Notifier,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}, nil
}

// Interval is the configured pass cadence.
func (s *Scraper) Interval() time.Duration {
	return s.interval
}

// Store returns the snapshot store passes publish into.
func (s *Scraper) Store() *metrics.SnapshotStore {
	return s.store
}

// Refresh runs one pass. It never waits for a running pass: a concurrent call
// returns ErrPassInProgress immediately. On failure the previously published
// snapshot stays in place and the error is returned.
func (s *Scraper) Refresh(ctx context.Context) error {
	if !s.passMu.TryLock() {
		s.logf(slog.LevelInfo, "scrape skipped; another scrape is still in progress")
		return ErrPassInProgress
	}
	defer s.passMu.Unlock()

	start := s.now()
	window := ftl.WindowAt(start, s.location)
	s.logf(slog.LevelDebug, "scrape start", "host", s.hostname, "sod", window.DayStart, "now", window.Now, "tz", s.timezone)

	res, payload, err := s.pass(ctx, start, window)
	if err != nil {
		s.fail(ctx, start, window, err)
		return err
	}

	snap := s.store.Publish(payload, s.now())
	res.Commit()
	elapsed := s.now().Sub(start)
	s.registry.SetScrapeResult(elapsed, true)

	s.statusMu.Lock()
	s.status.LastSuccess = true
	s.status.Ever = true
	s.status.LastAttempt = start
	s.status.LastSuccessAt = snap.Timestamp
	s.status.LastError = ""
	s.status.ConsecutiveFailures = 0
	s.statusMu.Unlock()

	s.logf(slog.LevelDebug, "scrape complete", "duration", elapsed, "bytes", len(payload))

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, snap); err != nil {
			s.logf(slog.LevelWarn, "snapshot mirror publish failed", "err", err)
		}
	}
	return nil
}

// pass aggregates, applies and serialises. The duration gauge is written
// before serialising so the payload carries it.
func (s *Scraper) pass(ctx context.Context, start time.Time, window ftl.Window) (*ftl.Result, []byte, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	res, err := s.aggregator.Aggregate(ctx, window)
	if err != nil {
		return nil, nil, err
	}
	if res == nil {
		return nil, nil, errors.New("aggregator returned no result")
	}
	s.registry.Apply(res)
	s.registry.SetScrapeResult(s.now().Sub(start), true)
	payload, err := s.registry.Encode()
	if err != nil {
		return nil, nil, fmt.Errorf("serialise snapshot: %w", err)
	}
	return res, payload, nil
}

func (s *Scraper) fail(ctx context.Context, start time.Time, window ftl.Window, err error) {
	s.registry.SetScrapeResult(s.now().Sub(start), false)
	s.store.SetError(err)

	s.statusMu.Lock()
	s.status.LastSuccess = false
	s.status.LastAttempt = start
	s.status.LastError = err.Error()
	s.status.ConsecutiveFailures++
	failures := s.status.ConsecutiveFailures
	s.statusMu.Unlock()

	s.logf(slog.LevelError, "scrape failed",
		"host", s.hostname, "tz", s.timezone, "sod", window.DayStart, "now", window.Now,
		"consecutive_failures", failures, "err", err)

	if s.notifier != nil {
		s.notifier.NotifyScrapeError(ctx, err, failures)
	}
}

// Status returns a copy of the current pass state.
func (s *Scraper) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

// Run loops passes until ctx is cancelled. Cancellation is only observed
// between passes; a running pass completes. Errors are logged, not returned.
func (s *Scraper) Run(ctx context.Context) {
	passCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		start := s.now()
		if err := s.Refresh(passCtx); err != nil && !errors.Is(err, ErrPassInProgress) {
			s.logf(slog.LevelDebug, "background scrape failed", "err", err)
		}
		wait := s.interval - s.now().Sub(start)
		if wait < time.Second {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Start runs Run in a goroutine.
func (s *Scraper) Start(ctx context.Context) {
	go s.Run(ctx)
}

func (s *Scraper) logf(level slog.Level, msg string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Log(context.Background(), level, msg, args...)
}
