// Package ftl runs the fixed aggregation catalog against Pi-hole's FTL
// database and returns the values of one pass.
package ftl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tternquist/pihole-sqlite-exporter/internal/ftldb"
	"github.com/tternquist/pihole-sqlite-exporter/internal/ratetracker"
)

// ErrSourceUnavailable marks a pass that could not open the FTL database.
var ErrSourceUnavailable = errors.New("ftl database unavailable")

// Synthetic destinations reported next to real upstreams.
const (
	DestinationCache     = "cache"
	DestinationBlocklist = "blocklist"
)

// DestinationNamer resolves the destination_name label for an upstream.
type DestinationNamer interface {
	Name(ctx context.Context, address string) string
}

// SourceMasker rewrites the source labels of pihole_top_sources.
type SourceMasker interface {
	Mask(address, name string) (string, string)
}

type Options struct {
	FTLPath     string
	GravityPath string
	TopN        int

	LifetimeDestinations bool
	// LifetimeCacheTTL reuses the lifetime destination scan. Zero rescans every pass.
	LifetimeCacheTTL time.Duration

	Rate   *ratetracker.Tracker
	Namer  DestinationNamer
	Masker SourceMasker
	Logger *slog.Logger
	Now    func() time.Time
}

// Catalog owns the query text and the state that must survive passes
// (rate baseline, lifetime destination cache). Aggregate is not safe for
// concurrent use; the scraper serialises passes.
type Catalog struct {
	opts  Options
	stmts statements

	mu            sync.Mutex
	lifetime      map[string]int64
	lifetimeAt    time.Time
	lifetimeValid bool
}

func NewCatalog(opts Options) (*Catalog, error) {
	if opts.FTLPath == "" {
		return nil, errors.New("ftl database path is required")
	}
	stmts, err := buildStatements(opts.TopN)
	if err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Catalog{opts: opts, stmts: stmts}, nil
}

// Aggregate runs the full catalog for w. Any failure against the FTL database
// aborts the pass and returns no result. The gravity count never fails it.
func (c *Catalog) Aggregate(ctx context.Context, w Window) (*Result, error) {
	db, err := ftldb.Open(ctx, c.opts.FTLPath, c.opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	res, err := c.aggregate(ctx, db, w)
	if cerr := db.Close(); cerr != nil {
		c.logf(slog.LevelDebug, "close ftl db", "err", cerr)
	}
	if err != nil {
		return nil, err
	}
	res.DomainsBlocked = c.domainsBlocked(ctx)
	return res, nil
}

func (c *Catalog) aggregate(ctx context.Context, q ftldb.Querier, w Window) (*Result, error) {
	res := &Result{Window: w}
	var err error

	if res.TotalLifetime, err = ftldb.Scalar[int64](ctx, q, "counter total", sqlCounterTotal); err != nil {
		return nil, err
	}
	if res.BlockedLifetime, err = ftldb.Scalar[int64](ctx, q, "counter blocked", sqlCounterBlocked); err != nil {
		return nil, err
	}
	c.logf(slog.LevelDebug, "ftl counters", "total", res.TotalLifetime, "blocked", res.BlockedLifetime)

	if c.opts.LifetimeDestinations {
		lifetime, err := c.lifetimeDestinations(ctx, q)
		if err != nil {
			return nil, err
		}
		res.LifetimeDestinations = c.named(ctx, lifetime)
	}

	if res.ClientsEverSeen, err = ftldb.Scalar[int64](ctx, q, "clients ever seen", sqlClientsEver); err != nil {
		return nil, err
	}
	if res.QueriesToday, err = ftldb.Scalar[int64](ctx, q, "queries today", sqlQueriesToday, w.DayStart); err != nil {
		return nil, err
	}
	if res.BlockedToday, err = ftldb.Scalar[int64](ctx, q, "blocked today", c.stmts.blockedToday, w.DayStart); err != nil {
		return nil, err
	}
	res.PercentBlocked = Percentage(res.BlockedToday, res.QueriesToday)

	if res.UniqueClients, err = ftldb.Scalar[int64](ctx, q, "unique clients", sqlUniqueClients, w.TrailingDay()); err != nil {
		return nil, err
	}
	if res.UniqueDomains, err = ftldb.Scalar[int64](ctx, q, "unique domains", sqlUniqueDomains, w.TrailingDay()); err != nil {
		return nil, err
	}

	if res.QueryTypes, err = breakdown(ctx, q, "query types", sqlQueryTypes, w.DayStart, QueryTypes); err != nil {
		return nil, err
	}
	if res.ReplyTypes, err = breakdown(ctx, q, "reply types", sqlReplyTypes, w.DayStart, ReplyTypes); err != nil {
		return nil, err
	}

	if res.Forwarded, err = ftldb.Scalar[int64](ctx, q, "forwarded today", sqlForwardedToday, w.DayStart); err != nil {
		return nil, err
	}
	if res.Cached, err = ftldb.Scalar[int64](ctx, q, "cached today", sqlCachedToday, w.DayStart); err != nil {
		return nil, err
	}

	if res.Destinations, err = c.destinationsToday(ctx, q, w); err != nil {
		return nil, err
	}
	res.Destinations = append(res.Destinations,
		Destination{Address: DestinationCache, Name: DestinationCache, Count: res.Cached},
		Destination{Address: DestinationBlocklist, Name: DestinationBlocklist, Count: res.BlockedToday},
	)

	if res.TopAds, err = topCounts(ctx, q, "top ads", c.stmts.topAds, w.DayStart); err != nil {
		return nil, err
	}
	if res.TopQueries, err = topCounts(ctx, q, "top queries", c.stmts.topQueries, w.DayStart); err != nil {
		return nil, err
	}
	if res.TopSources, err = c.topSources(ctx, q, w.DayStart); err != nil {
		return nil, err
	}

	if c.opts.Rate != nil {
		var next ratetracker.Baseline
		if res.RequestRate, next, err = c.opts.Rate.Measure(ctx, q, time.Unix(w.Now, 0), res.TotalLifetime); err != nil {
			return nil, err
		}
		rate := c.opts.Rate
		res.OnCommit(func() { rate.Commit(next) })
	}
	return res, nil
}

// lifetimeDestinations is the expensive full-table scan. Results are reused
// for LifetimeCacheTTL.
func (c *Catalog) lifetimeDestinations(ctx context.Context, q ftldb.Querier) (map[string]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Now()
	if c.lifetimeValid && c.opts.LifetimeCacheTTL > 0 && now.Sub(c.lifetimeAt) < c.opts.LifetimeCacheTTL {
		return c.lifetime, nil
	}

	rows, err := q.QueryContext(ctx, sqlLifetimeForwards)
	if err != nil {
		return nil, fmt.Errorf("lifetime destinations: %w", err)
	}
	lifetime := make(map[string]int64)
	for rows.Next() {
		var fwd string
		var cnt int64
		if err := rows.Scan(&fwd, &cnt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("lifetime destinations: %w", err)
		}
		lifetime[fwd] = cnt
	}
	if err := closeRows(rows, "lifetime destinations"); err != nil {
		return nil, err
	}

	if lifetime[DestinationCache], err = ftldb.Scalar[int64](ctx, q, "lifetime cache", sqlLifetimeCache); err != nil {
		return nil, err
	}
	if lifetime[DestinationBlocklist], err = ftldb.Scalar[int64](ctx, q, "lifetime blocked", c.stmts.lifetimeBlocked); err != nil {
		return nil, err
	}

	c.lifetime = lifetime
	c.lifetimeAt = now
	c.lifetimeValid = true
	c.logf(slog.LevelDebug, "lifetime destinations computed", "labelsets", len(lifetime))
	return lifetime, nil
}

// InvalidateLifetimeCache forces the next pass to rescan lifetime destinations.
func (c *Catalog) InvalidateLifetimeCache() {
	c.mu.Lock()
	c.lifetimeValid = false
	c.mu.Unlock()
}

func (c *Catalog) destinationsToday(ctx context.Context, q ftldb.Querier, w Window) ([]Destination, error) {
	rows, err := q.QueryContext(ctx, sqlForwardsToday, w.DayStart)
	if err != nil {
		return nil, fmt.Errorf("forward destinations: %w", err)
	}
	var dests []Destination
	for rows.Next() {
		var d Destination
		var avg sql.NullFloat64
		if err := rows.Scan(&d.Address, &d.Count, &avg); err != nil {
			rows.Close()
			return nil, fmt.Errorf("forward destinations: %w", err)
		}
		d.ResponseTime = avg.Float64
		dests = append(dests, d)
	}
	if err := closeRows(rows, "forward destinations"); err != nil {
		return nil, err
	}

	// Sample queries run after the outer cursor is closed; the handle has a
	// single connection.
	for i := range dests {
		samples, err := replyTimes(ctx, q, w.DayStart, dests[i].Address)
		if err != nil {
			return nil, err
		}
		dests[i].Variance = Variance(samples)
		dests[i].Name = c.name(ctx, dests[i].Address)
	}
	return dests, nil
}

func replyTimes(ctx context.Context, q ftldb.Querier, dayStart int64, forward string) ([]float64, error) {
	rows, err := q.QueryContext(ctx, sqlForwardReplyTimes, dayStart, forward)
	if err != nil {
		return nil, fmt.Errorf("reply times %s: %w", forward, err)
	}
	var samples []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return nil, fmt.Errorf("reply times %s: %w", forward, err)
		}
		samples = append(samples, v)
	}
	return samples, closeRows(rows, "reply times "+forward)
}

// breakdown returns one Count per static code, in table order, zero when the
// code had no rows. NULL codes are skipped.
func breakdown(ctx context.Context, q ftldb.Querier, name, query string, dayStart int64, codes []Code) ([]Count, error) {
	rows, err := q.QueryContext(ctx, query, dayStart)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	byCode := make(map[int64]int64)
	for rows.Next() {
		var code sql.NullInt64
		var cnt int64
		if err := rows.Scan(&code, &cnt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if !code.Valid {
			continue
		}
		byCode[code.Int64] = cnt
	}
	if err := closeRows(rows, name); err != nil {
		return nil, err
	}
	out := make([]Count, len(codes))
	for i, code := range codes {
		out[i] = Count{Label: code.Name, Count: byCode[int64(code.ID)]}
	}
	return out, nil
}

func topCounts(ctx context.Context, q ftldb.Querier, name, query string, dayStart int64) ([]Count, error) {
	rows, err := q.QueryContext(ctx, query, dayStart)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	var out []Count
	for rows.Next() {
		var label sql.NullString
		var cnt int64
		if err := rows.Scan(&label, &cnt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, Count{Label: label.String, Count: cnt})
	}
	return out, closeRows(rows, name)
}

func (c *Catalog) topSources(ctx context.Context, q ftldb.Querier, dayStart int64) ([]Source, error) {
	rows, err := q.QueryContext(ctx, c.stmts.topSources, dayStart)
	if err != nil {
		return nil, fmt.Errorf("top sources: %w", err)
	}
	var out []Source
	for rows.Next() {
		var addr, name sql.NullString
		var cnt int64
		if err := rows.Scan(&addr, &name, &cnt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("top sources: %w", err)
		}
		s := Source{Address: addr.String, Name: name.String, Count: cnt}
		if c.opts.Masker != nil {
			s.Address, s.Name = c.opts.Masker.Mask(s.Address, s.Name)
		}
		out = append(out, s)
	}
	if err := closeRows(rows, "top sources"); err != nil {
		return nil, err
	}
	return mergeSources(out), nil
}

// mergeSources folds rows that became identical after masking so the gauge
// never receives the same label set twice.
func mergeSources(in []Source) []Source {
	if len(in) < 2 {
		return in
	}
	idx := make(map[[2]string]int, len(in))
	out := in[:0]
	for _, s := range in {
		key := [2]string{s.Address, s.Name}
		if i, ok := idx[key]; ok {
			out[i].Count += s.Count
			continue
		}
		idx[key] = len(out)
		out = append(out, s)
	}
	return out
}

// domainsBlocked prefers gravity.db, then domain_by_id in the FTL database,
// then 0.
func (c *Catalog) domainsBlocked(ctx context.Context) int64 {
	gravity := c.countIn(ctx, c.opts.GravityPath, "gravity count", sqlGravityCount)
	if v, ok := gravity.Get(); ok {
		return v
	}
	c.logf(slog.LevelInfo, "gravity db unavailable; falling back to domain_by_id", "reason", gravity.Reason())

	fallback := c.countIn(ctx, c.opts.FTLPath, "domain_by_id count", sqlDomainByID)
	if v, ok := fallback.Get(); ok {
		return v
	}
	c.logf(slog.LevelWarn, "fallback domain count failed", "err", fallback.Reason())
	return 0
}

func (c *Catalog) countIn(ctx context.Context, path, name, query string) ftldb.Outcome[int64] {
	if path == "" {
		return ftldb.Unavailable[int64](errors.New("path not configured"))
	}
	db, err := ftldb.Open(ctx, path, c.opts.Logger)
	if err != nil {
		return ftldb.Unavailable[int64](err)
	}
	defer db.Close()
	v, err := ftldb.Scalar[int64](ctx, db, name, query)
	if err != nil {
		return ftldb.Unavailable[int64](err)
	}
	return ftldb.Available(v)
}

func (c *Catalog) named(ctx context.Context, lifetime map[string]int64) []Destination {
	addrs := make([]string, 0, len(lifetime))
	for addr := range lifetime {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	out := make([]Destination, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, Destination{Address: addr, Name: c.name(ctx, addr), Count: lifetime[addr]})
	}
	return out
}

func (c *Catalog) name(ctx context.Context, addr string) string {
	if addr == DestinationCache || addr == DestinationBlocklist || c.opts.Namer == nil {
		return addr
	}
	if name := c.opts.Namer.Name(ctx, addr); name != "" {
		return name
	}
	return addr
}

func closeRows(rows *sql.Rows, name string) error {
	err := rows.Err()
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (c *Catalog) logf(level slog.Level, msg string, args ...any) {
	if c.opts.Logger == nil {
		return
	}
	c.opts.Logger.Log(context.Background(), level, msg, args...)
}
