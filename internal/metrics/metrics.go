package metrics

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/tternquist/pihole-sqlite-exporter/internal/ftl"
)

var format = expfmt.NewFormat(expfmt.TypeTextPlain)

// ContentType is the header value matching Encode's output.
var ContentType = string(format)

// Registry owns every pihole_* series. Writers are serialised by the scraper's
// pass lock; Gather is safe at any time.
type Registry struct {
	reg    *prometheus.Registry
	logger *slog.Logger
	totals *totalsCollector

	adsBlockedToday     prometheus.Gauge
	adsPercentageToday  prometheus.Gauge
	clientsEverSeen     prometheus.Gauge
	dnsQueriesAllTypes  prometheus.Gauge
	dnsQueriesToday     prometheus.Gauge
	domainsBeingBlocked prometheus.Gauge
	queriesCached       prometheus.Gauge
	queriesForwarded    prometheus.Gauge
	requestRate         prometheus.Gauge
	scrapeDuration      prometheus.Gauge
	scrapeSuccess       prometheus.Gauge
	status              prometheus.Gauge
	uniqueClients       prometheus.Gauge
	uniqueDomains       prometheus.Gauge

	forwardDestinations         *prometheus.GaugeVec
	forwardDestinationsRespTime *prometheus.GaugeVec
	forwardDestinationsRespVar  *prometheus.GaugeVec
	queryTypes                  *prometheus.GaugeVec
	replies                     *prometheus.GaugeVec
	topAds                      *prometheus.GaugeVec
	topQueries                  *prometheus.GaugeVec
	topSources                  *prometheus.GaugeVec
}

// NewRegistry builds a registry whose series all carry hostname as a label.
func NewRegistry(hostname string, logger *slog.Logger) *Registry {
	constLabels := prometheus.Labels{"hostname": hostname}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: constLabels})
	}
	gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: constLabels}, labels)
	}

	r := &Registry{
		reg:    prometheus.NewRegistry(),
		logger: logger,
		totals: newTotalsCollector(constLabels),

		adsBlockedToday:     gauge("pihole_ads_blocked_today", "Represents the number of ads blocked over the current day"),
		adsPercentageToday:  gauge("pihole_ads_percentage_today", "Represents the percentage of ads blocked over the current day"),
		clientsEverSeen:     gauge("pihole_clients_ever_seen", "Represents the number of clients ever seen"),
		dnsQueriesAllTypes:  gauge("pihole_dns_queries_all_types", "Represents the number of DNS queries across all types"),
		dnsQueriesToday:     gauge("pihole_dns_queries_today", "Represents the number of DNS queries made over the current day"),
		domainsBeingBlocked: gauge("pihole_domains_being_blocked", "Represents the number of domains being blocked"),
		queriesCached:       gauge("pihole_queries_cached", "Represents the number of cached queries"),
		queriesForwarded:    gauge("pihole_queries_forwarded", "Represents the number of forwarded queries"),
		requestRate:         gauge("pihole_request_rate", "Represents the number of requests per second"),
		scrapeDuration:      gauge("pihole_scrape_duration_seconds", "Time spent in the last aggregation pass in seconds"),
		scrapeSuccess:       gauge("pihole_scrape_success", "Whether the last scrape succeeded (1 for success, 0 for failure)"),
		status:              gauge("pihole_status", "Whether Pi-hole is enabled"),
		uniqueClients:       gauge("pihole_unique_clients", "Represents the number of unique clients seen in the last 24h"),
		uniqueDomains:       gauge("pihole_unique_domains", "Represents the number of unique domains seen"),

		forwardDestinations: gaugeVec("pihole_forward_destinations",
			"Represents the number of forward destination requests made by Pi-hole by destination",
			"destination", "destination_name"),
		forwardDestinationsRespTime: gaugeVec("pihole_forward_destinations_responsetime",
			"Represents the average response time of a destination in seconds",
			"destination", "destination_name"),
		forwardDestinationsRespVar: gaugeVec("pihole_forward_destinations_responsevariance",
			"Represents the response time variance of a destination in seconds",
			"destination", "destination_name"),
		queryTypes: gaugeVec("pihole_querytypes", "Represents the number of queries made by Pi-hole by type", "type"),
		replies:    gaugeVec("pihole_reply", "Represents the number of replies by type", "type"),
		topAds:     gaugeVec("pihole_top_ads", "Represents the number of top ads by domain", "domain"),
		topQueries: gaugeVec("pihole_top_queries", "Represents the number of top queries by domain", "domain"),
		topSources: gaugeVec("pihole_top_sources", "Represents the number of top sources by source host", "source", "source_name"),
	}

	r.reg.MustRegister(
		r.totals,
		r.adsBlockedToday,
		r.adsPercentageToday,
		r.clientsEverSeen,
		r.dnsQueriesAllTypes,
		r.dnsQueriesToday,
		r.domainsBeingBlocked,
		r.queriesCached,
		r.queriesForwarded,
		r.requestRate,
		r.scrapeDuration,
		r.scrapeSuccess,
		r.status,
		r.uniqueClients,
		r.uniqueDomains,
		r.forwardDestinations,
		r.forwardDestinationsRespTime,
		r.forwardDestinationsRespVar,
		r.queryTypes,
		r.replies,
		r.topAds,
		r.topQueries,
		r.topSources,
	)
	return r
}

// Gatherer exposes the underlying registry for tests and promhttp.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// ClearDynamic drops every label set of the per-pass series so a destination,
// domain or client absent from the next pass does not linger.
func (r *Registry) ClearDynamic() {
	r.topAds.Reset()
	r.topQueries.Reset()
	r.topSources.Reset()
	r.forwardDestinations.Reset()
	r.forwardDestinationsRespTime.Reset()
	r.forwardDestinationsRespVar.Reset()
}

// Apply publishes a complete pass result. Callers pass only successful results.
func (r *Registry) Apply(res *ftl.Result) {
	if res == nil {
		return
	}
	prevTotal, prevBlocked := r.totals.lifetime()
	if res.TotalLifetime < prevTotal || res.BlockedLifetime < prevBlocked {
		r.logf(slog.LevelInfo, "lifetime counters decreased; treating as new baseline",
			"previous_total", prevTotal, "total", res.TotalLifetime,
			"previous_blocked", prevBlocked, "blocked", res.BlockedLifetime)
	}
	r.totals.set(res.TotalLifetime, res.BlockedLifetime, res.LifetimeDestinations)

	r.ClearDynamic()

	r.status.Set(1)
	r.clientsEverSeen.Set(float64(res.ClientsEverSeen))
	r.dnsQueriesToday.Set(float64(res.QueriesToday))
	r.dnsQueriesAllTypes.Set(float64(res.QueriesToday))
	r.adsBlockedToday.Set(float64(res.BlockedToday))
	r.adsPercentageToday.Set(res.PercentBlocked)
	r.uniqueClients.Set(float64(res.UniqueClients))
	r.uniqueDomains.Set(float64(res.UniqueDomains))
	r.queriesForwarded.Set(float64(res.Forwarded))
	r.queriesCached.Set(float64(res.Cached))
	r.domainsBeingBlocked.Set(float64(res.DomainsBlocked))
	r.requestRate.Set(res.RequestRate)

	for _, c := range res.QueryTypes {
		r.queryTypes.WithLabelValues(c.Label).Set(float64(c.Count))
	}
	for _, c := range res.ReplyTypes {
		r.replies.WithLabelValues(c.Label).Set(float64(c.Count))
	}
	for _, d := range res.Destinations {
		r.forwardDestinations.WithLabelValues(d.Address, d.Name).Set(float64(d.Count))
		r.forwardDestinationsRespTime.WithLabelValues(d.Address, d.Name).Set(d.ResponseTime)
		r.forwardDestinationsRespVar.WithLabelValues(d.Address, d.Name).Set(d.Variance)
	}
	for _, c := range res.TopAds {
		r.topAds.WithLabelValues(c.Label).Set(float64(c.Count))
	}
	for _, c := range res.TopQueries {
		r.topQueries.WithLabelValues(c.Label).Set(float64(c.Count))
	}
	for _, s := range res.TopSources {
		r.topSources.WithLabelValues(s.Address, s.Name).Set(float64(s.Count))
	}
}

// SetScrapeResult records the duration and outcome of the latest pass.
func (r *Registry) SetScrapeResult(d time.Duration, success bool) {
	r.scrapeDuration.Set(d.Seconds())
	if success {
		r.scrapeSuccess.Set(1)
	} else {
		r.scrapeSuccess.Set(0)
	}
}

// Encode gathers the registry and renders it in the Prometheus text format.
func (r *Registry) Encode() ([]byte, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, format)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	if closer, ok := enc.(expfmt.Closer); ok {
		if err := closer.Close(); err != nil {
			return nil, fmt.Errorf("close encoder: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func (r *Registry) logf(level slog.Level, msg string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Log(context.Background(), level, msg, args...)
}

// totalsCollector emits the lifetime counters from stored values on every
// Gather; they are read from FTL, not incremented locally.
type totalsCollector struct {
	queriesDesc      *prometheus.Desc
	blockedDesc      *prometheus.Desc
	destinationsDesc *prometheus.Desc

	mu           sync.RWMutex
	total        int64
	blocked      int64
	destinations []ftl.Destination
}

func newTotalsCollector(constLabels prometheus.Labels) *totalsCollector {
	return &totalsCollector{
		queriesDesc: prometheus.NewDesc("pihole_dns_queries_total",
			"Total number of DNS queries (lifetime, monotonic) as reported by Pi-hole FTL counters table",
			nil, constLabels),
		blockedDesc: prometheus.NewDesc("pihole_ads_blocked_total",
			"Total number of blocked queries (lifetime, monotonic) as reported by Pi-hole FTL counters table",
			nil, constLabels),
		destinationsDesc: prometheus.NewDesc("pihole_forward_destinations_total",
			"Total number of forward destinations requests made by Pi-hole by destination (lifetime, derived from queries table)",
			[]string{"destination", "destination_name"}, constLabels),
	}
}

func (c *totalsCollector) set(total, blocked int64, destinations []ftl.Destination) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total = total
	c.blocked = blocked
	c.destinations = destinations
}

func (c *totalsCollector) lifetime() (int64, int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.total, c.blocked
}

func (c *totalsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queriesDesc
	ch <- c.blockedDesc
	ch <- c.destinationsDesc
}

func (c *totalsCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch <- prometheus.MustNewConstMetric(c.queriesDesc, prometheus.CounterValue, float64(c.total))
	ch <- prometheus.MustNewConstMetric(c.blockedDesc, prometheus.CounterValue, float64(c.blocked))
	for _, d := range c.destinations {
		ch <- prometheus.MustNewConstMetric(c.destinationsDesc, prometheus.CounterValue, float64(d.Count), d.Address, d.Name)
	}
}
