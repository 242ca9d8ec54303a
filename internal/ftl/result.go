package ftl

import "time"

// Window pins every "today" query of one pass to the same instants.
type Window struct {
	DayStart int64
	Now      int64
}

// WindowAt computes the local midnight of now in loc.
func WindowAt(now time.Time, loc *time.Location) Window {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	y, m, d := local.Date()
	return Window{
		DayStart: time.Date(y, m, d, 0, 0, 0, 0, loc).Unix(),
		Now:      now.Unix(),
	}
}

// TrailingDay is the lower bound for the 24h unique counts.
func (w Window) TrailingDay() int64 {
	return w.Now - 86400
}

// Count is one labelled row of a breakdown or top list.
type Count struct {
	Label string
	Count int64
}

// Destination is one upstream (or the synthetic cache/blocklist buckets).
type Destination struct {
	Address      string
	Name         string
	Count        int64
	ResponseTime float64
	Variance     float64
}

// Source is one pihole_top_sources row after anonymisation.
type Source struct {
	Address string
	Name    string
	Count   int64
}

// Result carries everything one successful pass read. It is built completely
// before any metric is touched.
type Result struct {
	Window Window

	TotalLifetime   int64
	BlockedLifetime int64
	// LifetimeDestinations is sorted by address. Empty when the lifetime
	// breakdown is disabled.
	LifetimeDestinations []Destination

	ClientsEverSeen int64
	QueriesToday    int64
	BlockedToday    int64
	PercentBlocked  float64
	UniqueClients   int64
	UniqueDomains   int64

	QueryTypes []Count
	ReplyTypes []Count
	Forwarded  int64
	Cached     int64

	Destinations []Destination
	TopAds       []Count
	TopQueries   []Count
	TopSources   []Source

	DomainsBlocked int64
	RequestRate    float64

	commit func()
}

// OnCommit registers fn to run when the result is committed.
func (r *Result) OnCommit(fn func()) {
	r.commit = fn
}

// Commit records the request-rate baseline of this pass. Call it only once
// the result has been published; a discarded result leaves the previous
// baseline in place.
func (r *Result) Commit() {
	if r != nil && r.commit != nil {
		r.commit()
		r.commit = nil
	}
}

// Percentage returns blocked/total*100, or 0 when total is 0.
func Percentage(blocked, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(blocked) / float64(total) * 100
}

// Variance is the population variance of values (divisor n). Fewer than two
// samples yield 0.
func Variance(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return sq / float64(n)
}
