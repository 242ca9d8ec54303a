package ftl

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	sqlCounterTotal   = `SELECT value FROM counters WHERE id = 0`
	sqlCounterBlocked = `SELECT value FROM counters WHERE id = 1`
	sqlClientsEver    = `SELECT COUNT(*) FROM client_by_id`
	sqlDomainByID     = `SELECT COUNT(*) FROM domain_by_id`
	sqlGravityCount   = `SELECT COUNT(*) FROM gravity`

	sqlLifetimeForwards = `
SELECT forward, COUNT(*)
FROM queries
WHERE status = 2
  AND forward IS NOT NULL
GROUP BY forward`
	sqlLifetimeCache = `SELECT COUNT(*) FROM queries WHERE status = 3`

	sqlQueriesToday   = `SELECT COUNT(*) FROM queries WHERE timestamp >= ?`
	sqlUniqueClients  = `SELECT COUNT(DISTINCT client) FROM queries WHERE timestamp >= ?`
	sqlUniqueDomains  = `SELECT COUNT(DISTINCT domain) FROM queries WHERE timestamp >= ?`
	sqlForwardedToday = `SELECT COUNT(*) FROM queries WHERE timestamp >= ? AND status = 2`
	sqlCachedToday    = `SELECT COUNT(*) FROM queries WHERE timestamp >= ? AND status = 3`

	sqlQueryTypes = `
SELECT type, COUNT(*) AS cnt
FROM queries
WHERE timestamp >= ?
GROUP BY type`

	sqlReplyTypes = `
SELECT reply_type, COUNT(*) AS cnt
FROM queries
WHERE timestamp >= ?
GROUP BY reply_type`

	sqlForwardsToday = `
SELECT forward, COUNT(*) AS cnt, AVG(reply_time) AS avg_rt
FROM queries
WHERE timestamp >= ?
  AND status = 2
  AND forward IS NOT NULL
GROUP BY forward
ORDER BY forward`

	sqlForwardReplyTimes = `
SELECT reply_time
FROM queries
WHERE timestamp >= ?
  AND status = 2
  AND forward = ?
  AND reply_time IS NOT NULL`
)

// statements holds the query text that embeds the blocked-status list or the
// top-N limit. Both come from closed integer sets, never from requests.
type statements struct {
	lifetimeBlocked string
	blockedToday    string
	topAds          string
	topQueries      string
	topSources      string
}

func buildStatements(topN int) (statements, error) {
	if topN < 1 {
		return statements{}, fmt.Errorf("top_n must be >= 1 (got %d)", topN)
	}
	blocked := blockedList()
	limit := strconv.Itoa(topN)
	r := strings.NewReplacer("{blocked}", blocked, "{limit}", limit)
	return statements{
		lifetimeBlocked: r.Replace(`SELECT COUNT(*) FROM queries WHERE status IN ({blocked})`),
		blockedToday:    r.Replace(`SELECT COUNT(*) FROM queries WHERE timestamp >= ? AND status IN ({blocked})`),
		topAds: r.Replace(`
SELECT domain, COUNT(*) AS cnt
FROM queries
WHERE timestamp >= ?
  AND status IN ({blocked})
GROUP BY domain
ORDER BY cnt DESC, domain ASC
LIMIT {limit}`),
		topQueries: r.Replace(`
SELECT domain, COUNT(*) AS cnt
FROM queries
WHERE timestamp >= ?
GROUP BY domain
ORDER BY cnt DESC, domain ASC
LIMIT {limit}`),
		topSources: r.Replace(`
SELECT q.client, COALESCE(c.name, ''), COUNT(*) AS cnt
FROM queries q
LEFT JOIN client_by_id c ON c.ip = q.client
WHERE q.timestamp >= ?
GROUP BY q.client, c.name
ORDER BY cnt DESC, q.client ASC
LIMIT {limit}`),
	}, nil
}
