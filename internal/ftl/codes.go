package ftl

import (
	"sort"
	"strconv"
	"strings"
)

// Status codes in queries.status that FTL uses for forwarded and cached replies.
const (
	StatusForwarded = 2
	StatusCached    = 3
)

// BlockedStatuses lists every queries.status value that means the query was blocked.
var BlockedStatuses = []int{1, 4, 5, 6, 7, 8, 9, 10, 11, 15}

// Code pairs an FTL integer code with its exported label value.
type Code struct {
	ID   int
	Name string
}

// QueryTypes maps queries.type to the pihole_querytypes label.
var QueryTypes = []Code{
	{1, "A"},
	{2, "AAAA"},
	{3, "ANY"},
	{4, "SRV"},
	{5, "SOA"},
	{6, "PTR"},
	{7, "TXT"},
	{8, "NAPTR"},
	{9, "MX"},
	{10, "DS"},
	{11, "RRSIG"},
	{12, "DNSKEY"},
	{13, "NS"},
	{14, "OTHER"},
	{15, "SVCB"},
	{16, "HTTPS"},
}

// ReplyTypes maps queries.reply_type to the pihole_reply label.
var ReplyTypes = []Code{
	{0, "unknown"},
	{1, "no_data"},
	{2, "nx_domain"},
	{3, "cname"},
	{4, "ip"},
	{5, "domain"},
	{6, "rr_name"},
	{7, "serv_fail"},
	{8, "refused"},
	{9, "not_imp"},
	{10, "other"},
	{11, "dnssec"},
	{12, "none"},
	{13, "blob"},
}

// IsBlocked reports whether status is in BlockedStatuses.
func IsBlocked(status int) bool {
	for _, s := range BlockedStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// blockedList renders BlockedStatuses for an IN (...) clause. Only integers
// from the static table reach the SQL text.
func blockedList() string {
	sorted := append([]int(nil), BlockedStatuses...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, s := range sorted {
		parts[i] = strconv.Itoa(s)
	}
	return strings.Join(parts, ",")
}
