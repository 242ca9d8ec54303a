// Package destname maps upstream destination addresses to display names.
package destname

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const (
	defaultLookupTimeout = 2 * time.Second
	defaultCacheSize     = 1024
)

type Config struct {
	// Names are static address -> display name mappings. Keys may carry the
	// FTL "#port" suffix or be bare addresses.
	Names map[string]string
	// ReverseLookup enables PTR lookups for addresses without a static name.
	ReverseLookup bool
	// Resolver is the host:port of the DNS server answering PTR queries.
	Resolver      string
	LookupTimeout time.Duration
	// CacheTTL bounds how long answers (including misses) are reused.
	CacheTTL time.Duration
	Logger   *slog.Logger
}

// Resolver names forward destinations. Unknown addresses resolve to "".
type Resolver struct {
	mu    sync.RWMutex
	names map[string]string

	reverse  bool
	server   string
	timeout  time.Duration
	cacheTTL time.Duration
	client   *dns.Client
	cache    *lru
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Resolver with the given mappings.
func New(cfg Config) *Resolver {
	timeout := cfg.LookupTimeout
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	r := &Resolver{
		reverse:  cfg.ReverseLookup && strings.TrimSpace(cfg.Resolver) != "",
		server:   strings.TrimSpace(cfg.Resolver),
		timeout:  timeout,
		cacheTTL: cfg.CacheTTL,
		client:   &dns.Client{Net: "udp", Timeout: timeout},
		cache:    newLRU(defaultCacheSize),
		logger:   cfg.Logger,
		now:      time.Now,
	}
	r.ApplyConfig(cfg.Names)
	return r
}

// ApplyConfig replaces the static mappings.
func (r *Resolver) ApplyConfig(names map[string]string) {
	clean := make(map[string]string, len(names))
	for addr, name := range names {
		addr = strings.TrimSpace(addr)
		name = strings.TrimSpace(name)
		if addr != "" && name != "" {
			clean[addr] = name
		}
	}
	r.mu.Lock()
	r.names = clean
	r.mu.Unlock()
}

// Name returns the display name for addr, or "" when none is known.
func (r *Resolver) Name(ctx context.Context, addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	host := Host(addr)

	r.mu.RLock()
	name, ok := r.names[addr]
	if !ok {
		name, ok = r.names[host]
	}
	r.mu.RUnlock()
	if ok {
		return name
	}

	if !r.reverse || net.ParseIP(host) == nil {
		return ""
	}
	if name, ok := r.cache.get(host, r.now()); ok {
		return name
	}
	name = r.lookupPTR(ctx, host)
	r.cache.set(host, name, r.cacheTTL, r.now())
	return name
}

func (r *Resolver) lookupPTR(ctx context.Context, ip string) string {
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return ""
	}
	req := new(dns.Msg)
	req.SetQuestion(arpa, dns.TypePTR)
	req.RecursionDesired = true

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	resp, _, err := r.client.ExchangeContext(ctx, req, r.server)
	if err != nil {
		r.logf(slog.LevelDebug, "reverse lookup failed", "address", ip, "resolver", r.server, "err", err)
		return ""
	}
	if resp.Rcode != dns.RcodeSuccess {
		r.logf(slog.LevelDebug, "reverse lookup returned no name", "address", ip, "rcode", dns.RcodeToString[resp.Rcode])
		return ""
	}
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, ".")
		}
	}
	return ""
}

// Host strips the FTL "#port" suffix or a host:port port from addr.
func Host(addr string) string {
	if i := strings.LastIndexByte(addr, '#'); i > 0 {
		return addr[:i]
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func (r *Resolver) logf(level slog.Level, msg string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Log(context.Background(), level, msg, args...)
}
