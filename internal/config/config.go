package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultFTLPath       = "/etc/pihole/pihole-FTL.db"
	defaultGravityPath   = "/etc/pihole/gravity.db"
	defaultListen        = "0.0.0.0:9617"
	defaultHostnameLabel = "host.docker.internal"
	defaultTimezone      = "Europe/Amsterdam"

	RateModeCursor = "cursor"
	RateModeWindow = "window"
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	if value.Value == "" {
		return nil
	}
	if value.Tag == "!!int" {
		seconds, err := strconv.Atoi(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration integer %q: %w", value.Value, err)
		}
		d.Duration = time.Duration(seconds) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML keeps merged configs round-trippable through yaml.Marshal.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

type Config struct {
	Sources      SourcesConfig      `yaml:"sources"`
	Server       ServerConfig       `yaml:"server"`
	Exporter     ExporterConfig     `yaml:"exporter"`
	Scrape       ScrapeConfig       `yaml:"scrape"`
	RequestRate  RequestRateConfig  `yaml:"request_rate"`
	Destinations DestinationsConfig `yaml:"destinations"`
	Privacy      PrivacyConfig      `yaml:"privacy"`
	Mirror       MirrorConfig       `yaml:"mirror"`
	Webhooks     WebhooksConfig     `yaml:"webhooks"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// SourcesConfig locates the two Pi-hole databases. Either value may be a
// filesystem path or a preformed "file:" URI.
type SourcesConfig struct {
	FTLDB     string `yaml:"ftl_db"`
	GravityDB string `yaml:"gravity_db"`
}

type ServerConfig struct {
	Listen string     `yaml:"listen"`
	Auth   AuthConfig `yaml:"auth"`
	// ColdStartRefreshInterval bounds how often a metrics request may force a
	// synchronous scrape while no snapshot exists.
	ColdStartRefreshInterval Duration `yaml:"cold_start_refresh_interval"`
	ReadTimeout              Duration `yaml:"read_timeout"`
	WriteTimeout             Duration `yaml:"write_timeout"`
}

// AuthConfig enables HTTP basic auth on the metrics routes. PasswordHash is a bcrypt hash.
type AuthConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

type ExporterConfig struct {
	HostnameLabel string `yaml:"hostname_label"`
	TopN          int    `yaml:"top_n"`
	Timezone      string `yaml:"timezone"`
	// LifetimeDestinations toggles the full-table pihole_forward_destinations_total scan.
	LifetimeDestinations *bool `yaml:"lifetime_destinations"`
	// LifetimeDestinationsCache reuses the lifetime scan for this long. Zero rescans every pass.
	LifetimeDestinationsCache *Duration `yaml:"lifetime_destinations_cache"`
}

type ScrapeConfig struct {
	Interval Duration `yaml:"interval"`
	// Timeout caps a single aggregation pass. Zero disables the cap.
	Timeout Duration `yaml:"timeout"`
}

type RequestRateConfig struct {
	Mode   string   `yaml:"mode"` // "cursor" or "window"
	Window Duration `yaml:"window"`
}

type DestinationsConfig struct {
	Names         map[string]string `yaml:"names"` // upstream address -> display name
	ReverseLookup *bool             `yaml:"reverse_lookup"`
	Resolver      string            `yaml:"resolver"`
	LookupTimeout Duration          `yaml:"lookup_timeout"`
	CacheTTL      Duration          `yaml:"cache_ttl"`
}

type PrivacyConfig struct {
	// AnonymizeSources: "none", "hash" or "truncate" for pihole_top_sources labels.
	AnonymizeSources string `yaml:"anonymize_sources"`
}

type MirrorConfig struct {
	Enabled *bool       `yaml:"enabled"`
	Redis   RedisConfig `yaml:"redis"`
	Key     string      `yaml:"key"`
	TTL     Duration    `yaml:"ttl"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

type WebhooksConfig struct {
	OnScrapeError *WebhookConfig `yaml:"on_scrape_error"`
}

type WebhookConfig struct {
	Enabled              *bool    `yaml:"enabled"`
	URL                  string   `yaml:"url"`
	Timeout              Duration `yaml:"timeout"`
	RateLimitMaxMessages int      `yaml:"rate_limit_max_messages"`
	RateLimitTimeframe   Duration `yaml:"rate_limit_timeframe"`
}

type LoggingConfig struct {
	Format  string `yaml:"format"`
	Level   string `yaml:"level"`
	Verbose bool   `yaml:"verbose"`
}

// LifetimeDestinationsEnabled reports whether the lifetime destination scan runs.
func (c Config) LifetimeDestinationsEnabled() bool {
	return c.Exporter.LifetimeDestinations == nil || *c.Exporter.LifetimeDestinations
}

// Location resolves the day-boundary time zone.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Exporter.Timezone)
}

// Load reads the optional default file named by DEFAULT_CONFIG_PATH, merges the
// override at path on top, then applies environment overrides.
func Load(path string) (Config, error) {
	return LoadWithEnv(os.Getenv("DEFAULT_CONFIG_PATH"), path, os.LookupEnv)
}

func LoadWithFiles(defaultPath, overridePath string) (Config, error) {
	return LoadWithEnv(defaultPath, overridePath, func(string) (string, bool) { return "", false })
}

// LoadWithEnv is Load with explicit file paths and environment lookup.
// Missing files are skipped so the exporter can run from environment alone.
func LoadWithEnv(defaultPath, overridePath string, lookup func(string) (string, bool)) (Config, error) {
	base := map[string]interface{}{}
	for _, path := range []string{defaultPath, overridePath} {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Config{}, err
		}
		layer, err := parseYAMLMap(data)
		if err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		base = mergeMaps(base, layer)
	}
	merged, err := yaml.Marshal(base)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(merged, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse merged config: %w", err)
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Sources.FTLDB == "" {
		cfg.Sources.FTLDB = defaultFTLPath
	}
	if cfg.Sources.GravityDB == "" {
		cfg.Sources.GravityDB = defaultGravityPath
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = defaultListen
	}
	if cfg.Server.ColdStartRefreshInterval.Duration == 0 {
		cfg.Server.ColdStartRefreshInterval.Duration = 5 * time.Second
	}
	if cfg.Server.ReadTimeout.Duration == 0 {
		cfg.Server.ReadTimeout.Duration = 10 * time.Second
	}
	if cfg.Server.WriteTimeout.Duration == 0 {
		cfg.Server.WriteTimeout.Duration = 2 * time.Minute
	}
	if cfg.Exporter.HostnameLabel == "" {
		cfg.Exporter.HostnameLabel = defaultHostnameLabel
	}
	if cfg.Exporter.TopN == 0 {
		cfg.Exporter.TopN = 10
	}
	if cfg.Exporter.Timezone == "" {
		cfg.Exporter.Timezone = defaultTimezone
	}
	if cfg.Exporter.LifetimeDestinations == nil {
		cfg.Exporter.LifetimeDestinations = boolPtr(true)
	}
	if cfg.Exporter.LifetimeDestinationsCache == nil {
		cfg.Exporter.LifetimeDestinationsCache = &Duration{Duration: 900 * time.Second}
	}
	if cfg.Scrape.Interval.Duration == 0 {
		cfg.Scrape.Interval.Duration = 15 * time.Second
	}
	if cfg.RequestRate.Mode == "" {
		cfg.RequestRate.Mode = RateModeCursor
	}
	if cfg.RequestRate.Window.Duration == 0 {
		cfg.RequestRate.Window.Duration = time.Minute
	}
	if cfg.Destinations.Names == nil {
		cfg.Destinations.Names = make(map[string]string)
	}
	if cfg.Destinations.ReverseLookup == nil {
		cfg.Destinations.ReverseLookup = boolPtr(false)
	}
	if cfg.Destinations.Resolver == "" {
		cfg.Destinations.Resolver = "127.0.0.1:53"
	}
	if cfg.Destinations.LookupTimeout.Duration == 0 {
		cfg.Destinations.LookupTimeout.Duration = 2 * time.Second
	}
	if cfg.Destinations.CacheTTL.Duration == 0 {
		cfg.Destinations.CacheTTL.Duration = time.Hour
	}
	if cfg.Privacy.AnonymizeSources == "" {
		cfg.Privacy.AnonymizeSources = "none"
	}
	if cfg.Mirror.Enabled == nil {
		cfg.Mirror.Enabled = boolPtr(false)
	}
	if cfg.Mirror.Key == "" {
		cfg.Mirror.Key = "pihole-exporter:snapshot"
	}
	if cfg.Mirror.TTL.Duration == 0 {
		cfg.Mirror.TTL.Duration = 2 * cfg.Scrape.Interval.Duration
	}
	if hook := cfg.Webhooks.OnScrapeError; hook != nil {
		if hook.Enabled == nil {
			hook.Enabled = boolPtr(true)
		}
		if hook.Timeout.Duration == 0 {
			hook.Timeout.Duration = 5 * time.Second
		}
		if hook.RateLimitMaxMessages == 0 {
			hook.RateLimitMaxMessages = 1
		}
		if hook.RateLimitTimeframe.Duration == 0 {
			hook.RateLimitTimeframe.Duration = 5 * time.Minute
		}
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func normalize(cfg *Config) {
	cfg.Sources.FTLDB = strings.TrimSpace(cfg.Sources.FTLDB)
	cfg.Sources.GravityDB = strings.TrimSpace(cfg.Sources.GravityDB)
	cfg.Server.Listen = strings.TrimSpace(cfg.Server.Listen)
	cfg.Server.Auth.Username = strings.TrimSpace(cfg.Server.Auth.Username)
	cfg.Server.Auth.PasswordHash = strings.TrimSpace(cfg.Server.Auth.PasswordHash)
	cfg.Exporter.HostnameLabel = strings.TrimSpace(cfg.Exporter.HostnameLabel)
	cfg.Exporter.Timezone = strings.TrimSpace(cfg.Exporter.Timezone)
	cfg.RequestRate.Mode = strings.ToLower(strings.TrimSpace(cfg.RequestRate.Mode))
	cfg.Destinations.Resolver = strings.TrimSpace(cfg.Destinations.Resolver)
	names := make(map[string]string, len(cfg.Destinations.Names))
	for addr, name := range cfg.Destinations.Names {
		addr = strings.TrimSpace(addr)
		name = strings.TrimSpace(name)
		if addr != "" && name != "" {
			names[addr] = name
		}
	}
	cfg.Destinations.Names = names
	cfg.Privacy.AnonymizeSources = strings.ToLower(strings.TrimSpace(cfg.Privacy.AnonymizeSources))
	cfg.Mirror.Redis.Address = strings.TrimSpace(cfg.Mirror.Redis.Address)
	cfg.Mirror.Key = strings.TrimSpace(cfg.Mirror.Key)
	if hook := cfg.Webhooks.OnScrapeError; hook != nil {
		hook.URL = strings.TrimSpace(hook.URL)
	}
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		cfg.Logging.Format = "text"
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
}

func validate(cfg *Config) error {
	if cfg.Sources.FTLDB == "" {
		return fmt.Errorf("sources.ftl_db must not be empty")
	}
	_, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("invalid server.listen %q: %w", cfg.Server.Listen, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 1 || portNum > 65535 {
		return fmt.Errorf("server.listen port must be between 1 and 65535 (got %q)", port)
	}
	if (cfg.Server.Auth.Username == "") != (cfg.Server.Auth.PasswordHash == "") {
		return fmt.Errorf("server.auth.username and server.auth.password_hash must be set together")
	}
	if cfg.Server.ColdStartRefreshInterval.Duration < 0 {
		return fmt.Errorf("server.cold_start_refresh_interval must not be negative")
	}
	if cfg.Exporter.TopN < 1 {
		return fmt.Errorf("exporter.top_n must be >= 1 (got %d)", cfg.Exporter.TopN)
	}
	if cfg.Exporter.LifetimeDestinationsCache.Duration < 0 {
		return fmt.Errorf("exporter.lifetime_destinations_cache must not be negative")
	}
	if cfg.Scrape.Interval.Duration < time.Second {
		return fmt.Errorf("scrape.interval must be at least 1s (got %v)", cfg.Scrape.Interval.Duration)
	}
	if cfg.Scrape.Timeout.Duration < 0 {
		return fmt.Errorf("scrape.timeout must not be negative")
	}
	switch cfg.RequestRate.Mode {
	case RateModeCursor, RateModeWindow:
	default:
		return fmt.Errorf("request_rate.mode must be cursor or window (got %q)", cfg.RequestRate.Mode)
	}
	if cfg.RequestRate.Window.Duration < time.Second {
		return fmt.Errorf("request_rate.window must be at least 1s (got %v)", cfg.RequestRate.Window.Duration)
	}
	if *cfg.Destinations.ReverseLookup {
		if _, _, err := net.SplitHostPort(cfg.Destinations.Resolver); err != nil {
			return fmt.Errorf("invalid destinations.resolver %q: %w", cfg.Destinations.Resolver, err)
		}
	}
	switch cfg.Privacy.AnonymizeSources {
	case "none", "hash", "truncate":
	default:
		return fmt.Errorf("privacy.anonymize_sources must be none, hash, or truncate (got %q)", cfg.Privacy.AnonymizeSources)
	}
	if *cfg.Mirror.Enabled {
		if cfg.Mirror.Redis.Address == "" {
			return fmt.Errorf("mirror.redis.address must not be empty when mirror is enabled")
		}
		if cfg.Mirror.Key == "" {
			return fmt.Errorf("mirror.key must not be empty when mirror is enabled")
		}
	}
	if hook := cfg.Webhooks.OnScrapeError; hook != nil && *hook.Enabled {
		if hook.URL == "" {
			return fmt.Errorf("webhooks.on_scrape_error.url must not be empty when enabled")
		}
		if hook.RateLimitMaxMessages < 0 {
			return fmt.Errorf("webhooks.on_scrape_error.rate_limit_max_messages must be zero or greater")
		}
	}
	return nil
}

func boolPtr(value bool) *bool {
	return &value
}

func parseYAMLMap(data []byte) (map[string]interface{}, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	normalized, ok := normalizeMap(raw).(map[string]interface{})
	if !ok {
		return map[string]interface{}{}, nil
	}
	return normalized, nil
}

func normalizeMap(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for key, val := range typed {
			out[key] = normalizeMap(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(typed))
		for key, val := range typed {
			keyStr, ok := key.(string)
			if !ok {
				continue
			}
			out[keyStr] = normalizeMap(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(typed))
		for _, val := range typed {
			out = append(out, normalizeMap(val))
		}
		return out
	default:
		return typed
	}
}

func mergeMaps(base, override map[string]interface{}) map[string]interface{} {
	if base == nil {
		base = map[string]interface{}{}
	}
	for key, overrideVal := range override {
		if baseVal, ok := base[key]; ok {
			baseMap, baseOK := baseVal.(map[string]interface{})
			overrideMap, overrideOK := overrideVal.(map[string]interface{})
			if baseOK && overrideOK {
				base[key] = mergeMaps(baseMap, overrideMap)
				continue
			}
		}
		base[key] = overrideVal
	}
	return base
}
