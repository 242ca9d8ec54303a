package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithFiles("", "")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Sources.FTLDB != "/etc/pihole/pihole-FTL.db" {
		t.Fatalf("expected default ftl path, got %q", cfg.Sources.FTLDB)
	}
	if cfg.Sources.GravityDB != "/etc/pihole/gravity.db" {
		t.Fatalf("expected default gravity path, got %q", cfg.Sources.GravityDB)
	}
	if cfg.Server.Listen != "0.0.0.0:9617" {
		t.Fatalf("expected default listen 0.0.0.0:9617, got %q", cfg.Server.Listen)
	}
	if cfg.Exporter.HostnameLabel != "host.docker.internal" {
		t.Fatalf("expected default hostname label, got %q", cfg.Exporter.HostnameLabel)
	}
	if cfg.Exporter.TopN != 10 {
		t.Fatalf("expected default top_n 10, got %d", cfg.Exporter.TopN)
	}
	if cfg.Exporter.Timezone != "Europe/Amsterdam" {
		t.Fatalf("expected default timezone Europe/Amsterdam, got %q", cfg.Exporter.Timezone)
	}
	if !cfg.LifetimeDestinationsEnabled() {
		t.Fatalf("expected lifetime destinations enabled by default")
	}
	if cfg.Exporter.LifetimeDestinationsCache.Duration != 900*time.Second {
		t.Fatalf("expected lifetime cache 900s, got %v", cfg.Exporter.LifetimeDestinationsCache.Duration)
	}
	if cfg.Scrape.Interval.Duration != 15*time.Second {
		t.Fatalf("expected scrape interval 15s, got %v", cfg.Scrape.Interval.Duration)
	}
	if cfg.Scrape.Timeout.Duration != 0 {
		t.Fatalf("expected pass timeout disabled, got %v", cfg.Scrape.Timeout.Duration)
	}
	if cfg.RequestRate.Mode != RateModeCursor || cfg.RequestRate.Window.Duration != time.Minute {
		t.Fatalf("unexpected request rate defaults: %+v", cfg.RequestRate)
	}
	if cfg.Privacy.AnonymizeSources != "none" {
		t.Fatalf("expected anonymize none, got %q", cfg.Privacy.AnonymizeSources)
	}
	if *cfg.Mirror.Enabled || *cfg.Destinations.ReverseLookup {
		t.Fatalf("expected mirror and reverse lookup off by default")
	}
	if cfg.Mirror.TTL.Duration != 30*time.Second {
		t.Fatalf("expected mirror ttl 2x interval, got %v", cfg.Mirror.TTL.Duration)
	}
}

func TestLoadWithOverrides(t *testing.T) {
	defaultPath := writeTempConfig(t, []byte(`
exporter:
  hostname_label: pihole-a
  top_n: 5
scrape:
  interval: 30s
`))
	overridePath := writeTempConfig(t, []byte(`
exporter:
  top_n: 20
scrape:
  timeout: 10
destinations:
  names:
    "1.1.1.1": cloudflare
    " ": ignored
`))

	cfg, err := LoadWithFiles(defaultPath, overridePath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Exporter.HostnameLabel != "pihole-a" {
		t.Fatalf("expected hostname from default file, got %q", cfg.Exporter.HostnameLabel)
	}
	if cfg.Exporter.TopN != 20 {
		t.Fatalf("expected override top_n 20, got %d", cfg.Exporter.TopN)
	}
	if cfg.Scrape.Interval.Duration != 30*time.Second {
		t.Fatalf("expected interval kept from default file, got %v", cfg.Scrape.Interval.Duration)
	}
	if cfg.Scrape.Timeout.Duration != 10*time.Second {
		t.Fatalf("expected integer timeout as seconds, got %v", cfg.Scrape.Timeout.Duration)
	}
	if len(cfg.Destinations.Names) != 1 || cfg.Destinations.Names["1.1.1.1"] != "cloudflare" {
		t.Fatalf("unexpected destination names: %v", cfg.Destinations.Names)
	}
}

func TestLoadMissingFilesAreSkipped(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	if _, err := LoadWithFiles(missing, missing); err != nil {
		t.Fatalf("missing config files should be skipped, got %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	overridePath := writeTempConfig(t, []byte(`
server:
  listen: "127.0.0.1:9000"
exporter:
  top_n: 3
`))
	env := map[string]string{
		"FTL_DB_PATH":                   "/data/pihole-FTL.db",
		"LISTEN_PORT":                   "9618",
		"TOP_N":                         "7",
		"SCRAPE_INTERVAL":               "60",
		"EXPORTER_TZ":                   "UTC",
		"ENABLE_LIFETIME_DEST_COUNTERS": "off",
		"LIFETIME_DEST_CACHE_SECONDS":   "0",
		"REQUEST_RATE_WINDOW_SEC":       "120",
		"REQUEST_RATE_MODE":             "Window",
		"LOG_FORMAT":                    "json",
		"DEBUG":                         "yes",
	}
	cfg, err := LoadWithEnv("", overridePath, mapLookup(env))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Sources.FTLDB != "/data/pihole-FTL.db" {
		t.Fatalf("expected env ftl path, got %q", cfg.Sources.FTLDB)
	}
	if cfg.Server.Listen != "127.0.0.1:9618" {
		t.Fatalf("expected port override keeping file host, got %q", cfg.Server.Listen)
	}
	if cfg.Exporter.TopN != 7 {
		t.Fatalf("expected env top_n 7, got %d", cfg.Exporter.TopN)
	}
	if cfg.Scrape.Interval.Duration != time.Minute {
		t.Fatalf("expected interval 60s, got %v", cfg.Scrape.Interval.Duration)
	}
	if cfg.Exporter.Timezone != "UTC" {
		t.Fatalf("expected tz UTC, got %q", cfg.Exporter.Timezone)
	}
	if cfg.LifetimeDestinationsEnabled() {
		t.Fatalf("expected lifetime destinations disabled")
	}
	if cfg.Exporter.LifetimeDestinationsCache.Duration != 0 {
		t.Fatalf("expected explicit zero cache to survive defaults, got %v", cfg.Exporter.LifetimeDestinationsCache.Duration)
	}
	if cfg.RequestRate.Mode != RateModeWindow || cfg.RequestRate.Window.Duration != 2*time.Minute {
		t.Fatalf("unexpected request rate config: %+v", cfg.RequestRate)
	}
	if cfg.Logging.Format != "json" || !cfg.Logging.Verbose {
		t.Fatalf("unexpected logging config: %+v", cfg.Logging)
	}
}

func TestLoadEnvRejectsInvalidIntegers(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"top_n zero", map[string]string{"TOP_N": "0"}, "TOP_N must be >= 1"},
		{"top_n text", map[string]string{"TOP_N": "ten"}, "TOP_N must be an integer"},
		{"port too large", map[string]string{"LISTEN_PORT": "70000"}, "LISTEN_PORT must be <= 65535"},
		{"interval negative", map[string]string{"SCRAPE_INTERVAL": "-5"}, "SCRAPE_INTERVAL must be >= 1"},
		{"cache negative", map[string]string{"LIFETIME_DEST_CACHE_SECONDS": "-1"}, "LIFETIME_DEST_CACHE_SECONDS must be >= 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWithEnv("", "", mapLookup(tt.env))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad rate mode", "request_rate:\n  mode: sliding\n", "request_rate.mode"},
		{"bad anonymize", "privacy:\n  anonymize_sources: scramble\n", "privacy.anonymize_sources"},
		{"bad listen", "server:\n  listen: \"9617\"\n", "invalid server.listen"},
		{"negative top_n", "exporter:\n  top_n: -1\n", "exporter.top_n"},
		{"sub-second interval", "scrape:\n  interval: 500ms\n", "scrape.interval"},
		{"auth half set", "server:\n  auth:\n    username: prom\n", "server.auth"},
		{"mirror without address", "mirror:\n  enabled: true\n", "mirror.redis.address"},
		{"webhook without url", "webhooks:\n  on_scrape_error:\n    enabled: true\n", "webhooks.on_scrape_error.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempConfig(t, []byte(tt.yaml))
			_, err := LoadWithFiles("", path)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadWebhookDefaults(t *testing.T) {
	path := writeTempConfig(t, []byte(`
webhooks:
  on_scrape_error:
    url: "https://example.com/hook"
`))
	cfg, err := LoadWithFiles("", path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	hook := cfg.Webhooks.OnScrapeError
	if hook == nil || !*hook.Enabled {
		t.Fatalf("expected webhook enabled when configured")
	}
	if hook.Timeout.Duration != 5*time.Second || hook.RateLimitMaxMessages != 1 || hook.RateLimitTimeframe.Duration != 5*time.Minute {
		t.Fatalf("unexpected webhook defaults: %+v", hook)
	}
}

func TestLocation(t *testing.T) {
	cfg := Config{Exporter: ExporterConfig{Timezone: "UTC"}}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "UTC" {
		t.Fatalf("expected UTC location, got %v (%v)", loc, err)
	}
	cfg.Exporter.Timezone = "Mars/Olympus_Mons"
	if _, err := cfg.Location(); err == nil {
		t.Fatalf("expected error for unknown zone")
	}
}

func mapLookup(env map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
}

func writeTempConfig(t *testing.T, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}
