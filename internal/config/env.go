package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// applyEnv layers the exporter's environment variables over the file config.
// Integer variables carrying a duration are whole seconds.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}
	get := func(name string) (string, bool) {
		value, ok := lookup(name)
		if !ok {
			return "", false
		}
		value = strings.TrimSpace(value)
		return value, value != ""
	}

	if v, ok := get("FTL_DB_PATH"); ok {
		cfg.Sources.FTLDB = v
	}
	if v, ok := get("GRAVITY_DB_PATH"); ok {
		cfg.Sources.GravityDB = v
	}

	addr, hasAddr := get("LISTEN_ADDR")
	port, hasPort := get("LISTEN_PORT")
	if hasAddr || hasPort {
		host, currentPort := "0.0.0.0", "9617"
		if cfg.Server.Listen != "" {
			if h, p, err := net.SplitHostPort(cfg.Server.Listen); err == nil {
				host, currentPort = h, p
			}
		}
		if hasAddr {
			host = addr
		}
		if hasPort {
			n, err := positiveInt("LISTEN_PORT", port)
			if err != nil {
				return err
			}
			if n > 65535 {
				return fmt.Errorf("LISTEN_PORT must be <= 65535 (got %q)", port)
			}
			currentPort = port
		}
		cfg.Server.Listen = net.JoinHostPort(host, currentPort)
	}

	if v, ok := get("HOSTNAME_LABEL"); ok {
		cfg.Exporter.HostnameLabel = v
	}
	if v, ok := get("TOP_N"); ok {
		n, err := positiveInt("TOP_N", v)
		if err != nil {
			return err
		}
		cfg.Exporter.TopN = n
	}
	if v, ok := get("SCRAPE_INTERVAL"); ok {
		n, err := positiveInt("SCRAPE_INTERVAL", v)
		if err != nil {
			return err
		}
		cfg.Scrape.Interval.Duration = time.Duration(n) * time.Second
	}
	if v, ok := get("EXPORTER_TZ"); ok {
		cfg.Exporter.Timezone = v
	}
	if v, ok := get("ENABLE_LIFETIME_DEST_COUNTERS"); ok {
		cfg.Exporter.LifetimeDestinations = boolPtr(truthy(v))
	}
	if v, ok := get("LIFETIME_DEST_CACHE_SECONDS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("LIFETIME_DEST_CACHE_SECONDS must be >= 0 (got %q)", v)
		}
		cfg.Exporter.LifetimeDestinationsCache = &Duration{Duration: time.Duration(n) * time.Second}
	}
	if v, ok := get("REQUEST_RATE_WINDOW_SEC"); ok {
		n, err := positiveInt("REQUEST_RATE_WINDOW_SEC", v)
		if err != nil {
			return err
		}
		cfg.RequestRate.Window.Duration = time.Duration(n) * time.Second
	}
	if v, ok := get("REQUEST_RATE_MODE"); ok {
		cfg.RequestRate.Mode = v
	}
	if v, ok := get("LOG_FORMAT"); ok {
		cfg.Logging.Format = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get("DEBUG"); ok && truthy(v) {
		cfg.Logging.Verbose = true
	}
	return nil
}

func positiveInt(name, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer (got %q)", name, value)
	}
	if n < 1 {
		return 0, fmt.Errorf("%s must be >= 1 (got %q)", name, value)
	}
	return n, nil
}

func truthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}
