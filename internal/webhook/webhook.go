// Package webhook posts scrape failures to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// ScrapeErrorPayload is sent when an aggregation pass fails.
type ScrapeErrorPayload struct {
	Hostname            string `json:"hostname"`
	Error               string `json:"error"`
	Timestamp           string `json:"timestamp"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// Notifier fires webhooks on scrape failures.
type Notifier struct {
	url      string
	hostname string
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time
}

// NewNotifier creates a webhook notifier. A maxMessages of zero or less
// disables rate limiting; otherwise at most maxMessages are sent per timeframe.
func NewNotifier(url, hostname string, timeout time.Duration, maxMessages int, timeframe time.Duration, logger *slog.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	n := &Notifier{
		url:      url,
		hostname: hostname,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		now:      time.Now,
	}
	if maxMessages > 0 && timeframe > 0 {
		n.limiter = rate.NewLimiter(rate.Every(timeframe/time.Duration(maxMessages)), maxMessages)
	}
	return n
}

// NotifyScrapeError sends the payload in a goroutine. Dropped silently
// (debug log) when the rate limit is exhausted.
func (n *Notifier) NotifyScrapeError(_ context.Context, err error, consecutiveFailures int) {
	if n == nil || n.url == "" || err == nil {
		return
	}
	if n.limiter != nil && !n.limiter.Allow() {
		n.logf(slog.LevelDebug, "scrape error webhook rate limited", "consecutive_failures", consecutiveFailures)
		return
	}
	body, mErr := json.Marshal(ScrapeErrorPayload{
		Hostname:            n.hostname,
		Error:               err.Error(),
		Timestamp:           n.now().UTC().Format(time.RFC3339),
		ConsecutiveFailures: consecutiveFailures,
	})
	if mErr != nil {
		return
	}
	go n.post(body)
}

func (n *Notifier) post(body []byte) {
	req, err := http.NewRequest(http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logf(slog.LevelWarn, "scrape error webhook request invalid", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		n.logf(slog.LevelWarn, "scrape error webhook failed", "err", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logf(slog.LevelWarn, "scrape error webhook rejected", "status", resp.StatusCode)
	}
}

func (n *Notifier) logf(level slog.Level, msg string, args ...any) {
	if n.logger == nil {
		return
	}
	n.logger.Log(context.Background(), level, msg, args...)
}
