// Package mirror copies published snapshots into Redis so a standby exporter
// or a debugging session can read the last exposition without the database.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tternquist/pihole-sqlite-exporter/internal/config"
	"github.com/tternquist/pihole-sqlite-exporter/internal/metrics"
)

const timestampSuffix = ":ts"

type RedisMirror struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisMirror connects and pings. It returns nil, nil when no address is
// configured.
func NewRedisMirror(cfg config.RedisConfig, key string, ttl time.Duration, logger *slog.Logger) (*RedisMirror, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, nil
	}
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("mirror: missing key")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		DB:           cfg.DB,
		Password:     cfg.Password,
		PoolSize:     2,
		MaxRetries:   3,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("mirror: ping %s: %w", cfg.Address, err)
	}
	if logger != nil {
		logger.Info("snapshot mirror connected", "address", cfg.Address, "key", key, "ttl", ttl)
	}
	return &RedisMirror{client: client, key: key, ttl: ttl, logger: logger}, nil
}

// Publish stores the payload and its timestamp in one pipeline.
func (m *RedisMirror) Publish(ctx context.Context, snap *metrics.Snapshot) error {
	if m == nil || snap == nil || snap.Payload == nil {
		return nil
	}
	pipe := m.client.TxPipeline()
	pipe.Set(ctx, m.key, snap.Payload, m.ttl)
	pipe.Set(ctx, m.key+timestampSuffix, strconv.FormatInt(snap.Timestamp.Unix(), 10), m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror: publish: %w", err)
	}
	return nil
}

// Latest returns the mirrored snapshot, or metrics.ErrNoSnapshot when the key
// is missing or expired.
func (m *RedisMirror) Latest(ctx context.Context) (*metrics.Snapshot, error) {
	if m == nil {
		return nil, metrics.ErrNoSnapshot
	}
	pipe := m.client.Pipeline()
	payloadCmd := pipe.Get(ctx, m.key)
	tsCmd := pipe.Get(ctx, m.key+timestampSuffix)
	_, _ = pipe.Exec(ctx)

	payload, err := payloadCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, metrics.ErrNoSnapshot
		}
		return nil, fmt.Errorf("mirror: read payload: %w", err)
	}
	snap := &metrics.Snapshot{Payload: payload}
	if ts, err := tsCmd.Int64(); err == nil {
		snap.Timestamp = time.Unix(ts, 0)
	}
	return snap, nil
}

func (m *RedisMirror) Close() error {
	if m == nil {
		return nil
	}
	return m.client.Close()
}
