package mirror

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/tternquist/pihole-sqlite-exporter/internal/config"
	"github.com/tternquist/pihole-sqlite-exporter/internal/metrics"
)

func newMirror(t *testing.T) (*RedisMirror, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	m, err := NewRedisMirror(config.RedisConfig{Address: mr.Addr()}, "pihole-exporter:snapshot", 30*time.Second, nil)
	if err != nil {
		t.Fatalf("NewRedisMirror: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, mr
}

func TestPublishAndLatest(t *testing.T) {
	m, mr := newMirror(t)
	ctx := context.Background()

	if _, err := m.Latest(ctx); !errors.Is(err, metrics.ErrNoSnapshot) {
		t.Fatalf("Latest before publish = %v, want ErrNoSnapshot", err)
	}

	snap := &metrics.Snapshot{Payload: []byte("pihole_status{hostname=\"h\"} 1\n"), Timestamp: time.Unix(1700000000, 0)}
	if err := m.Publish(ctx, snap); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, err := m.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if string(got.Payload) != string(snap.Payload) || !got.Timestamp.Equal(snap.Timestamp) {
		t.Fatalf("Latest = %+v", got)
	}
	if ts, _ := mr.Get("pihole-exporter:snapshot:ts"); ts != "1700000000" {
		t.Fatalf("timestamp key = %q", ts)
	}
	if ttl := mr.TTL("pihole-exporter:snapshot"); ttl != 30*time.Second {
		t.Fatalf("ttl = %v, want 30s", ttl)
	}

	mr.FastForward(31 * time.Second)
	if _, err := m.Latest(ctx); !errors.Is(err, metrics.ErrNoSnapshot) {
		t.Fatalf("Latest after expiry = %v, want ErrNoSnapshot", err)
	}
}

func TestPublishIgnoresEmptySnapshot(t *testing.T) {
	m, mr := newMirror(t)
	if err := m.Publish(context.Background(), &metrics.Snapshot{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if mr.Exists("pihole-exporter:snapshot") {
		t.Fatal("empty snapshot must not be mirrored")
	}
}

func TestPublishReportsRedisErrors(t *testing.T) {
	m, mr := newMirror(t)
	mr.SetError("READONLY replica")
	err := m.Publish(context.Background(), &metrics.Snapshot{Payload: []byte("x 1\n"), Timestamp: time.Now()})
	if err == nil {
		t.Fatal("expected publish error")
	}
}

func TestNewRedisMirror(t *testing.T) {
	m, err := NewRedisMirror(config.RedisConfig{}, "k", time.Second, nil)
	if m != nil || err != nil {
		t.Fatalf("empty address = %v, %v; want nil, nil", m, err)
	}
	if _, err := NewRedisMirror(config.RedisConfig{Address: "127.0.0.1:1"}, "k", time.Second, nil); err == nil {
		t.Fatal("expected ping error")
	}
	var nilMirror *RedisMirror
	if err := nilMirror.Publish(context.Background(), &metrics.Snapshot{Payload: []byte("x")}); err != nil {
		t.Fatalf("nil mirror Publish = %v", err)
	}
}
