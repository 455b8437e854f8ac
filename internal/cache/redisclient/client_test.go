package redisclient

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(rdb, "test:", 16, logger)
}

func TestClientSetGet(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	if !c.Set(ctx, "k", map[string]any{"x": int64(1)}, time.Minute, nil) {
		t.Fatalf("Set returned false")
	}

	v, ok := c.Get(ctx, "k")
	if !ok {
		t.Fatalf("expected hit")
	}
	m, ok := v.(map[string]any)
	if !ok || m["x"] != int64(1) {
		t.Fatalf("unexpected value: %#v", v)
	}
}

func TestClientGetMiss(t *testing.T) {
	c := newTestClient(t)
	if _, ok := c.Get(context.Background(), "missing"); ok {
		t.Fatalf("expected miss")
	}
}

func TestClientDelete(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	c.Set(ctx, "k", 1, time.Minute, nil)

	if !c.Delete(ctx, "k") {
		t.Fatalf("expected delete to report true")
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatalf("expected key gone")
	}
}

func TestClientInvalidateByTags(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	c.Set(ctx, "a", 1, time.Minute, []string{"g"})
	c.Set(ctx, "b", 2, time.Minute, []string{"g"})
	c.Set(ctx, "c", 3, time.Minute, []string{"h"})

	n := c.InvalidateByTags(ctx, []string{"g"})
	if n != 2 {
		t.Fatalf("expected 2 invalidated, got %d", n)
	}

	if _, ok := c.Get(ctx, "a"); ok {
		t.Fatalf("expected a removed")
	}
	if _, ok := c.Get(ctx, "c"); !ok {
		t.Fatalf("expected c to survive")
	}
}

func TestClientCompressionRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte(i % 251)
	}

	if !c.Set(ctx, "big", big, time.Minute, nil) {
		t.Fatalf("Set returned false")
	}

	v, ok := c.Get(ctx, "big")
	if !ok {
		t.Fatalf("expected hit")
	}
	got, ok := v.([]byte)
	if !ok || len(got) != len(big) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(big))
	}
}
