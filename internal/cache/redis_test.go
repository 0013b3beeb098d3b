package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	c, err := NewRedisCache("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to create redis cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, s
}

func TestNewRedisCache(t *testing.T) {
	c, _ := setupTestRedis(t)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisCacheBadURL(t *testing.T) {
	if _, err := NewRedisCache("not-a-url", time.Minute); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestSetAndGet(t *testing.T) {
	c, _ := setupTestRedis(t)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "sec_1", "abc", "html"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := c.Set(ctx, "sec_1", "abc", "html", "<p>hi</p>"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	text, ok, err := c.Get(ctx, "sec_1", "abc", "html")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if text != "<p>hi</p>" {
		t.Errorf("expected cached html, got %q", text)
	}
	if _, ok, _ := c.Get(ctx, "sec_1", "other", "html"); ok {
		t.Error("a different fingerprint must miss")
	}
}

func TestEntriesExpire(t *testing.T) {
	c, s := setupTestRedis(t)
	ctx := context.Background()

	if err := c.Set(ctx, "sec_1", "abc", "text", "hi"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	s.FastForward(2 * time.Minute)

	if _, ok, err := c.Get(ctx, "sec_1", "abc", "text"); err != nil || ok {
		t.Fatalf("expected expired entry, got ok=%v err=%v", ok, err)
	}
}

func TestInvalidateSection(t *testing.T) {
	c, s := setupTestRedis(t)
	ctx := context.Background()

	for _, f := range []string{"html", "text"} {
		if err := c.Set(ctx, "sec_1", "abc", f, "x"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	if err := c.Set(ctx, "sec_2", "abc", "html", "y"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := c.Invalidate(ctx, "sec_1"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if s.Exists("conv:sec_1:abc:html") || s.Exists("conv:sec_1:abc:text") {
		t.Error("sec_1 entries should be gone")
	}
	if !s.Exists("conv:sec_2:abc:html") {
		t.Error("sec_2 entry should survive")
	}
	if err := c.Invalidate(ctx, "sec_missing"); err != nil {
		t.Errorf("Invalidate of empty section failed: %v", err)
	}
}
