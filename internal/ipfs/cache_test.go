package ipfs

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	cache, err := NewRedisCache("redis://"+s.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("failed to create redis cache: %v", err)
	}
	return cache, s
}

func TestCacheRoundTrip(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	uri := "ipfs://bafycachedcid"
	payload := []byte(`{"version":"1.0.0"}`)

	if _, ok := cache.Get(ctx, uri); ok {
		t.Fatal("expected miss before set")
	}

	cache.Set(ctx, uri, payload)

	data, ok := cache.Get(ctx, uri)
	if !ok {
		t.Fatal("expected hit after set")
	}
	if string(data) != string(payload) {
		t.Fatalf("data = %q", data)
	}
}

func TestCacheExpiry(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	cache.Set(ctx, "ipfs://bafyexpiring", []byte("{}"))

	s.FastForward(2 * time.Hour)

	if _, ok := cache.Get(ctx, "ipfs://bafyexpiring"); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestCacheUnreachableDegrades(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()

	ctx := context.Background()
	s.Close()

	// A dead cache must look like a miss, not an error.
	if _, ok := cache.Get(ctx, "ipfs://bafyanything"); ok {
		t.Fatal("expected miss from unreachable cache")
	}
	cache.Set(ctx, "ipfs://bafyanything", []byte("{}"))
}
