package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestPlatformLimiter(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewPlatformLimiter(client, 2, 1, time.Minute)

	allowed, _, err := limiter.Allow(ctx, "twitter")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = limiter.Allow(ctx, "twitter")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = limiter.Allow(ctx, "twitter")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// Buckets are independent per platform.
	allowed, _, _ = limiter.Allow(ctx, "linkedin")
	if !allowed {
		t.Fatalf("expected linkedin bucket to be untouched")
	}

	// Note: Cannot test refill with miniredis.FastForward() because the Lua script
	// receives time from Go's time.Now(), not Redis's internal clock.
}
