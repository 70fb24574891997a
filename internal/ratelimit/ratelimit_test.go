package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client),
	}
}

// Both backends must hand out identical verdicts; the limiter semantics may
// not depend on which store is behind it.
func TestPeekAndConsumeAgree(t *testing.T) {
	cfg := Config{Window: time.Minute, MaxRequests: 5}

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			limiter := NewLimiter(store)
			ctx := context.Background()
			key := Key("sync", 1)

			// Empty bucket: peek and consume see the same projection.
			peeked, err := limiter.Peek(ctx, key, cfg)
			if err != nil {
				t.Fatalf("Peek failed: %v", err)
			}
			if !peeked.Allowed || peeked.Remaining != 4 {
				t.Fatalf("expected allowed with remaining 4, got %+v", peeked)
			}

			consumed, err := limiter.Consume(ctx, key, cfg)
			if err != nil {
				t.Fatalf("Consume failed: %v", err)
			}
			if !consumed.Allowed || consumed.Remaining != 4 {
				t.Fatalf("expected allowed with remaining 4, got %+v", consumed)
			}

			for i := 0; i < 4; i++ {
				v, err := limiter.Consume(ctx, key, cfg)
				if err != nil {
					t.Fatalf("Consume %d failed: %v", i, err)
				}
				if !v.Allowed {
					t.Fatalf("consume %d should be allowed, got %+v", i, v)
				}
			}

			// Sixth request is over the limit.
			denied, err := limiter.Consume(ctx, key, cfg)
			if err != nil {
				t.Fatalf("Consume failed: %v", err)
			}
			if denied.Allowed {
				t.Fatalf("expected denial, got %+v", denied)
			}
			if denied.RetryAfter <= 0 {
				t.Fatalf("expected positive retry-after, got %v", denied.RetryAfter)
			}

			// Peek agrees with the denial without consuming anything.
			peekDenied, err := limiter.Peek(ctx, key, cfg)
			if err != nil {
				t.Fatalf("Peek failed: %v", err)
			}
			if peekDenied.Allowed {
				t.Fatalf("peek must agree with consume, got %+v", peekDenied)
			}
		})
	}
}

// A denied consume must not increment the counter, otherwise a polling
// caller extends its own denial forever.
func TestDeniedConsumeDoesNotExtendWindow(t *testing.T) {
	cfg := Config{Window: time.Minute, MaxRequests: 1}

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := Key("sync", 2)

			if _, allowed, _, err := store.Consume(ctx, key, cfg); err != nil || !allowed {
				t.Fatalf("first consume: allowed=%v err=%v", allowed, err)
			}

			for i := 0; i < 5; i++ {
				if _, allowed, _, err := store.Consume(ctx, key, cfg); err != nil || allowed {
					t.Fatalf("consume %d: allowed=%v err=%v", i, allowed, err)
				}
			}

			count, _, err := store.Peek(ctx, key)
			if err != nil {
				t.Fatalf("Peek failed: %v", err)
			}
			if count != 1 {
				t.Fatalf("denials must not increment, count=%d", count)
			}
		})
	}
}

func TestWindowResets(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Window: 20 * time.Millisecond, MaxRequests: 1}

	store := NewMemoryStore()
	limiter := NewLimiter(store)
	key := Key("sync", 3)

	if v, _ := limiter.Consume(ctx, key, cfg); !v.Allowed {
		t.Fatal("first consume should pass")
	}
	if v, _ := limiter.Consume(ctx, key, cfg); v.Allowed {
		t.Fatal("second consume should be denied")
	}

	time.Sleep(30 * time.Millisecond)

	v, err := limiter.Consume(ctx, key, cfg)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if !v.Allowed {
		t.Fatalf("expected a fresh window, got %+v", v)
	}
}

func TestRedisWindowExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	cfg := Config{Window: time.Second, MaxRequests: 1}
	limiter := NewLimiter(NewRedisStore(client))
	key := Key("sync", 4)

	if v, _ := limiter.Consume(ctx, key, cfg); !v.Allowed {
		t.Fatal("first consume should pass")
	}
	if v, _ := limiter.Consume(ctx, key, cfg); v.Allowed {
		t.Fatal("second consume should be denied")
	}

	mr.FastForward(2 * time.Second)

	if v, _ := limiter.Consume(ctx, key, cfg); !v.Allowed {
		t.Fatal("expected a fresh window after expiry")
	}
}

func TestKeySeparatesClassesAndUsers(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Window: time.Minute, MaxRequests: 1}
	limiter := NewLimiter(NewMemoryStore())

	if v, _ := limiter.Consume(ctx, Key("sync", 1), cfg); !v.Allowed {
		t.Fatal("sync/1 should pass")
	}
	if v, _ := limiter.Consume(ctx, Key("sync", 1), cfg); v.Allowed {
		t.Fatal("sync/1 should now be exhausted")
	}
	if v, _ := limiter.Consume(ctx, Key("approval_create", 1), cfg); !v.Allowed {
		t.Fatal("a different class has its own bucket")
	}
	if v, _ := limiter.Consume(ctx, Key("sync", 2), cfg); !v.Allowed {
		t.Fatal("a different user has their own bucket")
	}
}

func TestFailoverDegradesAndRecovers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	logger := zerolog.Nop()
	primary := NewRedisStore(client)
	fallback := NewMemoryStore()
	store := NewFailoverStore(primary, fallback, &logger)
	limiter := NewLimiter(store)

	ctx := context.Background()
	cfg := Config{Window: time.Minute, MaxRequests: 10}
	key := Key("sync", 5)

	if v, err := limiter.Consume(ctx, key, cfg); err != nil || !v.Allowed {
		t.Fatalf("consume via primary: %+v err=%v", v, err)
	}

	// Primary down: limiting continues on the fallback instead of failing
	// open or closed.
	mr.Close()
	v, err := limiter.Consume(ctx, key, cfg)
	if err != nil {
		t.Fatalf("consume during outage failed: %v", err)
	}
	if !v.Allowed {
		t.Fatalf("fallback should admit under the limit, got %+v", v)
	}

	count, _, err := fallback.Peek(ctx, key)
	if err != nil {
		t.Fatalf("fallback peek failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected the outage consume on the fallback, count=%d", count)
	}
}

func TestMemorySweepDropsExpiredBuckets(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	cfg := Config{Window: time.Millisecond, MaxRequests: 5}
	if _, _, _, err := store.Consume(ctx, "k", cfg); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	store.Sweep()

	store.mu.Lock()
	n := len(store.buckets)
	store.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected expired bucket swept, %d left", n)
	}
}
