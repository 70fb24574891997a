package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	count   int64
	resetAt time.Time
}

// MemoryStore is the in-process fallback. It keeps limiting correct within
// one process; only the shared-ness across instances degrades.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket)}
}

func (s *MemoryStore) Consume(ctx context.Context, key string, cfg Config) (int64, bool, time.Time, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = &bucket{resetAt: now.Add(cfg.Window)}
		s.buckets[key] = b
	}

	// Same projection rule as the Redis script: admit iff count+1 <= max.
	if b.count+1 <= int64(cfg.MaxRequests) {
		b.count++
		return b.count, true, b.resetAt, nil
	}
	return b.count, false, b.resetAt, nil
}

func (s *MemoryStore) Peek(ctx context.Context, key string) (int64, time.Time, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok || now.After(b.resetAt) {
		return 0, time.Time{}, nil
	}
	return b.count, b.resetAt, nil
}

// Sweep drops expired buckets. Called periodically so abandoned keys do not
// accumulate for the process lifetime.
func (s *MemoryStore) Sweep() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, b := range s.buckets {
		if now.After(b.resetAt) {
			delete(s.buckets, key)
		}
	}
}

// StartSweeper runs Sweep on an interval until ctx is done.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
