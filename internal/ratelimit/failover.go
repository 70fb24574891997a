package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// FailoverStore prefers a shared primary (Redis) and degrades to the local
// fallback when it fails. Limiting is never silently disabled; only its
// shared-ness across instances is lost while the primary is down.
type FailoverStore struct {
	primary  Store
	fallback Store
	logger   *zerolog.Logger

	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
}

const recoveryInterval = time.Minute

func NewFailoverStore(primary, fallback Store, logger *zerolog.Logger) *FailoverStore {
	return &FailoverStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (s *FailoverStore) Consume(ctx context.Context, key string, cfg Config) (int64, bool, time.Time, error) {
	if s.usePrimary() {
		count, allowed, resetAt, err := s.primary.Consume(ctx, key, cfg)
		if err == nil {
			s.markUp()
			return count, allowed, resetAt, nil
		}
		s.markDown(err)
	}
	return s.fallback.Consume(ctx, key, cfg)
}

func (s *FailoverStore) Peek(ctx context.Context, key string) (int64, time.Time, error) {
	if s.usePrimary() {
		count, resetAt, err := s.primary.Peek(ctx, key)
		if err == nil {
			s.markUp()
			return count, resetAt, nil
		}
		s.markDown(err)
	}
	return s.fallback.Peek(ctx, key)
}

// usePrimary reports whether the primary should be tried: either it is
// believed healthy, or enough time passed to probe it again.
func (s *FailoverStore) usePrimary() bool {
	if !s.isDown.Load() {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastCheck) > recoveryInterval {
		s.lastCheck = time.Now()
		return true
	}
	return false
}

func (s *FailoverStore) markDown(err error) {
	if !s.isDown.Swap(true) {
		s.logger.Error().Err(err).Msg("primary rate limit store failed, falling back to memory")
	}
	s.mu.Lock()
	s.lastCheck = time.Now()
	s.mu.Unlock()
}

func (s *FailoverStore) markUp() {
	if s.isDown.Swap(false) {
		s.logger.Info().Msg("primary rate limit store recovered")
	}
}
