package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Shared is the optional, process-external cache tier. Grounded on the
// teacher's dedup.go cache-then-DB-then-writeback algorithm: reads never
// block past a budget, writes are best-effort and never fail the caller.
type Shared struct {
	rdb    *redis.Client
	logger *slog.Logger
	budget time.Duration
}

// NewShared creates a Shared tier backed by rdb. budget bounds how long a
// Get call will wait on Redis before the caller falls back to the
// authoritative source.
func NewShared(rdb *redis.Client, logger *slog.Logger, budget time.Duration) *Shared {
	return &Shared{rdb: rdb, logger: logger, budget: budget}
}

// Get returns the cached bytes for key, or false on miss, timeout, or any
// Redis error — all three are treated identically by callers (§4.3).
func (s *Shared) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	val, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn("shared cache read failed, falling back to authoritative source", "key", key, "error", err)
		}
		return nil, false
	}
	return val, true
}

// Set writes value under key with ttl. Failures are logged, never
// propagated: shared-tier writes are best-effort (§4.3).
func (s *Shared) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		s.logger.Warn("shared cache write failed", "key", key, "error", err)
	}
}

// Invalidate removes key from the shared tier, best-effort.
func (s *Shared) Invalidate(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		s.logger.Warn("shared cache invalidate failed", "key", key, "error", err)
	}
}
