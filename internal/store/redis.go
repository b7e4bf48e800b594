package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/lending-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache. Writes
// go to the primary store and then bump the user's cache generation; reads
// check Redis first then fall back to the primary. Update always reads from
// the primary, so a stale cache entry can never feed an invariant check.
//
// Entries are keyed by generation. A reader that loaded an old value before
// a write can only fill the previous generation's key, which no later read
// consults.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Upsert(ctx context.Context, user model.UserID, pos model.Position) error {
	if err := s.primary.Upsert(ctx, user, pos); err != nil {
		return err
	}
	s.invalidate(ctx, user)
	return nil
}

func (s *CachedStore) Update(ctx context.Context, user model.UserID, fn UpdateFunc) (model.Position, error) {
	next, err := s.primary.Update(ctx, user, fn)
	if err != nil {
		return next, err
	}
	s.invalidate(ctx, user)
	return next, nil
}

// invalidate moves the user to a new generation. The primary write has
// already committed, so failures are logged rather than returned.
func (s *CachedStore) invalidate(ctx context.Context, user model.UserID) {
	if err := s.rdb.Incr(ctx, generationKey(user)).Err(); err != nil {
		slog.Warn("position cache invalidation failed", "user", user, "err", err)
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Get(ctx context.Context, user model.UserID) (model.Position, error) {
	gen, err := s.rdb.Get(ctx, generationKey(user)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		slog.Warn("position cache unavailable", "user", user, "err", err)
		return s.primary.Get(ctx, user)
	}
	key := positionKeyCache(user, gen)

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		if pos, err := DecodePosition(data); err == nil {
			return pos, nil
		}
	}

	// Cache miss: read from primary.
	pos, err := s.primary.Get(ctx, user)
	if err != nil {
		return model.Position{}, err
	}
	if err := s.rdb.Set(ctx, key, EncodePosition(pos), s.ttl).Err(); err != nil {
		slog.Warn("position cache fill failed", "user", user, "err", err)
	}
	return pos, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ForEach(ctx context.Context, fn func(model.UserID, model.Position) bool) error {
	return s.primary.ForEach(ctx, fn)
}

func generationKey(user model.UserID) string { return fmt.Sprintf("position-gen:%s", user) }

func positionKeyCache(user model.UserID, gen int64) string {
	return fmt.Sprintf("position:%s:%d", user, gen)
}
