package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/modelgate/modelgate/pkg/auth"
	"github.com/modelgate/modelgate/pkg/observability"
)

// revokedLRUSize bounds the local cache of known-revoked token ids.
const revokedLRUSize = 16384

// CachedStore decorates Store with an advisory token validation cache.
//
// Two layers: a shared Redis cache of token rows with a short TTL, and a
// local LRU of token ids known to be revoked. Revocation is monotonic, so
// the LRU needs no expiry. Every revoking operation deletes the Redis
// entries synchronously before returning; if that deletion fails the
// operation fails, because returning success with a stale cache entry
// would extend the token's observable lifetime.
//
// User reads are never cached: effective scopes and the active flag must
// be re-read live on every authorization.
type CachedStore struct {
	store   *Store
	redis   *redis.Client
	revoked *lru.Cache[string, struct{}]
	ttl     time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewCachedStore creates the caching decorator and verifies Redis
// connectivity.
func NewCachedStore(store *Store, client *redis.Client, ttl time.Duration, logger *observability.Logger, metrics *observability.Metrics) (*CachedStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	revoked, err := lru.New[string, struct{}](revokedLRUSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create revoked-id cache: %w", err)
	}

	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	return &CachedStore{
		store:   store,
		redis:   client,
		revoked: revoked,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
	}, nil
}

func (c *CachedStore) tokenKey(tokenID string) string {
	return "modelgate:token:" + tokenID
}

// GetToken consults the local revoked set, then Redis, then the store.
// Redis read failures degrade to a store read; the cache is advisory.
func (c *CachedStore) GetToken(ctx context.Context, tokenID string) (*auth.TokenRecord, error) {
	if _, ok := c.revoked.Get(tokenID); ok {
		c.countHit("revoked_lru")
		return nil, auth.ErrTokenNotFound
	}

	key := c.tokenKey(tokenID)
	cached, err := c.redis.Get(ctx, key).Result()
	if err == nil {
		var rec auth.TokenRecord
		if err := json.Unmarshal([]byte(cached), &rec); err == nil {
			c.countHit("redis")
			if rec.Revoked {
				c.revoked.Add(tokenID, struct{}{})
			}
			return &rec, nil
		}
		// Unreadable entry: drop it and fall through to the store.
		c.redis.Del(ctx, key)
	} else if err != redis.Nil {
		c.logger.WithError(err).Debug("token cache read failed, falling back to store")
	}

	c.countMiss("redis")
	rec, err := c.store.GetToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	if rec.Revoked {
		c.revoked.Add(tokenID, struct{}{})
		return rec, nil
	}

	if data, err := json.Marshal(rec); err == nil {
		if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.WithError(err).Debug("token cache write failed")
		}
	}
	return rec, nil
}

// RevokeToken revokes in the store and invalidates the cache before
// returning, so the very next validation anywhere observes the
// revocation.
func (c *CachedStore) RevokeToken(ctx context.Context, username, tokenID string) error {
	if err := c.store.RevokeToken(ctx, username, tokenID); err != nil {
		return err
	}
	return c.invalidate(ctx, tokenID)
}

// RotateAccessToken rotates in the store and invalidates the revoked
// tokens' cache entries before returning.
func (c *CachedStore) RotateAccessToken(ctx context.Context, rec *auth.TokenRecord) (int64, error) {
	rotated, revokedIDs, err := c.store.rotateAccessToken(ctx, rec)
	if err != nil {
		return 0, err
	}
	if err := c.invalidate(ctx, revokedIDs...); err != nil {
		return 0, err
	}
	return rotated, nil
}

// RevokeUserAccessTokens revokes in the store and invalidates the cache
// before returning.
func (c *CachedStore) RevokeUserAccessTokens(ctx context.Context, username string) (int64, error) {
	n, revokedIDs, err := c.store.revokeUserAccessTokens(ctx, username)
	if err != nil {
		return 0, err
	}
	if err := c.invalidate(ctx, revokedIDs...); err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteUser deletes in the store and purges the cached tokens.
func (c *CachedStore) DeleteUser(ctx context.Context, username string) ([]string, error) {
	tokenIDs, err := c.store.DeleteUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if err := c.invalidate(ctx, tokenIDs...); err != nil {
		return nil, err
	}
	return tokenIDs, nil
}

// invalidate marks the ids revoked locally and deletes their Redis
// entries. A failed delete fails the revocation path: the store write
// already happened, but reporting success while a cache entry could still
// validate the token would break revocation immediacy. The caller retries
// (the store side is idempotent).
func (c *CachedStore) invalidate(ctx context.Context, tokenIDs ...string) error {
	if len(tokenIDs) == 0 {
		return nil
	}

	keys := make([]string, len(tokenIDs))
	for i, id := range tokenIDs {
		c.revoked.Add(id, struct{}{})
		keys[i] = c.tokenKey(id)
	}

	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		c.logger.WithError(err).Error("failed to invalidate token cache after revoke")
		return fmt.Errorf("token cache invalidation: %w: %v", auth.ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the Redis client.
func (c *CachedStore) Close() error {
	return c.redis.Close()
}

// Passthroughs: user state is always read and written live.

func (c *CachedStore) CreateUser(ctx context.Context, user *auth.User) error {
	return c.store.CreateUser(ctx, user)
}

func (c *CachedStore) GetUser(ctx context.Context, username string) (*auth.User, error) {
	return c.store.GetUser(ctx, username)
}

func (c *CachedStore) ListUsers(ctx context.Context) ([]auth.User, error) {
	return c.store.ListUsers(ctx)
}

func (c *CachedStore) UpdateUser(ctx context.Context, user *auth.User) error {
	return c.store.UpdateUser(ctx, user)
}

func (c *CachedStore) UpdatePassword(ctx context.Context, username, passwordHash string) error {
	return c.store.UpdatePassword(ctx, username, passwordHash)
}

func (c *CachedStore) TouchLastLogin(ctx context.Context, username string) error {
	return c.store.TouchLastLogin(ctx, username)
}

func (c *CachedStore) TouchLastRefresh(ctx context.Context, username string) error {
	return c.store.TouchLastRefresh(ctx, username)
}

func (c *CachedStore) InsertToken(ctx context.Context, rec *auth.TokenRecord) error {
	return c.store.InsertToken(ctx, rec)
}

func (c *CachedStore) ListUserTokens(ctx context.Context, username string) ([]auth.TokenRecord, error) {
	return c.store.ListUserTokens(ctx, username)
}

func (c *CachedStore) DeleteDeadTokens(ctx context.Context, olderThan time.Duration) (int64, error) {
	return c.store.DeleteDeadTokens(ctx, olderThan)
}

func (c *CachedStore) InsertUsageEvents(ctx context.Context, events []UsageEvent) error {
	return c.store.InsertUsageEvents(ctx, events)
}

func (c *CachedStore) UsageSummary(ctx context.Context, since time.Time) ([]UsageRow, error) {
	return c.store.UsageSummary(ctx, since)
}

func (c *CachedStore) DeleteUsageEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return c.store.DeleteUsageEventsBefore(ctx, cutoff)
}

func (c *CachedStore) countHit(cache string) {
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.WithLabelValues(cache).Inc()
	}
}

func (c *CachedStore) countMiss(cache string) {
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.WithLabelValues(cache).Inc()
	}
}
