package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatgate/pkg/metrics"
	"chatgate/pkg/store"
)

const (
	cachePrefix = "chatgate:token:"
	// revokedMarker occupies the key of an evicted token so an in-flight fill
	// holding a stale record cannot write it back.
	revokedMarker = "revoked"
)

// tokenCache keeps token records in Redis so validation skips the store on the
// hot path. A nil client disables it. Entries never outlive the token.
type tokenCache struct {
	rdb     *redis.Client
	ttl     time.Duration
	log     *zap.SugaredLogger
	metrics *metrics.Registry
}

func (c *tokenCache) get(ctx context.Context, id string) (store.TokenRecord, bool) {
	if c.rdb == nil {
		return store.TokenRecord{}, false
	}
	b, err := c.rdb.Get(ctx, cachePrefix+id).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warnw("token cache read failed", "err", err)
		}
		c.metrics.CacheLookup(false)
		return store.TokenRecord{}, false
	}
	var rec store.TokenRecord
	if string(b) == revokedMarker {
		c.metrics.CacheLookup(false)
		return store.TokenRecord{}, false
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		c.metrics.CacheLookup(false)
		return store.TokenRecord{}, false
	}
	c.metrics.CacheLookup(true)
	return rec, true
}

func (c *tokenCache) put(ctx context.Context, rec store.TokenRecord, now time.Time) {
	if c.rdb == nil || rec.Revoked {
		return
	}
	ttl := min(c.ttl, rec.ExpiresAt.Sub(now))
	if ttl <= 0 {
		return
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	// NX: never replace an entry, in particular a revocation marker.
	if err := c.rdb.SetNX(ctx, cachePrefix+rec.ID, b, ttl).Err(); err != nil {
		c.log.Warnw("token cache write failed", "err", err)
	}
}

// evict replaces cached records with a revocation marker that lives as long
// as any entry could.
func (c *tokenCache) evict(ctx context.Context, ids ...string) {
	if c.rdb == nil || len(ids) == 0 || c.ttl <= 0 {
		return
	}
	pipe := c.rdb.Pipeline()
	for _, id := range ids {
		pipe.Set(ctx, cachePrefix+id, revokedMarker, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warnw("token cache evict failed", "err", err, "tokens", len(ids))
	}
}
