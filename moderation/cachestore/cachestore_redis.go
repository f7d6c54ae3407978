package cachestore

import (
	"context"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// Redis-backed decision cache with a local TinyLFU layer, for multi-instance
// deployments where duplicate submissions can land on different hosts.
type RedisDecisionCache struct {
	data *cache.Cache
	ttl  time.Duration
}

var _ DecisionCache = (*RedisDecisionCache)(nil)

func NewRedisDecisionCache(redisURL string, ttl time.Duration) (*RedisDecisionCache, error) {
	ctx := context.Background()
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, err
	}
	data := cache.New(&cache.Options{
		Redis:      rdb,
		LocalCache: cache.NewTinyLFU(10_000, ttl),
	})
	return &RedisDecisionCache{
		data: data,
		ttl:  ttl,
	}, nil
}

func redisCacheKey(fingerprint string) string {
	return "modcache/" + fingerprint
}

func (s *RedisDecisionCache) Get(ctx context.Context, fingerprint string) (*CachedOutcome, error) {
	var out CachedOutcome
	err := s.data.Get(ctx, redisCacheKey(fingerprint), &out)
	if err == cache.ErrCacheMiss {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *RedisDecisionCache) Set(ctx context.Context, fingerprint string, outcome *CachedOutcome) error {
	return s.data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   redisCacheKey(fingerprint),
		Value: outcome,
		TTL:   s.ttl,
	})
}

func (s *RedisDecisionCache) Purge(ctx context.Context, fingerprint string) error {
	err := s.data.Delete(ctx, redisCacheKey(fingerprint))
	if err == cache.ErrCacheMiss {
		return nil
	}
	return err
}
