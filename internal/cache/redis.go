package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/logger/tag"
)

const (
	redisKeyPrefix  = "maestro:cache:"
	redisIndexKey   = "maestro:cache-index"
	redisHitsKey    = "maestro:cache-hits"
	redisPreviewKey = "maestro:cache-previews"
)

// RedisOptions configures the Redis-backed cache.
type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	TTL        time.Duration
	MaxEntries int
}

// Redis stores cache entries in a Redis server so that multiple controller
// replicas share one response cache. Entry expiry rides on Redis TTLs; an
// insertion-time index preserves FIFO eviction at capacity. Hit and miss
// counters are per replica.
type Redis struct {
	rdb        *redis.Client
	ttl        time.Duration
	maxEntries int

	hits       atomic.Int64
	misses     atomic.Int64
	evictions  atomic.Int64
	savedCalls atomic.Int64
}

var _ Cache = (*Redis)(nil)

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Redis{
		rdb:        rdb,
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
	}, nil
}

// Close releases the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, message, msgContext string) (string, bool) {
	key := Key(message, msgContext)

	answer, err := r.rdb.Get(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		// Expired entries vanish via the Redis TTL; drop their index rows
		// so the capacity accounting stays honest.
		if err == redis.Nil {
			removed, _ := r.rdb.ZRem(ctx, redisIndexKey, key).Result()
			if removed > 0 {
				r.rdb.HDel(ctx, redisPreviewKey, key)
				r.rdb.ZRem(ctx, redisHitsKey, key)
				r.evictions.Add(1)
			}
		}
		r.misses.Add(1)
		return "", false
	}

	r.rdb.ZIncrBy(ctx, redisHitsKey, 1, key)
	r.hits.Add(1)
	r.savedCalls.Add(1)
	return answer, true
}

// Set implements Cache.
func (r *Redis) Set(ctx context.Context, message, answer, msgContext string) {
	key := Key(message, msgContext)
	now := time.Now()

	_, _ = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisKeyPrefix+key, answer, r.ttl)
		pipe.ZAdd(ctx, redisIndexKey, redis.Z{Score: float64(now.UnixNano()), Member: key})
		pipe.HSet(ctx, redisPreviewKey, key, preview(message))
		return nil
	})

	size, err := r.rdb.ZCard(ctx, redisIndexKey).Result()
	if err != nil {
		return
	}
	for size > int64(r.maxEntries) {
		victims, err := r.rdb.ZPopMin(ctx, redisIndexKey, 1).Result()
		if err != nil || len(victims) == 0 {
			return
		}
		victim, _ := victims[0].Member.(string)
		r.rdb.Del(ctx, redisKeyPrefix+victim)
		r.rdb.HDel(ctx, redisPreviewKey, victim)
		r.rdb.ZRem(ctx, redisHitsKey, victim)
		r.evictions.Add(1)
		size--
		logger.Debug(ctx, "Cache entry evicted at capacity", tag.CacheKey(victim))
	}
}

// ClearExpired implements Cache. Redis already expires the value keys;
// this sweep reconciles the index with what actually remains.
func (r *Redis) ClearExpired(ctx context.Context) int {
	keys, err := r.rdb.ZRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return 0
	}
	removed := 0
	for _, key := range keys {
		exists, err := r.rdb.Exists(ctx, redisKeyPrefix+key).Result()
		if err != nil || exists > 0 {
			continue
		}
		r.rdb.ZRem(ctx, redisIndexKey, key)
		r.rdb.HDel(ctx, redisPreviewKey, key)
		r.rdb.ZRem(ctx, redisHitsKey, key)
		removed++
	}
	if removed > 0 {
		r.evictions.Add(int64(removed))
	}
	return removed
}

// Stats implements Cache.
func (r *Redis) Stats(ctx context.Context) Stats {
	hits := r.hits.Load()
	misses := r.misses.Load()

	entries, _ := r.rdb.ZCard(ctx, redisIndexKey).Result()

	var popular []PopularQuery
	if top, err := r.rdb.ZRevRangeWithScores(ctx, redisHitsKey, 0, 4).Result(); err == nil {
		for _, z := range top {
			key, _ := z.Member.(string)
			prev, err := r.rdb.HGet(ctx, redisPreviewKey, key).Result()
			if err != nil {
				continue
			}
			popular = append(popular, PopularQuery{Preview: prev, Hits: int64(z.Score)})
		}
	}

	return Stats{
		Entries:        int(entries),
		MaxEntries:     r.maxEntries,
		Hits:           hits,
		Misses:         misses,
		Evictions:      r.evictions.Load(),
		SavedCalls:     r.savedCalls.Load(),
		HitRatePercent: hitRate(hits, misses),
		TTLSeconds:     r.ttl.Seconds(),
		Popular:        popular,
	}
}
