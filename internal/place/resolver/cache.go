package resolver

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"libdiscovery/pkg/domain"
)

// Cache memoizes successful resolutions by (reference, parent) so repeated
// validation runs avoid re-resolving the same text. Implementations must be
// safe for concurrent use; a miss is never an error.
type Cache interface {
	Get(ctx context.Context, key string) (domain.PlaceID, bool)
	Set(ctx context.Context, key string, id domain.PlaceID)
}

// MemoryCache is the in-process default, backed by go-cache.
type MemoryCache struct {
	c *gocache.Cache
}

// NewMemoryCache builds a TTL cache; entries are evicted lazily.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{c: gocache.New(ttl, 2*ttl)}
}

func (m *MemoryCache) Get(_ context.Context, key string) (domain.PlaceID, bool) {
	v, ok := m.c.Get(key)
	if !ok {
		return domain.PlaceID{}, false
	}
	id, ok := v.(domain.PlaceID)
	return id, ok
}

func (m *MemoryCache) Set(_ context.Context, key string, id domain.PlaceID) {
	m.c.SetDefault(key, id)
}

// RedisCache shares resolutions across instances. Cache errors are swallowed:
// the resolver treats any Redis problem as a miss.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps a connected go-redis client.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

const redisKeyPrefix = "place-resolution:"

func (r *RedisCache) Get(ctx context.Context, key string) (domain.PlaceID, bool) {
	val, err := r.client.Get(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		return domain.PlaceID{}, false
	}
	id, err := domain.ParsePlaceID(val)
	if err != nil {
		return domain.PlaceID{}, false
	}
	return id, true
}

func (r *RedisCache) Set(ctx context.Context, key string, id domain.PlaceID) {
	_ = r.client.Set(ctx, redisKeyPrefix+key, id.String(), r.ttl).Err()
}
