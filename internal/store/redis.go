package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/luciancaetano/roomlink"
)

// DefaultRoomCacheTTL is how long a cached last-room URL is kept.
const DefaultRoomCacheTTL = 30 * 24 * time.Hour

const defaultRoomCacheNamespace = "roomlink:last-room"

// redisKV is the subset of *redis.Client the room cache uses.
type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// UserSource yields the identity the cached URL belongs to.
type UserSource interface {
	LocalUser(ctx context.Context) (*roomlink.LocalUser, error)
}

// RedisRoomCacheConfig wires a RedisRoomCache.
type RedisRoomCacheConfig struct {
	Addr string
	// Users scopes entries per user. Required.
	Users UserSource
	// Namespace prefixes every key. Defaults to "roomlink:last-room".
	Namespace string
	// TTL defaults to DefaultRoomCacheTTL.
	TTL time.Duration
}

// RedisRoomCache implements roomlink.RoomURLCache on Redis, one key per user.
type RedisRoomCache struct {
	client    redisKV
	closer    func() error
	users     UserSource
	namespace string
	ttl       time.Duration
}

var _ roomlink.RoomURLCache = (*RedisRoomCache)(nil)

// NewRedisRoomCache connects lazily to the Redis server at cfg.Addr.
func NewRedisRoomCache(cfg RedisRoomCacheConfig) (*RedisRoomCache, error) {
	if cfg.Addr == "" {
		return nil, errors.New("store: redis Addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	c, err := newRedisRoomCache(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	c.closer = client.Close
	return c, nil
}

func newRedisRoomCache(client redisKV, cfg RedisRoomCacheConfig) (*RedisRoomCache, error) {
	if cfg.Users == nil {
		return nil, errors.New("store: Users is required")
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = defaultRoomCacheNamespace
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultRoomCacheTTL
	}
	return &RedisRoomCache{
		client:    client,
		users:     cfg.Users,
		namespace: namespace,
		ttl:       ttl,
	}, nil
}

// key returns "" when no user is known yet.
func (c *RedisRoomCache) key(ctx context.Context) (string, error) {
	user, err := c.users.LocalUser(ctx)
	if err != nil {
		return "", err
	}
	if user == nil || user.UUID == "" {
		return "", nil
	}
	return c.namespace + ":" + user.UUID, nil
}

// LastRoomURL reports found=false on a miss or when no user is known.
func (c *RedisRoomCache) LastRoomURL(ctx context.Context) (string, bool, error) {
	key, err := c.key(ctx)
	if err != nil || key == "" {
		return "", false, err
	}

	value, err := c.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", false, nil
	case err != nil:
		return "", false, errors.Wrap(err, "store: redis get last room")
	}
	return value, value != "", nil
}

// SetLastRoomURL is a no-op while no user is known.
func (c *RedisRoomCache) SetLastRoomURL(ctx context.Context, roomURL string) error {
	key, err := c.key(ctx)
	if err != nil || key == "" {
		return err
	}
	return errors.Wrap(c.client.Set(ctx, key, roomURL, c.ttl).Err(), "store: redis set last room")
}

// Close releases the Redis connection pool.
func (c *RedisRoomCache) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}
