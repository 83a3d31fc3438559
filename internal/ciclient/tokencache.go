package ciclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/northstack/rollout/internal/config"
)

// installationToken is the cached credential minted from the CI app's
// JWT assertion, scoped to one installation (one owner/repo pair).
type installationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (t installationToken) valid() bool {
	return time.Now().Before(t.ExpiresAt)
}

// tokenCache caches installation tokens keyed by "owner/repo" so that the
// CI client doesn't mint a fresh JWT assertion on every call. Backed by
// Redis when configured so that multiple orchestrator replicas share one
// installation token instead of each minting its own; falls back to an
// in-process cache otherwise.
type tokenCache interface {
	get(ctx context.Context, key string) (installationToken, bool)
	set(ctx context.Context, key string, tok installationToken) error

	// acquireMintLock acquires the advisory lock guarding the mint path
	// for key. When acquired is false, another caller (in-process or, for
	// the Redis backend, another replica) already holds it and is minting;
	// the caller should poll the cache instead of minting itself. release
	// is non-nil only when acquired is true.
	acquireMintLock(ctx context.Context, key string) (release func(), acquired bool, err error)
}

// redisTokenCache is the distributed implementation, adapted from the
// DragonflyDB cache-aside client.
type redisTokenCache struct {
	client    redis.UniversalClient
	keyPrefix string
}

func newRedisTokenCache(cfg config.RedisConfig) (*redisTokenCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &redisTokenCache{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

func (c *redisTokenCache) get(ctx context.Context, key string) (installationToken, bool) {
	var tok installationToken
	data, err := c.client.Get(ctx, c.keyPrefix+":"+key).Bytes()
	if err != nil {
		return tok, false
	}
	if err := json.Unmarshal(data, &tok); err != nil {
		return tok, false
	}
	if !tok.valid() {
		return tok, false
	}
	return tok, true
}

func (c *redisTokenCache) set(ctx context.Context, key string, tok installationToken) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.keyPrefix+":"+key, data, time.Until(tok.ExpiresAt)).Err()
}

// mintLockTTL bounds how long a replica may hold the mint lock before it
// is released automatically, so a crashed holder can't wedge the key.
const mintLockTTL = 30 * time.Second

func (c *redisTokenCache) acquireMintLock(ctx context.Context, key string) (func(), bool, error) {
	lockKey := c.keyPrefix + ":mintlock:" + key
	ok, err := c.client.SetNX(ctx, lockKey, "1", mintLockTTL).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		c.client.Del(context.Background(), lockKey)
	}
	return release, true, nil
}

// memoryTokenCache is the single-process fallback used when Redis is
// disabled, e.g. in tests or a single-replica deployment.
type memoryTokenCache struct {
	mu     sync.Mutex
	tokens map[string]installationToken
	locks  map[string]*sync.Mutex
}

func newMemoryTokenCache() *memoryTokenCache {
	return &memoryTokenCache{
		tokens: make(map[string]installationToken),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (c *memoryTokenCache) get(ctx context.Context, key string) (installationToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.tokens[key]
	if !ok || !tok.valid() {
		return installationToken{}, false
	}
	return tok, true
}

func (c *memoryTokenCache) set(ctx context.Context, key string, tok installationToken) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[key] = tok
	return nil
}

// acquireMintLock holds a per-key mutex across the mint: the first caller
// for a key acquires it immediately, every other in-process caller blocks
// in Lock until release is called, so acquired is always true here - there
// is no cross-process contention to report for the in-memory backend.
func (c *memoryTokenCache) acquireMintLock(ctx context.Context, key string) (func(), bool, error) {
	c.mu.Lock()
	lock, ok := c.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[key] = lock
	}
	c.mu.Unlock()

	lock.Lock()
	return lock.Unlock, true, nil
}
