package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"tokoledger/backend/internal/domain"
)

// storeIfNewer writes the snapshot unless the cached one already carries a
// higher version, so a slow writer cannot roll the cache back.
var storeIfNewer = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current then
  local ok, rec = pcall(cjson.decode, current)
  if ok and tonumber(rec["version"]) and tonumber(rec["version"]) > tonumber(ARGV[2]) then
    return 0
  end
end
if tonumber(ARGV[3]) > 0 then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
else
  redis.call("SET", KEYS[1], ARGV[1])
end
return 1
`)

// RedisLedgerCache keeps ledger snapshots as JSON under a namespaced key.
type RedisLedgerCache struct {
	client *redis.Client
}

func NewRedisLedgerCache(addr, password string, db int) *RedisLedgerCache {
	return &RedisLedgerCache{client: redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})}
}

func (c *RedisLedgerCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisLedgerCache) Close() error {
	return c.client.Close()
}

func (c *RedisLedgerCache) Get(ctx context.Context, ledgerID string) (*domain.LedgerRecord, bool, error) {
	raw, err := c.client.Get(ctx, ledgerKey(ledgerID)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("redis get %s: %w", ledgerID, err)
	}

	rec := new(domain.LedgerRecord)
	if err := json.Unmarshal(raw, rec); err != nil {
		// a corrupt entry is a miss; the next Set replaces it
		return nil, false, nil
	}
	return rec, true, nil
}

func (c *RedisLedgerCache) Set(ctx context.Context, value *domain.LedgerRecord, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	keys := []string{ledgerKey(value.ID)}
	if err := storeIfNewer.Run(ctx, c.client, keys, payload, value.Version, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", value.ID, err)
	}
	return nil
}

func (c *RedisLedgerCache) Invalidate(ctx context.Context, ledgerID string) error {
	return c.client.Del(ctx, ledgerKey(ledgerID)).Err()
}
