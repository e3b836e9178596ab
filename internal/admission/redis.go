package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// incrScript applies INCRBY only when the bound allows it and pins the key's
// expiry to the window end. ARGV: amount, bound (-1 for none), expire-at ms.
var incrScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
local bound = tonumber(ARGV[2])
if bound >= 0 and used + amount > bound then
  return {0, used}
end
used = redis.call('INCRBY', KEYS[1], amount)
if used < 0 then
  redis.call('SET', KEYS[1], 0)
  used = 0
end
redis.call('PEXPIREAT', KEYS[1], ARGV[3])
return {1, used}
`)

// RedisStore shares counters across every gateway and worker instance.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps a go-redis client. prefix namespaces the keys so the
// quota ledger and the rate limiter can share one Redis.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(slot Slot) string {
	return fmt.Sprintf("%s:%s:%s:%d", r.prefix, slot.Key, slot.Resolution, slot.Start.Unix())
}

func (r *RedisStore) Get(ctx context.Context, slot Slot) (int64, error) {
	used, err := r.client.Get(ctx, r.key(slot)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter: %w", err)
	}
	return used, nil
}

func (r *RedisStore) IncrBy(ctx context.Context, slot Slot, amount, bound int64) (int64, bool, error) {
	res, err := incrScript.Run(ctx, r.client, []string{r.key(slot)}, amount, bound, slot.End.UnixMilli()).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("incr counter: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("incr counter: unexpected script reply %v", res)
	}
	return res[1], res[0] == 1, nil
}
