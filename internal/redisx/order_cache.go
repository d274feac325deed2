package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"time"
)

// OrderCache implements orders.Cache on Redis. Errors are logged and
// treated as misses; Postgres stays the source of truth.
type OrderCache struct {
	rdb redis.Cmdable
	ttl time.Duration
	log *zap.Logger
}

func NewOrderCache(rdb redis.Cmdable, ttl time.Duration, log *zap.Logger) *OrderCache {
	if ttl <= 0 {
		ttl = TTLOrderCache
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &OrderCache{rdb: rdb, ttl: ttl, log: log}
}

// setIfVersion writes KEYS[1] only while KEYS[2] still holds ARGV[1]. A
// missing version counts as "0".
var setIfVersion = redis.NewScript(`
local v = redis.call('GET', KEYS[2])
if not v then v = '0' end
if v ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// GetOrder reads the entry and its version in one MGET. On a miss the
// version is returned for SetOrder; on a Redis error it is empty.
func (c *OrderCache) GetOrder(ctx context.Context, id string) (*orders.Order, string, bool) {
	vals, err := c.rdb.MGet(ctx, OrderKey(id), OrderVersionKey(id)).Result()
	if err != nil || len(vals) != 2 {
		c.log.Warn("order cache get", zap.String("order_id", id), zap.Error(err))
		return nil, "", false
	}
	version := "0"
	if v, ok := vals[1].(string); ok {
		version = v
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, version, false
	}
	var o orders.Order
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		c.log.Warn("order cache decode", zap.String("order_id", id), zap.Error(err))
		return nil, version, false
	}
	return &o, "", true
}

// SetOrder stores the order if it has not been evicted since version was
// read. UserID is serialized as "user" so it survives the round trip, but
// IdempotencyKey does not and comes back empty.
func (c *OrderCache) SetOrder(ctx context.Context, o *orders.Order, version string) {
	if version == "" {
		return
	}
	b, err := json.Marshal(o)
	if err != nil {
		c.log.Warn("order cache encode", zap.String("order_id", o.ID), zap.Error(err))
		return
	}
	keys := []string{OrderKey(o.ID), OrderVersionKey(o.ID)}
	stored, err := setIfVersion.Run(ctx, c.rdb, keys, version, string(b), c.ttl.Milliseconds()).Int()
	if err != nil {
		c.log.Warn("order cache set", zap.String("order_id", o.ID), zap.Error(err))
		return
	}
	if stored == 0 {
		c.log.Debug("order cache set skipped, evicted meanwhile", zap.String("order_id", o.ID))
	}
}

// EvictOrder drops the entry and bumps its version in one MULTI, so a read
// that started before the eviction cannot write back its copy.
func (c *OrderCache) EvictOrder(ctx context.Context, id string) {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, OrderVersionKey(id))
		p.Expire(ctx, OrderVersionKey(id), TTLOrderVersion)
		p.Del(ctx, OrderKey(id))
		return nil
	})
	if err != nil {
		c.log.Warn("order cache evict", zap.String("order_id", id), zap.Error(err))
	}
}

func (c *OrderCache) LookupIdempotent(ctx context.Context, userID, key string) (string, bool) {
	id, err := c.rdb.Get(ctx, IdemOrderCreateKey(userID, key)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("idempotency lookup", zap.String("user_id", userID), zap.Error(err))
		}
		return "", false
	}
	return id, id != ""
}

func (c *OrderCache) RememberIdempotent(ctx context.Context, userID, key, orderID string) {
	if err := c.rdb.Set(ctx, IdemOrderCreateKey(userID, key), orderID, TTLIdempotency).Err(); err != nil {
		c.log.Warn("idempotency remember", zap.String("user_id", userID), zap.Error(err))
	}
}

var _ orders.Cache = (*OrderCache)(nil)
