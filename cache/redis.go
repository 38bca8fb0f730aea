package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/stock-ledger/stock"
)

// DefaultPrefix namespaces balance hashes.
const DefaultPrefix = "stock:balance:"

// Redis keeps one hash per product: field = scope, value = "qty:expiresAtMillis".
// Invalidate is a single DEL, so every instance sharing the Redis sees a
// write on its next read.
type Redis struct {
	Client *redis.Client
	Prefix string
	now    func() time.Time
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{Client: client, Prefix: DefaultPrefix, now: time.Now}
}

// Dial connects and pings.
func Dial(ctx context.Context, addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedis(client), nil
}

var _ stock.BalanceCache = (*Redis)(nil)

func (r *Redis) key(productID stock.ProductID) string { return r.Prefix + string(productID) }

func (r *Redis) Get(ctx context.Context, productID stock.ProductID, scope string) (int64, bool, error) {
	val, err := r.Client.HGet(ctx, r.key(productID), scope).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	qtyPart, expPart, ok := strings.Cut(val, ":")
	if !ok {
		return 0, false, nil
	}
	exp, err := strconv.ParseInt(expPart, 10, 64)
	if err != nil || r.now().UnixMilli() >= exp {
		return 0, false, nil
	}
	qty, err := strconv.ParseInt(qtyPart, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return qty, true, nil
}

func (r *Redis) Set(ctx context.Context, productID stock.ProductID, scope string, qty int64, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	k := r.key(productID)
	val := strconv.FormatInt(qty, 10) + ":" + strconv.FormatInt(r.now().Add(ttl).UnixMilli(), 10)

	pipe := r.Client.TxPipeline()
	pipe.HSet(ctx, k, scope, val)
	pipe.Expire(ctx, k, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) Invalidate(ctx context.Context, productID stock.ProductID) error {
	return r.Client.Del(ctx, r.key(productID)).Err()
}

func (r *Redis) Close() error { return r.Client.Close() }
