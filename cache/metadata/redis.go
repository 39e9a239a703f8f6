package metadata

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds how many times Transaction re-runs its callback
// after an optimistic-lock conflict (a watched key changed
// concurrently), mirroring the retry loop built into the upstream
// redis transaction helper this adapter is modelled on.
const maxTxRetries = 10

// RedisStore is the production Store implementation, backed by
// github.com/redis/go-redis/v9. Connections are managed by the
// underlying *redis.Client pool; subscriptions open a dedicated
// connection on demand.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore returns a Store connected to the given address/db. The
// connection is established lazily by the redis client and may be
// re-established transparently on error.
func NewRedisStore(addr string, db int, password string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			DB:       db,
			Password: password,
		}),
	}
}

func (s *RedisStore) GetString(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("metadata: GET %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisStore) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("metadata: SET %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("metadata: HGETALL %s: %w", key, err)
	}
	return m, nil
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := s.client.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("metadata: HSET %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("metadata: DEL %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	if err != nil {
		return fmt.Errorf("metadata: ZADD %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ZPopMin(ctx context.Context, key string) (string, float64, bool, error) {
	zs, err := s.client.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return "", 0, false, fmt.Errorf("metadata: ZPOPMIN %s: %w", key, err)
	}
	if len(zs) == 0 {
		return "", 0, false, nil
	}
	member, ok := zs[0].Member.(string)
	if !ok {
		return "", 0, false, fmt.Errorf("metadata: ZPOPMIN %s: non-string member %v", key, zs[0].Member)
	}
	return member, zs[0].Score, true, nil
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("metadata: INCRBY %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) GetCounter(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("metadata: GET %s: %w", key, err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("metadata: GET %s: not an integer: %w", key, err)
	}
	return n, nil
}

// redisTx adapts a *redis.Tx (bound inside a WATCH) to the Tx
// interface. Every operation runs directly on the watched connection,
// per the spec's requirement that eviction reads total_size only via
// the transactional connection.
type redisTx struct {
	tx *redis.Tx
}

func (t *redisTx) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := t.tx.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("metadata: HGETALL %s: %w", key, err)
	}
	return m, nil
}

func (t *redisTx) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := t.tx.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("metadata: HSET %s: %w", key, err)
	}
	return nil
}

func (t *redisTx) Del(ctx context.Context, key string) error {
	if err := t.tx.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("metadata: DEL %s: %w", key, err)
	}
	return nil
}

func (t *redisTx) ZAdd(ctx context.Context, key, member string, score float64) error {
	err := t.tx.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	if err != nil {
		return fmt.Errorf("metadata: ZADD %s: %w", key, err)
	}
	return nil
}

func (t *redisTx) ZPopMin(ctx context.Context, key string) (string, float64, bool, error) {
	zs, err := t.tx.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return "", 0, false, fmt.Errorf("metadata: ZPOPMIN %s: %w", key, err)
	}
	if len(zs) == 0 {
		return "", 0, false, nil
	}
	member, ok := zs[0].Member.(string)
	if !ok {
		return "", 0, false, fmt.Errorf("metadata: ZPOPMIN %s: non-string member %v", key, zs[0].Member)
	}
	return member, zs[0].Score, true, nil
}

func (t *redisTx) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := t.tx.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("metadata: INCRBY %s: %w", key, err)
	}
	return v, nil
}

func (t *redisTx) GetCounter(ctx context.Context, key string) (int64, error) {
	v, err := t.tx.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("metadata: GET %s: %w", key, err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("metadata: GET %s: not an integer: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) Transaction(ctx context.Context, watch []string, fn func(tx Tx) error) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			return fn(&redisTx{tx: tx})
		}, watch...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // a watched key changed concurrently; retry
		}
		return fmt.Errorf("metadata: transaction failed: %w", err)
	}
	return fmt.Errorf("metadata: transaction: exceeded %d retries due to contention", maxTxRetries)
}

// redisSubscription adapts *redis.PubSub to Subscription.
type redisSubscription struct {
	pubsub *redis.PubSub
}

func (s *RedisStore) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	pubsub := s.client.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("metadata: psubscribe %s: %w", pattern, err)
	}
	return &redisSubscription{pubsub: pubsub}, nil
}

func (s *redisSubscription) ReceiveTimeout(ctx context.Context, timeout time.Duration) (*Message, bool, error) {
	msgIface, err := s.pubsub.ReceiveTimeout(ctx, timeout)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, true, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, true, nil
		}
		return nil, false, err
	}

	switch m := msgIface.(type) {
	case *redis.Message:
		return &Message{Channel: m.Channel, Payload: m.Payload}, false, nil
	default:
		// Subscription confirmations and pings: not a real event, but
		// also not a timeout or an error; let the caller poll again.
		return nil, true, nil
	}
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
