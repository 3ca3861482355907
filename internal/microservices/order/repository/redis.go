package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"order-pipeline/internal/microservices/order/domain"
)

const (
	redisOrderPrefix = "order:"
	redisOrderIndex  = "orders:ids"
	redisMaxRetries  = 5
)

// RedisOrderRepository stores each order as JSON under order:<id> and keeps
// the set of known ids in orders:ids.
type RedisOrderRepository struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisOrderRepository(rdb *redis.Client) *RedisOrderRepository {
	return &RedisOrderRepository{rdb: rdb, now: time.Now}
}

func orderKey(id string) string { return redisOrderPrefix + id }

func (r *RedisOrderRepository) Save(ctx context.Context, order domain.Order) (domain.Order, error) {
	b, err := domain.Encode(order)
	if err != nil {
		return domain.Order{}, err
	}
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, orderKey(order.ID), b, 0)
		p.SAdd(ctx, redisOrderIndex, order.ID)
		return nil
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to save order %s: %w", order.ID, err)
	}
	return order, nil
}

func (r *RedisOrderRepository) FindByID(ctx context.Context, id string) (domain.Order, bool, error) {
	b, err := r.rdb.Get(ctx, orderKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Order{}, false, nil
	}
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	o, err := domain.Decode(b)
	if err != nil {
		return domain.Order{}, false, err
	}
	return o, true, nil
}

func (r *RedisOrderRepository) FindAll(ctx context.Context) ([]domain.Order, error) {
	ids, err := r.rdb.SMembers(ctx, redisOrderIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list order ids: %w", err)
	}
	if len(ids) == 0 {
		return []domain.Order{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = orderKey(id)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load orders: %w", err)
	}
	out := make([]domain.Order, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // id indexed but value gone
		}
		o, err := domain.Decode([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// UpdateStatus runs an optimistic WATCH/MULTI cycle on the order key and
// retries when another writer got there first.
func (r *RedisOrderRepository) UpdateStatus(ctx context.Context, id string, status domain.Status) (domain.Order, bool, error) {
	key := orderKey(id)
	var (
		updated domain.Order
		found   bool
	)
	txf := func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		o, err := domain.Decode(b)
		if err != nil {
			return err
		}
		updated = o.WithStatus(status, r.now())
		nb, err := domain.Encode(updated)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, nb, 0)
			return nil
		})
		found = err == nil
		return err
	}

	for i := 0; i < redisMaxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return domain.Order{}, false, fmt.Errorf("failed to update order %s: %w", id, err)
		}
		if !found {
			return domain.Order{}, false, nil
		}
		return updated, true, nil
	}
	return domain.Order{}, false, fmt.Errorf("failed to update order %s: too much contention", id)
}
