package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"order-pipeline/internal/microservices/order/domain"
)

const (
	redisAnalyticsLog     = "analytics:orders"
	redisAnalyticsSummary = "analytics:summary"
)

// RedisAnalyticsRepository appends each completed order to analytics:orders
// and keeps running count and total fields in the analytics:summary hash,
// updated in the same MULTI.
type RedisAnalyticsRepository struct {
	rdb *redis.Client
}

func NewRedisAnalyticsRepository(rdb *redis.Client) *RedisAnalyticsRepository {
	return &RedisAnalyticsRepository{rdb: rdb}
}

func (r *RedisAnalyticsRepository) Insert(ctx context.Context, order domain.Order) (bool, error) {
	b, err := domain.Encode(order)
	if err != nil {
		return false, err
	}
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, redisAnalyticsLog, b)
		p.HIncrBy(ctx, redisAnalyticsSummary, "count", 1)
		p.HIncrByFloat(ctx, redisAnalyticsSummary, "total", order.TotalAmount)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to insert analytics entry for %s: %w", order.ID, err)
	}
	return true, nil
}

func (r *RedisAnalyticsRepository) Count(ctx context.Context) (int64, error) {
	n, err := r.rdb.HGet(ctx, redisAnalyticsSummary, "count").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read analytics count: %w", err)
	}
	return n, nil
}

func (r *RedisAnalyticsRepository) TotalAmount(ctx context.Context) (float64, error) {
	sum, err := r.rdb.HGet(ctx, redisAnalyticsSummary, "total").Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read analytics total: %w", err)
	}
	return sum, nil
}
