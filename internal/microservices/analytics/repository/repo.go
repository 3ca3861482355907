// Package repository holds the analytics sink: an append-only record of
// completed orders with aggregate queries over it.
package repository

import (
	"context"

	"order-pipeline/internal/microservices/order/domain"
)

// AnalyticsRepositoryInterface does not deduplicate: inserting the same order
// twice counts it twice.
type AnalyticsRepositoryInterface interface {
	Insert(ctx context.Context, order domain.Order) (bool, error)
	Count(ctx context.Context) (int64, error)
	TotalAmount(ctx context.Context) (float64, error)
}
