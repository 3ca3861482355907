package repository

import (
	"context"

	"order-pipeline/internal/microservices/order/domain"
)

// OrderRepositoryInterface is the Order Store. A missing id is reported as
// ok == false with a nil error.
type OrderRepositoryInterface interface {
	Save(ctx context.Context, order domain.Order) (domain.Order, error)
	FindByID(ctx context.Context, id string) (order domain.Order, ok bool, err error)
	FindAll(ctx context.Context) ([]domain.Order, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status) (order domain.Order, ok bool, err error)
}
