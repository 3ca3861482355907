package repository

import (
	"context"
	"sync"

	"order-pipeline/internal/microservices/order/domain"
)

type InMemoryAnalyticsRepository struct {
	mu   sync.RWMutex
	rows []domain.Order
}

func NewInMemoryAnalyticsRepository() *InMemoryAnalyticsRepository {
	return &InMemoryAnalyticsRepository{}
}

func (r *InMemoryAnalyticsRepository) Insert(_ context.Context, order domain.Order) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, order)
	return true, nil
}

func (r *InMemoryAnalyticsRepository) Count(_ context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.rows)), nil
}

func (r *InMemoryAnalyticsRepository) TotalAmount(_ context.Context) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sum float64
	for _, o := range r.rows {
		sum += o.TotalAmount
	}
	return sum, nil
}
