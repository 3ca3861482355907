package repository

import (
	"context"
	"sync"
	"time"

	"order-pipeline/internal/microservices/order/domain"
)

// InMemoryOrderRepository keeps orders in a map guarded by a RWMutex. Values
// are copied in and out, so callers never share a record with the store.
type InMemoryOrderRepository struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
	now    func() time.Time
}

func NewInMemoryOrderRepository() *InMemoryOrderRepository {
	return &InMemoryOrderRepository{
		orders: make(map[string]domain.Order),
		now:    time.Now,
	}
}

func (r *InMemoryOrderRepository) Save(_ context.Context, order domain.Order) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.ID] = order
	return order, nil
}

func (r *InMemoryOrderRepository) FindByID(_ context.Context, id string) (domain.Order, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	return o, ok, nil
}

func (r *InMemoryOrderRepository) FindAll(_ context.Context) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Order, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, o)
	}
	return out, nil
}

func (r *InMemoryOrderRepository) UpdateStatus(_ context.Context, id string, status domain.Status) (domain.Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return domain.Order{}, false, nil
	}
	o = o.WithStatus(status, r.now())
	r.orders[id] = o
	return o, true, nil
}
