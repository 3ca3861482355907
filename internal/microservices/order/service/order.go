package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"order-pipeline/internal/common/logger"
	"order-pipeline/internal/common/metrics"
	"order-pipeline/internal/microservices/order/domain"
	"order-pipeline/internal/microservices/order/repository"
)

var ErrEmptyPayload = errors.New("order payload is required")

type OrderServiceInterface interface {
	CreateOrder(ctx context.Context, req *domain.CreateOrderRequest) (domain.Order, error)
	FindByID(ctx context.Context, id string) (domain.Order, bool, error)
	FindAll(ctx context.Context) ([]domain.Order, error)
}

// OrderService is the create-time half of the order lifecycle. It persists
// the order and hands it to the publisher in the background; the create call
// never waits for, or fails because of, the publish.
type OrderService struct {
	repo      repository.OrderRepositoryInterface
	publisher OrderPublisherInterface
	lg        *logger.Logger
	m         *metrics.Metrics
	now       func() time.Time

	publishes sync.WaitGroup
}

func NewOrderService(repo repository.OrderRepositoryInterface, publisher OrderPublisherInterface, lg *logger.Logger, m *metrics.Metrics) *OrderService {
	return &OrderService{repo: repo, publisher: publisher, lg: lg, m: m, now: time.Now}
}

func (s *OrderService) CreateOrder(ctx context.Context, req *domain.CreateOrderRequest) (domain.Order, error) {
	if req == nil {
		return domain.Order{}, ErrEmptyPayload
	}

	saved, err := s.repo.Save(ctx, domain.NewOrder(*req, s.now()))
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to save order: %w", err)
	}
	s.m.OrdersCreated.Inc()
	s.lg.Info("order_created", map[string]any{
		"order_id":     saved.ID,
		"customer_id":  saved.CustomerID,
		"total_amount": saved.TotalAmount,
	})

	// The publish outlives the request.
	pubCtx := context.WithoutCancel(ctx)
	s.publishes.Add(1)
	go func() {
		defer s.publishes.Done()
		s.publisher.Publish(pubCtx, saved)
	}()

	return saved, nil
}

func (s *OrderService) FindByID(ctx context.Context, id string) (domain.Order, bool, error) {
	return s.repo.FindByID(ctx, id)
}

func (s *OrderService) FindAll(ctx context.Context) ([]domain.Order, error) {
	return s.repo.FindAll(ctx)
}

// Wait blocks until every background publish started so far has returned.
func (s *OrderService) Wait() { s.publishes.Wait() }
