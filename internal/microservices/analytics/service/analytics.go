package service

import (
	"context"
	"fmt"

	"order-pipeline/internal/microservices/analytics/repository"
)

type Summary struct {
	Count        int64   `json:"count"`
	TotalRevenue float64 `json:"totalRevenue"`
}

type AnalyticsServiceInterface interface {
	Summary(ctx context.Context) (Summary, error)
}

type AnalyticsService struct {
	repo repository.AnalyticsRepositoryInterface
}

func NewAnalyticsService(repo repository.AnalyticsRepositoryInterface) *AnalyticsService {
	return &AnalyticsService{repo: repo}
}

func (s *AnalyticsService) Summary(ctx context.Context) (Summary, error) {
	n, err := s.repo.Count(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("count: %w", err)
	}
	sum, err := s.repo.TotalAmount(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("total amount: %w", err)
	}
	return Summary{Count: n, TotalRevenue: sum}, nil
}
