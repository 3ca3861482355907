package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"order-pipeline/internal/microservices/order/domain"
)

// PostgresAnalyticsRepository appends to order_analytics; each insert is a new
// row even for an already recorded order id.
type PostgresAnalyticsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresAnalyticsRepository(pool *pgxpool.Pool) *PostgresAnalyticsRepository {
	return &PostgresAnalyticsRepository{pool: pool}
}

func (r *PostgresAnalyticsRepository) Insert(ctx context.Context, order domain.Order) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO order_analytics
		    (order_id, customer_id, product_name, quantity, total_amount, status, created_at, completed_at, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	`,
		order.ID, order.CustomerID, order.ProductName, order.Quantity, order.TotalAmount,
		string(order.Status), order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert analytics row for %s: %w", order.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresAnalyticsRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM order_analytics`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count analytics rows: %w", err)
	}
	return n, nil
}

func (r *PostgresAnalyticsRepository) TotalAmount(ctx context.Context) (float64, error) {
	var sum float64
	if err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(total_amount), 0) FROM order_analytics`).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum analytics rows: %w", err)
	}
	return sum, nil
}
