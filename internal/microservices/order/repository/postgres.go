package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"order-pipeline/internal/microservices/order/domain"
)

type PostgresOrderRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresOrderRepository(pool *pgxpool.Pool) *PostgresOrderRepository {
	return &PostgresOrderRepository{pool: pool}
}

const orderColumns = `id, customer_id, product_name, quantity, total_amount, status, created_at, updated_at`

func (r *PostgresOrderRepository) Save(ctx context.Context, order domain.Order) (domain.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
		  customer_id  = EXCLUDED.customer_id,
		  product_name = EXCLUDED.product_name,
		  quantity     = EXCLUDED.quantity,
		  total_amount = EXCLUDED.total_amount,
		  status       = EXCLUDED.status,
		  created_at   = EXCLUDED.created_at,
		  updated_at   = EXCLUDED.updated_at
	`,
		order.ID, order.CustomerID, order.ProductName, order.Quantity, order.TotalAmount,
		string(order.Status), order.CreatedAt, nullTime(order.UpdatedAt),
	); err != nil {
		return domain.Order{}, fmt.Errorf("failed to insert order: %w", err)
	}

	if err := logStatus(ctx, tx, order.ID, order.Status); err != nil {
		return domain.Order{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Order{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return order, nil
}

func (r *PostgresOrderRepository) FindByID(ctx context.Context, id string) (domain.Order, bool, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, false, nil
	}
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	return o, true, nil
}

func (r *PostgresOrderRepository) FindAll(ctx context.Context) ([]domain.Order, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders`)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpdateStatus is last-writer-wins. updated_at never goes backwards for a row.
func (r *PostgresOrderRepository) UpdateStatus(ctx context.Context, id string, status domain.Status) (domain.Order, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		UPDATE orders
		SET status = $2,
		    updated_at = GREATEST(clock_timestamp(), COALESCE(updated_at, created_at) + interval '1 microsecond')
		WHERE id = $1
		RETURNING `+orderColumns, id, string(status))
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, false, nil
	}
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("failed to update order %s: %w", id, err)
	}
	if err := logStatus(ctx, tx, id, status); err != nil {
		return domain.Order{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Order{}, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return o, true, nil
}

func logStatus(ctx context.Context, tx pgx.Tx, id string, status domain.Status) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO order_status_log (order_id, status, changed_at)
		VALUES ($1, $2, now())
	`, id, string(status)); err != nil {
		return fmt.Errorf("failed to insert order status log: %w", err)
	}
	return nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o         domain.Order
		status    string
		updatedAt *time.Time
	)
	if err := row.Scan(&o.ID, &o.CustomerID, &o.ProductName, &o.Quantity, &o.TotalAmount,
		&status, &o.CreatedAt, &updatedAt); err != nil {
		return domain.Order{}, err
	}
	o.Status = domain.Status(status)
	o.CreatedAt = o.CreatedAt.UTC()
	if updatedAt != nil {
		o.UpdatedAt = updatedAt.UTC()
	}
	return o, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
