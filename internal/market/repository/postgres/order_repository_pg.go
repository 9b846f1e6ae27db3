package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openstall/marketd/internal/market/domain"
)

// PgOrderRepository is the PostgreSQL implementation of
// domain.OrderRepository, spanning the orders and order_items tables. An
// order and its items are inserted in one transaction.
type PgOrderRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPgOrderRepository(dbPool *pgxpool.Pool, logger *slog.Logger) *PgOrderRepository {
	return &PgOrderRepository{db: dbPool, logger: logger}
}

func (r *PgOrderRepository) Create(ctx context.Context, order *domain.Order) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin order insert: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, hash, listing_hash, buyer, seller, bid_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, order.ID, order.Hash, order.ListingHash, order.Buyer, order.Seller, order.BidID, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error inserting order", "error", err, "order_hash", order.Hash)
		return fmt.Errorf("insert order: %w", err)
	}
	for _, item := range order.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items (id, order_id, listing_hash, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, item.ID, item.OrderID, item.ListingHash, string(item.Status), item.CreatedAt, item.UpdatedAt)
		if err != nil {
			r.logger.ErrorContext(ctx, "Error inserting order item", "error", err, "order_hash", order.Hash)
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (r *PgOrderRepository) GetByHash(ctx context.Context, hash string) (*domain.Order, error) {
	return r.getOne(ctx, `WHERE hash = $1`, hash)
}

func (r *PgOrderRepository) GetByBidID(ctx context.Context, bidID uuid.UUID) (*domain.Order, error) {
	return r.getOne(ctx, `WHERE bid_id = $1`, bidID)
}

func (r *PgOrderRepository) getOne(ctx context.Context, where string, arg interface{}) (*domain.Order, error) {
	query := `
		SELECT id, hash, listing_hash, buyer, seller, bid_id, created_at, updated_at
		FROM orders ` + where
	var order domain.Order
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&order.ID, &order.Hash, &order.ListingHash, &order.Buyer, &order.Seller, &order.BidID,
		&order.CreatedAt, &order.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "Error getting order", "error", err)
		return nil, fmt.Errorf("get order: %w", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, order_id, listing_hash, status, created_at, updated_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY created_at ASC
	`, order.ID)
	if err != nil {
		return nil, fmt.Errorf("list order items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			item   domain.OrderItem
			status string
		)
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ListingHash, &status, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		item.Status = domain.OrderItemStatus(status)
		order.Items = append(order.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *PgOrderRepository) UpdateItemStatus(ctx context.Context, itemID uuid.UUID, status domain.OrderItemStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE order_items SET status = $2, updated_at = NOW() WHERE id = $1
	`, itemID, string(status))
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating order item status", "error", err, "item_id", itemID)
		return fmt.Errorf("update order item status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
