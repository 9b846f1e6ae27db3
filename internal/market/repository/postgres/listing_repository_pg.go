package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openstall/marketd/internal/market/domain"
)

// PgListingRepository is the PostgreSQL implementation of
// domain.ListingRepository.
type PgListingRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPgListingRepository(dbPool *pgxpool.Pool, logger *slog.Logger) *PgListingRepository {
	return &PgListingRepository{db: dbPool, logger: logger}
}

func (r *PgListingRepository) Create(ctx context.Context, l *domain.Listing) error {
	query := `
		INSERT INTO listings (id, hash, seller, title, price_btc, payment_address, received_at, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Exec(ctx, query,
		l.ID, l.Hash, l.Seller, l.Title, l.PriceBTC, l.PaymentAddress, l.ReceivedAt, l.ExpiresAt, l.CreatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error inserting listing", "error", err, "hash", l.Hash)
		return fmt.Errorf("insert listing: %w", err)
	}
	return nil
}

func (r *PgListingRepository) GetByHash(ctx context.Context, hash string) (*domain.Listing, error) {
	query := `
		SELECT id, hash, seller, title, price_btc, payment_address, received_at, expires_at, created_at
		FROM listings
		WHERE hash = $1
	`
	var l domain.Listing
	err := r.db.QueryRow(ctx, query, hash).Scan(
		&l.ID, &l.Hash, &l.Seller, &l.Title, &l.PriceBTC, &l.PaymentAddress, &l.ReceivedAt, &l.ExpiresAt, &l.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "Error getting listing", "error", err, "hash", hash)
		return nil, fmt.Errorf("get listing: %w", err)
	}
	return &l, nil
}

func (r *PgListingRepository) DeleteByHash(ctx context.Context, hash string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM listings WHERE hash = $1`, hash)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error deleting listing", "error", err, "hash", hash)
		return fmt.Errorf("delete listing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
