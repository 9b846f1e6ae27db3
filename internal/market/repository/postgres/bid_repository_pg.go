package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openstall/marketd/internal/market/domain"
)

// PgBidRepository is the PostgreSQL implementation of domain.BidRepository.
// The ordered protocol data items live in a jsonb column, preserving their
// insertion order as a JSON array.
type PgBidRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPgBidRepository(dbPool *pgxpool.Pool, logger *slog.Logger) *PgBidRepository {
	return &PgBidRepository{db: dbPool, logger: logger}
}

func (r *PgBidRepository) Create(ctx context.Context, bid *domain.Bid) error {
	data, err := json.Marshal(bid.Data)
	if err != nil {
		return fmt.Errorf("marshal bid data: %w", err)
	}
	query := `
		INSERT INTO bids (id, listing_hash, bidder, action, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.Exec(ctx, query,
		bid.ID, bid.ListingHash, bid.Bidder, string(bid.Action), data, bid.CreatedAt, bid.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error inserting bid", "error", err, "bid_id", bid.ID)
		return fmt.Errorf("insert bid: %w", err)
	}
	return nil
}

func (r *PgBidRepository) Update(ctx context.Context, bid *domain.Bid) error {
	data, err := json.Marshal(bid.Data)
	if err != nil {
		return fmt.Errorf("marshal bid data: %w", err)
	}
	query := `
		UPDATE bids
		SET action = $2, data = $3, updated_at = $4
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, bid.ID, string(bid.Action), data, bid.UpdatedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating bid", "error", err, "bid_id", bid.ID)
		return fmt.Errorf("update bid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PgBidRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Bid, error) {
	query := `
		SELECT id, listing_hash, bidder, action, data, created_at, updated_at
		FROM bids
		WHERE id = $1
	`
	return r.scanOne(ctx, r.db.QueryRow(ctx, query, id))
}

func (r *PgBidRepository) GetActive(ctx context.Context, listingHash, bidder string) (*domain.Bid, error) {
	query := `
		SELECT id, listing_hash, bidder, action, data, created_at, updated_at
		FROM bids
		WHERE listing_hash = $1 AND bidder = $2 AND action IN ('BID', 'ACCEPT')
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.scanOne(ctx, r.db.QueryRow(ctx, query, listingHash, bidder))
}

func (r *PgBidRepository) scanOne(ctx context.Context, row pgx.Row) (*domain.Bid, error) {
	var (
		bid    domain.Bid
		action string
		data   []byte
	)
	err := row.Scan(&bid.ID, &bid.ListingHash, &bid.Bidder, &action, &data, &bid.CreatedAt, &bid.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "Error scanning bid", "error", err)
		return nil, fmt.Errorf("scan bid: %w", err)
	}
	bid.Action = domain.BidAction(action)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &bid.Data); err != nil {
			return nil, fmt.Errorf("unmarshal bid data: %w", err)
		}
	}
	return &bid, nil
}
