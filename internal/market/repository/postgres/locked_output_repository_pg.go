package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openstall/marketd/internal/market/domain"
)

// PgLockedOutputRepository is the PostgreSQL implementation of
// domain.LockedOutputRepository. Amounts are stored as satoshi bigints.
type PgLockedOutputRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPgLockedOutputRepository(dbPool *pgxpool.Pool, logger *slog.Logger) *PgLockedOutputRepository {
	return &PgLockedOutputRepository{db: dbPool, logger: logger}
}

func (r *PgLockedOutputRepository) Create(ctx context.Context, lo *domain.LockedOutput) error {
	query := `
		INSERT INTO locked_outputs (id, txid, vout, amount_sat, bid_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query, lo.ID, lo.TxID, lo.VOut, int64(lo.Amount), lo.BidID, lo.CreatedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error inserting locked output", "error", err, "txid", lo.TxID, "vout", lo.VOut)
		return fmt.Errorf("insert locked output: %w", err)
	}
	return nil
}

func (r *PgLockedOutputRepository) ListByBid(ctx context.Context, bidID uuid.UUID) ([]*domain.LockedOutput, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, txid, vout, amount_sat, bid_id, created_at
		FROM locked_outputs
		WHERE bid_id = $1
		ORDER BY created_at ASC
	`, bidID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing locked outputs", "error", err, "bid_id", bidID)
		return nil, fmt.Errorf("list locked outputs: %w", err)
	}
	defer rows.Close()

	var out []*domain.LockedOutput
	for rows.Next() {
		lo, err := scanLockedOutput(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lo)
	}
	return out, rows.Err()
}

func (r *PgLockedOutputRepository) DeleteByBid(ctx context.Context, bidID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM locked_outputs WHERE bid_id = $1`, bidID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error deleting locked outputs", "error", err, "bid_id", bidID)
		return fmt.Errorf("delete locked outputs: %w", err)
	}
	return nil
}

func (r *PgLockedOutputRepository) GetByOutput(ctx context.Context, txid string, vout uint32) (*domain.LockedOutput, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, txid, vout, amount_sat, bid_id, created_at
		FROM locked_outputs
		WHERE txid = $1 AND vout = $2
	`, txid, vout)
	lo, err := scanLockedOutput(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "Error getting locked output", "error", err, "txid", txid, "vout", vout)
		return nil, err
	}
	return lo, nil
}

func scanLockedOutput(row pgx.Row) (*domain.LockedOutput, error) {
	var (
		lo  domain.LockedOutput
		sat int64
	)
	if err := row.Scan(&lo.ID, &lo.TxID, &lo.VOut, &sat, &lo.BidID, &lo.CreatedAt); err != nil {
		return nil, err
	}
	lo.Amount = btcutil.Amount(sat)
	return &lo, nil
}
