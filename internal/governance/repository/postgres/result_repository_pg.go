package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	govdomain "github.com/openstall/marketd/internal/governance/domain"
	"github.com/openstall/marketd/internal/market/domain"
)

// PgResultRepository stores the latest recomputed tally per proposal. One row
// per proposal, overwritten on every recount.
type PgResultRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPgResultRepository(dbPool *pgxpool.Pool, logger *slog.Logger) *PgResultRepository {
	return &PgResultRepository{db: dbPool, logger: logger}
}

func (r *PgResultRepository) Save(ctx context.Context, res *govdomain.ProposalResult) error {
	options, err := json.Marshal(res.Options)
	if err != nil {
		return fmt.Errorf("marshal result options: %w", err)
	}
	query := `
		INSERT INTO proposal_results (proposal_hash, options, total_weight, calculated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (proposal_hash) DO UPDATE
		SET options = EXCLUDED.options,
		    total_weight = EXCLUDED.total_weight,
		    calculated_at = EXCLUDED.calculated_at
	`
	_, err = r.db.Exec(ctx, query, res.ProposalHash, options, res.TotalWeight, res.CalculatedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error saving proposal result", "error", err, "proposal", res.ProposalHash)
		return fmt.Errorf("save proposal result: %w", err)
	}
	return nil
}

func (r *PgResultRepository) GetByProposal(ctx context.Context, proposalHash string) (*govdomain.ProposalResult, error) {
	query := `
		SELECT proposal_hash, options, total_weight, calculated_at
		FROM proposal_results
		WHERE proposal_hash = $1
	`
	var (
		res     govdomain.ProposalResult
		options []byte
	)
	err := r.db.QueryRow(ctx, query, proposalHash).Scan(&res.ProposalHash, &options, &res.TotalWeight, &res.CalculatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "Error getting proposal result", "error", err, "proposal", proposalHash)
		return nil, fmt.Errorf("get proposal result: %w", err)
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &res.Options); err != nil {
			return nil, fmt.Errorf("unmarshal result options: %w", err)
		}
	}
	return &res, nil
}
