package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	govdomain "github.com/openstall/marketd/internal/governance/domain"
	"github.com/openstall/marketd/internal/market/domain"
)

// PgVoteRepository is the PostgreSQL implementation of
// govdomain.VoteRepository. The (proposal_hash, voter) unique constraint
// carries the replace-on-revote semantics.
type PgVoteRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPgVoteRepository(dbPool *pgxpool.Pool, logger *slog.Logger) *PgVoteRepository {
	return &PgVoteRepository{db: dbPool, logger: logger}
}

func (r *PgVoteRepository) Upsert(ctx context.Context, v *govdomain.Vote) error {
	query := `
		INSERT INTO votes (id, proposal_hash, voter, option_index, weight, block_height, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (proposal_hash, voter) DO UPDATE
		SET option_index = EXCLUDED.option_index,
		    weight = EXCLUDED.weight,
		    block_height = EXCLUDED.block_height,
		    updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Exec(ctx, query,
		v.ID, v.ProposalHash, v.Voter, v.OptionIndex, v.Weight, v.BlockHeight, v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error upserting vote", "error", err, "proposal", v.ProposalHash, "voter", v.Voter)
		return fmt.Errorf("upsert vote: %w", err)
	}
	return nil
}

func (r *PgVoteRepository) GetByProposalAndVoter(ctx context.Context, proposalHash, voter string) (*govdomain.Vote, error) {
	query := `
		SELECT id, proposal_hash, voter, option_index, weight, block_height, created_at, updated_at
		FROM votes
		WHERE proposal_hash = $1 AND voter = $2
	`
	var v govdomain.Vote
	err := r.db.QueryRow(ctx, query, proposalHash, voter).Scan(
		&v.ID, &v.ProposalHash, &v.Voter, &v.OptionIndex, &v.Weight, &v.BlockHeight, &v.CreatedAt, &v.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "Error getting vote", "error", err, "proposal", proposalHash, "voter", voter)
		return nil, fmt.Errorf("get vote: %w", err)
	}
	return &v, nil
}

func (r *PgVoteRepository) ListByProposal(ctx context.Context, proposalHash string) ([]*govdomain.Vote, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, proposal_hash, voter, option_index, weight, block_height, created_at, updated_at
		FROM votes
		WHERE proposal_hash = $1
		ORDER BY created_at ASC
	`, proposalHash)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing votes", "error", err, "proposal", proposalHash)
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	var votes []*govdomain.Vote
	for rows.Next() {
		var v govdomain.Vote
		if err := rows.Scan(&v.ID, &v.ProposalHash, &v.Voter, &v.OptionIndex, &v.Weight, &v.BlockHeight, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		votes = append(votes, &v)
	}
	return votes, rows.Err()
}
