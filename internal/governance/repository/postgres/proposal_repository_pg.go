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

// PgProposalRepository is the PostgreSQL implementation of
// govdomain.ProposalRepository. Options are stored as a jsonb array.
type PgProposalRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPgProposalRepository(dbPool *pgxpool.Pool, logger *slog.Logger) *PgProposalRepository {
	return &PgProposalRepository{db: dbPool, logger: logger}
}

func (r *PgProposalRepository) Create(ctx context.Context, p *govdomain.Proposal) error {
	options, err := json.Marshal(p.Options)
	if err != nil {
		return fmt.Errorf("marshal proposal options: %w", err)
	}
	query := `
		INSERT INTO proposals (id, hash, submitter, target, title, description, options, posted_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.db.Exec(ctx, query,
		p.ID, p.Hash, p.Submitter, p.Target, p.Title, p.Description, options, p.PostedAt, p.CreatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error inserting proposal", "error", err, "hash", p.Hash)
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

func (r *PgProposalRepository) GetByHash(ctx context.Context, hash string) (*govdomain.Proposal, error) {
	query := `
		SELECT id, hash, submitter, target, title, description, options, posted_at, created_at
		FROM proposals
		WHERE hash = $1
	`
	return r.scanOne(ctx, r.db.QueryRow(ctx, query, hash))
}

func (r *PgProposalRepository) GetByTarget(ctx context.Context, target string) (*govdomain.Proposal, error) {
	query := `
		SELECT id, hash, submitter, target, title, description, options, posted_at, created_at
		FROM proposals
		WHERE target = $1
		ORDER BY posted_at ASC
		LIMIT 1
	`
	return r.scanOne(ctx, r.db.QueryRow(ctx, query, target))
}

// DeleteByHash removes a proposal; votes and the tallied result go with it
// via the ON DELETE CASCADE foreign keys.
func (r *PgProposalRepository) DeleteByHash(ctx context.Context, hash string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM proposals WHERE hash = $1`, hash)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error deleting proposal", "error", err, "hash", hash)
		return fmt.Errorf("delete proposal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PgProposalRepository) scanOne(ctx context.Context, row pgx.Row) (*govdomain.Proposal, error) {
	var (
		p       govdomain.Proposal
		options []byte
	)
	err := row.Scan(&p.ID, &p.Hash, &p.Submitter, &p.Target, &p.Title, &p.Description, &options, &p.PostedAt, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "Error scanning proposal", "error", err)
		return nil, fmt.Errorf("scan proposal: %w", err)
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &p.Options); err != nil {
			return nil, fmt.Errorf("unmarshal proposal options: %w", err)
		}
	}
	return &p, nil
}
