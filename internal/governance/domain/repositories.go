package domain

import "context"

// ProposalRepository persists proposals keyed by content hash. Lookups that
// find nothing return market domain ErrNotFound semantics via the shared
// sentinel (see market/domain).
type ProposalRepository interface {
	Create(ctx context.Context, p *Proposal) error
	GetByHash(ctx context.Context, hash string) (*Proposal, error)
	// GetByTarget returns the earliest-posted proposal targeting the listing.
	GetByTarget(ctx context.Context, target string) (*Proposal, error)
	// DeleteByHash removes a proposal along with its votes and tallied
	// result. Deleting an unknown hash returns ErrNotFound.
	DeleteByHash(ctx context.Context, hash string) error
}

// VoteRepository persists votes with replace-by-(voter, proposal) semantics.
type VoteRepository interface {
	// Upsert inserts the vote, or updates option/weight/height in place when
	// the (proposal, voter) pair already exists.
	Upsert(ctx context.Context, v *Vote) error
	GetByProposalAndVoter(ctx context.Context, proposalHash, voter string) (*Vote, error)
	ListByProposal(ctx context.Context, proposalHash string) ([]*Vote, error)
}

// ResultRepository stores the latest recomputed aggregate per proposal.
type ResultRepository interface {
	Save(ctx context.Context, r *ProposalResult) error
	GetByProposal(ctx context.Context, proposalHash string) (*ProposalResult, error)
}
