package domain

import (
	"time"

	"github.com/google/uuid"
)

// Vote is one voter's weighted choice on a proposal option. At most one vote
// exists per (voter, proposal); a later vote from the same voter replaces the
// earlier one in place. BlockHeight serves as a monotonic clock substitute for
// ordering competing votes from the same voter.
type Vote struct {
	ID           uuid.UUID `json:"id"`
	ProposalHash string    `json:"proposal_hash"`
	Voter        string    `json:"voter"`
	OptionIndex  int       `json:"option_index"`
	Weight       int64     `json:"weight"`
	BlockHeight  int64     `json:"block_height"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// OptionResult is the recomputed aggregate for one option.
type OptionResult struct {
	OptionIndex int   `json:"option_index"`
	Description string `json:"description"`
	VoteCount   int64 `json:"vote_count"`
	VoteWeight  int64 `json:"vote_weight"`
}

// ProposalResult is always derived from the full set of known votes,
// recalculated rather than incrementally patched, so it cannot drift.
type ProposalResult struct {
	ProposalHash string         `json:"proposal_hash"`
	Options      []OptionResult `json:"options"`
	TotalWeight  int64          `json:"total_weight"`
	CalculatedAt time.Time      `json:"calculated_at"`
}

// WeightFor returns the tallied weight of the given option index.
func (r *ProposalResult) WeightFor(index int) int64 {
	for _, o := range r.Options {
		if o.OptionIndex == index {
			return o.VoteWeight
		}
	}
	return 0
}
