package domain

import (
	"time"

	"github.com/google/uuid"
)

// Proposal is a governance proposal, keyed network-wide by its content hash.
// Target is empty for a generic public proposal, or a listing hash for a
// listing-removal proposal. When two proposals target the same listing, the
// earlier-posted one wins and the later is ignored.
type Proposal struct {
	ID          uuid.UUID        `json:"id"`
	Hash        string           `json:"hash"`
	Submitter   string           `json:"submitter"`
	Target      string           `json:"target,omitempty"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Options     []ProposalOption `json:"options"`
	PostedAt    time.Time        `json:"posted_at"`
	CreatedAt   time.Time        `json:"created_at"`
}

// ProposalOption is one choice voters may select.
type ProposalOption struct {
	Index       int    `json:"index"`
	Description string `json:"description"`
}

// HasOption reports whether the proposal defines the given option index.
func (p *Proposal) HasOption(index int) bool {
	for _, o := range p.Options {
		if o.Index == index {
			return true
		}
	}
	return false
}

// RemoveOptionDescription is the option text that counts toward listing
// removal when tallying a listing-targeted proposal.
const RemoveOptionDescription = "REMOVE"
