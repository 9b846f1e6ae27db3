package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	govdomain "github.com/openstall/marketd/internal/governance/domain"
	"github.com/openstall/marketd/internal/market/domain"
	"github.com/openstall/marketd/internal/protocol"
)

// ProposalService maintains the locally known set of governance proposals.
type ProposalService struct {
	proposals govdomain.ProposalRepository
	listings  domain.ListingRepository
	logger    *slog.Logger
}

func NewProposalService(proposals govdomain.ProposalRepository, listings domain.ListingRepository, logger *slog.Logger) *ProposalService {
	return &ProposalService{proposals: proposals, listings: listings, logger: logger}
}

// HandleProposalAdd processes an inbound MPA_PROPOSAL_ADD. The declared
// content hash is re-derived; a mismatch is a violation. A listing-targeted
// proposal whose listing has not arrived yet is deferred. When a competing
// proposal already targets the same listing, the earlier-posted one stands
// whichever arrives first: a later arrival is dropped without error, and a
// stored later-posted proposal is removed when the earlier one shows up.
func (s *ProposalService) HandleProposalAdd(ctx context.Context, env *protocol.Envelope, _ *domain.SmsgMessage) error {
	action := env.Action
	p := action.Proposal
	if p == nil || p.Hash == "" || p.Submitter == "" || len(p.Options) == 0 {
		return fmt.Errorf("%w: proposal payload incomplete", domain.ErrProtocolViolation)
	}
	if err := protocol.VerifyAction(action.Sender, action); err != nil {
		return fmt.Errorf("%w: proposal signature: %v", domain.ErrProtocolViolation, err)
	}
	derived, err := protocol.HashProposal(p)
	if err != nil {
		return fmt.Errorf("hash proposal: %w", err)
	}
	if derived != p.Hash {
		return fmt.Errorf("%w: proposal hash mismatch: declared %s, derived %s",
			domain.ErrProtocolViolation, p.Hash, derived)
	}

	existing, err := s.proposals.GetByHash(ctx, p.Hash)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if existing != nil {
		s.logger.DebugContext(ctx, "Proposal already known", "hash", p.Hash)
		return nil
	}

	if p.Target != "" {
		if _, err := s.listings.GetByHash(ctx, p.Target); errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("target listing %s: %w", p.Target, domain.ErrNotYetKnown)
		} else if err != nil {
			return err
		}
		competing, err := s.proposals.GetByTarget(ctx, p.Target)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if competing != nil {
			if !competing.PostedAt.After(msToTime(p.PostedAt)) {
				s.logger.InfoContext(ctx, "Ignoring later competing proposal",
					"target", p.Target, "kept", competing.Hash, "dropped", p.Hash)
				return nil
			}
			// The stored proposal was posted later than this arrival. Every
			// node must settle on the earliest-posted proposal regardless of
			// delivery order, so the later one is superseded: it goes away
			// together with its votes and result, and any vote still
			// referencing it defers as unknown.
			if err := s.proposals.DeleteByHash(ctx, competing.Hash); err != nil && !errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("supersede proposal %s: %w", competing.Hash, err)
			}
			s.logger.InfoContext(ctx, "Superseded later competing proposal",
				"target", p.Target, "kept", p.Hash, "dropped", competing.Hash)
		}
	}

	options := make([]govdomain.ProposalOption, 0, len(p.Options))
	for _, o := range p.Options {
		options = append(options, govdomain.ProposalOption{Index: o.Index, Description: o.Description})
	}
	proposal := &govdomain.Proposal{
		ID:          uuid.New(),
		Hash:        p.Hash,
		Submitter:   p.Submitter,
		Target:      p.Target,
		Title:       p.Title,
		Description: p.Description,
		Options:     options,
		PostedAt:    msToTime(p.PostedAt),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.proposals.Create(ctx, proposal); err != nil {
		return fmt.Errorf("persist proposal: %w", err)
	}
	proposalsStoredCounter.Inc()
	s.logger.InfoContext(ctx, "Stored proposal", "hash", p.Hash, "target", p.Target, "title", p.Title)
	return nil
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
