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

// RemovalPolicy decides when a tallied listing-removal proposal actually
// removes the listing: the total vote weight must exceed MinVoteCount and the
// remove option's share of the weight must exceed Ratio.
type RemovalPolicy struct {
	MinVoteCount int64
	Ratio        float64
}

// VoteService ingests votes, recomputes proposal results from scratch on
// every change, and enforces the listing-removal policy.
type VoteService struct {
	proposals govdomain.ProposalRepository
	votes     govdomain.VoteRepository
	results   govdomain.ResultRepository
	listings  domain.ListingRepository
	policy    RemovalPolicy
	logger    *slog.Logger
}

func NewVoteService(
	proposals govdomain.ProposalRepository,
	votes govdomain.VoteRepository,
	results govdomain.ResultRepository,
	listings domain.ListingRepository,
	policy RemovalPolicy,
	logger *slog.Logger,
) *VoteService {
	return &VoteService{
		proposals: proposals,
		votes:     votes,
		results:   results,
		listings:  listings,
		policy:    policy,
		logger:    logger,
	}
}

// HandleVote processes an inbound MPA_VOTE. A vote for a proposal that has
// not arrived yet is deferred. A voter's second vote replaces their first,
// but only when it carries an equal or later block height; an older vote
// arriving late is dropped without error. The proposal result is recomputed
// from the full vote set on every accepted vote.
func (s *VoteService) HandleVote(ctx context.Context, env *protocol.Envelope, _ *domain.SmsgMessage) error {
	action := env.Action
	v := action.Vote
	if v == nil || v.ProposalHash == "" || v.Voter == "" {
		return fmt.Errorf("%w: vote payload incomplete", domain.ErrProtocolViolation)
	}
	if err := protocol.VerifyAction(action.Sender, action); err != nil {
		return fmt.Errorf("%w: vote signature: %v", domain.ErrProtocolViolation, err)
	}
	if v.Voter != action.Sender {
		return fmt.Errorf("%w: vote sender %s is not the declared voter %s",
			domain.ErrProtocolViolation, action.Sender, v.Voter)
	}
	if v.Weight <= 0 {
		return fmt.Errorf("%w: vote weight must be positive", domain.ErrProtocolViolation)
	}

	proposal, err := s.proposals.GetByHash(ctx, v.ProposalHash)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("proposal %s: %w", v.ProposalHash, domain.ErrNotYetKnown)
	}
	if err != nil {
		return err
	}
	if !proposal.HasOption(v.OptionIndex) {
		return fmt.Errorf("%w: proposal %s has no option %d", domain.ErrProtocolViolation, v.ProposalHash, v.OptionIndex)
	}

	existing, err := s.votes.GetByProposalAndVoter(ctx, v.ProposalHash, v.Voter)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if existing != nil && existing.BlockHeight > v.BlockHeight {
		s.logger.DebugContext(ctx, "Ignoring stale vote",
			"proposal", v.ProposalHash, "voter", v.Voter,
			"have_height", existing.BlockHeight, "got_height", v.BlockHeight)
		return nil
	}

	now := time.Now().UTC()
	vote := &govdomain.Vote{
		ID:           uuid.New(),
		ProposalHash: v.ProposalHash,
		Voter:        v.Voter,
		OptionIndex:  v.OptionIndex,
		Weight:       v.Weight,
		BlockHeight:  v.BlockHeight,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.votes.Upsert(ctx, vote); err != nil {
		return fmt.Errorf("persist vote: %w", err)
	}
	votesStoredCounter.Inc()

	result, err := s.Recount(ctx, proposal)
	if err != nil {
		return err
	}
	return s.applyRemovalPolicy(ctx, proposal, result)
}

// Recount rebuilds the proposal's result from every known vote and persists
// it. Results are never patched incrementally.
func (s *VoteService) Recount(ctx context.Context, proposal *govdomain.Proposal) (*govdomain.ProposalResult, error) {
	votes, err := s.votes.ListByProposal(ctx, proposal.Hash)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}

	byOption := make(map[int]*govdomain.OptionResult, len(proposal.Options))
	options := make([]govdomain.OptionResult, len(proposal.Options))
	for i, o := range proposal.Options {
		options[i] = govdomain.OptionResult{OptionIndex: o.Index, Description: o.Description}
		byOption[o.Index] = &options[i]
	}
	var total int64
	for _, v := range votes {
		o, ok := byOption[v.OptionIndex]
		if !ok {
			continue
		}
		o.VoteCount++
		o.VoteWeight += v.Weight
		total += v.Weight
	}

	result := &govdomain.ProposalResult{
		ProposalHash: proposal.Hash,
		Options:      options,
		TotalWeight:  total,
		CalculatedAt: time.Now().UTC(),
	}
	if err := s.results.Save(ctx, result); err != nil {
		return nil, fmt.Errorf("persist result: %w", err)
	}
	return result, nil
}

// applyRemovalPolicy removes the targeted listing once the tally crosses both
// thresholds of the policy. Removal is idempotent; a listing already gone is
// not an error.
func (s *VoteService) applyRemovalPolicy(ctx context.Context, proposal *govdomain.Proposal, result *govdomain.ProposalResult) error {
	if proposal.Target == "" {
		return nil
	}
	if result.TotalWeight <= s.policy.MinVoteCount {
		return nil
	}
	var removeWeight int64
	for _, o := range result.Options {
		if o.Description == govdomain.RemoveOptionDescription {
			removeWeight = o.VoteWeight
		}
	}
	ratio := float64(removeWeight) / float64(result.TotalWeight)
	if ratio <= s.policy.Ratio {
		return nil
	}

	err := s.listings.DeleteByHash(ctx, proposal.Target)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove listing %s: %w", proposal.Target, err)
	}
	listingsRemovedCounter.Inc()
	s.logger.InfoContext(ctx, "Listing removed by governance vote",
		"listing_hash", proposal.Target, "proposal", proposal.Hash,
		"remove_weight", removeWeight, "total_weight", result.TotalWeight)
	return nil
}
