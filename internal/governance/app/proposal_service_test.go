package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	govdomain "github.com/openstall/marketd/internal/governance/domain"
	"github.com/openstall/marketd/internal/market/domain"
	"github.com/openstall/marketd/internal/protocol"
)

const proposalPostedAtMs = int64(1700000000000)

// proposalAction builds a signed MPA_PROPOSAL_ADD with a correctly derived
// content hash.
func proposalAction(t *testing.T, submitter *signer, target string, postedAt int64) *protocol.MPAction {
	t.Helper()
	payload := &protocol.ProposalPayload{
		Submitter: submitter.address(),
		Target:    target,
		Title:     "remove counterfeit listing",
		Options: []protocol.ProposalOption{
			{Index: 0, Description: "KEEP"},
			{Index: 1, Description: govdomain.RemoveOptionDescription},
		},
		PostedAt: postedAt,
	}
	hash, err := protocol.HashProposal(payload)
	require.NoError(t, err)
	payload.Hash = hash
	return submitter.sign(t, &protocol.MPAction{Type: protocol.MsgProposalAdd, Proposal: payload})
}

func storedProposal(hash, target string, postedAt int64) *govdomain.Proposal {
	return &govdomain.Proposal{
		ID:        uuid.New(),
		Hash:      hash,
		Submitter: "someone",
		Target:    target,
		Title:     "remove counterfeit listing",
		Options: []govdomain.ProposalOption{
			{Index: 0, Description: "KEEP"},
			{Index: 1, Description: govdomain.RemoveOptionDescription},
		},
		PostedAt:  time.UnixMilli(postedAt).UTC(),
		CreatedAt: time.Now().UTC(),
	}
}

func TestHandleProposalAddStoresProposal(t *testing.T) {
	proposals := new(MockProposalRepository)
	listings := new(MockListingRepository)
	service := NewProposalService(proposals, listings, testLogger())
	submitter := newSigner(t)
	action := proposalAction(t, submitter, "listing-1", proposalPostedAtMs)

	proposals.On("GetByHash", mock.Anything, action.Proposal.Hash).Return(nil, domain.ErrNotFound).Once()
	listings.On("GetByHash", mock.Anything, "listing-1").Return(&domain.Listing{Hash: "listing-1"}, nil).Once()
	proposals.On("GetByTarget", mock.Anything, "listing-1").Return(nil, domain.ErrNotFound).Once()
	proposals.On("Create", mock.Anything, mock.MatchedBy(func(p *govdomain.Proposal) bool {
		return p.Hash == action.Proposal.Hash &&
			p.Target == "listing-1" &&
			len(p.Options) == 2 &&
			p.PostedAt.Equal(time.UnixMilli(proposalPostedAtMs).UTC())
	})).Return(nil).Once()

	require.NoError(t, service.HandleProposalAdd(context.Background(), envelopeFor(action), nil))
	proposals.AssertExpectations(t)
}

func TestHandleProposalAddRejectsHashMismatch(t *testing.T) {
	proposals := new(MockProposalRepository)
	service := NewProposalService(proposals, new(MockListingRepository), testLogger())
	submitter := newSigner(t)
	action := proposalAction(t, submitter, "", proposalPostedAtMs)
	action.Proposal.Hash = "not-the-content-hash"

	err := service.HandleProposalAdd(context.Background(), envelopeFor(action), nil)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
	proposals.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestHandleProposalAddDefersUnknownTargetListing(t *testing.T) {
	proposals := new(MockProposalRepository)
	listings := new(MockListingRepository)
	service := NewProposalService(proposals, listings, testLogger())
	submitter := newSigner(t)
	action := proposalAction(t, submitter, "listing-1", proposalPostedAtMs)

	proposals.On("GetByHash", mock.Anything, action.Proposal.Hash).Return(nil, domain.ErrNotFound).Once()
	listings.On("GetByHash", mock.Anything, "listing-1").Return(nil, domain.ErrNotFound).Once()

	err := service.HandleProposalAdd(context.Background(), envelopeFor(action), nil)
	assert.ErrorIs(t, err, domain.ErrNotYetKnown)
	proposals.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestHandleProposalAddKeepsEarliestCompetingProposal(t *testing.T) {
	proposals := new(MockProposalRepository)
	listings := new(MockListingRepository)
	service := NewProposalService(proposals, listings, testLogger())
	submitter := newSigner(t)
	action := proposalAction(t, submitter, "listing-1", proposalPostedAtMs)

	proposals.On("GetByHash", mock.Anything, action.Proposal.Hash).Return(nil, domain.ErrNotFound).Once()
	listings.On("GetByHash", mock.Anything, "listing-1").Return(&domain.Listing{Hash: "listing-1"}, nil).Once()
	// A competing proposal posted an hour earlier already targets the listing.
	competing := storedProposal("earlier-hash", "listing-1", proposalPostedAtMs-3600_000)
	proposals.On("GetByTarget", mock.Anything, "listing-1").Return(competing, nil).Once()

	// The later arrival is dropped without error.
	require.NoError(t, service.HandleProposalAdd(context.Background(), envelopeFor(action), nil))
	proposals.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestHandleProposalAddStoresEarlierPostedOverCompeting(t *testing.T) {
	proposals := new(MockProposalRepository)
	listings := new(MockListingRepository)
	service := NewProposalService(proposals, listings, testLogger())
	submitter := newSigner(t)
	action := proposalAction(t, submitter, "listing-1", proposalPostedAtMs)

	proposals.On("GetByHash", mock.Anything, action.Proposal.Hash).Return(nil, domain.ErrNotFound).Once()
	listings.On("GetByHash", mock.Anything, "listing-1").Return(&domain.Listing{Hash: "listing-1"}, nil).Once()
	competing := storedProposal("later-hash", "listing-1", proposalPostedAtMs+3600_000)
	proposals.On("GetByTarget", mock.Anything, "listing-1").Return(competing, nil).Once()
	// The stored later-posted proposal is superseded before the earlier one
	// is persisted, taking its votes and result with it.
	proposals.On("DeleteByHash", mock.Anything, "later-hash").Return(nil).Once()
	proposals.On("Create", mock.Anything, mock.Anything).Return(nil).Once()

	require.NoError(t, service.HandleProposalAdd(context.Background(), envelopeFor(action), nil))
	proposals.AssertExpectations(t)
}

// Delivery order must not decide which competing proposal wins: once the
// earlier-posted proposal supersedes the stored later one, a removal vote
// referencing the superseded hash no longer resolves and cannot take the
// listing down.
func TestVoteOnSupersededProposalCannotRemoveListing(t *testing.T) {
	proposals := new(MockProposalRepository)
	listings := new(MockListingRepository)
	proposalService := NewProposalService(proposals, listings, testLogger())
	policy := RemovalPolicy{MinVoteCount: 1, Ratio: 0.1}
	voteService := NewVoteService(proposals, new(MockVoteRepository), new(MockResultRepository), listings, policy, testLogger())
	submitter := newSigner(t)
	action := proposalAction(t, submitter, "listing-1", proposalPostedAtMs)

	proposals.On("GetByHash", mock.Anything, action.Proposal.Hash).Return(nil, domain.ErrNotFound).Once()
	listings.On("GetByHash", mock.Anything, "listing-1").Return(&domain.Listing{Hash: "listing-1"}, nil)
	competing := storedProposal("later-hash", "listing-1", proposalPostedAtMs+3600_000)
	proposals.On("GetByTarget", mock.Anything, "listing-1").Return(competing, nil).Once()
	proposals.On("DeleteByHash", mock.Anything, "later-hash").Return(nil).Once()
	proposals.On("Create", mock.Anything, mock.Anything).Return(nil).Once()
	require.NoError(t, proposalService.HandleProposalAdd(context.Background(), envelopeFor(action), nil))

	// The superseded hash is gone from the store, so the vote defers.
	proposals.On("GetByHash", mock.Anything, "later-hash").Return(nil, domain.ErrNotFound).Once()
	voter := newSigner(t)
	vote := voter.sign(t, &protocol.MPAction{Type: protocol.MsgVote, Vote: &protocol.VotePayload{
		ProposalHash: "later-hash",
		OptionIndex:  1,
		Voter:        voter.address(),
		Weight:       1_000_000,
		BlockHeight:  100,
	}})

	err := voteService.HandleVote(context.Background(), envelopeFor(vote), nil)
	assert.ErrorIs(t, err, domain.ErrNotYetKnown)
	listings.AssertNotCalled(t, "DeleteByHash", mock.Anything, mock.Anything)
}

func TestHandleProposalAddIsIdempotent(t *testing.T) {
	proposals := new(MockProposalRepository)
	service := NewProposalService(proposals, new(MockListingRepository), testLogger())
	submitter := newSigner(t)
	action := proposalAction(t, submitter, "listing-1", proposalPostedAtMs)

	proposals.On("GetByHash", mock.Anything, action.Proposal.Hash).
		Return(storedProposal(action.Proposal.Hash, "listing-1", proposalPostedAtMs), nil).Once()

	require.NoError(t, service.HandleProposalAdd(context.Background(), envelopeFor(action), nil))
	proposals.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}
