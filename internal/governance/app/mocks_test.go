package app

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	govdomain "github.com/openstall/marketd/internal/governance/domain"
	"github.com/openstall/marketd/internal/market/domain"
	"github.com/openstall/marketd/internal/protocol"
)

type MockProposalRepository struct {
	mock.Mock
}

func (m *MockProposalRepository) Create(ctx context.Context, p *govdomain.Proposal) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockProposalRepository) GetByHash(ctx context.Context, hash string) (*govdomain.Proposal, error) {
	args := m.Called(ctx, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*govdomain.Proposal), args.Error(1)
}

func (m *MockProposalRepository) GetByTarget(ctx context.Context, target string) (*govdomain.Proposal, error) {
	args := m.Called(ctx, target)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*govdomain.Proposal), args.Error(1)
}

func (m *MockProposalRepository) DeleteByHash(ctx context.Context, hash string) error {
	args := m.Called(ctx, hash)
	return args.Error(0)
}

type MockVoteRepository struct {
	mock.Mock
}

func (m *MockVoteRepository) Upsert(ctx context.Context, v *govdomain.Vote) error {
	args := m.Called(ctx, v)
	return args.Error(0)
}

func (m *MockVoteRepository) GetByProposalAndVoter(ctx context.Context, proposalHash, voter string) (*govdomain.Vote, error) {
	args := m.Called(ctx, proposalHash, voter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*govdomain.Vote), args.Error(1)
}

func (m *MockVoteRepository) ListByProposal(ctx context.Context, proposalHash string) ([]*govdomain.Vote, error) {
	args := m.Called(ctx, proposalHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*govdomain.Vote), args.Error(1)
}

type MockResultRepository struct {
	mock.Mock
}

func (m *MockResultRepository) Save(ctx context.Context, r *govdomain.ProposalResult) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *MockResultRepository) GetByProposal(ctx context.Context, proposalHash string) (*govdomain.ProposalResult, error) {
	args := m.Called(ctx, proposalHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*govdomain.ProposalResult), args.Error(1)
}

type MockListingRepository struct {
	mock.Mock
}

func (m *MockListingRepository) Create(ctx context.Context, l *domain.Listing) error {
	args := m.Called(ctx, l)
	return args.Error(0)
}

func (m *MockListingRepository) GetByHash(ctx context.Context, hash string) (*domain.Listing, error) {
	args := m.Called(ctx, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Listing), args.Error(1)
}

func (m *MockListingRepository) DeleteByHash(ctx context.Context, hash string) error {
	args := m.Called(ctx, hash)
	return args.Error(0)
}

// --- Helpers ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type signer struct {
	key *secp256k1.PrivateKey
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	return &signer{key: key}
}

func (s *signer) address() string {
	return hex.EncodeToString(s.key.PubKey().SerializeCompressed())
}

func (s *signer) sign(t *testing.T, action *protocol.MPAction) *protocol.MPAction {
	t.Helper()
	action.Sender = s.address()
	if action.CreatedAt == 0 {
		action.CreatedAt = 1700000000000
	}
	require.NoError(t, protocol.SignAction(s.key, action))
	return action
}

func envelopeFor(action *protocol.MPAction) *protocol.Envelope {
	return &protocol.Envelope{Version: "0.3.0", Action: action}
}
