package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/openstall/marketd/internal/market/domain"
	"github.com/openstall/marketd/internal/protocol"
	"github.com/openstall/marketd/internal/smsg"
	"github.com/openstall/marketd/internal/wallet"
)

// --- Mocks ---

type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) FetchInbox(ctx context.Context, filter smsg.InboxFilter) ([]smsg.RawMessage, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]smsg.RawMessage), args.Error(1)
}

func (m *MockTransport) FetchByID(ctx context.Context, msgID string, markRead, remove bool) (*smsg.RawMessage, error) {
	args := m.Called(ctx, msgID, markRead, remove)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*smsg.RawMessage), args.Error(1)
}

func (m *MockTransport) Send(ctx context.Context, from, to string, payload []byte, paid bool, daysRetention int) (*smsg.SendResult, error) {
	args := m.Called(ctx, from, to, payload, paid, daysRetention)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*smsg.SendResult), args.Error(1)
}

func (m *MockTransport) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockSmsgMessageRepository struct {
	mock.Mock
}

func (m *MockSmsgMessageRepository) Create(ctx context.Context, msg *domain.SmsgMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockSmsgMessageRepository) GetByMsgID(ctx context.Context, msgID string) (*domain.SmsgMessage, error) {
	args := m.Called(ctx, msgID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SmsgMessage), args.Error(1)
}

func (m *MockSmsgMessageRepository) ListByStatusAndTypes(ctx context.Context, status domain.SmsgStatus, types []protocol.MessageType, limit int) ([]*domain.SmsgMessage, error) {
	args := m.Called(ctx, status, types, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.SmsgMessage), args.Error(1)
}

func (m *MockSmsgMessageRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.SmsgStatus, processedCount int) error {
	args := m.Called(ctx, id, status, processedCount)
	return args.Error(0)
}

func (m *MockSmsgMessageRepository) ClearPayload(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
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

type MockBidRepository struct {
	mock.Mock
}

func (m *MockBidRepository) Create(ctx context.Context, bid *domain.Bid) error {
	args := m.Called(ctx, bid)
	return args.Error(0)
}

func (m *MockBidRepository) Update(ctx context.Context, bid *domain.Bid) error {
	args := m.Called(ctx, bid)
	return args.Error(0)
}

func (m *MockBidRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Bid, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Bid), args.Error(1)
}

func (m *MockBidRepository) GetActive(ctx context.Context, listingHash, bidder string) (*domain.Bid, error) {
	args := m.Called(ctx, listingHash, bidder)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Bid), args.Error(1)
}

type MockOrderRepository struct {
	mock.Mock
}

func (m *MockOrderRepository) Create(ctx context.Context, order *domain.Order) error {
	args := m.Called(ctx, order)
	return args.Error(0)
}

func (m *MockOrderRepository) GetByHash(ctx context.Context, hash string) (*domain.Order, error) {
	args := m.Called(ctx, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (m *MockOrderRepository) GetByBidID(ctx context.Context, bidID uuid.UUID) (*domain.Order, error) {
	args := m.Called(ctx, bidID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (m *MockOrderRepository) UpdateItemStatus(ctx context.Context, itemID uuid.UUID, status domain.OrderItemStatus) error {
	args := m.Called(ctx, itemID, status)
	return args.Error(0)
}

type MockLockedOutputRepository struct {
	mock.Mock
}

func (m *MockLockedOutputRepository) Create(ctx context.Context, lo *domain.LockedOutput) error {
	args := m.Called(ctx, lo)
	return args.Error(0)
}

func (m *MockLockedOutputRepository) ListByBid(ctx context.Context, bidID uuid.UUID) ([]*domain.LockedOutput, error) {
	args := m.Called(ctx, bidID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.LockedOutput), args.Error(1)
}

func (m *MockLockedOutputRepository) DeleteByBid(ctx context.Context, bidID uuid.UUID) error {
	args := m.Called(ctx, bidID)
	return args.Error(0)
}

func (m *MockLockedOutputRepository) GetByOutput(ctx context.Context, txid string, vout uint32) (*domain.LockedOutput, error) {
	args := m.Called(ctx, txid, vout)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LockedOutput), args.Error(1)
}

type MockWalletClient struct {
	mock.Mock
}

func (m *MockWalletClient) ListUnspent(ctx context.Context) ([]wallet.Unspent, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]wallet.Unspent), args.Error(1)
}

func (m *MockWalletClient) GetNewAddress(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockWalletClient) AddMultisigAddress(ctx context.Context, nRequired int, keys []string) (string, error) {
	args := m.Called(ctx, nRequired, keys)
	return args.String(0), args.Error(1)
}

func (m *MockWalletClient) CreateRawTransaction(ctx context.Context, inputs []wallet.TxInput, outputs map[string]btcutil.Amount) (string, error) {
	args := m.Called(ctx, inputs, outputs)
	return args.String(0), args.Error(1)
}

func (m *MockWalletClient) DecodeRawTransaction(ctx context.Context, rawTxHex string) (*wallet.RawTransaction, error) {
	args := m.Called(ctx, rawTxHex)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*wallet.RawTransaction), args.Error(1)
}

func (m *MockWalletClient) SignRawTransaction(ctx context.Context, rawTxHex string) (*wallet.SignResult, error) {
	args := m.Called(ctx, rawTxHex)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*wallet.SignResult), args.Error(1)
}

func (m *MockWalletClient) CombineRawTransaction(ctx context.Context, rawTxHexes []string) (string, error) {
	args := m.Called(ctx, rawTxHexes)
	return args.String(0), args.Error(1)
}

func (m *MockWalletClient) SendRawTransaction(ctx context.Context, rawTxHex string) (string, error) {
	args := m.Called(ctx, rawTxHex)
	return args.String(0), args.Error(1)
}

func (m *MockWalletClient) SendToAddress(ctx context.Context, addr string, amount btcutil.Amount) (string, error) {
	args := m.Called(ctx, addr, amount)
	return args.String(0), args.Error(1)
}

func (m *MockWalletClient) GetRawTransaction(ctx context.Context, txid string) (string, error) {
	args := m.Called(ctx, txid)
	return args.String(0), args.Error(1)
}

func (m *MockWalletClient) LockUnspent(ctx context.Context, unlock bool, outputs []wallet.TxInput) error {
	args := m.Called(ctx, unlock, outputs)
	return args.Error(0)
}

// --- Helpers ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testIdentity(t *testing.T) *Identity {
	t.Helper()
	id, err := NewIdentity()
	require.NoError(t, err)
	return id
}

// newTestMessenger wires a messenger whose sends always succeed.
func newTestMessenger(t *testing.T, transport *MockTransport, id *Identity) *Messenger {
	t.Helper()
	transport.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&smsg.SendResult{MsgID: "sent-msg"}, nil).Maybe()
	return NewMessenger(transport, id, "0.3.0", 4, testLogger())
}

// signedAction signs the action with the given identity and stamps it as the
// sender, mirroring what the messenger does on the way out.
func signedAction(t *testing.T, id *Identity, action *protocol.MPAction) *protocol.MPAction {
	t.Helper()
	action.Sender = id.Address()
	if action.CreatedAt == 0 {
		action.CreatedAt = 1700000000000
	}
	require.NoError(t, protocol.SignAction(id.Key(), action))
	return action
}

func envelopeFor(action *protocol.MPAction) *protocol.Envelope {
	return &protocol.Envelope{Version: "0.3.0", Action: action}
}
