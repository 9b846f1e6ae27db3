package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/openstall/marketd/internal/escrow"
	"github.com/openstall/marketd/internal/market/domain"
	"github.com/openstall/marketd/internal/protocol"
	"github.com/openstall/marketd/internal/wallet"
)

type bidServiceFixture struct {
	service   *BidService
	listings  *MockListingRepository
	bids      *MockBidRepository
	orders    *MockOrderRepository
	locked    *MockLockedOutputRepository
	wallet    *MockWalletClient
	transport *MockTransport
	identity  *Identity
}

func newBidServiceFixture(t *testing.T) *bidServiceFixture {
	t.Helper()
	f := &bidServiceFixture{
		listings:  new(MockListingRepository),
		bids:      new(MockBidRepository),
		orders:    new(MockOrderRepository),
		locked:    new(MockLockedOutputRepository),
		wallet:    new(MockWalletClient),
		transport: new(MockTransport),
		identity:  testIdentity(t),
	}
	fee, err := btcutil.NewAmount(0.0001)
	require.NoError(t, err)
	selector := escrow.NewSelector(f.wallet, fee, testLogger())
	builder := escrow.NewBuilder(f.wallet, selector, fee, escrow.SplitPolicy{SellerShare: 2, BuyerShare: 1}, testLogger())
	messenger := newTestMessenger(t, f.transport, f.identity)
	f.service = NewBidService(f.listings, f.bids, f.orders, f.locked, f.wallet, selector, builder, messenger, testLogger())
	return f
}

func testListing(seller string) *domain.Listing {
	return &domain.Listing{
		ID:       uuid.New(),
		Hash:     "listing-1",
		Seller:   seller,
		Title:    "widget",
		PriceBTC: 1.0,
	}
}

func bidActionFrom(t *testing.T, bidder *Identity) *protocol.MPAction {
	t.Helper()
	return signedAction(t, bidder, &protocol.MPAction{
		Type:        protocol.MsgBid,
		ListingHash: "listing-1",
		Bidder:      bidder.Address(),
		Bid: &protocol.BidPayload{
			PubKey:         bidder.Address(),
			Outputs:        []protocol.PrevOut{{TxID: "buyer-out", VOut: 0, Amount: 1.1}},
			ChangeAddress:  "buyer-change",
			ReleaseAddress: "buyer-release",
		},
	})
}

// buyerBid is the bid row as stored on the seller node after HandleBid.
func buyerBid(t *testing.T, bidder *Identity) *domain.Bid {
	t.Helper()
	outputs, err := json.Marshal([]protocol.PrevOut{{TxID: "buyer-out", VOut: 0, Amount: 1.1}})
	require.NoError(t, err)
	bid := &domain.Bid{
		ID:          uuid.New(),
		ListingHash: "listing-1",
		Bidder:      bidder.Address(),
		Action:      domain.BidActionBid,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	bid.SetData(domain.BidDataBuyerPubKey, bidder.Address())
	bid.SetData(domain.BidDataBuyerOutputs, string(outputs))
	bid.SetData(domain.BidDataBuyerChangeAddress, "buyer-change")
	bid.SetData(domain.BidDataBuyerReleaseAddress, "buyer-release")
	return bid
}

func TestHandleBidStoresBuyerCommitment(t *testing.T) {
	f := newBidServiceFixture(t)
	buyer := testIdentity(t)
	action := bidActionFrom(t, buyer)

	f.listings.On("GetByHash", mock.Anything, "listing-1").Return(testListing(f.identity.Address()), nil).Once()
	f.bids.On("GetActive", mock.Anything, "listing-1", buyer.Address()).Return(nil, domain.ErrNotFound).Once()
	f.bids.On("Create", mock.Anything, mock.MatchedBy(func(bid *domain.Bid) bool {
		pub, _ := bid.DataValue(domain.BidDataBuyerPubKey)
		change, _ := bid.DataValue(domain.BidDataBuyerChangeAddress)
		return bid.Action == domain.BidActionBid &&
			bid.Bidder == buyer.Address() &&
			pub == buyer.Address() &&
			change == "buyer-change"
	})).Return(nil).Once()

	require.NoError(t, f.service.HandleBid(context.Background(), envelopeFor(action), nil))
	f.bids.AssertExpectations(t)
}

func TestHandleBidDefersWhenListingUnknown(t *testing.T) {
	f := newBidServiceFixture(t)
	buyer := testIdentity(t)
	action := bidActionFrom(t, buyer)

	f.listings.On("GetByHash", mock.Anything, "listing-1").Return(nil, domain.ErrNotFound).Once()

	err := f.service.HandleBid(context.Background(), envelopeFor(action), nil)
	assert.ErrorIs(t, err, domain.ErrNotYetKnown)
	f.bids.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestHandleBidRejectsSecondActiveBid(t *testing.T) {
	f := newBidServiceFixture(t)
	buyer := testIdentity(t)
	action := bidActionFrom(t, buyer)

	f.listings.On("GetByHash", mock.Anything, "listing-1").Return(testListing(f.identity.Address()), nil).Once()
	f.bids.On("GetActive", mock.Anything, "listing-1", buyer.Address()).Return(buyerBid(t, buyer), nil).Once()

	err := f.service.HandleBid(context.Background(), envelopeFor(action), nil)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
	f.bids.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestHandleBidRejectsSellerBiddingOnOwnListing(t *testing.T) {
	f := newBidServiceFixture(t)
	buyer := testIdentity(t)
	action := bidActionFrom(t, buyer)

	// The listing belongs to the bidder itself.
	f.listings.On("GetByHash", mock.Anything, "listing-1").Return(testListing(buyer.Address()), nil).Once()

	err := f.service.HandleBid(context.Background(), envelopeFor(action), nil)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
}

func TestHandleBidRejectsForgedSender(t *testing.T) {
	f := newBidServiceFixture(t)
	buyer := testIdentity(t)
	imposter := testIdentity(t)

	action := bidActionFrom(t, buyer)
	// Re-declare the sender without re-signing.
	action.Sender = imposter.Address()

	err := f.service.HandleBid(context.Background(), envelopeFor(action), nil)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
}

func TestHandleBidAcceptCrossChecksOrderHash(t *testing.T) {
	f := newBidServiceFixture(t)
	buyer := f.identity // this node placed the bid
	seller := testIdentity(t)
	listing := testListing(seller.Address())
	bid := buyerBid(t, buyer)

	order, err := DeriveOrder(bid, listing)
	require.NoError(t, err)

	action := signedAction(t, seller, &protocol.MPAction{
		Type:        protocol.MsgBidAccept,
		ListingHash: "listing-1",
		Bidder:      buyer.Address(),
		Accept: &protocol.AcceptPayload{
			PubKey:         seller.Address(),
			Outputs:        []protocol.PrevOut{{TxID: "seller-out", VOut: 0, Amount: 1.0001}},
			ReleaseAddress: "seller-release",
			RawTx:          "rawtx-partial",
			OrderHash:      order.Hash,
		},
	})

	f.bids.On("GetActive", mock.Anything, "listing-1", buyer.Address()).Return(bid, nil).Once()
	f.listings.On("GetByHash", mock.Anything, "listing-1").Return(listing, nil).Once()
	f.wallet.On("AddMultisigAddress", mock.Anything, 2, mock.Anything).Return("msig-addr", nil).Once()
	f.bids.On("Update", mock.Anything, mock.MatchedBy(func(b *domain.Bid) bool {
		raw, _ := b.DataValue(domain.BidDataRawTx)
		msig, _ := b.DataValue(domain.BidDataMultisigAddress)
		return b.Action == domain.BidActionAccept && raw == "rawtx-partial" && msig == "msig-addr"
	})).Return(nil).Once()
	f.orders.On("Create", mock.Anything, mock.MatchedBy(func(o *domain.Order) bool {
		return o.Hash == order.Hash && len(o.Items) == 1 && o.Items[0].Status == domain.OrderItemAwaitingEscrow
	})).Return(nil).Once()

	require.NoError(t, f.service.HandleBidAccept(context.Background(), envelopeFor(action), nil))
	f.bids.AssertExpectations(t)
	f.orders.AssertExpectations(t)
}

func TestHandleBidAcceptAbortsOnOrderHashMismatch(t *testing.T) {
	f := newBidServiceFixture(t)
	buyer := f.identity
	seller := testIdentity(t)
	listing := testListing(seller.Address())
	bid := buyerBid(t, buyer)

	action := signedAction(t, seller, &protocol.MPAction{
		Type:        protocol.MsgBidAccept,
		ListingHash: "listing-1",
		Bidder:      buyer.Address(),
		Accept: &protocol.AcceptPayload{
			PubKey:    seller.Address(),
			RawTx:     "rawtx-partial",
			OrderHash: "not-the-derived-hash",
		},
	})

	f.bids.On("GetActive", mock.Anything, "listing-1", buyer.Address()).Return(bid, nil).Once()
	f.listings.On("GetByHash", mock.Anything, "listing-1").Return(listing, nil).Once()

	err := f.service.HandleBidAccept(context.Background(), envelopeFor(action), nil)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
	// Nothing is persisted on a mismatch.
	f.bids.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
	f.orders.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestHandleBidAcceptRejectsNonSeller(t *testing.T) {
	f := newBidServiceFixture(t)
	buyer := f.identity
	seller := testIdentity(t)
	imposter := testIdentity(t)
	listing := testListing(seller.Address())
	bid := buyerBid(t, buyer)

	action := signedAction(t, imposter, &protocol.MPAction{
		Type:        protocol.MsgBidAccept,
		ListingHash: "listing-1",
		Bidder:      buyer.Address(),
		Accept:      &protocol.AcceptPayload{PubKey: imposter.Address(), RawTx: "rawtx", OrderHash: "h"},
	})

	f.bids.On("GetActive", mock.Anything, "listing-1", buyer.Address()).Return(bid, nil).Once()
	f.listings.On("GetByHash", mock.Anything, "listing-1").Return(listing, nil).Once()

	err := f.service.HandleBidAccept(context.Background(), envelopeFor(action), nil)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
}

func TestHandleBidCancelReleasesReservedOutputs(t *testing.T) {
	f := newBidServiceFixture(t)
	buyer := testIdentity(t)
	listing := testListing(f.identity.Address())
	bid := buyerBid(t, buyer)

	action := signedAction(t, buyer, &protocol.MPAction{
		Type:        protocol.MsgBidCancel,
		ListingHash: "listing-1",
		Bidder:      buyer.Address(),
	})

	reserved := []*domain.LockedOutput{{ID: uuid.New(), TxID: "seller-out", VOut: 0, BidID: bid.ID}}
	f.bids.On("GetActive", mock.Anything, "listing-1", buyer.Address()).Return(bid, nil).Once()
	f.listings.On("GetByHash", mock.Anything, "listing-1").Return(listing, nil).Once()
	f.bids.On("Update", mock.Anything, mock.MatchedBy(func(b *domain.Bid) bool {
		return b.Action == domain.BidActionCancel
	})).Return(nil).Once()
	f.locked.On("ListByBid", mock.Anything, bid.ID).Return(reserved, nil).Once()
	f.wallet.On("LockUnspent", mock.Anything, true, []wallet.TxInput{{TxID: "seller-out", VOut: 0}}).Return(nil).Once()
	f.locked.On("DeleteByBid", mock.Anything, bid.ID).Return(nil).Once()

	require.NoError(t, f.service.HandleBidCancel(context.Background(), envelopeFor(action), nil))
	f.locked.AssertExpectations(t)
	f.wallet.AssertExpectations(t)
}

func TestHandleBidCancelRejectsNonBidder(t *testing.T) {
	f := newBidServiceFixture(t)
	buyer := testIdentity(t)
	other := testIdentity(t)
	bid := buyerBid(t, buyer)

	action := signedAction(t, other, &protocol.MPAction{
		Type:        protocol.MsgBidCancel,
		ListingHash: "listing-1",
		Bidder:      buyer.Address(),
	})

	f.bids.On("GetActive", mock.Anything, "listing-1", buyer.Address()).Return(bid, nil).Once()
	f.listings.On("GetByHash", mock.Anything, "listing-1").Return(testListing(f.identity.Address()), nil).Once()

	err := f.service.HandleBidCancel(context.Background(), envelopeFor(action), nil)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
	f.bids.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
}

func TestHandleBidRejectOnlyFromBidState(t *testing.T) {
	f := newBidServiceFixture(t)
	buyer := testIdentity(t)
	seller := testIdentity(t)
	listing := testListing(seller.Address())
	bid := buyerBid(t, buyer)
	bid.Action = domain.BidActionAccept // already accepted; reject is illegal

	action := signedAction(t, seller, &protocol.MPAction{
		Type:        protocol.MsgBidReject,
		ListingHash: "listing-1",
		Bidder:      buyer.Address(),
	})

	f.bids.On("GetActive", mock.Anything, "listing-1", buyer.Address()).Return(bid, nil).Once()
	f.listings.On("GetByHash", mock.Anything, "listing-1").Return(listing, nil).Once()

	err := f.service.HandleBidReject(context.Background(), envelopeFor(action), nil)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
}

func TestPlaceBidReservesOutputsAndSends(t *testing.T) {
	f := newBidServiceFixture(t)
	seller := testIdentity(t)
	listing := testListing(seller.Address())

	f.listings.On("GetByHash", mock.Anything, "listing-1").Return(listing, nil).Once()
	f.bids.On("GetActive", mock.Anything, "listing-1", f.identity.Address()).Return(nil, domain.ErrNotFound).Once()

	snapshot := []wallet.Unspent{{TxID: "my-out", VOut: 0, Amount: 100010000, AmountBTC: 1.0001, Spendable: true, Solvable: true, Safe: true}}
	f.wallet.On("ListUnspent", mock.Anything).Return(snapshot, nil).Once()
	f.locked.On("GetByOutput", mock.Anything, "my-out", uint32(0)).Return(nil, domain.ErrNotFound).Once()
	f.wallet.On("GetNewAddress", mock.Anything).Return("fresh-addr", nil).Twice()
	f.bids.On("Create", mock.Anything, mock.MatchedBy(func(b *domain.Bid) bool {
		return b.Bidder == f.identity.Address() && b.Action == domain.BidActionBid
	})).Return(nil).Once()
	f.locked.On("Create", mock.Anything, mock.MatchedBy(func(lo *domain.LockedOutput) bool {
		return lo.TxID == "my-out"
	})).Return(nil).Once()
	f.wallet.On("LockUnspent", mock.Anything, false, []wallet.TxInput{{TxID: "my-out", VOut: 0}}).Return(nil).Once()

	bid, err := f.service.PlaceBid(context.Background(), "listing-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BidActionBid, bid.Action)
	f.transport.AssertCalled(t, "Send", mock.Anything, f.identity.Address(), seller.Address(), mock.Anything, true, 4)
	f.locked.AssertExpectations(t)
}
