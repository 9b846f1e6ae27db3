package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"

	"github.com/openstall/marketd/internal/escrow"
	"github.com/openstall/marketd/internal/market/domain"
	"github.com/openstall/marketd/internal/protocol"
	"github.com/openstall/marketd/internal/wallet"
)

// BidService drives the bid half of the trade state machine: placing and
// receiving bids, and the accept/reject/cancel transitions. Accepting a bid
// hands over to the escrow builder for the joint funding transaction.
type BidService struct {
	listings  domain.ListingRepository
	bids      domain.BidRepository
	orders    domain.OrderRepository
	locked    domain.LockedOutputRepository
	wallet    wallet.Client
	selector  *escrow.Selector
	builder   *escrow.Builder
	messenger *Messenger
	logger    *slog.Logger
}

func NewBidService(
	listings domain.ListingRepository,
	bids domain.BidRepository,
	orders domain.OrderRepository,
	locked domain.LockedOutputRepository,
	w wallet.Client,
	selector *escrow.Selector,
	builder *escrow.Builder,
	messenger *Messenger,
	logger *slog.Logger,
) *BidService {
	return &BidService{
		listings:  listings,
		bids:      bids,
		orders:    orders,
		locked:    locked,
		wallet:    w,
		selector:  selector,
		builder:   builder,
		messenger: messenger,
		logger:    logger,
	}
}

// HandleBid processes an inbound MPA_BID. The referenced listing may simply
// not have arrived yet, so an unknown listing defers the message instead of
// failing it. A second active bid from the same bidder on the same listing is
// a violation.
func (s *BidService) HandleBid(ctx context.Context, env *protocol.Envelope, _ *domain.SmsgMessage) error {
	action := env.Action
	if action.Bid == nil || action.Bid.PubKey == "" || len(action.Bid.Outputs) == 0 {
		return fmt.Errorf("%w: bid payload incomplete", domain.ErrProtocolViolation)
	}
	if err := protocol.VerifyAction(action.Sender, action); err != nil {
		return fmt.Errorf("%w: bid signature: %v", domain.ErrProtocolViolation, err)
	}
	if action.Bidder != action.Sender {
		return fmt.Errorf("%w: bid sender %s is not the declared bidder %s",
			domain.ErrProtocolViolation, action.Sender, action.Bidder)
	}

	listing, err := s.listings.GetByHash(ctx, action.ListingHash)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("listing %s: %w", action.ListingHash, domain.ErrNotYetKnown)
	}
	if err != nil {
		return err
	}
	if listing.Seller == action.Bidder {
		return fmt.Errorf("%w: seller cannot bid on own listing", domain.ErrProtocolViolation)
	}

	existing, err := s.bids.GetActive(ctx, action.ListingHash, action.Bidder)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: bidder %s already has an active bid on listing %s",
			domain.ErrProtocolViolation, action.Bidder, action.ListingHash)
	}

	outputsJSON, err := json.Marshal(action.Bid.Outputs)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	bid := &domain.Bid{
		ID:          uuid.New(),
		ListingHash: action.ListingHash,
		Bidder:      action.Bidder,
		Action:      domain.BidActionBid,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	bid.SetData(domain.BidDataBuyerPubKey, action.Bid.PubKey)
	bid.SetData(domain.BidDataBuyerOutputs, string(outputsJSON))
	bid.SetData(domain.BidDataBuyerChangeAddress, action.Bid.ChangeAddress)
	if action.Bid.ReleaseAddress != "" {
		bid.SetData(domain.BidDataBuyerReleaseAddress, action.Bid.ReleaseAddress)
	}
	if err := s.bids.Create(ctx, bid); err != nil {
		return fmt.Errorf("persist bid: %w", err)
	}
	s.logger.InfoContext(ctx, "Stored bid", "bid_id", bid.ID, "listing_hash", bid.ListingHash, "bidder", bid.Bidder)
	return nil
}

// HandleBidAccept processes an inbound MPA_ACCEPT on the buyer side. The
// seller's declared order hash is cross-checked against the locally derived
// order before anything is committed; a mismatch aborts with no state change.
func (s *BidService) HandleBidAccept(ctx context.Context, env *protocol.Envelope, _ *domain.SmsgMessage) error {
	action := env.Action
	if action.Accept == nil || action.Accept.RawTx == "" || action.Accept.OrderHash == "" {
		return fmt.Errorf("%w: accept payload incomplete", domain.ErrProtocolViolation)
	}
	if err := protocol.VerifyAction(action.Sender, action); err != nil {
		return fmt.Errorf("%w: accept signature: %v", domain.ErrProtocolViolation, err)
	}

	bid, listing, err := s.activeBidWithListing(ctx, action.ListingHash, action.Bidder)
	if err != nil {
		return err
	}
	if !bid.Action.CanTransitionTo(domain.BidActionAccept) {
		return fmt.Errorf("%w: bid %s in state %s cannot be accepted",
			domain.ErrProtocolViolation, bid.ID, bid.Action)
	}
	if action.Sender != listing.Seller {
		return fmt.Errorf("%w: accept sender %s is not the listing seller", domain.ErrProtocolViolation, action.Sender)
	}
	if action.Sender == bid.Bidder {
		return fmt.Errorf("%w: bidder cannot accept own bid", domain.ErrProtocolViolation)
	}

	// Derive the order from the shared bid fields and cross-check the
	// seller's declared hash before persisting the transition.
	order, err := DeriveOrder(bid, listing)
	if err != nil {
		return err
	}
	if order.Hash != action.Accept.OrderHash {
		return fmt.Errorf("%w: order hash mismatch: derived %s, declared %s",
			domain.ErrProtocolViolation, order.Hash, action.Accept.OrderHash)
	}

	sellerOutputs, err := json.Marshal(action.Accept.Outputs)
	if err != nil {
		return err
	}
	multisig, err := s.builder.MultisigAddress(ctx, action.Accept.PubKey, mustData(bid, domain.BidDataBuyerPubKey))
	if err != nil {
		return fmt.Errorf("derive multisig address: %w", err)
	}

	bid.Action = domain.BidActionAccept
	bid.SetData(domain.BidDataSellerPubKey, action.Accept.PubKey)
	bid.SetData(domain.BidDataSellerOutputs, string(sellerOutputs))
	bid.SetData(domain.BidDataSellerChangeAddress, action.Accept.ChangeAddress)
	if action.Accept.ReleaseAddress != "" {
		bid.SetData(domain.BidDataSellerReleaseAddress, action.Accept.ReleaseAddress)
	}
	bid.SetData(domain.BidDataRawTx, action.Accept.RawTx)
	bid.SetData(domain.BidDataOrderHash, action.Accept.OrderHash)
	bid.SetData(domain.BidDataMultisigAddress, multisig)
	bid.UpdatedAt = time.Now().UTC()
	order.BidID = bid.ID

	if err := s.bids.Update(ctx, bid); err != nil {
		return fmt.Errorf("persist accepted bid: %w", err)
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return fmt.Errorf("persist order: %w", err)
	}
	s.logger.InfoContext(ctx, "Bid accepted by seller", "bid_id", bid.ID, "order_hash", order.Hash)
	return nil
}

// HandleBidReject processes an inbound MPA_REJECT on the buyer side. Reject
// is only legal from the seller against a bid still in BID. Any wallet
// outputs this node reserved for the bid are released.
func (s *BidService) HandleBidReject(ctx context.Context, env *protocol.Envelope, _ *domain.SmsgMessage) error {
	return s.handleBidExit(ctx, env.Action, domain.BidActionReject)
}

// HandleBidCancel processes an inbound MPA_CANCEL on the seller side. Cancel
// is only legal from the bidder against a bid still in BID.
func (s *BidService) HandleBidCancel(ctx context.Context, env *protocol.Envelope, _ *domain.SmsgMessage) error {
	return s.handleBidExit(ctx, env.Action, domain.BidActionCancel)
}

func (s *BidService) handleBidExit(ctx context.Context, action *protocol.MPAction, next domain.BidAction) error {
	if err := protocol.VerifyAction(action.Sender, action); err != nil {
		return fmt.Errorf("%w: %s signature: %v", domain.ErrProtocolViolation, action.Type, err)
	}
	bid, listing, err := s.activeBidWithListing(ctx, action.ListingHash, action.Bidder)
	if err != nil {
		return err
	}
	if !bid.Action.CanTransitionTo(next) {
		return fmt.Errorf("%w: bid %s in state %s cannot transition to %s",
			domain.ErrProtocolViolation, bid.ID, bid.Action, next)
	}
	switch next {
	case domain.BidActionReject:
		if action.Sender != listing.Seller {
			return fmt.Errorf("%w: reject must come from the listing seller", domain.ErrProtocolViolation)
		}
	case domain.BidActionCancel:
		if action.Sender != bid.Bidder {
			return fmt.Errorf("%w: cancel must come from the bidder", domain.ErrProtocolViolation)
		}
	}

	bid.Action = next
	bid.UpdatedAt = time.Now().UTC()
	if err := s.bids.Update(ctx, bid); err != nil {
		return fmt.Errorf("persist bid %s: %w", next, err)
	}
	if err := s.ReleaseLockedOutputs(ctx, bid.ID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Bid closed", "bid_id", bid.ID, "action", string(next))
	return nil
}

// PlaceBid selects and reserves outputs covering the listing price, records
// the bid locally and sends an MPA_BID to the seller. The reserved outputs
// stay locked until the bid is accepted, rejected or cancelled.
func (s *BidService) PlaceBid(ctx context.Context, listingHash string) (*domain.Bid, error) {
	listing, err := s.listings.GetByHash(ctx, listingHash)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", listingHash, err)
	}
	if listing.Mine(s.messenger.Address()) {
		return nil, fmt.Errorf("cannot bid on own listing %s", listingHash)
	}
	existing, err := s.bids.GetActive(ctx, listingHash, s.messenger.Address())
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("active bid already exists on listing %s", listingHash)
	}

	price, err := btcutil.NewAmount(listing.PriceBTC)
	if err != nil {
		return nil, fmt.Errorf("listing price: %w", err)
	}
	candidates, err := s.availableOutputs(ctx)
	if err != nil {
		return nil, err
	}
	sel, err := s.selector.Select(ctx, price, candidates)
	if err != nil {
		return nil, err
	}

	changeAddr, err := s.wallet.GetNewAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("change address: %w", err)
	}
	releaseAddr, err := s.wallet.GetNewAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("release address: %w", err)
	}

	outputs := prevOutsFromUnspents(sel.Outputs)
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	bid := &domain.Bid{
		ID:          uuid.New(),
		ListingHash: listingHash,
		Bidder:      s.messenger.Address(),
		Action:      domain.BidActionBid,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	bid.SetData(domain.BidDataBuyerPubKey, s.messenger.Address())
	bid.SetData(domain.BidDataBuyerOutputs, string(outputsJSON))
	bid.SetData(domain.BidDataBuyerChangeAddress, changeAddr)
	bid.SetData(domain.BidDataBuyerReleaseAddress, releaseAddr)
	if err := s.bids.Create(ctx, bid); err != nil {
		return nil, fmt.Errorf("persist bid: %w", err)
	}
	if err := s.reserveOutputs(ctx, bid.ID, sel.Outputs); err != nil {
		return nil, err
	}

	err = s.messenger.SendAction(ctx, listing.Seller, &protocol.MPAction{
		Type:        protocol.MsgBid,
		ListingHash: listingHash,
		Bidder:      bid.Bidder,
		Bid: &protocol.BidPayload{
			PubKey:         s.messenger.Address(),
			Outputs:        outputs,
			ChangeAddress:  changeAddr,
			ReleaseAddress: releaseAddr,
		},
	})
	if err != nil {
		return nil, err
	}
	return bid, nil
}

// AcceptBid builds the joint escrow funding transaction around the buyer's
// announced outputs, reserves the seller's own selection, records the
// transition and order, and sends the MPA_ACCEPT. The bid and listing are
// re-read fresh so the decision is made against current state.
func (s *BidService) AcceptBid(ctx context.Context, bidID uuid.UUID) (*domain.Order, error) {
	bid, err := s.bids.GetByID(ctx, bidID)
	if err != nil {
		return nil, fmt.Errorf("bid %s: %w", bidID, err)
	}
	if !bid.Action.CanTransitionTo(domain.BidActionAccept) {
		return nil, fmt.Errorf("bid %s in state %s cannot be accepted", bidID, bid.Action)
	}
	listing, err := s.listings.GetByHash(ctx, bid.ListingHash)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", bid.ListingHash, err)
	}
	if !listing.Mine(s.messenger.Address()) {
		return nil, fmt.Errorf("listing %s is not ours to accept bids on", bid.ListingHash)
	}

	price, err := btcutil.NewAmount(listing.PriceBTC)
	if err != nil {
		return nil, fmt.Errorf("listing price: %w", err)
	}
	buyerOutputs, err := parseOutputs(bid, domain.BidDataBuyerOutputs)
	if err != nil {
		return nil, err
	}
	buyerChange := mustData(bid, domain.BidDataBuyerChangeAddress)
	candidates, err := s.availableOutputs(ctx)
	if err != nil {
		return nil, err
	}

	funding, err := s.builder.BuildEscrowFunding(ctx, &escrow.FundingRequest{
		Price:        price,
		BuyerPubKey:  mustData(bid, domain.BidDataBuyerPubKey),
		BuyerOutputs: buyerOutputs,
		BuyerChange:  buyerChange,
		SellerPubKey: s.messenger.Address(),
		Candidates:   candidates,
	})
	if err != nil {
		return nil, err
	}
	if err := s.reserveOutputs(ctx, bid.ID, funding.Selection.Outputs); err != nil {
		return nil, err
	}

	releaseAddr, err := s.wallet.GetNewAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("release address: %w", err)
	}
	sellerOutputs := prevOutsFromUnspents(funding.Selection.Outputs)
	sellerOutputsJSON, err := json.Marshal(sellerOutputs)
	if err != nil {
		return nil, err
	}

	order, err := DeriveOrder(bid, listing)
	if err != nil {
		return nil, err
	}

	bid.Action = domain.BidActionAccept
	bid.SetData(domain.BidDataSellerPubKey, s.messenger.Address())
	bid.SetData(domain.BidDataSellerOutputs, string(sellerOutputsJSON))
	bid.SetData(domain.BidDataSellerReleaseAddress, releaseAddr)
	bid.SetData(domain.BidDataRawTx, funding.RawTx)
	bid.SetData(domain.BidDataOrderHash, order.Hash)
	bid.SetData(domain.BidDataMultisigAddress, funding.MultisigAddress)
	bid.UpdatedAt = time.Now().UTC()
	if err := s.bids.Update(ctx, bid); err != nil {
		return nil, fmt.Errorf("persist accepted bid: %w", err)
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}

	err = s.messenger.SendAction(ctx, bid.Bidder, &protocol.MPAction{
		Type:        protocol.MsgBidAccept,
		ListingHash: bid.ListingHash,
		Bidder:      bid.Bidder,
		Accept: &protocol.AcceptPayload{
			PubKey:         s.messenger.Address(),
			Outputs:        sellerOutputs,
			ReleaseAddress: releaseAddr,
			RawTx:          funding.RawTx,
			OrderHash:      order.Hash,
		},
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// RejectBid closes a received bid on one of our listings and notifies the
// bidder.
func (s *BidService) RejectBid(ctx context.Context, bidID uuid.UUID) error {
	return s.closeBid(ctx, bidID, domain.BidActionReject, protocol.MsgBidReject, func(bid *domain.Bid, listing *domain.Listing) (string, error) {
		if !listing.Mine(s.messenger.Address()) {
			return "", fmt.Errorf("listing %s is not ours to reject bids on", bid.ListingHash)
		}
		return bid.Bidder, nil
	})
}

// CancelBid withdraws one of our own bids and notifies the seller. The
// reserved outputs become spendable again.
func (s *BidService) CancelBid(ctx context.Context, bidID uuid.UUID) error {
	return s.closeBid(ctx, bidID, domain.BidActionCancel, protocol.MsgBidCancel, func(bid *domain.Bid, listing *domain.Listing) (string, error) {
		if bid.Bidder != s.messenger.Address() {
			return "", fmt.Errorf("bid %s is not ours to cancel", bid.ID)
		}
		return listing.Seller, nil
	})
}

func (s *BidService) closeBid(
	ctx context.Context,
	bidID uuid.UUID,
	next domain.BidAction,
	msgType protocol.MessageType,
	authorize func(*domain.Bid, *domain.Listing) (string, error),
) error {
	bid, err := s.bids.GetByID(ctx, bidID)
	if err != nil {
		return fmt.Errorf("bid %s: %w", bidID, err)
	}
	if !bid.Action.CanTransitionTo(next) {
		return fmt.Errorf("bid %s in state %s cannot transition to %s", bidID, bid.Action, next)
	}
	listing, err := s.listings.GetByHash(ctx, bid.ListingHash)
	if err != nil {
		return fmt.Errorf("listing %s: %w", bid.ListingHash, err)
	}
	recipient, err := authorize(bid, listing)
	if err != nil {
		return err
	}

	bid.Action = next
	bid.UpdatedAt = time.Now().UTC()
	if err := s.bids.Update(ctx, bid); err != nil {
		return fmt.Errorf("persist bid %s: %w", next, err)
	}
	if err := s.ReleaseLockedOutputs(ctx, bid.ID); err != nil {
		return err
	}
	return s.messenger.SendAction(ctx, recipient, &protocol.MPAction{
		Type:        msgType,
		ListingHash: bid.ListingHash,
		Bidder:      bid.Bidder,
	})
}

// activeBidWithListing loads the active bid and its listing for an inbound
// transition. Either not being known yet defers the message.
func (s *BidService) activeBidWithListing(ctx context.Context, listingHash, bidder string) (*domain.Bid, *domain.Listing, error) {
	bid, err := s.bids.GetActive(ctx, listingHash, bidder)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil, fmt.Errorf("active bid for listing %s bidder %s: %w", listingHash, bidder, domain.ErrNotYetKnown)
	}
	if err != nil {
		return nil, nil, err
	}
	listing, err := s.listings.GetByHash(ctx, listingHash)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil, fmt.Errorf("listing %s: %w", listingHash, domain.ErrNotYetKnown)
	}
	if err != nil {
		return nil, nil, err
	}
	return bid, listing, nil
}

// availableOutputs returns the wallet's unspent snapshot minus outputs
// reserved by other in-flight bids.
func (s *BidService) availableOutputs(ctx context.Context) ([]wallet.Unspent, error) {
	unspent, err := s.wallet.ListUnspent(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unspent: %w", err)
	}
	available := make([]wallet.Unspent, 0, len(unspent))
	for _, u := range unspent {
		reserved, err := s.locked.GetByOutput(ctx, u.TxID, u.VOut)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		if reserved != nil {
			continue
		}
		available = append(available, u)
	}
	return available, nil
}

func (s *BidService) reserveOutputs(ctx context.Context, bidID uuid.UUID, outputs []wallet.Unspent) error {
	for _, u := range outputs {
		lo := &domain.LockedOutput{
			ID:        uuid.New(),
			TxID:      u.TxID,
			VOut:      u.VOut,
			Amount:    u.Amount,
			BidID:     bidID,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.locked.Create(ctx, lo); err != nil {
			return fmt.Errorf("reserve output %s:%d: %w", u.TxID, u.VOut, err)
		}
	}
	inputs := make([]wallet.TxInput, 0, len(outputs))
	for _, u := range outputs {
		inputs = append(inputs, wallet.TxInput{TxID: u.TxID, VOut: u.VOut})
	}
	if err := s.wallet.LockUnspent(ctx, false, inputs); err != nil {
		return fmt.Errorf("lock outputs in wallet: %w", err)
	}
	return nil
}

// ReleaseLockedOutputs unlocks any wallet outputs this node reserved for the
// bid and drops the reservation records. Bids placed by the counterparty have
// no local reservations; that is not an error.
func (s *BidService) ReleaseLockedOutputs(ctx context.Context, bidID uuid.UUID) error {
	reserved, err := s.locked.ListByBid(ctx, bidID)
	if err != nil {
		return err
	}
	if len(reserved) == 0 {
		return nil
	}
	inputs := make([]wallet.TxInput, 0, len(reserved))
	for _, lo := range reserved {
		inputs = append(inputs, wallet.TxInput{TxID: lo.TxID, VOut: lo.VOut})
	}
	if err := s.wallet.LockUnspent(ctx, true, inputs); err != nil {
		return fmt.Errorf("unlock outputs in wallet: %w", err)
	}
	if err := s.locked.DeleteByBid(ctx, bidID); err != nil {
		return fmt.Errorf("drop output reservations: %w", err)
	}
	return nil
}

func prevOutsFromUnspents(outputs []wallet.Unspent) []protocol.PrevOut {
	prev := make([]protocol.PrevOut, 0, len(outputs))
	for _, u := range outputs {
		prev = append(prev, protocol.PrevOut{TxID: u.TxID, VOut: u.VOut, Amount: u.Amount.ToBTC()})
	}
	return prev
}

// parseOutputs decodes the JSON-encoded prior outputs stored under key on the
// bid, converting amounts to fixed point.
func parseOutputs(bid *domain.Bid, key string) ([]wallet.Unspent, error) {
	raw, ok := bid.DataValue(key)
	if !ok {
		return nil, fmt.Errorf("bid %s missing data %q", bid.ID, key)
	}
	var prev []protocol.PrevOut
	if err := json.Unmarshal([]byte(raw), &prev); err != nil {
		return nil, fmt.Errorf("bid %s data %q: %w", bid.ID, key, err)
	}
	outputs := make([]wallet.Unspent, 0, len(prev))
	for _, p := range prev {
		amt, err := btcutil.NewAmount(p.Amount)
		if err != nil {
			return nil, fmt.Errorf("bid %s output amount %f: %w", bid.ID, p.Amount, err)
		}
		outputs = append(outputs, wallet.Unspent{TxID: p.TxID, VOut: p.VOut, Amount: amt, AmountBTC: p.Amount})
	}
	return outputs, nil
}

func mustData(bid *domain.Bid, key string) string {
	v, _ := bid.DataValue(key)
	return v
}
