package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openstall/marketd/internal/escrow"
	"github.com/openstall/marketd/internal/market/domain"
	"github.com/openstall/marketd/internal/protocol"
)

// EscrowService drives the escrow half of the trade state machine. The lock
// step broadcasts the jointly built funding transaction; release and refund
// are both two-phase: one party builds and partially signs a payout, the
// other completes and broadcasts it. Every transition is recorded on the
// order item.
type EscrowService struct {
	listings  domain.ListingRepository
	bids      domain.BidRepository
	orders    domain.OrderRepository
	builder   *escrow.Builder
	messenger *Messenger
	release   func(ctx context.Context, bidID uuid.UUID) error
	logger    *slog.Logger
}

// NewEscrowService creates the escrow service. releaseOutputs is the bid
// service's reservation cleanup, invoked once the funding transaction is on
// chain and the reserved outputs are spent.
func NewEscrowService(
	listings domain.ListingRepository,
	bids domain.BidRepository,
	orders domain.OrderRepository,
	builder *escrow.Builder,
	messenger *Messenger,
	releaseOutputs func(ctx context.Context, bidID uuid.UUID) error,
	logger *slog.Logger,
) *EscrowService {
	return &EscrowService{
		listings:  listings,
		bids:      bids,
		orders:    orders,
		builder:   builder,
		messenger: messenger,
		release:   releaseOutputs,
		logger:    logger,
	}
}

// trade bundles the state an escrow step operates on.
type trade struct {
	bid     *domain.Bid
	listing *domain.Listing
	order   *domain.Order
	item    *domain.OrderItem
}

// LockEscrow is the buyer's step after an accept: sign the funding
// transaction fully and broadcast it, locking both deposits into the multisig
// address, then notify the seller.
func (s *EscrowService) LockEscrow(ctx context.Context, bidID uuid.UUID) (string, error) {
	t, err := s.tradeByBidID(ctx, bidID)
	if err != nil {
		return "", err
	}
	if t.bid.Bidder != s.messenger.Address() {
		return "", fmt.Errorf("bid %s is not ours to lock", bidID)
	}
	if t.item.Status != domain.OrderItemAwaitingEscrow {
		return "", fmt.Errorf("order item in status %s cannot be locked", t.item.Status)
	}
	rawTx, ok := t.bid.DataValue(domain.BidDataRawTx)
	if !ok {
		return "", fmt.Errorf("bid %s has no funding transaction", bidID)
	}

	txid, err := s.builder.CompleteEscrowLock(ctx, rawTx)
	if err != nil {
		return "", err
	}

	t.bid.SetData(domain.BidDataEscrowTxID, txid)
	t.bid.UpdatedAt = time.Now().UTC()
	if err := s.bids.Update(ctx, t.bid); err != nil {
		return "", fmt.Errorf("persist escrow txid: %w", err)
	}
	if err := s.orders.UpdateItemStatus(ctx, t.item.ID, domain.OrderItemEscrowLocked); err != nil {
		return "", fmt.Errorf("advance order item: %w", err)
	}
	// The reserved outputs are spent by the broadcast funding tx.
	if err := s.release(ctx, bidID); err != nil {
		return "", err
	}

	err = s.messenger.SendAction(ctx, t.listing.Seller, &protocol.MPAction{
		Type:        protocol.MsgEscrowLock,
		ListingHash: t.bid.ListingHash,
		Bidder:      t.bid.Bidder,
		Escrow:      &protocol.EscrowPayload{TxID: txid},
	})
	if err != nil {
		return "", err
	}
	s.logger.InfoContext(ctx, "Escrow locked", "bid_id", bidID, "txid", txid)
	return txid, nil
}

// HandleEscrowLock processes the buyer's lock notification on the seller
// side: record the on-chain escrow txid and advance the order item.
func (s *EscrowService) HandleEscrowLock(ctx context.Context, env *protocol.Envelope, _ *domain.SmsgMessage) error {
	action := env.Action
	if action.Escrow == nil || action.Escrow.TxID == "" {
		return fmt.Errorf("%w: lock payload missing txid", domain.ErrProtocolViolation)
	}
	t, err := s.tradeByAction(ctx, action)
	if err != nil {
		return err
	}
	if action.Sender != t.bid.Bidder {
		return fmt.Errorf("%w: lock must come from the bidder", domain.ErrProtocolViolation)
	}
	if t.item.Status != domain.OrderItemAwaitingEscrow {
		return fmt.Errorf("%w: order item in status %s cannot be locked", domain.ErrProtocolViolation, t.item.Status)
	}

	t.bid.SetData(domain.BidDataEscrowTxID, action.Escrow.TxID)
	t.bid.UpdatedAt = time.Now().UTC()
	if err := s.bids.Update(ctx, t.bid); err != nil {
		return fmt.Errorf("persist escrow txid: %w", err)
	}
	if err := s.orders.UpdateItemStatus(ctx, t.item.ID, domain.OrderItemEscrowLocked); err != nil {
		return fmt.Errorf("advance order item: %w", err)
	}
	// Our funding inputs are spent now that the tx is on chain.
	if err := s.release(ctx, t.bid.ID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Escrow lock recorded", "bid_id", t.bid.ID, "txid", action.Escrow.TxID)
	return nil
}

// ReleaseEscrow is the seller's step when the goods ship: build the payout
// spending the escrow under the configured split, sign it partially, and send
// it to the buyer for completion.
func (s *EscrowService) ReleaseEscrow(ctx context.Context, bidID uuid.UUID) error {
	t, err := s.tradeByBidID(ctx, bidID)
	if err != nil {
		return err
	}
	if !t.listing.Mine(s.messenger.Address()) {
		return fmt.Errorf("listing %s is not ours to release escrow on", t.bid.ListingHash)
	}
	if t.item.Status != domain.OrderItemEscrowLocked {
		return fmt.Errorf("order item in status %s cannot be released", t.item.Status)
	}

	escrowTxID, multisig, err := escrowRefs(t.bid)
	if err != nil {
		return err
	}
	sellerAddr, _ := t.bid.DataValue(domain.BidDataSellerReleaseAddress)
	buyerAddr, _ := t.bid.DataValue(domain.BidDataBuyerReleaseAddress)
	if sellerAddr == "" || buyerAddr == "" {
		return fmt.Errorf("bid %s missing release addresses", bidID)
	}

	rawTx, err := s.builder.BuildEscrowRelease(ctx, escrowTxID, multisig, sellerAddr, buyerAddr)
	if err != nil {
		return err
	}

	t.bid.SetData(domain.BidDataReleaseRawTx, rawTx)
	t.bid.UpdatedAt = time.Now().UTC()
	if err := s.bids.Update(ctx, t.bid); err != nil {
		return fmt.Errorf("persist release tx: %w", err)
	}
	if err := s.orders.UpdateItemStatus(ctx, t.item.ID, domain.OrderItemShipping); err != nil {
		return fmt.Errorf("advance order item: %w", err)
	}

	err = s.messenger.SendAction(ctx, t.bid.Bidder, &protocol.MPAction{
		Type:        protocol.MsgEscrowRelease,
		ListingHash: t.bid.ListingHash,
		Bidder:      t.bid.Bidder,
		Escrow:      &protocol.EscrowPayload{RawTx: rawTx},
	})
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Escrow release initiated", "bid_id", bidID)
	return nil
}

// HandleEscrowRelease processes an inbound MPA_RELEASE. The same message type
// serves both phases, distinguished by trade state and our role:
//
//   - buyer, item ESCROW_LOCKED, payload carries a raw tx: the seller
//     initiated the release; store it and mark the item shipping.
//   - seller, item SHIPPING, payload carries a txid: the buyer completed and
//     broadcast the payout; the trade is complete.
//
// Any other combination is a violation.
func (s *EscrowService) HandleEscrowRelease(ctx context.Context, env *protocol.Envelope, _ *domain.SmsgMessage) error {
	action := env.Action
	if action.Escrow == nil {
		return fmt.Errorf("%w: release payload missing", domain.ErrProtocolViolation)
	}
	t, err := s.tradeByAction(ctx, action)
	if err != nil {
		return err
	}
	mine := t.listing.Mine(s.messenger.Address())

	switch {
	case !mine && t.item.Status == domain.OrderItemEscrowLocked && action.Escrow.RawTx != "":
		if action.Sender != t.listing.Seller {
			return fmt.Errorf("%w: release must come from the seller", domain.ErrProtocolViolation)
		}
		t.bid.SetData(domain.BidDataReleaseRawTx, action.Escrow.RawTx)
		t.bid.UpdatedAt = time.Now().UTC()
		if err := s.bids.Update(ctx, t.bid); err != nil {
			return fmt.Errorf("persist release tx: %w", err)
		}
		if err := s.orders.UpdateItemStatus(ctx, t.item.ID, domain.OrderItemShipping); err != nil {
			return fmt.Errorf("advance order item: %w", err)
		}
		s.logger.InfoContext(ctx, "Escrow release received", "bid_id", t.bid.ID)
		return nil

	case mine && t.item.Status == domain.OrderItemShipping && action.Escrow.TxID != "":
		if action.Sender != t.bid.Bidder {
			return fmt.Errorf("%w: release completion must come from the bidder", domain.ErrProtocolViolation)
		}
		t.bid.SetData(domain.BidDataReleaseTxID, action.Escrow.TxID)
		t.bid.UpdatedAt = time.Now().UTC()
		if err := s.bids.Update(ctx, t.bid); err != nil {
			return fmt.Errorf("persist release txid: %w", err)
		}
		if err := s.orders.UpdateItemStatus(ctx, t.item.ID, domain.OrderItemComplete); err != nil {
			return fmt.Errorf("advance order item: %w", err)
		}
		s.logger.InfoContext(ctx, "Trade complete", "bid_id", t.bid.ID, "txid", action.Escrow.TxID)
		return nil
	}
	return fmt.Errorf("%w: release message does not match trade state %s", domain.ErrProtocolViolation, t.item.Status)
}

// CompleteEscrow is the buyer's final step: add the second signature to the
// seller's release payout, broadcast it, and send the resulting txid back.
func (s *EscrowService) CompleteEscrow(ctx context.Context, bidID uuid.UUID) (string, error) {
	t, err := s.tradeByBidID(ctx, bidID)
	if err != nil {
		return "", err
	}
	if t.bid.Bidder != s.messenger.Address() {
		return "", fmt.Errorf("bid %s is not ours to complete", bidID)
	}
	if t.item.Status != domain.OrderItemShipping {
		return "", fmt.Errorf("order item in status %s cannot be completed", t.item.Status)
	}
	rawTx, ok := t.bid.DataValue(domain.BidDataReleaseRawTx)
	if !ok {
		return "", fmt.Errorf("bid %s has no release transaction", bidID)
	}

	txid, err := s.builder.CompleteEscrowRelease(ctx, rawTx)
	if err != nil {
		return "", err
	}

	t.bid.SetData(domain.BidDataReleaseTxID, txid)
	t.bid.UpdatedAt = time.Now().UTC()
	if err := s.bids.Update(ctx, t.bid); err != nil {
		return "", fmt.Errorf("persist release txid: %w", err)
	}
	if err := s.orders.UpdateItemStatus(ctx, t.item.ID, domain.OrderItemComplete); err != nil {
		return "", fmt.Errorf("advance order item: %w", err)
	}

	err = s.messenger.SendAction(ctx, t.listing.Seller, &protocol.MPAction{
		Type:        protocol.MsgEscrowRelease,
		ListingHash: t.bid.ListingHash,
		Bidder:      t.bid.Bidder,
		Escrow:      &protocol.EscrowPayload{TxID: txid},
	})
	if err != nil {
		return "", err
	}
	s.logger.InfoContext(ctx, "Trade complete", "bid_id", bidID, "txid", txid)
	return txid, nil
}

// RequestRefund is the buyer's dispute path from a locked escrow: build an
// equal-split payout back to both parties, sign it partially, and ask the
// seller to complete it.
func (s *EscrowService) RequestRefund(ctx context.Context, bidID uuid.UUID) error {
	t, err := s.tradeByBidID(ctx, bidID)
	if err != nil {
		return err
	}
	if t.bid.Bidder != s.messenger.Address() {
		return fmt.Errorf("bid %s is not ours to request a refund on", bidID)
	}
	if t.item.Status != domain.OrderItemEscrowLocked {
		return fmt.Errorf("order item in status %s cannot be refunded", t.item.Status)
	}

	escrowTxID, multisig, err := escrowRefs(t.bid)
	if err != nil {
		return err
	}
	buyerAddr, _ := t.bid.DataValue(domain.BidDataBuyerReleaseAddress)
	sellerAddr, _ := t.bid.DataValue(domain.BidDataSellerReleaseAddress)
	if buyerAddr == "" || sellerAddr == "" {
		return fmt.Errorf("bid %s missing release addresses", bidID)
	}

	rawTx, err := s.builder.BuildEscrowRefund(ctx, escrowTxID, multisig, buyerAddr, sellerAddr)
	if err != nil {
		return err
	}

	t.bid.SetData(domain.BidDataRefundRawTx, rawTx)
	t.bid.UpdatedAt = time.Now().UTC()
	if err := s.bids.Update(ctx, t.bid); err != nil {
		return fmt.Errorf("persist refund tx: %w", err)
	}
	if err := s.orders.UpdateItemStatus(ctx, t.item.ID, domain.OrderItemRefundRequested); err != nil {
		return fmt.Errorf("advance order item: %w", err)
	}

	err = s.messenger.SendAction(ctx, t.listing.Seller, &protocol.MPAction{
		Type:        protocol.MsgEscrowRequestRefund,
		ListingHash: t.bid.ListingHash,
		Bidder:      t.bid.Bidder,
		Escrow:      &protocol.EscrowPayload{RawTx: rawTx},
	})
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Refund requested", "bid_id", bidID)
	return nil
}

// HandleRequestRefund records the buyer's refund request on the seller side.
func (s *EscrowService) HandleRequestRefund(ctx context.Context, env *protocol.Envelope, _ *domain.SmsgMessage) error {
	action := env.Action
	if action.Escrow == nil || action.Escrow.RawTx == "" {
		return fmt.Errorf("%w: refund request missing raw tx", domain.ErrProtocolViolation)
	}
	t, err := s.tradeByAction(ctx, action)
	if err != nil {
		return err
	}
	if action.Sender != t.bid.Bidder {
		return fmt.Errorf("%w: refund request must come from the bidder", domain.ErrProtocolViolation)
	}
	if t.item.Status != domain.OrderItemEscrowLocked {
		return fmt.Errorf("%w: order item in status %s cannot be refunded", domain.ErrProtocolViolation, t.item.Status)
	}

	t.bid.SetData(domain.BidDataRefundRawTx, action.Escrow.RawTx)
	t.bid.UpdatedAt = time.Now().UTC()
	if err := s.bids.Update(ctx, t.bid); err != nil {
		return fmt.Errorf("persist refund tx: %w", err)
	}
	if err := s.orders.UpdateItemStatus(ctx, t.item.ID, domain.OrderItemRefundRequested); err != nil {
		return fmt.Errorf("advance order item: %w", err)
	}
	s.logger.InfoContext(ctx, "Refund request recorded", "bid_id", t.bid.ID)
	return nil
}

// RefundEscrow is the seller's approval of a refund request: complete the
// buyer's partial payout, broadcast it, and notify the buyer.
func (s *EscrowService) RefundEscrow(ctx context.Context, bidID uuid.UUID) (string, error) {
	t, err := s.tradeByBidID(ctx, bidID)
	if err != nil {
		return "", err
	}
	if !t.listing.Mine(s.messenger.Address()) {
		return "", fmt.Errorf("listing %s is not ours to refund on", t.bid.ListingHash)
	}
	if t.item.Status != domain.OrderItemRefundRequested {
		return "", fmt.Errorf("order item in status %s has no pending refund", t.item.Status)
	}
	rawTx, ok := t.bid.DataValue(domain.BidDataRefundRawTx)
	if !ok {
		return "", fmt.Errorf("bid %s has no refund transaction", bidID)
	}

	txid, err := s.builder.CompleteEscrowRefund(ctx, rawTx)
	if err != nil {
		return "", err
	}

	t.bid.SetData(domain.BidDataRefundTxID, txid)
	t.bid.UpdatedAt = time.Now().UTC()
	if err := s.bids.Update(ctx, t.bid); err != nil {
		return "", fmt.Errorf("persist refund txid: %w", err)
	}
	if err := s.orders.UpdateItemStatus(ctx, t.item.ID, domain.OrderItemRefunded); err != nil {
		return "", fmt.Errorf("advance order item: %w", err)
	}

	err = s.messenger.SendAction(ctx, t.bid.Bidder, &protocol.MPAction{
		Type:        protocol.MsgEscrowRefund,
		ListingHash: t.bid.ListingHash,
		Bidder:      t.bid.Bidder,
		Escrow:      &protocol.EscrowPayload{TxID: txid},
	})
	if err != nil {
		return "", err
	}
	s.logger.InfoContext(ctx, "Escrow refunded", "bid_id", bidID, "txid", txid)
	return txid, nil
}

// HandleRefund records the broadcast refund on the buyer side.
func (s *EscrowService) HandleRefund(ctx context.Context, env *protocol.Envelope, _ *domain.SmsgMessage) error {
	action := env.Action
	if action.Escrow == nil || action.Escrow.TxID == "" {
		return fmt.Errorf("%w: refund payload missing txid", domain.ErrProtocolViolation)
	}
	t, err := s.tradeByAction(ctx, action)
	if err != nil {
		return err
	}
	if action.Sender != t.listing.Seller {
		return fmt.Errorf("%w: refund must come from the seller", domain.ErrProtocolViolation)
	}
	if t.item.Status != domain.OrderItemRefundRequested {
		return fmt.Errorf("%w: order item in status %s has no pending refund", domain.ErrProtocolViolation, t.item.Status)
	}

	t.bid.SetData(domain.BidDataRefundTxID, action.Escrow.TxID)
	t.bid.UpdatedAt = time.Now().UTC()
	if err := s.bids.Update(ctx, t.bid); err != nil {
		return fmt.Errorf("persist refund txid: %w", err)
	}
	if err := s.orders.UpdateItemStatus(ctx, t.item.ID, domain.OrderItemRefunded); err != nil {
		return fmt.Errorf("advance order item: %w", err)
	}
	s.logger.InfoContext(ctx, "Refund recorded", "bid_id", t.bid.ID, "txid", action.Escrow.TxID)
	return nil
}

// tradeByAction resolves the trade an inbound escrow action refers to. The
// action is signature-checked here since every caller requires it. Missing
// bid, listing or order defers the message.
func (s *EscrowService) tradeByAction(ctx context.Context, action *protocol.MPAction) (*trade, error) {
	if err := protocol.VerifyAction(action.Sender, action); err != nil {
		return nil, fmt.Errorf("%w: %s signature: %v", domain.ErrProtocolViolation, action.Type, err)
	}
	bid, err := s.bids.GetActive(ctx, action.ListingHash, action.Bidder)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("active bid for listing %s: %w", action.ListingHash, domain.ErrNotYetKnown)
	}
	if err != nil {
		return nil, err
	}
	if bid.Action != domain.BidActionAccept {
		return nil, fmt.Errorf("%w: bid %s not accepted", domain.ErrProtocolViolation, bid.ID)
	}
	return s.tradeFor(ctx, bid, domain.ErrNotYetKnown)
}

func (s *EscrowService) tradeByBidID(ctx context.Context, bidID uuid.UUID) (*trade, error) {
	bid, err := s.bids.GetByID(ctx, bidID)
	if err != nil {
		return nil, fmt.Errorf("bid %s: %w", bidID, err)
	}
	if bid.Action != domain.BidActionAccept {
		return nil, fmt.Errorf("bid %s not accepted", bidID)
	}
	return s.tradeFor(ctx, bid, domain.ErrNotFound)
}

func (s *EscrowService) tradeFor(ctx context.Context, bid *domain.Bid, missing error) (*trade, error) {
	listing, err := s.listings.GetByHash(ctx, bid.ListingHash)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("listing %s: %w", bid.ListingHash, missing)
	}
	if err != nil {
		return nil, err
	}
	order, err := s.orders.GetByBidID(ctx, bid.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("order for bid %s: %w", bid.ID, missing)
	}
	if err != nil {
		return nil, err
	}
	if len(order.Items) == 0 {
		return nil, fmt.Errorf("order %s has no items", order.ID)
	}
	return &trade{bid: bid, listing: listing, order: order, item: &order.Items[0]}, nil
}

func escrowRefs(bid *domain.Bid) (escrowTxID, multisig string, err error) {
	escrowTxID, ok := bid.DataValue(domain.BidDataEscrowTxID)
	if !ok {
		return "", "", fmt.Errorf("bid %s has no escrow txid", bid.ID)
	}
	multisig, ok = bid.DataValue(domain.BidDataMultisigAddress)
	if !ok {
		return "", "", fmt.Errorf("bid %s has no multisig address", bid.ID)
	}
	return escrowTxID, multisig, nil
}
