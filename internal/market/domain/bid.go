package domain

import (
	"time"

	"github.com/google/uuid"
)

// BidAction is the latest-known state of a bid. The legal transitions are
// BID -> ACCEPT (terminal), BID -> REJECT and BID -> CANCEL (side exits).
type BidAction string

const (
	BidActionBid    BidAction = "BID"
	BidActionAccept BidAction = "ACCEPT"
	BidActionReject BidAction = "REJECT"
	BidActionCancel BidAction = "CANCEL"
)

// Active reports whether the action still allows further protocol progress.
func (a BidAction) Active() bool {
	return a == BidActionBid || a == BidActionAccept
}

// CanTransitionTo reports whether the bid may move from its current action to
// next. ACCEPT, REJECT and CANCEL are all only reachable from BID.
func (a BidAction) CanTransitionTo(next BidAction) bool {
	if a != BidActionBid {
		return false
	}
	switch next {
	case BidActionAccept, BidActionReject, BidActionCancel:
		return true
	}
	return false
}

// Well-known keys of the ordered protocol data items accumulated on a bid.
const (
	BidDataBuyerPubKey          = "buyerPubkey"
	BidDataSellerPubKey         = "sellerPubkey"
	BidDataBuyerOutputs         = "buyerOutputs"
	BidDataSellerOutputs        = "sellerOutputs"
	BidDataBuyerChangeAddress   = "buyerChangeAddress"
	BidDataSellerChangeAddress  = "sellerChangeAddress"
	BidDataBuyerReleaseAddress  = "buyerReleaseAddress"
	BidDataSellerReleaseAddress = "sellerReleaseAddress"
	BidDataRawTx                = "rawtx"
	BidDataOrderHash            = "orderHash"
	BidDataEscrowTxID           = "escrowTxid"
	BidDataMultisigAddress      = "multisigAddress"
	BidDataReleaseRawTx         = "releaseRawtx"
	BidDataReleaseTxID          = "releaseTxid"
	BidDataRefundRawTx          = "refundRawtx"
	BidDataRefundTxID           = "refundTxid"
)

// BidData is one key/value protocol data item attached to a bid. Order of
// insertion is preserved.
type BidData struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Bid represents one buyer's offer against one listing. At most one active
// (non-cancelled, non-rejected) bid exists per (listing, bidder) pair. The row
// is mutated in place on each subsequent accept/reject/cancel and never
// deleted while an order references it.
type Bid struct {
	ID          uuid.UUID `json:"id"`
	ListingHash string    `json:"listing_hash"`
	Bidder      string    `json:"bidder"`
	Action      BidAction `json:"action"`
	Data        []BidData `json:"data"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DataValue returns the value stored under key, if present.
func (b *Bid) DataValue(key string) (string, bool) {
	for _, d := range b.Data {
		if d.Key == key {
			return d.Value, true
		}
	}
	return "", false
}

// SetData replaces the value under key, or appends a new item preserving
// insertion order.
func (b *Bid) SetData(key, value string) {
	for i := range b.Data {
		if b.Data[i].Key == key {
			b.Data[i].Value = value
			return
		}
	}
	b.Data = append(b.Data, BidData{Key: key, Value: value})
}
