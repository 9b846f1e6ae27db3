package domain

import (
	"time"

	"github.com/google/uuid"
)

// OrderItemStatus tracks the escrow progression of an order item. The
// happy-path progression is
// AWAITING_ESCROW -> ESCROW_LOCKED -> SHIPPING -> COMPLETE,
// each transition triggered by a matching escrow protocol message. The refund
// side path is ESCROW_LOCKED -> REFUND_REQUESTED -> REFUNDED.
type OrderItemStatus string

const (
	OrderItemAwaitingEscrow  OrderItemStatus = "AWAITING_ESCROW"
	OrderItemEscrowLocked    OrderItemStatus = "ESCROW_LOCKED"
	OrderItemShipping        OrderItemStatus = "SHIPPING"
	OrderItemComplete        OrderItemStatus = "COMPLETE"
	OrderItemRefundRequested OrderItemStatus = "REFUND_REQUESTED"
	OrderItemRefunded        OrderItemStatus = "REFUNDED"
)

// Order is created when a bid is accepted. Both buyer and seller derive the
// hash-identical order independently from the same bid fields and cross-check
// the hash on receipt; a mismatch aborts the accept without committing.
type Order struct {
	ID          uuid.UUID   `json:"id"`
	Hash        string      `json:"hash"`
	ListingHash string      `json:"listing_hash"`
	Buyer       string      `json:"buyer"`
	Seller      string      `json:"seller"`
	BidID       uuid.UUID   `json:"bid_id"`
	Items       []OrderItem `json:"items"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// OrderItem is one line of an order with its own escrow status.
type OrderItem struct {
	ID          uuid.UUID       `json:"id"`
	OrderID     uuid.UUID       `json:"order_id"`
	ListingHash string          `json:"listing_hash"`
	Status      OrderItemStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
