package domain

import (
	"context"

	"github.com/google/uuid"

	"github.com/openstall/marketd/internal/protocol"
)

// SmsgMessageRepository persists inbound transport messages and their
// processing status. Lookups that find nothing return ErrNotFound.
type SmsgMessageRepository interface {
	Create(ctx context.Context, msg *SmsgMessage) error
	GetByMsgID(ctx context.Context, msgID string) (*SmsgMessage, error)
	// ListByStatusAndTypes returns at most limit messages with the given
	// status whose type is one of types (all types when types is empty),
	// oldest received first.
	ListByStatusAndTypes(ctx context.Context, status SmsgStatus, types []protocol.MessageType, limit int) ([]*SmsgMessage, error)
	// UpdateStatus sets the status and processed count, stamping processed_at.
	UpdateStatus(ctx context.Context, id uuid.UUID, status SmsgStatus, processedCount int) error
	// ClearPayload erases the raw payload of a processed message.
	ClearPayload(ctx context.Context, id uuid.UUID) error
}

// ListingRepository persists the local view of listings keyed by content hash.
type ListingRepository interface {
	Create(ctx context.Context, listing *Listing) error
	GetByHash(ctx context.Context, hash string) (*Listing, error)
	DeleteByHash(ctx context.Context, hash string) error
}

// BidRepository persists bids. GetActive only considers bids whose action is
// still active (BID or ACCEPT).
type BidRepository interface {
	Create(ctx context.Context, bid *Bid) error
	Update(ctx context.Context, bid *Bid) error
	GetByID(ctx context.Context, id uuid.UUID) (*Bid, error)
	GetActive(ctx context.Context, listingHash, bidder string) (*Bid, error)
}

// OrderRepository persists orders and their items.
type OrderRepository interface {
	Create(ctx context.Context, order *Order) error
	GetByHash(ctx context.Context, hash string) (*Order, error)
	GetByBidID(ctx context.Context, bidID uuid.UUID) (*Order, error)
	UpdateItemStatus(ctx context.Context, itemID uuid.UUID, status OrderItemStatus) error
}

// LockedOutputRepository persists output reservations per bid.
type LockedOutputRepository interface {
	Create(ctx context.Context, lo *LockedOutput) error
	ListByBid(ctx context.Context, bidID uuid.UUID) ([]*LockedOutput, error)
	DeleteByBid(ctx context.Context, bidID uuid.UUID) error
	// GetByOutput reports whether (txid, vout) is reserved by any bid.
	GetByOutput(ctx context.Context, txid string, vout uint32) (*LockedOutput, error)
}
