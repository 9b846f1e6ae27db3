package app

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/openstall/marketd/internal/market/domain"
)

// orderBasis is the canonical input to the order hash. Every field is known
// to both parties from the shared bid at accept time, so buyer and seller
// derive byte-identical serializations and therefore identical hashes.
type orderBasis struct {
	ListingHash  string `json:"listing_hash"`
	Bidder       string `json:"bidder"`
	Seller       string `json:"seller"`
	BuyerPubKey  string `json:"buyer_pubkey"`
	BuyerOutputs string `json:"buyer_outputs"`
}

// DeriveOrder deterministically derives the order for an accepted bid. The
// node receiving an accept cross-checks the sender's declared order hash
// against this derivation before committing anything.
func DeriveOrder(bid *domain.Bid, listing *domain.Listing) (*domain.Order, error) {
	buyerPub, ok := bid.DataValue(domain.BidDataBuyerPubKey)
	if !ok {
		return nil, fmt.Errorf("order: bid %s missing buyer pubkey", bid.ID)
	}
	buyerOutputs, ok := bid.DataValue(domain.BidDataBuyerOutputs)
	if !ok {
		return nil, fmt.Errorf("order: bid %s missing buyer outputs", bid.ID)
	}

	basis := orderBasis{
		ListingHash:  bid.ListingHash,
		Bidder:       bid.Bidder,
		Seller:       listing.Seller,
		BuyerPubKey:  buyerPub,
		BuyerOutputs: buyerOutputs,
	}
	b, err := json.Marshal(basis)
	if err != nil {
		return nil, err
	}
	sum := sha3.Sum256(b)
	hash := hex.EncodeToString(sum[:])

	now := time.Now().UTC()
	orderID := uuid.New()
	return &domain.Order{
		ID:          orderID,
		Hash:        hash,
		ListingHash: bid.ListingHash,
		Buyer:       bid.Bidder,
		Seller:      listing.Seller,
		BidID:       bid.ID,
		Items: []domain.OrderItem{{
			ID:          uuid.New(),
			OrderID:     orderID,
			ListingHash: bid.ListingHash,
			Status:      domain.OrderItemAwaitingEscrow,
			CreatedAt:   now,
			UpdatedAt:   now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
