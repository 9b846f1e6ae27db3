package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openstall/marketd/internal/market/domain"
	"github.com/openstall/marketd/internal/protocol"
)

// ListingService maintains the local view of marketplace listings and
// publishes the node's own listings to the network.
type ListingService struct {
	listings  domain.ListingRepository
	messenger *Messenger
	logger    *slog.Logger
}

func NewListingService(listings domain.ListingRepository, messenger *Messenger, logger *slog.Logger) *ListingService {
	return &ListingService{listings: listings, messenger: messenger, logger: logger}
}

// HandleListingAdd processes an inbound listing announcement. The item's
// declared content hash is re-derived locally and its signature checked
// against the seller identity; either failing is a protocol violation.
// Re-announcements of an already known hash are idempotent.
func (s *ListingService) HandleListingAdd(ctx context.Context, env *protocol.Envelope, msg *domain.SmsgMessage) error {
	item := env.Item
	if item == nil || item.Hash == "" || item.Seller == "" {
		return fmt.Errorf("%w: listing add missing hash or seller", domain.ErrProtocolViolation)
	}

	derived, err := protocol.HashItem(item)
	if err != nil {
		return fmt.Errorf("hash listing item: %w", err)
	}
	if derived != item.Hash {
		return fmt.Errorf("%w: listing hash mismatch: declared %s, derived %s",
			domain.ErrProtocolViolation, item.Hash, derived)
	}
	if err := protocol.VerifyItem(item.Seller, item); err != nil {
		return fmt.Errorf("%w: listing signature: %v", domain.ErrProtocolViolation, err)
	}
	if item.PriceBTC <= 0 {
		return fmt.Errorf("%w: listing price must be positive", domain.ErrProtocolViolation)
	}

	existing, err := s.listings.GetByHash(ctx, item.Hash)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if existing != nil {
		s.logger.DebugContext(ctx, "Listing already known", "hash", item.Hash)
		return nil
	}

	now := time.Now().UTC()
	expiryDays := item.ExpiryDays
	if expiryDays <= 0 {
		expiryDays = msg.DaysRetention
	}
	listing := &domain.Listing{
		ID:             uuid.New(),
		Hash:           item.Hash,
		Seller:         item.Seller,
		Title:          item.Title,
		PriceBTC:       item.PriceBTC,
		PaymentAddress: item.PaymentAddress,
		ReceivedAt:     msg.ReceivedAt,
		ExpiresAt:      now.AddDate(0, 0, expiryDays),
		CreatedAt:      now,
	}
	if err := s.listings.Create(ctx, listing); err != nil {
		return fmt.Errorf("persist listing: %w", err)
	}
	s.logger.InfoContext(ctx, "Stored listing", "hash", item.Hash, "seller", item.Seller, "title", item.Title)
	return nil
}

// PublishListing hashes, signs, persists and broadcasts one of the node's own
// listings. The destination is a network distribution address.
func (s *ListingService) PublishListing(ctx context.Context, to string, item *protocol.ListingItem) (string, error) {
	item.Seller = s.messenger.Address()
	item.Hash = ""
	item.Signature = ""
	hash, err := protocol.HashItem(item)
	if err != nil {
		return "", fmt.Errorf("hash listing item: %w", err)
	}
	item.Hash = hash

	now := time.Now().UTC()
	expiryDays := item.ExpiryDays
	if expiryDays <= 0 {
		expiryDays = 7
	}
	listing := &domain.Listing{
		ID:             uuid.New(),
		Hash:           hash,
		Seller:         item.Seller,
		Title:          item.Title,
		PriceBTC:       item.PriceBTC,
		PaymentAddress: item.PaymentAddress,
		ReceivedAt:     now,
		ExpiresAt:      now.AddDate(0, 0, expiryDays),
		CreatedAt:      now,
	}
	if err := s.listings.Create(ctx, listing); err != nil {
		return "", fmt.Errorf("persist own listing: %w", err)
	}
	if err := s.messenger.SendItem(ctx, to, item); err != nil {
		return "", err
	}
	return hash, nil
}
