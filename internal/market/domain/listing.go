package domain

import (
	"time"

	"github.com/google/uuid"
)

// Listing is the locally persisted view of a listing item, keyed by its
// network-wide content hash. Trade and governance handlers only need the
// fields below; the full item payload lives in the original message until
// processed.
type Listing struct {
	ID             uuid.UUID `json:"id"`
	Hash           string    `json:"hash"`
	Seller         string    `json:"seller"`
	Title          string    `json:"title"`
	PriceBTC       float64   `json:"price"`
	PaymentAddress string    `json:"payment_address,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// Mine reports whether the listing was published by the given identity.
func (l *Listing) Mine(identity string) bool {
	return l != nil && l.Seller == identity
}
