package domain

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
)

// LockedOutput is a pessimistic reservation of one wallet output for an
// in-flight bid. While the record exists the output must not be selectable for
// any other bid; the wallet is additionally told to lock it. The record is
// destroyed (and the wallet output unlocked) when the step completes, is
// cancelled or rejected.
type LockedOutput struct {
	ID        uuid.UUID      `json:"id"`
	TxID      string         `json:"txid"`
	VOut      uint32         `json:"vout"`
	Amount    btcutil.Amount `json:"amount"`
	BidID     uuid.UUID      `json:"bid_id"`
	CreatedAt time.Time      `json:"created_at"`
}
