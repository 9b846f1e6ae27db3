package protocol

// MessageType identifies the application-level protocol action carried by an
// envelope. Listing adds travel as an "item" payload; everything else as an
// "mpaction" payload.
type MessageType string

const (
	MsgListingAdd          MessageType = "MPA_LISTING_ADD"
	MsgBid                 MessageType = "MPA_BID"
	MsgBidAccept           MessageType = "MPA_ACCEPT"
	MsgBidReject           MessageType = "MPA_REJECT"
	MsgBidCancel           MessageType = "MPA_CANCEL"
	MsgEscrowLock          MessageType = "MPA_LOCK"
	MsgEscrowRelease       MessageType = "MPA_RELEASE"
	MsgEscrowRequestRefund MessageType = "MPA_REQUEST_REFUND"
	MsgEscrowRefund        MessageType = "MPA_REFUND"
	MsgProposalAdd         MessageType = "MPA_PROPOSAL_ADD"
	MsgVote                MessageType = "MPA_VOTE"
)

// Known reports whether t is a recognized protocol message type.
func (t MessageType) Known() bool {
	switch t {
	case MsgListingAdd, MsgBid, MsgBidAccept, MsgBidReject, MsgBidCancel,
		MsgEscrowLock, MsgEscrowRelease, MsgEscrowRequestRefund, MsgEscrowRefund,
		MsgProposalAdd, MsgVote:
		return true
	}
	return false
}

// BidMessageTypes are the bid-family actions, in dispatch priority order.
var BidMessageTypes = []MessageType{MsgBid, MsgBidAccept, MsgBidReject, MsgBidCancel}

// EscrowMessageTypes are the escrow-family actions.
var EscrowMessageTypes = []MessageType{MsgEscrowLock, MsgEscrowRelease, MsgEscrowRequestRefund, MsgEscrowRefund}

// Envelope is the transport payload: a version plus exactly one of Item
// (listing add) or Action (everything else).
type Envelope struct {
	Version string      `json:"version"`
	Item    *ListingItem `json:"item,omitempty"`
	Action  *MPAction    `json:"mpaction,omitempty"`
}

// Type returns the message type the envelope carries, or "" when malformed.
func (e *Envelope) Type() MessageType {
	if e == nil {
		return ""
	}
	if e.Item != nil {
		return MsgListingAdd
	}
	if e.Action != nil {
		return e.Action.Type
	}
	return ""
}

// ListingItem is the payload of a listing add. Hash is the content hash of
// the rest of the item and doubles as the listing's network-wide identifier.
type ListingItem struct {
	Hash           string  `json:"hash"`
	Seller         string  `json:"seller"`
	Title          string  `json:"title"`
	Description    string  `json:"description,omitempty"`
	PriceBTC       float64 `json:"price"`
	PaymentAddress string  `json:"payment_address,omitempty"`
	ExpiryDays     int     `json:"expiry_days,omitempty"`
	Signature      string  `json:"signature,omitempty"`
}

// MPAction is the payload of every non-listing protocol message. Type selects
// which of the optional sub-payloads is populated. ListingHash references the
// target listing by content hash; Sender is the authenticated identity that
// signed the action.
type MPAction struct {
	Type        MessageType `json:"type"`
	ListingHash string      `json:"listing_hash"`
	Sender      string      `json:"sender"`
	// Bidder identifies the buyer the action concerns. Present on all
	// bid-family and escrow-family actions.
	Bidder    string `json:"bidder,omitempty"`
	CreatedAt int64  `json:"created_at"` // unix millis
	Signature string `json:"signature,omitempty"`

	Bid      *BidPayload      `json:"bid,omitempty"`
	Accept   *AcceptPayload   `json:"accept,omitempty"`
	Escrow   *EscrowPayload   `json:"escrow,omitempty"`
	Proposal *ProposalPayload `json:"proposal,omitempty"`
	Vote     *VotePayload     `json:"vote,omitempty"`
}

// PrevOut references one unspent transaction output committed by a party.
type PrevOut struct {
	TxID   string  `json:"txid"`
	VOut   uint32  `json:"vout"`
	Amount float64 `json:"amount"`
}

// BidPayload carries the buyer's half of the escrow funding commitment.
type BidPayload struct {
	PubKey         string    `json:"pubkey"`
	Outputs        []PrevOut `json:"outputs"`
	ChangeAddress  string    `json:"change_address"`
	ReleaseAddress string    `json:"release_address,omitempty"`
}

// AcceptPayload carries the seller's half of the escrow funding transaction
// plus the order hash both parties must independently derive.
type AcceptPayload struct {
	PubKey         string    `json:"pubkey"`
	Outputs        []PrevOut `json:"outputs"`
	ChangeAddress  string    `json:"change_address"`
	ReleaseAddress string    `json:"release_address,omitempty"`
	RawTx          string    `json:"rawtx"`
	OrderHash      string    `json:"order_hash"`
}

// EscrowPayload carries an escrow step: the (partially) signed raw transaction
// and, once broadcast, its transaction id.
type EscrowPayload struct {
	RawTx string `json:"rawtx,omitempty"`
	TxID  string `json:"txid,omitempty"`
	Memo  string `json:"memo,omitempty"`
}

// ProposalPayload describes a governance proposal. Target is empty for a
// generic public proposal, or a listing hash for a removal proposal.
type ProposalPayload struct {
	Hash        string           `json:"hash"`
	Submitter   string           `json:"submitter"`
	Target      string           `json:"target,omitempty"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Options     []ProposalOption `json:"options"`
	PostedAt    int64            `json:"posted_at"` // unix millis
}

// ProposalOption is one choice a vote may select.
type ProposalOption struct {
	Index       int    `json:"index"`
	Description string `json:"description"`
}

// VotePayload casts one weighted vote on a proposal option.
type VotePayload struct {
	ProposalHash string `json:"proposal_hash"`
	OptionIndex  int    `json:"option_index"`
	Voter        string `json:"voter"`
	Weight       int64  `json:"weight"`
	BlockHeight  int64  `json:"block_height"`
}
