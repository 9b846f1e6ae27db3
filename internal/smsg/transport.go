package smsg

import (
	"context"
	"time"
)

// RawMessage is one store-and-forward transport message as seen on the wire.
// The plain inbox listing omits Expiration; FetchByID returns it.
type RawMessage struct {
	MsgID         string
	Version       string
	From          string
	To            string
	SentAt        time.Time
	ReceivedAt    time.Time
	ExpiresAt     time.Time
	DaysRetention int
	Paid          bool
	Read          bool
	PayloadSize   int
	Payload       []byte
}

// InboxFilter narrows a FetchInbox call.
type InboxFilter struct {
	Unread bool
	Limit  int
}

// SendResult reports the transport's acceptance of an outbound message.
type SendResult struct {
	MsgID string
	TxID  string
	Fee   float64
}

// Transport is the store-and-forward encrypted messaging collaborator. The
// application layer assumes at-least-once, unordered delivery and handles
// duplicates itself; Transport only promises that a message removed via
// FetchByID is not listed again.
type Transport interface {
	// FetchInbox lists inbox messages matching the filter. Listed messages
	// carry everything except ExpiresAt.
	FetchInbox(ctx context.Context, filter InboxFilter) ([]RawMessage, error)
	// FetchByID re-fetches one message with full metadata, optionally
	// marking it read and/or removing it from the transport inbox.
	FetchByID(ctx context.Context, msgID string, markRead, remove bool) (*RawMessage, error)
	// Send submits a payload to an identity. Paid messages buy a longer
	// retention window.
	Send(ctx context.Context, from, to string, payload []byte, paid bool, daysRetention int) (*SendResult, error)
	// Ping reports transport connectivity; used by the connectivity poller.
	Ping(ctx context.Context) error
}
