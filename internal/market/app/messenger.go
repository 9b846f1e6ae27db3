package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openstall/marketd/internal/protocol"
	"github.com/openstall/marketd/internal/smsg"
)

// Messenger signs and sends protocol messages as the node's identity.
type Messenger struct {
	transport     smsg.Transport
	identity      *Identity
	version       string
	daysRetention int
	logger        *slog.Logger
}

// NewMessenger creates a messenger.
func NewMessenger(transport smsg.Transport, identity *Identity, version string, daysRetention int, logger *slog.Logger) *Messenger {
	return &Messenger{
		transport:     transport,
		identity:      identity,
		version:       version,
		daysRetention: daysRetention,
		logger:        logger,
	}
}

// SendAction stamps, signs and sends an action to the recipient identity.
func (m *Messenger) SendAction(ctx context.Context, to string, action *protocol.MPAction) error {
	action.Sender = m.identity.Address()
	if action.CreatedAt == 0 {
		action.CreatedAt = time.Now().UTC().UnixMilli()
	}
	if err := protocol.SignAction(m.identity.Key(), action); err != nil {
		return fmt.Errorf("messenger: sign %s: %w", action.Type, err)
	}
	payload, err := protocol.Marshal(&protocol.Envelope{Version: m.version, Action: action})
	if err != nil {
		return fmt.Errorf("messenger: marshal %s: %w", action.Type, err)
	}
	res, err := m.transport.Send(ctx, m.identity.Address(), to, payload, true, m.daysRetention)
	if err != nil {
		return fmt.Errorf("messenger: send %s: %w", action.Type, err)
	}
	m.logger.InfoContext(ctx, "Sent protocol message",
		"type", string(action.Type), "to", to, "msg_id", res.MsgID, "listing_hash", action.ListingHash)
	return nil
}

// SendItem signs and sends a listing item envelope.
func (m *Messenger) SendItem(ctx context.Context, to string, item *protocol.ListingItem) error {
	if err := protocol.SignItem(m.identity.Key(), item); err != nil {
		return fmt.Errorf("messenger: sign listing: %w", err)
	}
	payload, err := protocol.Marshal(&protocol.Envelope{Version: m.version, Item: item})
	if err != nil {
		return fmt.Errorf("messenger: marshal listing: %w", err)
	}
	res, err := m.transport.Send(ctx, m.identity.Address(), to, payload, true, m.daysRetention)
	if err != nil {
		return fmt.Errorf("messenger: send listing: %w", err)
	}
	m.logger.InfoContext(ctx, "Sent listing", "hash", item.Hash, "to", to, "msg_id", res.MsgID)
	return nil
}

// Address returns the sending identity's address.
func (m *Messenger) Address() string {
	return m.identity.Address()
}
