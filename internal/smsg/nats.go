package smsg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/openstall/marketd/internal/platform/messagebroker"
)

// ErrMessageNotFound is returned by FetchByID for an unknown or already
// removed message id.
var ErrMessageNotFound = errors.New("smsg: message not found")

const (
	streamName    = "SMSG"
	subjectPrefix = "smsg.inbox."

	hdrMsgID     = "Smsg-Id"
	hdrVersion   = "Smsg-Version"
	hdrFrom      = "Smsg-From"
	hdrTo        = "Smsg-To"
	hdrSentAt    = "Smsg-Sent"
	hdrPaid      = "Smsg-Paid"
	hdrRetention = "Smsg-Retention-Days"
)

// NATSTransport implements the store-and-forward transport on a JetStream
// stream: one subject per identity, a durable pull consumer as the inbox, and
// acks as the mark-read/remove operation. Messages fetched but not yet
// removed are held in a pending set so FetchByID can return full metadata and
// settle them.
type NATSTransport struct {
	client   *messagebroker.NATSClient
	identity string
	logger   *slog.Logger

	sub *nats.Subscription

	mu      sync.Mutex
	pending map[string]*nats.Msg
}

// NewNATSTransport binds the transport to the given identity's inbox,
// creating the stream and the durable consumer if needed.
func NewNATSTransport(client *messagebroker.NATSClient, identity string, retention time.Duration, logger *slog.Logger) (*NATSTransport, error) {
	_, err := client.JS.StreamInfo(streamName)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = client.JS.AddStream(&nats.StreamConfig{
			Name:     streamName,
			Subjects: []string{subjectPrefix + ">"},
			MaxAge:   retention,
			Storage:  nats.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("smsg: ensure stream: %w", err)
	}

	sub, err := client.JS.PullSubscribe(
		subjectPrefix+identity,
		"smsg-"+identity,
		nats.AckExplicit(),
		nats.AckWait(5*time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("smsg: subscribe inbox: %w", err)
	}

	return &NATSTransport{
		client:   client,
		identity: identity,
		logger:   logger,
		sub:      sub,
		pending:  make(map[string]*nats.Msg),
	}, nil
}

// FetchInbox pulls up to filter.Limit unread messages from the inbox
// consumer. ExpiresAt is deliberately left zero; callers re-fetch by id for
// full metadata, mirroring the transport's inbox-listing contract.
func (t *NATSTransport) FetchInbox(ctx context.Context, filter InboxFilter) ([]RawMessage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	msgs, err := t.sub.Fetch(limit, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("smsg: fetch inbox: %w", err)
	}

	out := make([]RawMessage, 0, len(msgs))
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range msgs {
		raw := rawFromMsg(m)
		t.pending[raw.MsgID] = m
		listed := raw
		listed.ExpiresAt = time.Time{}
		out = append(out, listed)
	}
	return out, nil
}

// FetchByID returns the full message, including the expiration the inbox
// listing omits. With remove set the underlying stream message is
// acknowledged and will not be listed again.
func (t *NATSTransport) FetchByID(ctx context.Context, msgID string, markRead, remove bool) (*RawMessage, error) {
	t.mu.Lock()
	m, ok := t.pending[msgID]
	if ok && remove {
		delete(t.pending, msgID)
	}
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, msgID)
	}

	raw := rawFromMsg(m)
	raw.Read = markRead
	if remove {
		if err := m.Ack(); err != nil {
			return nil, fmt.Errorf("smsg: remove %s: %w", msgID, err)
		}
	}
	return &raw, nil
}

// Send publishes the payload to the recipient's inbox subject. The message id
// doubles as the JetStream dedupe id.
func (t *NATSTransport) Send(ctx context.Context, from, to string, payload []byte, paid bool, daysRetention int) (*SendResult, error) {
	msgID := uuid.NewString()
	msg := &nats.Msg{
		Subject: subjectPrefix + to,
		Data:    payload,
		Header: nats.Header{
			hdrMsgID:     []string{msgID},
			hdrVersion:   []string{"1"},
			hdrFrom:      []string{from},
			hdrTo:        []string{to},
			hdrSentAt:    []string{strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)},
			hdrPaid:      []string{strconv.FormatBool(paid)},
			hdrRetention: []string{strconv.Itoa(daysRetention)},
		},
	}
	if _, err := t.client.JS.PublishMsg(msg, nats.MsgId(msgID), nats.Context(ctx)); err != nil {
		return nil, fmt.Errorf("smsg: send to %s: %w", to, err)
	}
	t.logger.DebugContext(ctx, "Sent transport message", "msg_id", msgID, "to", to, "paid", paid, "size", len(payload))
	return &SendResult{MsgID: msgID}, nil
}

// Ping flushes the connection to confirm the transport is reachable.
func (t *NATSTransport) Ping(ctx context.Context) error {
	if !t.client.IsConnected() {
		return fmt.Errorf("smsg: transport disconnected")
	}
	if err := t.client.Conn.FlushTimeout(2 * time.Second); err != nil {
		return fmt.Errorf("smsg: ping: %w", err)
	}
	return nil
}

func rawFromMsg(m *nats.Msg) RawMessage {
	h := m.Header
	sentAt := time.Time{}
	if ms, err := strconv.ParseInt(h.Get(hdrSentAt), 10, 64); err == nil {
		sentAt = time.UnixMilli(ms).UTC()
	}
	retention, _ := strconv.Atoi(h.Get(hdrRetention))
	paid, _ := strconv.ParseBool(h.Get(hdrPaid))

	raw := RawMessage{
		MsgID:         h.Get(hdrMsgID),
		Version:       h.Get(hdrVersion),
		From:          h.Get(hdrFrom),
		To:            h.Get(hdrTo),
		SentAt:        sentAt,
		ReceivedAt:    time.Now().UTC(),
		DaysRetention: retention,
		Paid:          paid,
		PayloadSize:   len(m.Data),
		Payload:       m.Data,
	}
	if meta, err := m.Metadata(); err == nil {
		raw.ReceivedAt = meta.Timestamp.UTC()
	}
	if retention > 0 && !sentAt.IsZero() {
		raw.ExpiresAt = sentAt.Add(time.Duration(retention) * 24 * time.Hour)
	}
	return raw
}
