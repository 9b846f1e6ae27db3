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
	"github.com/openstall/marketd/internal/smsg"
)

// Handler processes one parsed protocol message. The returned error decides
// the message's final status: nil -> PROCESSED, domain.ErrNotYetKnown ->
// WAITING (retried next cycles), domain.ErrProtocolViolation or anything
// else -> PROCESSING_FAILED.
type Handler func(ctx context.Context, env *protocol.Envelope, msg *domain.SmsgMessage) error

// batch defines one priority slot of the dispatch schedule.
type batch struct {
	name   string
	status domain.SmsgStatus
	types  []protocol.MessageType
	limit  int
}

// Poller runs the recurring ingest/dispatch cycle: it fetches raw transport
// messages, persists them with status NEW exactly once, then drains one
// priority batch per cycle through the typed dispatch table.
//
// The timer is re-armed only after a cycle completes, so two cycles of the
// same poller never overlap. Handlers within a batch run sequentially in
// message order.
type Poller struct {
	transport      smsg.Transport
	messages       domain.SmsgMessageRepository
	handlers       map[protocol.MessageType]Handler
	interval       time.Duration
	maxWaitRetries int
	batches        []batch
	logger         *slog.Logger
}

// NewPoller builds a poller with its full dispatch table. Handlers are fixed
// at construction; exactly one handler serves each message type.
func NewPoller(
	transport smsg.Transport,
	messages domain.SmsgMessageRepository,
	handlers map[protocol.MessageType]Handler,
	interval time.Duration,
	maxWaitRetries int,
	logger *slog.Logger,
) *Poller {
	return &Poller{
		transport:      transport,
		messages:       messages,
		handlers:       handlers,
		interval:       interval,
		maxWaitRetries: maxWaitRetries,
		logger:         logger,
		batches: []batch{
			{name: "proposals", status: domain.SmsgStatusNew, types: []protocol.MessageType{protocol.MsgProposalAdd}, limit: 10},
			{name: "votes", status: domain.SmsgStatusNew, types: []protocol.MessageType{protocol.MsgVote}, limit: 10},
			// Listing adds are the most expensive to process; one at a time.
			{name: "listings", status: domain.SmsgStatusNew, types: []protocol.MessageType{protocol.MsgListingAdd}, limit: 1},
			{name: "bids", status: domain.SmsgStatusNew, types: protocol.BidMessageTypes, limit: 10},
			{name: "escrows", status: domain.SmsgStatusNew, types: protocol.EscrowMessageTypes, limit: 10},
			// Previously deferred messages, any type.
			{name: "waiting", status: domain.SmsgStatusWaiting, types: nil, limit: 10},
		},
	}
}

// Run executes poll cycles until the context is cancelled. An in-flight cycle
// is allowed to finish; cancellation takes effect between cycles.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "Message poller started", "interval", p.interval.String())
	for {
		p.cycle(ctx)
		select {
		case <-time.After(p.interval):
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "Message poller stopped")
			return ctx.Err()
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	start := time.Now()
	if err := p.ingest(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Ingest phase failed", "error", err)
	}
	pollCycleDurationHist.WithLabelValues("ingest").Observe(time.Since(start).Seconds())

	start = time.Now()
	if err := p.dispatch(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Dispatch phase failed", "error", err)
	}
	pollCycleDurationHist.WithLabelValues("dispatch").Observe(time.Since(start).Seconds())
}

// ingest fetches unread transport messages, persists each exactly once, then
// removes the original from the transport so it is never fetched again.
func (p *Poller) ingest(ctx context.Context) error {
	listed, err := p.transport.FetchInbox(ctx, smsg.InboxFilter{Unread: true, Limit: 50})
	if err != nil {
		return fmt.Errorf("fetch inbox: %w", err)
	}
	for _, raw := range listed {
		if err := p.ingestOne(ctx, raw); err != nil {
			p.logger.ErrorContext(ctx, "Failed to ingest message", "error", err, "msg_id", raw.MsgID)
		}
	}
	return nil
}

func (p *Poller) ingestOne(ctx context.Context, listed smsg.RawMessage) error {
	existing, err := p.messages.GetByMsgID(ctx, listed.MsgID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if existing != nil {
		// Duplicate delivery; settle the transport copy and move on.
		_, err := p.transport.FetchByID(ctx, listed.MsgID, true, true)
		if err != nil && !errors.Is(err, smsg.ErrMessageNotFound) {
			return err
		}
		return nil
	}

	// The inbox listing omits expiration; a by-id fetch carries everything.
	full, err := p.transport.FetchByID(ctx, listed.MsgID, true, false)
	if err != nil {
		return fmt.Errorf("fetch full message: %w", err)
	}

	status := domain.SmsgStatusNew
	msgType, err := protocol.PeekType(full.Payload)
	if err != nil {
		// Unclassifiable payloads can never be dispatched; terminal.
		status = domain.SmsgStatusParsingFailed
	}

	now := time.Now().UTC()
	msg := &domain.SmsgMessage{
		ID:             uuid.New(),
		MsgID:          full.MsgID,
		Version:        full.Version,
		Type:           msgType,
		Payload:        full.Payload,
		From:           full.From,
		To:             full.To,
		SentAt:         full.SentAt,
		ReceivedAt:     full.ReceivedAt,
		ExpiresAt:      full.ExpiresAt,
		DaysRetention:  full.DaysRetention,
		Read:           true,
		Paid:           full.Paid,
		PayloadSize:    full.PayloadSize,
		Status:         status,
		ProcessedCount: 0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := p.messages.Create(ctx, msg); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	messagesIngestedCounter.WithLabelValues(string(msgType)).Inc()

	// Remove the transport original so it is fetched at most once.
	if _, err := p.transport.FetchByID(ctx, listed.MsgID, true, true); err != nil && !errors.Is(err, smsg.ErrMessageNotFound) {
		return fmt.Errorf("remove transport original: %w", err)
	}
	p.logger.DebugContext(ctx, "Ingested message", "msg_id", msg.MsgID, "type", string(msgType), "status", string(status))
	return nil
}

// dispatch drains at most one priority batch. When a batch yields messages,
// the remaining batch types are skipped until the next cycle so that
// earlier-priority work is never starved.
func (p *Poller) dispatch(ctx context.Context) error {
	for _, b := range p.batches {
		msgs, err := p.messages.ListByStatusAndTypes(ctx, b.status, b.types, b.limit)
		if err != nil {
			return fmt.Errorf("select %s batch: %w", b.name, err)
		}
		if len(msgs) == 0 {
			continue
		}
		p.logger.DebugContext(ctx, "Processing batch", "batch", b.name, "count", len(msgs))
		for _, msg := range msgs {
			p.process(ctx, msg)
		}
		return nil
	}
	return nil
}

// process runs one message through parse and dispatch, recording the
// resulting status.
func (p *Poller) process(ctx context.Context, msg *domain.SmsgMessage) {
	attempts := msg.ProcessedCount + 1
	if err := p.messages.UpdateStatus(ctx, msg.ID, domain.SmsgStatusProcessing, attempts); err != nil {
		p.logger.ErrorContext(ctx, "Failed to mark message processing", "error", err, "msg_id", msg.MsgID)
		return
	}

	env, err := protocol.Parse(msg.Payload)
	if err != nil {
		p.finish(ctx, msg, attempts, domain.SmsgStatusParsingFailed, err)
		return
	}

	handler, ok := p.handlers[env.Type()]
	if !ok {
		p.finish(ctx, msg, attempts, domain.SmsgStatusParsingFailed,
			fmt.Errorf("no handler for message type %q", env.Type()))
		return
	}

	switch err := handler(ctx, env, msg); {
	case err == nil:
		p.finish(ctx, msg, attempts, domain.SmsgStatusProcessed, nil)
	case errors.Is(err, domain.ErrNotYetKnown):
		if attempts >= p.maxWaitRetries {
			// Bounded retry: a message whose referenced entity never arrives
			// must not be reprocessed forever.
			p.finish(ctx, msg, attempts, domain.SmsgStatusProcessingFailed,
				fmt.Errorf("gave up after %d wait retries: %w", attempts, err))
			return
		}
		p.finish(ctx, msg, attempts, domain.SmsgStatusWaiting, err)
	case errors.Is(err, domain.ErrProtocolViolation):
		p.finish(ctx, msg, attempts, domain.SmsgStatusProcessingFailed, err)
	default:
		p.finish(ctx, msg, attempts, domain.SmsgStatusProcessingFailed, err)
	}
}

func (p *Poller) finish(ctx context.Context, msg *domain.SmsgMessage, attempts int, status domain.SmsgStatus, cause error) {
	if err := p.messages.UpdateStatus(ctx, msg.ID, status, attempts); err != nil {
		p.logger.ErrorContext(ctx, "Failed to update message status", "error", err, "msg_id", msg.MsgID, "status", string(status))
		return
	}
	if status == domain.SmsgStatusProcessed {
		// Never retain successfully processed payloads.
		if err := p.messages.ClearPayload(ctx, msg.ID); err != nil {
			p.logger.ErrorContext(ctx, "Failed to clear processed payload", "error", err, "msg_id", msg.MsgID)
		}
	}
	messagesProcessedCounter.WithLabelValues(string(msg.Type), string(status)).Inc()

	switch status {
	case domain.SmsgStatusProcessed:
		p.logger.InfoContext(ctx, "Processed message", "msg_id", msg.MsgID, "type", string(msg.Type))
	case domain.SmsgStatusWaiting:
		p.logger.DebugContext(ctx, "Deferred message", "msg_id", msg.MsgID, "type", string(msg.Type), "attempts", attempts)
	default:
		p.logger.WarnContext(ctx, "Message failed", "msg_id", msg.MsgID, "type", string(msg.Type), "status", string(status), "error", cause)
	}
}
