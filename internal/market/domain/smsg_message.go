package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/openstall/marketd/internal/protocol"
)

// SmsgStatus is the persisted processing state of an inbound transport
// message. Statuses only ever move
// NEW -> PROCESSING -> {PROCESSED | WAITING | PARSING_FAILED | PROCESSING_FAILED};
// WAITING may loop back to PROCESSING on a later cycle but never to NEW.
type SmsgStatus string

const (
	SmsgStatusNew              SmsgStatus = "NEW"
	SmsgStatusProcessing       SmsgStatus = "PROCESSING"
	SmsgStatusProcessed        SmsgStatus = "PROCESSED"
	SmsgStatusWaiting          SmsgStatus = "WAITING"
	SmsgStatusParsingFailed    SmsgStatus = "PARSING_FAILED"
	SmsgStatusProcessingFailed SmsgStatus = "PROCESSING_FAILED"
)

// SmsgMessage is one transport-layer message as persisted locally.
// MsgID (the transport id) is unique; ingesting the same raw message twice
// never creates a second row. Once Status is PROCESSED the raw payload is
// cleared so successfully handled content is never retained.
type SmsgMessage struct {
	ID            uuid.UUID            `json:"id"`
	MsgID         string               `json:"msg_id"`
	Version       string               `json:"version"`
	Type          protocol.MessageType `json:"type"`
	Payload       []byte               `json:"payload,omitempty"`
	From          string               `json:"from"`
	To            string               `json:"to"`
	SentAt        time.Time            `json:"sent_at"`
	ReceivedAt    time.Time            `json:"received_at"`
	ExpiresAt     time.Time            `json:"expires_at"`
	DaysRetention int                  `json:"days_retention"`
	Read          bool                 `json:"read"`
	Paid          bool                 `json:"paid"`
	PayloadSize   int                  `json:"payload_size"`
	Status        SmsgStatus           `json:"status"`
	// ProcessedCount tracks processing attempts, including WAITING retries.
	ProcessedCount int       `json:"processed_count"`
	ProcessedAt    time.Time `json:"processed_at,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
