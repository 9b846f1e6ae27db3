package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openstall/marketd/internal/market/domain"
	"github.com/openstall/marketd/internal/protocol"
)

// PgSmsgMessageRepository is the PostgreSQL implementation of
// domain.SmsgMessageRepository, backed by the smsg_messages table.
type PgSmsgMessageRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPgSmsgMessageRepository(dbPool *pgxpool.Pool, logger *slog.Logger) *PgSmsgMessageRepository {
	return &PgSmsgMessageRepository{db: dbPool, logger: logger}
}

const smsgMessageColumns = `
	id, msg_id, version, msg_type, payload, from_address, to_address,
	sent_at, received_at, expires_at, days_retention, read, paid,
	payload_size, status, processed_count, processed_at, created_at, updated_at`

func (r *PgSmsgMessageRepository) Create(ctx context.Context, msg *domain.SmsgMessage) error {
	query := `
		INSERT INTO smsg_messages (` + smsgMessageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err := r.db.Exec(ctx, query,
		msg.ID, msg.MsgID, msg.Version, string(msg.Type), msg.Payload, msg.From, msg.To,
		msg.SentAt, msg.ReceivedAt, msg.ExpiresAt, msg.DaysRetention, msg.Read, msg.Paid,
		msg.PayloadSize, string(msg.Status), msg.ProcessedCount, msg.ProcessedAt, msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error inserting smsg message", "error", err, "msg_id", msg.MsgID)
		return fmt.Errorf("insert smsg message: %w", err)
	}
	return nil
}

func (r *PgSmsgMessageRepository) GetByMsgID(ctx context.Context, msgID string) (*domain.SmsgMessage, error) {
	query := `SELECT ` + smsgMessageColumns + ` FROM smsg_messages WHERE msg_id = $1`
	msg, err := scanSmsgMessage(r.db.QueryRow(ctx, query, msgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "Error getting smsg message", "error", err, "msg_id", msgID)
		return nil, fmt.Errorf("get smsg message: %w", err)
	}
	return msg, nil
}

func (r *PgSmsgMessageRepository) ListByStatusAndTypes(ctx context.Context, status domain.SmsgStatus, types []protocol.MessageType, limit int) ([]*domain.SmsgMessage, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if len(types) == 0 {
		query := `
			SELECT ` + smsgMessageColumns + `
			FROM smsg_messages
			WHERE status = $1
			ORDER BY received_at ASC
			LIMIT $2
		`
		rows, err = r.db.Query(ctx, query, string(status), limit)
	} else {
		typeStrs := make([]string, len(types))
		for i, t := range types {
			typeStrs[i] = string(t)
		}
		query := `
			SELECT ` + smsgMessageColumns + `
			FROM smsg_messages
			WHERE status = $1 AND msg_type = ANY($2)
			ORDER BY received_at ASC
			LIMIT $3
		`
		rows, err = r.db.Query(ctx, query, string(status), typeStrs, limit)
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing smsg messages", "error", err, "status", string(status))
		return nil, fmt.Errorf("list smsg messages: %w", err)
	}
	defer rows.Close()

	var msgs []*domain.SmsgMessage
	for rows.Next() {
		msg, err := scanSmsgMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan smsg message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (r *PgSmsgMessageRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.SmsgStatus, processedCount int) error {
	query := `
		UPDATE smsg_messages
		SET status = $2, processed_count = $3, processed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, id, string(status), processedCount)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating smsg message status", "error", err, "id", id)
		return fmt.Errorf("update smsg message status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PgSmsgMessageRepository) ClearPayload(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE smsg_messages SET payload = '', updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error clearing smsg message payload", "error", err, "id", id)
		return fmt.Errorf("clear smsg message payload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanSmsgMessage(row pgx.Row) (*domain.SmsgMessage, error) {
	var (
		msg     domain.SmsgMessage
		msgType string
		status  string
	)
	err := row.Scan(
		&msg.ID, &msg.MsgID, &msg.Version, &msgType, &msg.Payload, &msg.From, &msg.To,
		&msg.SentAt, &msg.ReceivedAt, &msg.ExpiresAt, &msg.DaysRetention, &msg.Read, &msg.Paid,
		&msg.PayloadSize, &status, &msg.ProcessedCount, &msg.ProcessedAt, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	msg.Type = protocol.MessageType(msgType)
	msg.Status = domain.SmsgStatus(status)
	return &msg, nil
}
