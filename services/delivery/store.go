package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"matchwire/pkg/db"
)

// MessageStore is the durable storage contract for message rows. The store
// is the ordering authority: created_at values it records define delivery
// order within a conversation. Implementations must provide conditional
// (compare-and-set) status updates; full serializability across unrelated
// rows is not assumed.
type MessageStore interface {
	Insert(ctx context.Context, msg Message) error
	GetByID(ctx context.Context, id uuid.UUID) (Message, error)
	// UpdateStatusIfCurrent advances the message to next only when its
	// stored status is one of expected. It reports applied=false on a CAS
	// miss without treating it as an error. Timestamp columns for the target
	// status are set only if currently null.
	UpdateStatusIfCurrent(ctx context.Context, id uuid.UUID, expected []MessageStatus, next MessageStatus, now time.Time) (Message, bool, error)
	// BulkAdvanceToRead marks every unread, non-deleted message addressed to
	// receiverID in the conversation with created_at <= cursorCreatedAt as
	// read, in one statement.
	BulkAdvanceToRead(ctx context.Context, conversationID uuid.UUID, receiverID string, cursorCreatedAt, now time.Time) (int64, error)
	ListRecent(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error)
	CountUnread(ctx context.Context, conversationID uuid.UUID, userID string) (int64, error)
	SoftDelete(ctx context.Context, id uuid.UUID, now time.Time) (Message, error)
}

const messageColumns = `id, conversation_id, sender_id, receiver_id, content, status, created_at, delivered_at, read_at, deleted_at`

// PostgresStore implements MessageStore on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps the provided pool.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Insert(ctx context.Context, msg Message) error {
	_, err := db.Exec(ctx, s.pool, `
INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID, msg.Content, msg.Status, msg.CreatedAt)
	if err != nil {
		return &TransientStoreError{Op: "insert", Err: err}
	}
	return nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id uuid.UUID) (Message, error) {
	var msg Message
	err := db.Get(ctx, s.pool, &msg, fmt.Sprintf(`
SELECT %s FROM messages
WHERE id = $1 AND deleted_at IS NULL
`, messageColumns), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, &NotFoundError{Kind: "message", ID: id.String()}
		}
		return Message{}, &TransientStoreError{Op: "get", Err: err}
	}
	return msg, nil
}

func (s *PostgresStore) UpdateStatusIfCurrent(ctx context.Context, id uuid.UUID, expected []MessageStatus, next MessageStatus, now time.Time) (Message, bool, error) {
	var set string
	switch next {
	case StatusDelivered:
		set = `status = $2, delivered_at = COALESCE(delivered_at, $3)`
	case StatusRead:
		// A read message was necessarily delivered; backfill delivered_at
		// when the delivery ack never arrived.
		set = `status = $2, read_at = COALESCE(read_at, $3), delivered_at = COALESCE(delivered_at, $3)`
	default:
		return Message{}, false, &ValidationError{Field: "status", Reason: fmt.Sprintf("cannot transition to %q", next)}
	}

	from := make([]string, len(expected))
	for i, st := range expected {
		from[i] = string(st)
	}

	var msg Message
	err := db.Get(ctx, s.pool, &msg, fmt.Sprintf(`
UPDATE messages
SET %s
WHERE id = $1 AND status = ANY($4) AND deleted_at IS NULL
RETURNING %s
`, set, messageColumns), id, next, now, from)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, false, nil
		}
		return Message{}, false, &TransientStoreError{Op: "update status", Err: err}
	}
	return msg, true, nil
}

func (s *PostgresStore) BulkAdvanceToRead(ctx context.Context, conversationID uuid.UUID, receiverID string, cursorCreatedAt, now time.Time) (int64, error) {
	tag, err := db.Exec(ctx, s.pool, `
UPDATE messages
SET status = $5, read_at = $4, delivered_at = COALESCE(delivered_at, $4)
WHERE conversation_id = $1
  AND receiver_id = $2
  AND status <> $5
  AND deleted_at IS NULL
  AND created_at <= $3
`, conversationID, receiverID, cursorCreatedAt, now, StatusRead)
	if err != nil {
		return 0, &TransientStoreError{Op: "bulk advance", Err: err}
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	var msgs []Message
	err := db.Select(ctx, s.pool, &msgs, fmt.Sprintf(`
SELECT %s FROM messages
WHERE conversation_id = $1 AND deleted_at IS NULL
ORDER BY created_at DESC
LIMIT $2
`, messageColumns), conversationID, limit)
	if err != nil {
		return nil, &TransientStoreError{Op: "list recent", Err: err}
	}
	return msgs, nil
}

func (s *PostgresStore) CountUnread(ctx context.Context, conversationID uuid.UUID, userID string) (int64, error) {
	var count int64
	err := db.Get(ctx, s.pool, &count, `
SELECT count(*) FROM messages
WHERE conversation_id = $1
  AND receiver_id = $2
  AND status <> $3
  AND deleted_at IS NULL
`, conversationID, userID, StatusRead)
	if err != nil {
		return 0, &TransientStoreError{Op: "count unread", Err: err}
	}
	return count, nil
}

func (s *PostgresStore) SoftDelete(ctx context.Context, id uuid.UUID, now time.Time) (Message, error) {
	var msg Message
	err := db.Get(ctx, s.pool, &msg, fmt.Sprintf(`
UPDATE messages
SET deleted_at = $2
WHERE id = $1 AND deleted_at IS NULL
RETURNING %s
`, messageColumns), id, now)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, &NotFoundError{Kind: "message", ID: id.String()}
		}
		return Message{}, &TransientStoreError{Op: "soft delete", Err: err}
	}
	return msg, nil
}
