package delivery

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

const (
	retryAttempts = 3
	retryBase     = 50 * time.Millisecond
)

// Engine owns the legal status transitions for a message and drives them
// against the store. It is the only writer of status and timestamp columns
// after a row is created.
//
// Transitions are compare-and-set against the stored status, so concurrent
// or repeated acknowledgements never double-apply timestamps. Idempotent
// operations (status advances, reads) retry transient store failures with
// bounded backoff; Create never retries, since a blind retry could mint a
// duplicate message.
type Engine struct {
	store MessageStore
	log   zerolog.Logger
	now   func() time.Time
}

// NewEngine constructs an Engine on the provided store.
func NewEngine(store MessageStore, log zerolog.Logger) (*Engine, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	return &Engine{
		store: store,
		log:   log.With().Str("component", "engine").Logger(),
		now:   time.Now,
	}, nil
}

// Create persists a new message with status sent. Content must be non-empty
// after trimming and within the length bound; identifiers must be present.
// Validation here is defense in depth, upstream callers validate too.
func (e *Engine) Create(ctx context.Context, conversationID uuid.UUID, senderID, receiverID, content string) (Message, error) {
	if conversationID == uuid.Nil {
		return Message{}, &ValidationError{Field: "conversation_id", Reason: "required"}
	}
	if senderID == "" {
		return Message{}, &ValidationError{Field: "sender_id", Reason: "required"}
	}
	if receiverID == "" {
		return Message{}, &ValidationError{Field: "receiver_id", Reason: "required"}
	}
	if senderID == receiverID {
		return Message{}, &ValidationError{Field: "receiver_id", Reason: "sender cannot message themselves"}
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, &ValidationError{Field: "content", Reason: "empty after trimming"}
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return Message{}, &ValidationError{Field: "content", Reason: "exceeds maximum length"}
	}

	msg := Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		Status:         StatusSent,
		CreatedAt:      e.now().UTC(),
	}

	if err := e.store.Insert(ctx, msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// MarkDelivered advances a sent message to delivered, setting delivered_at
// once. Acknowledging an already delivered or read message is a no-op that
// returns the current row, so duplicate acks under at-least-once delivery
// are harmless.
func (e *Engine) MarkDelivered(ctx context.Context, id uuid.UUID) (Message, error) {
	return e.advance(ctx, id, []MessageStatus{StatusSent}, StatusDelivered)
}

// MarkRead advances a sent or delivered message to read, setting read_at
// once and backfilling delivered_at if the delivery ack never arrived.
func (e *Engine) MarkRead(ctx context.Context, id uuid.UUID) (Message, error) {
	return e.advance(ctx, id, []MessageStatus{StatusSent, StatusDelivered}, StatusRead)
}

// Delete soft-deletes the message. The row is kept but excluded from all
// listing and read-state queries.
func (e *Engine) Delete(ctx context.Context, id uuid.UUID) (Message, error) {
	return e.store.SoftDelete(ctx, id, e.now().UTC())
}

func (e *Engine) advance(ctx context.Context, id uuid.UUID, from []MessageStatus, to MessageStatus) (Message, error) {
	var result Message

	err := retry.Do(ctx, backoff(), func(ctx context.Context) error {
		msg, applied, err := e.store.UpdateStatusIfCurrent(ctx, id, from, to, e.now().UTC())
		if err != nil {
			return retryIfTransient(err)
		}
		if applied {
			result = msg
			return nil
		}

		// CAS miss: the message is either already at or past the target
		// status, or gone. Either way the current row is the answer.
		current, err := e.store.GetByID(ctx, id)
		if err != nil {
			return retryIfTransient(err)
		}
		result = current
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return result, nil
}

func backoff() retry.Backoff {
	return retry.WithMaxRetries(retryAttempts, retry.NewExponential(retryBase))
}

func retryIfTransient(err error) error {
	var transient *TransientStoreError
	if errors.As(err, &transient) {
		return retry.RetryableError(err)
	}
	return err
}
