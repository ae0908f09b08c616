package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// ReadReceipts bulk-advances a conversation's unread messages for a reader
// up to a cursor message in a single store statement. This avoids one
// round-trip per message and cannot race with messages still arriving: rows
// created after the cursor keep their status.
type ReadReceipts struct {
	store MessageStore
	now   func() time.Time
}

// NewReadReceipts constructs the aggregator on the provided store.
func NewReadReceipts(store MessageStore) (*ReadReceipts, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	return &ReadReceipts{store: store, now: time.Now}, nil
}

// MarkReadUpTo marks every unread, non-deleted message addressed to readerID
// in the conversation with created_at at or before the cursor message's as
// read. The cursor bound is inclusive so rapid-fire messages sharing the
// cursor's timestamp are not starved. Returns the number of rows advanced;
// a repeat call returns 0.
func (a *ReadReceipts) MarkReadUpTo(ctx context.Context, conversationID uuid.UUID, readerID string, cursorMessageID uuid.UUID) (int64, error) {
	if readerID == "" {
		return 0, &ValidationError{Field: "reader_id", Reason: "required"}
	}

	var cursor Message
	err := retry.Do(ctx, backoff(), func(ctx context.Context) error {
		var err error
		cursor, err = a.store.GetByID(ctx, cursorMessageID)
		return retryIfTransient(err)
	})
	if err != nil {
		return 0, err
	}
	if cursor.ConversationID != conversationID {
		return 0, &NotFoundError{Kind: "cursor message", ID: cursorMessageID.String()}
	}

	var count int64
	err = retry.Do(ctx, backoff(), func(ctx context.Context) error {
		var err error
		count, err = a.store.BulkAdvanceToRead(ctx, conversationID, readerID, cursor.CreatedAt, a.now().UTC())
		return retryIfTransient(err)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CountUnread returns the number of messages addressed to userID in the
// conversation that are not yet read and not deleted.
func (a *ReadReceipts) CountUnread(ctx context.Context, conversationID uuid.UUID, userID string) (int64, error) {
	if userID == "" {
		return 0, &ValidationError{Field: "user_id", Reason: "required"}
	}

	var count int64
	err := retry.Do(ctx, backoff(), func(ctx context.Context) error {
		var err error
		count, err = a.store.CountUnread(ctx, conversationID, userID)
		return retryIfTransient(err)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
