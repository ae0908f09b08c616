package delivery

import (
	"time"

	"github.com/google/uuid"
)

// MessageStatus is the delivery state of a message. Transitions only move
// forward: sent -> delivered -> read.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// MaxContentLength bounds message content, measured in runes.
const MaxContentLength = 1000

// rank orders statuses for monotonicity checks.
func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	default:
		return -1
	}
}

// AtLeast reports whether s is at or past other in the delivery order.
func (s MessageStatus) AtLeast(other MessageStatus) bool {
	return s.rank() >= other.rank()
}

// Message is a durable chat message between two matched users.
type Message struct {
	ID             uuid.UUID     `json:"id" db:"id"`
	ConversationID uuid.UUID     `json:"conversation_id" db:"conversation_id"`
	SenderID       string        `json:"sender_id" db:"sender_id"`
	ReceiverID     string        `json:"receiver_id" db:"receiver_id"`
	Content        string        `json:"content" db:"content"`
	Status         MessageStatus `json:"status" db:"status"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	DeliveredAt    *time.Time    `json:"delivered_at" db:"delivered_at"`
	ReadAt         *time.Time    `json:"read_at" db:"read_at"`
	DeletedAt      *time.Time    `json:"-" db:"deleted_at"`
}

// Conversation binds exactly two matched users and owns their messages.
type Conversation struct {
	ID        uuid.UUID      `json:"id" db:"id"`
	UserA     string         `json:"user_a" db:"user_a"`
	UserB     string         `json:"user_b" db:"user_b"`
	Meta      map[string]any `json:"meta" db:"meta"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}

// Participants reports whether the sender/receiver pair is exactly the
// conversation's user pair.
func (c Conversation) Participants(senderID, receiverID string) bool {
	if senderID == receiverID {
		return false
	}
	return (senderID == c.UserA && receiverID == c.UserB) ||
		(senderID == c.UserB && receiverID == c.UserA)
}
