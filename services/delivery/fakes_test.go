package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory MessageStore with the same CAS and soft-delete
// semantics as the Postgres implementation, plus knobs for injecting
// transient failures and counting calls.
type memStore struct {
	mu       sync.Mutex
	messages map[uuid.UUID]Message
	failures map[string]int
	calls    map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		messages: make(map[uuid.UUID]Message),
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}
}

func (s *memStore) failNext(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = n
}

func (s *memStore) callCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// takeFailure must be called with s.mu held.
func (s *memStore) takeFailure(op string) error {
	s.calls[op]++
	if s.failures[op] > 0 {
		s.failures[op]--
		return &TransientStoreError{Op: op, Err: errors.New("injected failure")}
	}
	return nil
}

func (s *memStore) Insert(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("insert"); err != nil {
		return err
	}
	s.messages[msg.ID] = msg
	return nil
}

func (s *memStore) GetByID(ctx context.Context, id uuid.UUID) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("get"); err != nil {
		return Message{}, err
	}
	msg, ok := s.messages[id]
	if !ok || msg.DeletedAt != nil {
		return Message{}, &NotFoundError{Kind: "message", ID: id.String()}
	}
	return msg, nil
}

func (s *memStore) UpdateStatusIfCurrent(ctx context.Context, id uuid.UUID, expected []MessageStatus, next MessageStatus, now time.Time) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("update"); err != nil {
		return Message{}, false, err
	}

	msg, ok := s.messages[id]
	if !ok || msg.DeletedAt != nil {
		return Message{}, false, nil
	}

	matched := false
	for _, st := range expected {
		if msg.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return Message{}, false, nil
	}

	msg.Status = next
	switch next {
	case StatusDelivered:
		if msg.DeliveredAt == nil {
			t := now
			msg.DeliveredAt = &t
		}
	case StatusRead:
		if msg.ReadAt == nil {
			t := now
			msg.ReadAt = &t
		}
		if msg.DeliveredAt == nil {
			t := now
			msg.DeliveredAt = &t
		}
	}
	s.messages[id] = msg
	return msg, true, nil
}

func (s *memStore) BulkAdvanceToRead(ctx context.Context, conversationID uuid.UUID, receiverID string, cursorCreatedAt, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("bulk"); err != nil {
		return 0, err
	}

	var count int64
	for id, msg := range s.messages {
		if msg.ConversationID != conversationID ||
			msg.ReceiverID != receiverID ||
			msg.Status == StatusRead ||
			msg.DeletedAt != nil ||
			msg.CreatedAt.After(cursorCreatedAt) {
			continue
		}
		msg.Status = StatusRead
		t := now
		if msg.ReadAt == nil {
			msg.ReadAt = &t
		}
		if msg.DeliveredAt == nil {
			msg.DeliveredAt = &t
		}
		s.messages[id] = msg
		count++
	}
	return count, nil
}

func (s *memStore) ListRecent(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("list"); err != nil {
		return nil, err
	}

	var msgs []Message
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID && msg.DeletedAt == nil {
			msgs = append(msgs, msg)
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *memStore) CountUnread(ctx context.Context, conversationID uuid.UUID, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("count"); err != nil {
		return 0, err
	}

	var count int64
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID &&
			msg.ReceiverID == userID &&
			msg.Status != StatusRead &&
			msg.DeletedAt == nil {
			count++
		}
	}
	return count, nil
}

func (s *memStore) SoftDelete(ctx context.Context, id uuid.UUID, now time.Time) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("delete"); err != nil {
		return Message{}, err
	}

	msg, ok := s.messages[id]
	if !ok || msg.DeletedAt != nil {
		return Message{}, &NotFoundError{Kind: "message", ID: id.String()}
	}
	t := now
	msg.DeletedAt = &t
	s.messages[id] = msg
	return msg, nil
}

// fakeTransport records per-session pushes and can fail chosen sessions.
type fakeTransport struct {
	mu   sync.Mutex
	sent map[string][][]byte
	fail map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent: make(map[string][][]byte),
		fail: make(map[string]error),
	}
}

func (t *fakeTransport) Send(ctx context.Context, sessionID string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fail[sessionID]; err != nil {
		return err
	}
	t.sent[sessionID] = append(t.sent[sessionID], payload)
	return nil
}

func (t *fakeTransport) pushes(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent[sessionID])
}

// fakeBus records published envelopes and hands the subscription handler
// back to the test for direct invocation.
type fakeBus struct {
	mu          sync.Mutex
	published   [][]byte
	failPublish int
	handler     func(ctx context.Context, data []byte) error
}

func newFakeBus() *fakeBus {
	return &fakeBus{}
}

func (b *fakeBus) Publish(ctx context.Context, subj string, v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPublish > 0 {
		b.failPublish--
		return errors.New("injected publish failure")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.published = append(b.published, data)
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = fn
	return closerFunc(func() error { return nil }), nil
}

func (b *fakeBus) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
