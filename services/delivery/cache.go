package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// recentCache holds the latest ListRecent result per conversation for a
// short TTL. Invalidation is explicit: every successful write through the
// caching store drops the conversation's entry.
type recentCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[uuid.UUID]recentEntry
}

type recentEntry struct {
	messages []Message
	limit    int
	expires  time.Time
}

func newRecentCache(ttl time.Duration) *recentCache {
	return &recentCache{
		ttl:     ttl,
		entries: make(map[uuid.UUID]recentEntry),
	}
}

func (c *recentCache) get(conversationID uuid.UUID, limit int) ([]Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[conversationID]
	if !ok || time.Now().After(entry.expires) || entry.limit < limit {
		return nil, false
	}
	if len(entry.messages) > limit {
		return entry.messages[:limit], true
	}
	return entry.messages, true
}

func (c *recentCache) set(conversationID uuid.UUID, limit int, msgs []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[conversationID] = recentEntry{
		messages: msgs,
		limit:    limit,
		expires:  time.Now().Add(c.ttl),
	}
}

func (c *recentCache) invalidate(conversationID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, conversationID)
}

// cachingStore is a read-through layer in front of a MessageStore. Reads of
// recent history hit the cache; every successful insert, status advance, or
// delete for a conversation invalidates that conversation's entry before
// the result is returned.
type cachingStore struct {
	MessageStore
	cache *recentCache
}

// NewCachingStore wraps store with a recent-messages cache. A non-positive
// ttl disables caching and returns store unchanged.
func NewCachingStore(store MessageStore, ttl time.Duration) MessageStore {
	if ttl <= 0 {
		return store
	}
	return &cachingStore{
		MessageStore: store,
		cache:        newRecentCache(ttl),
	}
}

func (s *cachingStore) Insert(ctx context.Context, msg Message) error {
	if err := s.MessageStore.Insert(ctx, msg); err != nil {
		return err
	}
	s.cache.invalidate(msg.ConversationID)
	return nil
}

func (s *cachingStore) UpdateStatusIfCurrent(ctx context.Context, id uuid.UUID, expected []MessageStatus, next MessageStatus, now time.Time) (Message, bool, error) {
	msg, applied, err := s.MessageStore.UpdateStatusIfCurrent(ctx, id, expected, next, now)
	if err == nil && applied {
		s.cache.invalidate(msg.ConversationID)
	}
	return msg, applied, err
}

func (s *cachingStore) BulkAdvanceToRead(ctx context.Context, conversationID uuid.UUID, receiverID string, cursorCreatedAt, now time.Time) (int64, error) {
	count, err := s.MessageStore.BulkAdvanceToRead(ctx, conversationID, receiverID, cursorCreatedAt, now)
	if err == nil && count > 0 {
		s.cache.invalidate(conversationID)
	}
	return count, err
}

func (s *cachingStore) ListRecent(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	if msgs, ok := s.cache.get(conversationID, limit); ok {
		return msgs, nil
	}
	msgs, err := s.MessageStore.ListRecent(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	s.cache.set(conversationID, limit, msgs)
	return msgs, nil
}

func (s *cachingStore) SoftDelete(ctx context.Context, id uuid.UUID, now time.Time) (Message, error) {
	msg, err := s.MessageStore.SoftDelete(ctx, id, now)
	if err == nil {
		s.cache.invalidate(msg.ConversationID)
	}
	return msg, err
}
