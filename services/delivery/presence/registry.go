package presence

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const shardCount = 64

// Registry is the process-local index of live user sessions. It answers
// "which connections does this user have right now" and nothing more;
// cross-instance visibility is the fan-out router's problem.
//
// Mutations for a given user serialize on that user's shard, so concurrent
// register/remove calls never leave the index with an empty session set still
// marked online, or a live session invisible. The session-to-owner index is a
// sync.Map updated inside the owning shard's critical section.
type Registry struct {
	shards [shardCount]shard

	// sessionID -> userID
	owners sync.Map

	onlineUsers    atomic.Int64
	activeSessions atomic.Int64
}

type shard struct {
	mu sync.RWMutex
	// userID -> set of session IDs
	users map[string]map[string]struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].users = make(map[string]map[string]struct{})
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &r.shards[h.Sum32()%shardCount]
}

// Register adds sessionID to the user's session set. Registering the same
// pair twice is a no-op. The user's first session transitions them online.
func (r *Registry) Register(userID, sessionID string) {
	if userID == "" || sessionID == "" {
		return
	}

	sh := r.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	set, ok := sh.users[userID]
	if !ok {
		set = make(map[string]struct{})
		sh.users[userID] = set
		r.onlineUsers.Add(1)
	}
	if _, exists := set[sessionID]; exists {
		return
	}
	set[sessionID] = struct{}{}
	r.owners.Store(sessionID, userID)
	r.activeSessions.Add(1)
}

// Remove drops the session. When the owning user's last session goes away
// the user entry is purged and the user transitions offline.
func (r *Registry) Remove(sessionID string) {
	v, ok := r.owners.Load(sessionID)
	if !ok {
		return
	}
	userID := v.(string)

	sh := r.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	set, ok := sh.users[userID]
	if !ok {
		r.owners.Delete(sessionID)
		return
	}
	if _, exists := set[sessionID]; !exists {
		r.owners.Delete(sessionID)
		return
	}

	delete(set, sessionID)
	r.owners.Delete(sessionID)
	r.activeSessions.Add(-1)

	if len(set) == 0 {
		delete(sh.users, userID)
		r.onlineUsers.Add(-1)
	}
}

// IsOnline reports whether the user has at least one live session.
func (r *Registry) IsOnline(userID string) bool {
	sh := r.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.users[userID]) > 0
}

// SessionsOf returns a copy of the user's live session IDs. The result is
// empty, never nil, for an offline user.
func (r *Registry) SessionsOf(userID string) []string {
	sh := r.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	set := sh.users[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// OwnerOf returns the user owning the session, if registered.
func (r *Registry) OwnerOf(sessionID string) (string, bool) {
	v, ok := r.owners.Load(sessionID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// OnlineCount returns the number of users with at least one live session.
func (r *Registry) OnlineCount() int64 {
	return r.onlineUsers.Load()
}

// ActiveSessionCount returns the total number of live sessions.
func (r *Registry) ActiveSessionCount() int64 {
	return r.activeSessions.Load()
}
