package presence

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegisterRemoveLifecycle(t *testing.T) {
	r := NewRegistry()

	if r.IsOnline("alice") {
		t.Fatal("new registry reports alice online")
	}

	r.Register("alice", "s1")
	if !r.IsOnline("alice") {
		t.Fatal("alice should be online after first register")
	}
	if got := r.OnlineCount(); got != 1 {
		t.Fatalf("OnlineCount() = %d, want 1", got)
	}
	if got := r.ActiveSessionCount(); got != 1 {
		t.Fatalf("ActiveSessionCount() = %d, want 1", got)
	}

	// Re-registering the same pair changes nothing.
	r.Register("alice", "s1")
	if got := r.ActiveSessionCount(); got != 1 {
		t.Fatalf("ActiveSessionCount() after duplicate register = %d, want 1", got)
	}

	r.Register("alice", "s2")
	if got := len(r.SessionsOf("alice")); got != 2 {
		t.Fatalf("SessionsOf(alice) has %d sessions, want 2", got)
	}
	if got := r.OnlineCount(); got != 1 {
		t.Fatalf("OnlineCount() with two sessions = %d, want 1", got)
	}

	owner, ok := r.OwnerOf("s2")
	if !ok || owner != "alice" {
		t.Fatalf("OwnerOf(s2) = %q, %v, want alice, true", owner, ok)
	}

	// Two devices: removing one leaves the user online via the other.
	r.Remove("s1")
	if !r.IsOnline("alice") {
		t.Fatal("alice should stay online while s2 is live")
	}

	r.Remove("s2")
	if r.IsOnline("alice") {
		t.Fatal("alice should be offline after last session removed")
	}
	if got := r.OnlineCount(); got != 0 {
		t.Fatalf("OnlineCount() = %d, want 0", got)
	}
	if got := r.ActiveSessionCount(); got != 0 {
		t.Fatalf("ActiveSessionCount() = %d, want 0", got)
	}
	if _, ok := r.OwnerOf("s2"); ok {
		t.Fatal("OwnerOf(s2) should miss after removal")
	}

	// Removing an unknown session is a no-op.
	r.Remove("s2")
	if got := r.ActiveSessionCount(); got != 0 {
		t.Fatalf("ActiveSessionCount() after double remove = %d, want 0", got)
	}
}

func TestSessionsOfNeverNil(t *testing.T) {
	r := NewRegistry()
	if got := r.SessionsOf("ghost"); got == nil {
		t.Fatal("SessionsOf for an offline user must be empty, not nil")
	}
}

// The presence index invariant: a user is online iff their session set is
// non-empty, at every point in any register/remove sequence.
func TestOnlineTracksSessionSet(t *testing.T) {
	r := NewRegistry()

	steps := []struct {
		op      string
		user    string
		session string
	}{
		{"register", "u1", "a"},
		{"register", "u2", "b"},
		{"register", "u1", "c"},
		{"remove", "", "a"},
		{"register", "u1", "a"},
		{"remove", "", "c"},
		{"remove", "", "a"},
		{"remove", "", "b"},
		{"register", "u2", "d"},
	}

	for i, step := range steps {
		if step.op == "register" {
			r.Register(step.user, step.session)
		} else {
			r.Remove(step.session)
		}

		for _, user := range []string{"u1", "u2"} {
			online := r.IsOnline(user)
			sessions := r.SessionsOf(user)
			if online != (len(sessions) > 0) {
				t.Fatalf("step %d: IsOnline(%s)=%v but %d sessions", i, user, online, len(sessions))
			}
		}
	}
}

func TestConcurrentRegisterRemove(t *testing.T) {
	r := NewRegistry()

	const (
		workers  = 32
		sessions = 50
	)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", w%8)
			for s := 0; s < sessions; s++ {
				id := fmt.Sprintf("w%d-s%d", w, s)
				r.Register(user, id)
				if !r.IsOnline(user) {
					t.Errorf("user %s offline immediately after register", user)
					return
				}
				r.Remove(id)
			}
		}(w)
	}
	wg.Wait()

	if got := r.ActiveSessionCount(); got != 0 {
		t.Fatalf("ActiveSessionCount() = %d after all removes, want 0", got)
	}
	if got := r.OnlineCount(); got != 0 {
		t.Fatalf("OnlineCount() = %d after all removes, want 0", got)
	}
	for w := 0; w < 8; w++ {
		user := fmt.Sprintf("user-%d", w)
		if r.IsOnline(user) {
			t.Fatalf("user %s still online after all sessions removed", user)
		}
	}
}

func TestConcurrentRegistersKeepAllSessions(t *testing.T) {
	r := NewRegistry()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Register("shared", fmt.Sprintf("s%d", i))
		}(i)
	}
	wg.Wait()

	if got := len(r.SessionsOf("shared")); got != n {
		t.Fatalf("SessionsOf(shared) has %d sessions, want %d (lost update)", got, n)
	}
	if got := r.ActiveSessionCount(); got != n {
		t.Fatalf("ActiveSessionCount() = %d, want %d", got, n)
	}
}
