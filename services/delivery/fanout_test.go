package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"matchwire/services/delivery/presence"
)

func newTestRouter(t *testing.T, registry *presence.Registry, transport Transport, b Broadcaster) *Router {
	t.Helper()
	router, err := NewRouter(registry, transport, b, "instance-a", zerolog.Nop(),
		WithSendTimeout(time.Second))
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	return router
}

func testMessage(receiver string) Message {
	return Message{
		ID:             uuid.New(),
		ConversationID: uuid.New(),
		SenderID:       "alice",
		ReceiverID:     receiver,
		Content:        "hi",
		Status:         StatusSent,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestDeliverPushesEachSessionOnce(t *testing.T) {
	registry := presence.NewRegistry()
	transport := newFakeTransport()
	b := newFakeBus()
	router := newTestRouter(t, registry, transport, b)

	registry.Register("bob", "s1")
	registry.Register("bob", "s2")
	registry.Register("carol", "s3")

	msg := testMessage("bob")
	if err := router.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	for _, session := range []string{"s1", "s2"} {
		if got := transport.pushes(session); got != 1 {
			t.Errorf("session %s received %d pushes, want 1", session, got)
		}
	}
	if got := transport.pushes("s3"); got != 0 {
		t.Errorf("unrelated session received %d pushes, want 0", got)
	}
	if got := b.publishedCount(); got != 1 {
		t.Fatalf("published %d envelopes, want 1", got)
	}

	var env envelope
	if err := json.Unmarshal(b.published[0], &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Origin != "instance-a" {
		t.Errorf("envelope origin = %q, want instance-a", env.Origin)
	}
	if env.Message.ID != msg.ID {
		t.Errorf("envelope message id = %s, want %s", env.Message.ID, msg.ID)
	}
}

func TestDeliverOfflineReceiverStillPublishes(t *testing.T) {
	registry := presence.NewRegistry()
	transport := newFakeTransport()
	b := newFakeBus()
	router := newTestRouter(t, registry, transport, b)

	if err := router.Deliver(context.Background(), testMessage("bob")); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if got := b.publishedCount(); got != 1 {
		t.Fatalf("published %d envelopes, want 1 (other instances may hold sessions)", got)
	}
}

func TestDeliverSessionFailureDoesNotBlockOthers(t *testing.T) {
	registry := presence.NewRegistry()
	transport := newFakeTransport()
	b := newFakeBus()
	router := newTestRouter(t, registry, transport, b)

	registry.Register("bob", "s1")
	registry.Register("bob", "s2")
	registry.Register("bob", "s3")
	transport.fail["s2"] = errors.New("connection wedged")

	if err := router.Deliver(context.Background(), testMessage("bob")); err != nil {
		t.Fatalf("Deliver() error = %v, per-session failures must not propagate", err)
	}
	for _, session := range []string{"s1", "s3"} {
		if got := transport.pushes(session); got != 1 {
			t.Errorf("session %s received %d pushes, want 1", session, got)
		}
	}
	if got := transport.pushes("s2"); got != 0 {
		t.Errorf("failed session recorded %d pushes, want 0", got)
	}
}

func TestDeliverRetriesPublish(t *testing.T) {
	registry := presence.NewRegistry()
	transport := newFakeTransport()
	b := newFakeBus()
	b.failPublish = 2
	router := newTestRouter(t, registry, transport, b)

	if err := router.Deliver(context.Background(), testMessage("bob")); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if got := b.publishedCount(); got != 1 {
		t.Fatalf("published %d envelopes after transient failures, want 1", got)
	}
}

func TestDeliverSwallowsExhaustedPublish(t *testing.T) {
	registry := presence.NewRegistry()
	transport := newFakeTransport()
	b := newFakeBus()
	b.failPublish = 100
	router := newTestRouter(t, registry, transport, b)

	registry.Register("bob", "s1")

	msg := testMessage("bob")
	if err := router.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("Deliver() error = %v, broadcast loss must not fail the send", err)
	}
	if got := transport.pushes("s1"); got != 1 {
		t.Fatalf("local session received %d pushes, want 1 even when publish fails", got)
	}
}

func TestOnBroadcastSkipsOwnOrigin(t *testing.T) {
	registry := presence.NewRegistry()
	transport := newFakeTransport()
	router := newTestRouter(t, registry, transport, newFakeBus())

	registry.Register("bob", "s1")

	data, _ := json.Marshal(envelope{Origin: "instance-a", Message: testMessage("bob")})
	if err := router.onBroadcast(context.Background(), data); err != nil {
		t.Fatalf("onBroadcast() error = %v", err)
	}
	if got := transport.pushes("s1"); got != 0 {
		t.Fatalf("own-origin envelope pushed %d times, want 0 (already pushed before publish)", got)
	}
}

func TestOnBroadcastPushesRemoteOrigin(t *testing.T) {
	registry := presence.NewRegistry()
	transport := newFakeTransport()
	router := newTestRouter(t, registry, transport, newFakeBus())

	registry.Register("bob", "s1")
	registry.Register("bob", "s2")

	data, _ := json.Marshal(envelope{Origin: "instance-b", Message: testMessage("bob")})
	if err := router.onBroadcast(context.Background(), data); err != nil {
		t.Fatalf("onBroadcast() error = %v", err)
	}
	for _, session := range []string{"s1", "s2"} {
		if got := transport.pushes(session); got != 1 {
			t.Errorf("session %s received %d pushes, want 1", session, got)
		}
	}
}

func TestOnBroadcastDiscardsOfflineReceiver(t *testing.T) {
	registry := presence.NewRegistry()
	transport := newFakeTransport()
	router := newTestRouter(t, registry, transport, newFakeBus())

	data, _ := json.Marshal(envelope{Origin: "instance-b", Message: testMessage("bob")})
	if err := router.onBroadcast(context.Background(), data); err != nil {
		t.Fatalf("onBroadcast() error = %v, offline receiver must not NAK", err)
	}
}

func TestOnBroadcastIgnoresMalformedEnvelope(t *testing.T) {
	router := newTestRouter(t, presence.NewRegistry(), newFakeTransport(), newFakeBus())

	if err := router.onBroadcast(context.Background(), []byte("{not json")); err != nil {
		t.Fatalf("onBroadcast() error = %v, malformed envelopes are dropped", err)
	}
}

func TestRouterStartAndClose(t *testing.T) {
	registry := presence.NewRegistry()
	b := newFakeBus()
	router := newTestRouter(t, registry, newFakeTransport(), b)

	if err := router.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if b.handler == nil {
		t.Fatal("Start() did not register a broadcast handler")
	}
	if err := router.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// Closing twice is safe.
	if err := router.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
