package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"matchwire/services/delivery"
	"matchwire/services/delivery/presence"
)

const (
	defaultWriteTimeout = 5 * time.Second
	maxFrameSize        = 4 << 10
)

// AckFunc is invoked when a connected client acknowledges delivery of a
// message. It must be idempotent; clients may ack the same message twice.
type AckFunc func(ctx context.Context, messageID uuid.UUID) error

// Hub owns the websocket connections on this instance and feeds their
// lifecycle into the session registry. It implements delivery.Transport:
// writes to a connection are serialized by a per-client mutex and bounded by
// a write deadline so one slow socket cannot stall a fan-out.
type Hub struct {
	registry     *presence.Registry
	ack          AckFunc
	log          zerolog.Logger
	upgrader     websocket.Upgrader
	writeTimeout time.Duration

	mu      sync.RWMutex
	clients map[string]*client
}

type client struct {
	sessionID string
	userID    string
	conn      *websocket.Conn
	mu        sync.Mutex
}

// NewHub constructs a Hub feeding the provided registry. ack may be nil when
// delivery acknowledgements arrive only over REST.
func NewHub(registry *presence.Registry, ack AckFunc, log zerolog.Logger) (*Hub, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	return &Hub{
		registry: registry,
		ack:      ack,
		log:      log.With().Str("component", "ws").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		writeTimeout: defaultWriteTimeout,
		clients:      make(map[string]*client),
	}, nil
}

// inbound frames: {"type":"ack","message_id":"..."}
type inboundFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

type helloFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// Handler upgrades GET /ws?user_id= requests, registers the session, and
// runs the read loop until the connection drops.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}

		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn().Err(err).Msg("upgrade failed")
			return
		}
		conn.SetReadLimit(maxFrameSize)

		sessionID := uuid.NewString()
		c := &client{sessionID: sessionID, userID: userID, conn: conn}

		h.mu.Lock()
		h.clients[sessionID] = c
		h.mu.Unlock()
		h.registry.Register(userID, sessionID)

		h.log.Info().Str("user_id", userID).Str("session_id", sessionID).Msg("session opened")

		if data, err := json.Marshal(helloFrame{Type: "hello", SessionID: sessionID}); err == nil {
			_ = c.write(data, h.writeTimeout)
		}

		h.readLoop(r.Context(), c)
	}
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	defer h.drop(c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "ack":
			if h.ack == nil {
				continue
			}
			id, err := uuid.Parse(frame.MessageID)
			if err != nil {
				continue
			}
			if err := h.ack(ctx, id); err != nil {
				h.log.Warn().Err(err).Str("message_id", frame.MessageID).Msg("ack failed")
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	delete(h.clients, c.sessionID)
	h.mu.Unlock()

	h.registry.Remove(c.sessionID)
	_ = c.conn.Close()

	h.log.Info().Str("user_id", c.userID).Str("session_id", c.sessionID).Msg("session closed")
}

// Send pushes payload to the identified session. It satisfies
// delivery.Transport. Failures come back as *delivery.DeliveryFailure.
func (h *Hub) Send(ctx context.Context, sessionID string, payload []byte) error {
	h.mu.RLock()
	c, ok := h.clients[sessionID]
	h.mu.RUnlock()
	if !ok {
		return &delivery.DeliveryFailure{SessionID: sessionID, Err: errors.New("no such session")}
	}

	timeout := h.writeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	if err := c.write(payload, timeout); err != nil {
		return &delivery.DeliveryFailure{SessionID: sessionID, Err: err}
	}
	return nil
}

func (c *client) write(payload []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}
