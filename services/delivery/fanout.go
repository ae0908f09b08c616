package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"matchwire/services/delivery/presence"
)

// BroadcastSubject carries delivery envelopes between instances. Every
// instance subscribes with its own durable name and filters locally.
const BroadcastSubject = "matchwire.delivery.broadcast"

const defaultSendTimeout = 5 * time.Second

// Transport pushes a payload to one connection. Implementations must bound
// each send (write deadline) so a slow connection cannot stall a fan-out.
type Transport interface {
	Send(ctx context.Context, sessionID string, payload []byte) error
}

// Broadcaster is the pub/sub primitive shared by all instances. *bus.Bus
// satisfies it.
type Broadcaster interface {
	Publish(ctx context.Context, subj string, v any) error
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

type envelope struct {
	Origin      string    `json:"origin"`
	Message     Message   `json:"message"`
	PublishedAt time.Time `json:"published_at"`
}

// push is the frame written to client connections.
type push struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// Router fans a message out to every live connection of its receiver. Local
// sessions are pushed to directly; an envelope is always published to the
// broadcast channel as well so sessions for the same user on other instances
// (multi-device) receive it too. Receiving connections dedupe by message id.
type Router struct {
	registry    *presence.Registry
	transport   Transport
	bus         Broadcaster
	instanceID  string
	sendTimeout time.Duration
	metrics     *Metrics
	log         zerolog.Logger

	subMu sync.Mutex
	sub   io.Closer
}

// RouterOption adjusts Router construction.
type RouterOption func(*Router)

// WithSendTimeout bounds each per-session push.
func WithSendTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.sendTimeout = d
		}
	}
}

// WithMetrics attaches delivery counters.
func WithMetrics(m *Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// NewRouter constructs a Router for this instance.
func NewRouter(registry *presence.Registry, transport Transport, bus Broadcaster, instanceID string, log zerolog.Logger, opts ...RouterOption) (*Router, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if bus == nil {
		return nil, errors.New("bus is required")
	}
	if instanceID == "" {
		return nil, errors.New("instance id is required")
	}

	r := &Router{
		registry:    registry,
		transport:   transport,
		bus:         bus,
		instanceID:  instanceID,
		sendTimeout: defaultSendTimeout,
		metrics:     &Metrics{},
		log:         log.With().Str("component", "fanout").Str("instance", instanceID).Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Deliver pushes msg to every local session of the receiver and publishes a
// delivery envelope for other instances. Per-session failures are logged and
// counted, never propagated; the message keeps its stored status either way.
func (r *Router) Deliver(ctx context.Context, msg Message) error {
	r.pushLocal(ctx, msg)

	env := envelope{
		Origin:      r.instanceID,
		Message:     msg,
		PublishedAt: time.Now().UTC(),
	}

	err := retry.Do(ctx, backoff(), func(ctx context.Context) error {
		if err := r.bus.Publish(ctx, BroadcastSubject, env); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		// Senders already hold a durable row; receivers on other instances
		// self-heal through the history path.
		r.log.Error().Err(err).Stringer("message_id", msg.ID).Msg("publish broadcast")
		return nil
	}

	r.metrics.inc(r.metrics.BroadcastsPublished)
	return nil
}

// Start consumes the broadcast channel until ctx is cancelled.
func (r *Router) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	sub, err := r.bus.Subscribe(ctx, BroadcastSubject, "delivery-"+r.instanceID, r.onBroadcast)
	if err != nil {
		return err
	}

	r.subMu.Lock()
	r.sub = sub
	r.subMu.Unlock()

	return nil
}

// Close stops the broadcast subscription if it was started.
func (r *Router) Close() error {
	if r == nil {
		return nil
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()

	if r.sub == nil {
		return nil
	}
	err := r.sub.Close()
	r.sub = nil
	return err
}

func (r *Router) onBroadcast(ctx context.Context, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.log.Warn().Err(err).Msg("malformed broadcast envelope")
		return nil
	}

	// This instance already pushed to its own sessions before publishing.
	if env.Origin == r.instanceID {
		return nil
	}

	if !r.registry.IsOnline(env.Message.ReceiverID) {
		r.metrics.inc(r.metrics.BroadcastsDiscarded)
		return nil
	}

	r.pushLocal(ctx, env.Message)
	r.metrics.inc(r.metrics.BroadcastsConsumed)

	// Per-session failures never NAK the envelope: redelivery would re-push
	// to the sessions that succeeded.
	return nil
}

// pushLocal sends msg to each live local session of the receiver, in order,
// each bounded by the send timeout. Returns the number of successful pushes.
func (r *Router) pushLocal(ctx context.Context, msg Message) int {
	sessions := r.registry.SessionsOf(msg.ReceiverID)
	if len(sessions) == 0 {
		return 0
	}

	payload, err := json.Marshal(push{Type: "message", Message: msg})
	if err != nil {
		r.log.Error().Err(err).Stringer("message_id", msg.ID).Msg("encode push")
		return 0
	}

	delivered := 0
	for _, sessionID := range sessions {
		sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
		err := r.transport.Send(sendCtx, sessionID, payload)
		cancel()
		if err != nil {
			r.metrics.inc(r.metrics.DeliveryFailures)
			r.log.Warn().Err(err).
				Str("session_id", sessionID).
				Stringer("message_id", msg.ID).
				Msg("session push failed")
			continue
		}
		delivered++
	}

	r.metrics.add(r.metrics.LocalPushes, float64(delivered))
	return delivered
}
