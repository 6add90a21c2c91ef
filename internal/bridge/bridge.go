// Package bridge propagates room broadcasts across all hub instances
// sharing a NATS cluster, so a client connected to instance B receives an
// event published on instance A.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nordeim/Sparkle-Community-Hub-sub003/internal/hub"
	"github.com/nordeim/Sparkle-Community-Hub-sub003/internal/otelhelper"
)

// subjectPrefix scopes all hub traffic; room "post:42" maps to
// "hub.room.post.42" and a single ">" subscription catches everything.
const subjectPrefix = "hub.room."

// Transport is the slice of *nats.Conn the bridge needs.
type Transport interface {
	PublishMsg(msg *nats.Msg) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	IsConnected() bool
}

// Envelope is the cross-instance wire format. Origin tagging prevents
// publish loops: each instance skips envelopes it published itself.
type Envelope struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler receives envelopes published by peer instances.
type Handler func(room, event string, payload json.RawMessage)

// Bridge publishes local broadcasts to the cluster and re-emits peers'
// broadcasts locally. When the transport is unreachable it degrades to
// local-only delivery instead of blocking or crashing the hub; nats.go
// reconnects in the background.
type Bridge struct {
	nc         Transport
	instanceID string
	handler    Handler
	log        *slog.Logger

	degraded atomic.Bool

	published metric.Int64Counter
	received  metric.Int64Counter
	dropped   metric.Int64Counter
}

// New creates a bridge. The handler is invoked for every envelope received
// from a peer instance.
func New(nc Transport, instanceID string, handler Handler, meter metric.Meter, log *slog.Logger) *Bridge {
	published, _ := meter.Int64Counter("bridge_published_total",
		metric.WithDescription("Broadcasts published to the cluster"))
	received, _ := meter.Int64Counter("bridge_received_total",
		metric.WithDescription("Broadcasts received from peer instances"))
	dropped, _ := meter.Int64Counter("bridge_dropped_total",
		metric.WithDescription("Broadcasts degraded to local-only delivery"))
	return &Bridge{
		nc:         nc,
		instanceID: instanceID,
		handler:    handler,
		log:        log,
		published:  published,
		received:   received,
		dropped:    dropped,
	}
}

// Start subscribes to the cluster-wide room topic.
func (b *Bridge) Start() error {
	if _, err := b.nc.Subscribe(subjectPrefix+">", b.onMessage); err != nil {
		return fmt.Errorf("bridge subscribe: %w", err)
	}
	return nil
}

// Publish sends a room broadcast to the cluster. Unreachable transport is
// not an error: delivery degrades to local-only and the degradation is
// logged once per outage.
func (b *Bridge) Publish(ctx context.Context, room, event string, payload json.RawMessage) error {
	if !b.nc.IsConnected() {
		b.noteDegraded(ctx, room)
		return nil
	}

	env := Envelope{Origin: b.instanceID, Room: room, Event: event, Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bridge marshal: %w", err)
	}
	if err := otelhelper.TracedPublish(ctx, b.nc, subjectPrefix+hub.RoomID(room).SubjectToken(), data); err != nil {
		b.noteDegraded(ctx, room)
		return nil
	}

	if b.degraded.Swap(false) {
		b.log.Info("cross-instance broadcast restored")
	}
	b.published.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
	return nil
}

func (b *Bridge) noteDegraded(ctx context.Context, room string) {
	b.dropped.Add(ctx, 1)
	if !b.degraded.Swap(true) {
		b.log.Warn("broadcast transport unreachable, degrading to local-only delivery", "room", room)
	}
}

// Degraded reports whether the last publish fell back to local-only.
func (b *Bridge) Degraded() bool {
	return b.degraded.Load()
}

func (b *Bridge) onMessage(msg *nats.Msg) {
	ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "bridge receive")
	defer span.End()

	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.log.Warn("invalid bridge envelope", "subject", msg.Subject, "error", err)
		return
	}
	if env.Origin == b.instanceID {
		return // our own publish echoed back
	}
	span.SetAttributes(
		attribute.String("hub.room", env.Room),
		attribute.String("hub.event", env.Event),
	)
	b.received.Add(ctx, 1, metric.WithAttributes(attribute.String("event", env.Event)))
	b.handler(env.Room, env.Event, env.Payload)
}
