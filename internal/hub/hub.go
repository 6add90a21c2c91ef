// Package hub is the real-time coordination core: it authenticates
// connections once, tracks room membership, fans events out to local
// connections, and hands every broadcast to the cross-instance bridge so
// peers deliver to their own clients. The hub is an explicit object passed
// to every collaborator that publishes events; its lifecycle (start, drain)
// is owned by the caller.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nordeim/Sparkle-Community-Hub-sub003/internal/auth"
	"github.com/nordeim/Sparkle-Community-Hub-sub003/internal/otelhelper"
)

// closeUnauthorized is the websocket close code for rejected handshakes.
const closeUnauthorized = 4401

// Authorizer decides, once at room-join, whether an identity may see a
// room. Business policy beyond that single question lives elsewhere.
type Authorizer interface {
	CanJoin(ctx context.Context, identity auth.Identity, room string) bool
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, identity auth.Identity, room string) bool

func (f AuthorizerFunc) CanJoin(ctx context.Context, identity auth.Identity, room string) bool {
	return f(ctx, identity, room)
}

// Publisher is the cross-instance side of a broadcast.
type Publisher interface {
	Publish(ctx context.Context, room, event string, payload json.RawMessage) error
}

// Presence is the slice of the presence tracker the hub drives.
type Presence interface {
	Connected(userID, connID string)
	Heartbeat(userID, connID string)
	Disconnected(userID, connID string)
	UpdateStatus(userID, status string) error
	Sweep(ctx context.Context)
}

// Options configures a Hub. Zero values get sensible defaults; nil Bridge,
// Presence, and KV handles degrade the corresponding feature to local-only.
type Options struct {
	InstanceID     string
	Resolver       auth.Resolver
	Authorizer     Authorizer
	Bridge         Publisher
	Presence       Presence
	TypingKV       nats.KeyValue
	ViewersKV      nats.KeyValue
	TypingTTL      time.Duration
	SweepInterval  time.Duration
	SendBufferSize int
	MaxMessageSize int64
	CheckOrigin    func(r *http.Request) bool
	Logger         *slog.Logger
}

// Hub coordinates all live connections of one instance.
type Hub struct {
	registry *Registry
	typing   *TypingManager
	viewers  *ViewerCounter
	presence Presence
	bridge   Publisher

	resolver   auth.Resolver
	authorizer Authorizer
	upgrader   websocket.Upgrader
	log        *slog.Logger

	instanceID     string
	sendBuffer     int
	maxMessageSize int64
	sweepInterval  time.Duration

	connMu sync.RWMutex
	conns  map[string]*Conn

	events        metric.Int64Counter
	broadcasts    metric.Int64Counter
	droppedFrames metric.Int64Counter
	fanoutSeconds metric.Float64Histogram
}

// New builds a hub from options.
func New(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = 256
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 4096
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = 3 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.Authorizer == nil {
		opts.Authorizer = AuthorizerFunc(func(context.Context, auth.Identity, string) bool { return true })
	}
	if opts.Presence == nil {
		opts.Presence = noopPresence{}
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}

	meter := otel.Meter("sparkle-hub")
	h := &Hub{
		registry:       NewRegistry(),
		presence:       opts.Presence,
		bridge:         opts.Bridge,
		resolver:       opts.Resolver,
		authorizer:     opts.Authorizer,
		log:            opts.Logger,
		instanceID:     opts.InstanceID,
		sendBuffer:     opts.SendBufferSize,
		maxMessageSize: opts.MaxMessageSize,
		sweepInterval:  opts.SweepInterval,
		conns:          make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
	}

	h.typing = NewTypingManager(opts.TypingKV, opts.InstanceID, opts.TypingTTL, opts.Logger)
	h.typing.SetOnChange(h.typingChanged)
	h.viewers = NewViewerCounter(opts.ViewersKV, opts.InstanceID, opts.Logger)
	h.viewers.SetOnChange(h.viewersChanged)

	h.events, _ = meter.Int64Counter("hub_events_total",
		metric.WithDescription("Client events processed"))
	h.broadcasts, _ = meter.Int64Counter("hub_broadcasts_total",
		metric.WithDescription("Room broadcasts originated on this instance"))
	h.droppedFrames, _ = meter.Int64Counter("hub_dropped_frames_total",
		metric.WithDescription("Frames dropped for backpressured clients"))
	h.fanoutSeconds, _ = otelhelper.NewDurationHistogram(meter, "hub_fanout_duration_seconds",
		"Time to deliver a broadcast locally and hand it to the cluster")
	connGauge, _ := meter.Int64ObservableGauge("hub_connections",
		metric.WithDescription("Live connections on this instance"))
	roomGauge, _ := meter.Int64ObservableGauge("hub_rooms",
		metric.WithDescription("Rooms with local members"))
	meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(connGauge, int64(h.ConnectionCount()))
		o.ObserveInt64(roomGauge, int64(h.registry.Rooms()))
		return nil
	}, connGauge, roomGauge)

	return h
}

// Start launches the hub's background tasks: typing expiry, shared-store
// mirrors, and the cleanup sweeper. They stop when ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	go h.typing.Run(ctx)
	go h.typing.Watch(ctx)
	go h.viewers.Watch(ctx)
	go h.runSweeper(ctx)
}

// ServeWS upgrades an inbound connection, authenticates it exactly once,
// and starts its pumps. Failed authentication closes the socket with an
// unauthorized error; the client must re-authenticate and reconnect.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	identity, err := h.resolve(r)
	if err != nil {
		h.reject(ws, r.RemoteAddr)
		return
	}

	h.accept(ws, identity)
}

func (h *Hub) resolve(r *http.Request) (auth.Identity, error) {
	if h.resolver == nil {
		return auth.Identity{}, auth.ErrUnauthorized
	}
	return h.resolver.Resolve(r.Context(), extractCredential(r))
}

func (h *Hub) reject(ws socket, remote string) {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	ws.WriteMessage(websocket.TextMessage,
		encodeEnvelope(EventError, ErrorPayload{Code: "unauthorized", Message: "authentication required"}))
	ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeUnauthorized, "unauthorized"))
	ws.Close()
	h.log.Warn("connection rejected", "remote", remote)
}

// accept attaches the resolved identity, auto-joins the user's own room,
// and marks the user present.
func (h *Hub) accept(ws socket, identity auth.Identity) *Conn {
	c := newConn(uuid.NewString(), identity, ws, h, h.sendBuffer)

	h.connMu.Lock()
	h.conns[c.id] = c
	h.connMu.Unlock()

	h.registry.Join(c, UserRoom(identity.UserID))
	h.presence.Connected(identity.UserID, c.id)
	c.start()

	h.log.Info("client connected", "connId", c.id, "user", identity.UserID)
	return c
}

// disconnect tears a connection down atomically: membership, typing
// sessions, viewer contributions, and presence all settle before the send
// queue closes. Runs at most once per connection.
func (h *Hub) disconnect(c *Conn) {
	c.teardown.Do(func() {
		rooms := h.registry.RemoveAll(c)
		for _, room := range rooms {
			if room.IsPost() {
				h.viewers.Decrement(room)
			}
		}
		h.typing.StopAll(c.identity.UserID, rooms)

		h.connMu.Lock()
		delete(h.conns, c.id)
		h.connMu.Unlock()

		h.presence.Disconnected(c.identity.UserID, c.id)
		c.closeSend()
		h.log.Info("client disconnected", "connId", c.id, "user", c.identity.UserID, "rooms", len(rooms))
	})
}

func (h *Hub) heartbeat(c *Conn) {
	h.presence.Heartbeat(c.identity.UserID, c.id)
}

func (h *Hub) noteDroppedFrame(c *Conn) {
	h.droppedFrames.Add(context.Background(), 1)
	h.log.Debug("dropped frame for slow client", "connId", c.id)
}

// handle dispatches one inbound event. A malformed event is dropped with an
// error reply; the connection stays open.
func (h *Hub) handle(c *Conn, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		c.sendError("malformed_event", "cannot parse event envelope")
		return
	}

	ctx := context.Background()
	h.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event", env.Event)))

	switch env.Event {
	case EventRoomJoin:
		h.handleJoin(ctx, c, env.Payload)
	case EventRoomLeave:
		h.handleLeave(c, env.Payload)
	case EventTypingStart:
		h.handleTyping(c, env.Payload, true)
	case EventTypingStop:
		h.handleTyping(c, env.Payload, false)
	case EventPresenceUpdate:
		h.handlePresence(c, env.Payload)
	default:
		if rebroadcast, ok := domainEvents[env.Event]; ok {
			h.handleDomain(ctx, c, env.Event, rebroadcast, env.Payload)
			return
		}
		c.sendError("unknown_event", "unknown event: "+env.Event)
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Conn, payload json.RawMessage) {
	var p RoomsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.sendError("malformed_event", "room:join payload")
		return
	}
	for _, raw := range p.Rooms {
		room, err := ParseRoomID(raw)
		if err != nil {
			c.sendError("invalid_room", err.Error())
			continue
		}
		if !h.canJoin(ctx, c, room) {
			c.sendError("forbidden", "not allowed to join "+raw)
			continue
		}
		if h.registry.Join(c, room) && room.IsPost() {
			h.viewers.Increment(room)
		}
	}
}

func (h *Hub) handleLeave(c *Conn, payload json.RawMessage) {
	var p RoomsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.sendError("malformed_event", "room:leave payload")
		return
	}
	for _, raw := range p.Rooms {
		room, err := ParseRoomID(raw)
		if err != nil {
			c.sendError("invalid_room", err.Error())
			continue
		}
		if h.registry.Leave(c, room) {
			h.typing.Stop(room, c.identity.UserID)
			if room.IsPost() {
				h.viewers.Decrement(room)
			}
		}
	}
}

// canJoin applies the once-per-join authorization gate: a user: room belongs
// to its owner (admins may observe), everything else is delegated.
func (h *Hub) canJoin(ctx context.Context, c *Conn, room RoomID) bool {
	if room.Namespace() == NamespaceUser {
		return room.ID() == c.identity.UserID || c.identity.Role == "admin"
	}
	return h.authorizer.CanJoin(ctx, c.identity, string(room))
}

func (h *Hub) handleTyping(c *Conn, payload json.RawMessage, start bool) {
	var p TypingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.sendError("malformed_event", "typing payload")
		return
	}
	room, err := ParseRoomID(p.Room)
	if err != nil {
		c.sendError("invalid_room", err.Error())
		return
	}
	if !c.inRoom(room) {
		c.sendError("not_in_room", "join "+p.Room+" before typing in it")
		return
	}
	if start {
		h.typing.Start(room, c.identity.UserID, c.identity.DisplayName)
	} else {
		h.typing.Stop(room, c.identity.UserID)
	}
}

func (h *Hub) handlePresence(c *Conn, payload json.RawMessage) {
	var p PresencePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.sendError("malformed_event", "presence payload")
		return
	}
	if err := h.presence.UpdateStatus(c.identity.UserID, p.Status); err != nil {
		c.sendError("invalid_status", err.Error())
	}
}

// handleDomain relays a business event's outcome: the mutation already
// happened in a collaborator service, the hub only enriches the payload
// with the sender identity and fans it out.
func (h *Hub) handleDomain(ctx context.Context, c *Conn, event, rebroadcast string, payload json.RawMessage) {
	room, err := resolveDomainRoom(event, payload)
	if err != nil {
		c.sendError("invalid_payload", err.Error())
		return
	}
	if !c.inRoom(room) {
		c.sendError("not_in_room", "join "+string(room)+" before publishing to it")
		return
	}
	enriched, err := enrichSender(payload, c.identity)
	if err != nil {
		c.sendError("invalid_payload", "domain payload must be a JSON object")
		return
	}
	h.broadcast(ctx, room, rebroadcast, enriched, c)
}

// broadcast delivers to local members and publishes to the cluster topic so
// peer instances deliver to theirs. Local fan-out never blocks on a slow
// client.
func (h *Hub) broadcast(ctx context.Context, room RoomID, event string, payload json.RawMessage, exclude *Conn) {
	start := time.Now()
	h.broadcasts.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
	h.registry.Deliver(room, encodeEnvelope(event, payload), exclude)
	if h.bridge != nil {
		h.bridge.Publish(ctx, string(room), event, payload)
	}
	h.fanoutSeconds.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("event", event)))
}

// HandleRemote re-emits a peer instance's broadcast to local connections.
// It never re-publishes, so no loops form.
func (h *Hub) HandleRemote(room, event string, payload json.RawMessage) {
	h.registry.Deliver(RoomID(room), encodeEnvelope(event, payload), nil)
}

// typingChanged broadcasts the room's typer snapshot to local connections.
// Peers hold their own mirror of the typing bucket and broadcast for their
// own clients, so this stays local.
func (h *Hub) typingChanged(room RoomID, users []Typer) {
	h.registry.Deliver(room, encodeEnvelope(EventTypingUsers, TypingUsersPayload{
		Room:  string(room),
		Users: users,
	}), nil)
}

func (h *Hub) viewersChanged(room RoomID, count int64) {
	h.registry.Deliver(room, encodeEnvelope(EventViewersUpdate, ViewersPayload{
		ResourceID: string(room),
		Count:      count,
	}), nil)
}

// PresenceTransition publishes a user:status event for the user. The
// presence tracker calls this on online/offline boundaries; interested
// parties subscribe by joining the user's room.
func (h *Hub) PresenceTransition(userID string, online bool, lastSeen time.Time) {
	h.broadcast(context.Background(), UserRoom(userID), EventUserStatus, mustMarshal(UserStatusPayload{
		UserID:     userID,
		Online:     online,
		LastSeenAt: lastSeen.UnixMilli(),
	}), nil)
}

// BroadcastToRoom is the surface business services use to publish an
// outcome to a room.
func (h *Hub) BroadcastToRoom(ctx context.Context, room, event string, payload any) error {
	rid, err := ParseRoomID(room)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	h.broadcast(ctx, rid, event, raw, nil)
	return nil
}

// BroadcastToUser publishes to every connection of one user, cluster-wide.
func (h *Hub) BroadcastToUser(ctx context.Context, userID, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	h.broadcast(ctx, UserRoom(userID), event, raw, nil)
	return nil
}

// Notify delivers a notification:new event to the user.
func (h *Hub) Notify(ctx context.Context, userID string, payload any) error {
	return h.BroadcastToUser(ctx, userID, EventNotificationNew, payload)
}

// ConnectionCount returns the number of live local connections.
func (h *Hub) ConnectionCount() int {
	h.connMu.RLock()
	defer h.connMu.RUnlock()
	return len(h.conns)
}

// RoomCount returns the number of rooms with local members.
func (h *Hub) RoomCount() int {
	return h.registry.Rooms()
}

// Viewers returns the cluster-wide viewer count for a post room.
func (h *Hub) Viewers(room string) int64 {
	return h.viewers.Count(RoomID(room))
}

// Shutdown closes every connection and waits for teardown to settle. The
// write pump is each socket's only writer, so the close frame is handed to
// the pump rather than written here: teardown closes the send queue, the
// pump drains it, emits the close frame, and closes the socket.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.connMu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.connMu.RUnlock()

	closeFrame := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range conns {
		c.setCloseMessage(closeFrame)
		h.disconnect(c)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if h.ConnectionCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func extractCredential(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := cutBearer(header); ok {
			return token
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie("sparkle_session"); err == nil {
		return cookie.Value
	}
	return ""
}

func cutBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):], true
	}
	return "", false
}

type noopPresence struct{}

func (noopPresence) Connected(string, string)          {}
func (noopPresence) Heartbeat(string, string)          {}
func (noopPresence) Disconnected(string, string)       {}
func (noopPresence) UpdateStatus(string, string) error { return nil }
func (noopPresence) Sweep(context.Context)             {}
