package hub

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nordeim/Sparkle-Community-Hub-sub003/internal/auth"
)

// Envelope is the wire format in both directions: a name plus an opaque
// payload.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client → hub events.
const (
	EventRoomJoin       = "room:join"
	EventRoomLeave      = "room:leave"
	EventTypingStart    = "typing:start"
	EventTypingStop     = "typing:stop"
	EventPresenceUpdate = "presence:update"
)

// Hub → client events.
const (
	EventCommentNew      = "comment:new"
	EventReactionNew     = "reaction:new"
	EventWatchPartySync  = "watchparty:sync"
	EventTypingUsers     = "typing:users"
	EventViewersUpdate   = "viewers:update"
	EventUserStatus      = "user:status"
	EventNotificationNew = "notification:new"
	EventError           = "error"
)

// domainEvents maps client-emitted domain events to their rebroadcast names.
// The business mutation already happened elsewhere; the hub only relays the
// outcome, enriched with the sender identity.
var domainEvents = map[string]string{
	"comment:create":  EventCommentNew,
	"reaction:add":    EventReactionNew,
	"watchparty:sync": EventWatchPartySync,
}

// RoomsPayload is the payload of room:join and room:leave.
type RoomsPayload struct {
	Rooms []string `json:"rooms"`
}

// TypingPayload is the payload of typing:start and typing:stop.
type TypingPayload struct {
	Room string `json:"room"`
	Type string `json:"type,omitempty"`
}

// PresencePayload is the payload of presence:update.
type PresencePayload struct {
	Status string `json:"status"`
}

// Typer is one entry of a typing:users snapshot.
type Typer struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// TypingUsersPayload is an idempotent full snapshot: out-of-order delivery
// self-corrects on the next update.
type TypingUsersPayload struct {
	Room  string  `json:"room"`
	Users []Typer `json:"users"`
}

// ViewersPayload is the payload of viewers:update.
type ViewersPayload struct {
	ResourceID string `json:"resourceId"`
	Count      int64  `json:"count"`
}

// UserStatusPayload is the payload of user:status.
type UserStatusPayload struct {
	UserID     string `json:"userId"`
	Online     bool   `json:"online"`
	LastSeenAt int64  `json:"lastSeenAt"`
}

// ErrorPayload is sent to a single connection; the connection itself stays
// open unless the error is fatal to the handshake.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// resolveDomainRoom finds the target room of a relayed domain event: an
// explicit "room" field wins, otherwise the id field conventional for the
// event. Ids may arrive as JSON numbers or strings.
func resolveDomainRoom(event string, payload json.RawMessage) (RoomID, error) {
	var probe struct {
		Room    string          `json:"room"`
		PostID  json.RawMessage `json:"postId"`
		PartyID json.RawMessage `json:"partyId"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &probe); err != nil {
			return "", err
		}
	}
	if probe.Room != "" {
		return ParseRoomID(probe.Room)
	}
	switch event {
	case "comment:create", "reaction:add":
		if id := rawID(probe.PostID); id != "" {
			return ParseRoomID(NamespacePost + ":" + id)
		}
	case "watchparty:sync":
		if id := rawID(probe.PartyID); id != "" {
			return ParseRoomID(NamespaceWatchParty + ":" + id)
		}
	}
	return "", fmt.Errorf("event %s: no target room in payload", event)
}

func rawID(raw json.RawMessage) string {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "null" {
		return ""
	}
	return s
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func encodeEnvelope(event string, payload any) []byte {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		raw = mustMarshal(payload)
	}
	return mustMarshal(Envelope{Event: event, Payload: raw})
}

// enrichSender re-encodes a domain payload with the sender identity attached.
// Malformed payloads surface as an error to the sender, not a broadcast.
func enrichSender(payload json.RawMessage, sender auth.Identity) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if len(payload) == 0 {
		fields = make(map[string]json.RawMessage, 1)
	} else if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	fields["sender"] = mustMarshal(sender)
	return mustMarshal(fields), nil
}
