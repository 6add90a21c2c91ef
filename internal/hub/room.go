package hub

import (
	"fmt"
	"strings"
)

// Room namespaces. A room has no persisted identity of its own — it exists
// only as the set of connections currently joined.
const (
	NamespaceUser       = "user"
	NamespacePost       = "post"
	NamespaceGroup      = "group"
	NamespaceWatchParty = "watchparty"
)

var validNamespaces = map[string]bool{
	NamespaceUser:       true,
	NamespacePost:       true,
	NamespaceGroup:      true,
	NamespaceWatchParty: true,
}

// RoomID is a namespaced room token: "user:<id>", "post:<id>", "group:<id>",
// or "watchparty:<id>".
type RoomID string

// UserRoom returns the per-user room that carries notifications and
// user:status events for userID.
func UserRoom(userID string) RoomID {
	return RoomID(NamespaceUser + ":" + userID)
}

// PostRoom returns the per-post room whose membership drives the viewer
// counter.
func PostRoom(postID string) RoomID {
	return RoomID(NamespacePost + ":" + postID)
}

// ParseRoomID validates a raw room token. Dots are rejected in both parts:
// shared-store keys and bridge subjects use "." as their separator.
func ParseRoomID(raw string) (RoomID, error) {
	ns, id, ok := strings.Cut(raw, ":")
	if !ok || id == "" {
		return "", fmt.Errorf("room %q: want <namespace>:<id>", raw)
	}
	if !validNamespaces[ns] {
		return "", fmt.Errorf("room %q: unknown namespace %q", raw, ns)
	}
	if strings.ContainsAny(id, ".:*> \t") {
		return "", fmt.Errorf("room %q: id contains reserved characters", raw)
	}
	return RoomID(raw), nil
}

// Namespace returns the part before the colon.
func (r RoomID) Namespace() string {
	ns, _, _ := strings.Cut(string(r), ":")
	return ns
}

// ID returns the part after the colon.
func (r RoomID) ID() string {
	_, id, _ := strings.Cut(string(r), ":")
	return id
}

// IsPost reports whether membership in this room counts toward a viewer
// counter.
func (r RoomID) IsPost() bool {
	return r.Namespace() == NamespacePost
}

// Key encodes the room for shared-store keys, where ":" is not a legal
// character: "post:42" becomes "post/42".
func (r RoomID) Key() string {
	return strings.ReplaceAll(string(r), ":", "/")
}

// RoomFromKey reverses Key.
func RoomFromKey(key string) RoomID {
	return RoomID(strings.Replace(key, "/", ":", 1))
}

// SubjectToken encodes the room for NATS subjects: "post:42" becomes
// "post.42" so per-room subjects stay token-addressable.
func (r RoomID) SubjectToken() string {
	return strings.Replace(string(r), ":", ".", 1)
}
