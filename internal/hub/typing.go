package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// remoteGrace pads the deadline of sessions learned from peers: the shared
// store's TTL expiry normally removes them first, the deadline is the local
// backstop if the delete event is missed.
const remoteGrace = 2 * time.Second

type typingSession struct {
	displayName string
	origin      string
	deadline    time.Time
}

// typingValue is the shared-store value for a session key "{room}.{userId}".
type typingValue struct {
	DisplayName string `json:"displayName"`
	Origin      string `json:"origin"`
}

// TypingManager keeps per-room, per-user typing state with auto-expiring
// deadlines. One session exists per (room, user): a new start replaces the
// prior one's deadline, debounced rather than additive. State is mirrored
// through a TTL'd shared bucket so peers learn about typers connected
// elsewhere; each instance broadcasts snapshots to its own connections only.
type TypingManager struct {
	mu    sync.Mutex
	rooms map[RoomID]map[string]typingSession

	kv         nats.KeyValue // nil means local-only
	instanceID string
	ttl        time.Duration
	onChange   func(room RoomID, users []Typer)
	log        *slog.Logger
}

// NewTypingManager creates a manager. kv may be nil for local-only operation.
func NewTypingManager(kv nats.KeyValue, instanceID string, ttl time.Duration, log *slog.Logger) *TypingManager {
	return &TypingManager{
		rooms:      make(map[RoomID]map[string]typingSession),
		kv:         kv,
		instanceID: instanceID,
		ttl:        ttl,
		log:        log,
	}
}

// SetOnChange registers the snapshot broadcast callback. Must be set before
// Run.
func (t *TypingManager) SetOnChange(fn func(room RoomID, users []Typer)) {
	t.onChange = fn
}

// Start upserts the (room, user) session and re-arms its deadline.
func (t *TypingManager) Start(room RoomID, userID, displayName string) {
	t.upsert(room, userID, typingSession{
		displayName: displayName,
		origin:      t.instanceID,
		deadline:    time.Now().Add(t.ttl),
	})
	if t.kv != nil {
		value, _ := json.Marshal(typingValue{DisplayName: displayName, Origin: t.instanceID})
		if _, err := t.kv.Put(typingKey(room, userID), value); err != nil {
			t.log.Warn("typing store write failed, session is local-only", "room", room, "error", err)
		}
	}
}

// Stop removes the (room, user) session immediately.
func (t *TypingManager) Stop(room RoomID, userID string) {
	if !t.remove(room, userID) {
		return
	}
	if t.kv != nil {
		if err := t.kv.Delete(typingKey(room, userID)); err != nil && err != nats.ErrKeyNotFound {
			t.log.Warn("typing store delete failed", "room", room, "error", err)
		}
	}
}

// StopAll clears the user's sessions in the given rooms. Connection teardown
// calls this so sessions never outlive their connection.
func (t *TypingManager) StopAll(userID string, rooms []RoomID) {
	for _, room := range rooms {
		t.Stop(room, userID)
	}
}

// Typers returns the current snapshot for the room, ordered by user id.
func (t *TypingManager) Typers(room RoomID) []Typer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(room)
}

func (t *TypingManager) snapshotLocked(room RoomID) []Typer {
	sessions := t.rooms[room]
	users := make([]Typer, 0, len(sessions))
	for userID, s := range sessions {
		users = append(users, Typer{UserID: userID, DisplayName: s.displayName})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

func (t *TypingManager) upsert(room RoomID, userID string, s typingSession) {
	t.mu.Lock()
	sessions := t.rooms[room]
	if sessions == nil {
		sessions = make(map[string]typingSession)
		t.rooms[room] = sessions
	}
	sessions[userID] = s
	snapshot := t.snapshotLocked(room)
	t.mu.Unlock()
	t.notify(room, snapshot)
}

func (t *TypingManager) remove(room RoomID, userID string) bool {
	t.mu.Lock()
	sessions, ok := t.rooms[room]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if _, ok := sessions[userID]; !ok {
		t.mu.Unlock()
		return false
	}
	delete(sessions, userID)
	if len(sessions) == 0 {
		delete(t.rooms, room)
	}
	snapshot := t.snapshotLocked(room)
	t.mu.Unlock()
	t.notify(room, snapshot)
	return true
}

func (t *TypingManager) notify(room RoomID, users []Typer) {
	if t.onChange != nil {
		t.onChange(room, users)
	}
}

// Run expires overdue sessions on a shared ticker; one scheduled task covers
// every (room, user) deadline instead of one timer per key.
func (t *TypingManager) Run(ctx context.Context) {
	interval := t.ttl / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.expire(now)
		}
	}
}

func (t *TypingManager) expire(now time.Time) {
	type expired struct {
		room   RoomID
		userID string
		local  bool
	}
	var dead []expired

	t.mu.Lock()
	for room, sessions := range t.rooms {
		for userID, s := range sessions {
			if now.After(s.deadline) {
				dead = append(dead, expired{room, userID, s.origin == t.instanceID})
			}
		}
	}
	t.mu.Unlock()

	for _, e := range dead {
		if t.remove(e.room, e.userID) && e.local && t.kv != nil {
			if err := t.kv.Delete(typingKey(e.room, e.userID)); err != nil && err != nats.ErrKeyNotFound {
				t.log.Debug("typing store expiry delete failed", "room", e.room, "error", err)
			}
		}
	}
}

// Watch mirrors peers' sessions from the shared bucket. Local puts are
// skipped by origin, so no loops form.
func (t *TypingManager) Watch(ctx context.Context) {
	if t.kv == nil {
		return
	}
	watcher, err := t.kv.WatchAll()
	if err != nil {
		t.log.Error("failed to start typing watcher, cross-instance typing disabled", "error", err)
		return
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue // end of initial values
			}
			t.handleEntry(entry)
		}
	}
}

func (t *TypingManager) handleEntry(entry nats.KeyValueEntry) {
	room, userID, ok := splitTypingKey(entry.Key())
	if !ok {
		return
	}

	switch entry.Operation() {
	case nats.KeyValuePut:
		var v typingValue
		if err := json.Unmarshal(entry.Value(), &v); err != nil {
			t.log.Warn("invalid typing entry", "key", entry.Key(), "error", err)
			return
		}
		if v.Origin == t.instanceID {
			return
		}
		t.upsert(room, userID, typingSession{
			displayName: v.DisplayName,
			origin:      v.Origin,
			deadline:    time.Now().Add(t.ttl + remoteGrace),
		})
	case nats.KeyValueDelete, nats.KeyValuePurge:
		t.mu.Lock()
		s, exists := t.rooms[room][userID]
		t.mu.Unlock()
		if exists && s.origin != t.instanceID {
			t.remove(room, userID)
		}
	}
}

func typingKey(room RoomID, userID string) string {
	return room.Key() + "." + userID
}

func splitTypingKey(key string) (RoomID, string, bool) {
	dot := strings.LastIndex(key, ".")
	if dot < 0 {
		return "", "", false
	}
	return RoomFromKey(key[:dot]), key[dot+1:], true
}
