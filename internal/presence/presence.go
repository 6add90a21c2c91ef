// Package presence maintains the cluster-wide "who is online" set. Truth
// lives in two shared buckets: a status bucket (userId → status/lastSeen)
// and a TTL'd per-connection bucket whose keys are re-armed by heartbeats.
// A local mirror of the connection bucket answers liveness queries without a
// store round-trip; offline transitions are deduplicated across instances by
// compare-and-swap on the status record.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Valid status strings a client may set through presence:update.
var validStatuses = map[string]bool{
	"online": true, "away": true, "busy": true, "offline": true,
}

// ErrInvalidStatus rejects unknown status strings.
var ErrInvalidStatus = errors.New("invalid presence status")

// Status is the value stored in the status bucket for each user.
type Status struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen"`
}

// Record is one user's presence as reported to callers.
type Record struct {
	UserID     string    `json:"userId"`
	Status     string    `json:"status"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// TransitionFunc is called when a user crosses the online/offline boundary
// or changes status. Who gets told about it is the collaborator's decision.
type TransitionFunc func(userID string, online bool, lastSeen time.Time)

// Tracker implements the presence contract. Store writes are best-effort:
// when the shared store is unreachable, reads answer from the local mirror
// and the next sweep retries the writes' effect.
type Tracker struct {
	statusKV nats.KeyValue
	connKV   nats.KeyValue
	ct       *connTracker
	ttl      time.Duration

	onTransition TransitionFunc
	log          *slog.Logger
}

// New creates a tracker over the status and connection buckets. Either KV
// may be nil for degraded local-only operation.
func New(statusKV, connKV nats.KeyValue, ttl time.Duration, onTransition TransitionFunc, log *slog.Logger) *Tracker {
	return &Tracker{
		statusKV:     statusKV,
		connKV:       connKV,
		ct:           newConnTracker(),
		ttl:          ttl,
		onTransition: onTransition,
		log:          log,
	}
}

// Connected marks a new live connection for the user. Repeated connections
// from the same user refresh the record; only the first fires the online
// transition.
func (t *Tracker) Connected(userID, connID string) {
	first := t.ct.add(userID, connID)
	t.putConnKey(userID, connID)
	t.putStatus(userID, "online")
	if first && t.onTransition != nil {
		t.onTransition(userID, true, time.Now())
	}
}

// Heartbeat re-arms the connection's TTL key and the user's lastSeen.
func (t *Tracker) Heartbeat(userID, connID string) {
	t.putConnKey(userID, connID)
	if current, ok := t.Get(userID); ok && current.Status != "offline" {
		t.putStatus(userID, current.Status)
	}
}

// Disconnected removes the connection. Only when it was the user's last
// connection in the entire cluster does the user transition offline — a user
// with two tabs open must not flicker offline when one closes.
func (t *Tracker) Disconnected(userID, connID string) {
	if t.connKV != nil {
		if err := t.connKV.Delete(connKey(userID, connID)); err != nil && err != nats.ErrKeyNotFound {
			t.log.Warn("presence conn delete failed", "user", userID, "error", err)
		}
	}
	if t.ct.remove(userID, connID) {
		t.setOffline(userID)
	}
}

// UpdateStatus applies a client-chosen status. Statuses other than offline
// are ignored for users with no live connections.
func (t *Tracker) UpdateStatus(userID, status string) error {
	if !validStatuses[status] {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if status != "offline" && !t.ct.hasConns(userID) {
		t.log.Debug("ignoring status update for user with no connections", "user", userID, "status", status)
		return nil
	}
	t.putStatus(userID, status)
	if t.onTransition != nil {
		t.onTransition(userID, status != "offline", time.Now())
	}
	return nil
}

// IsOnline answers from the cluster-wide connection mirror.
func (t *Tracker) IsOnline(userID string) bool {
	return t.ct.hasConns(userID)
}

// Get returns the user's stored presence record. ok is false when the store
// is unreachable or holds no record — "unknown", not an error.
func (t *Tracker) Get(userID string) (Record, bool) {
	if t.statusKV == nil {
		return Record{}, false
	}
	entry, err := t.statusKV.Get(userID)
	if err != nil {
		return Record{}, false
	}
	var s Status
	if json.Unmarshal(entry.Value(), &s) != nil {
		return Record{}, false
	}
	return Record{UserID: userID, Status: s.Status, LastSeenAt: time.UnixMilli(s.LastSeen)}, true
}

// Online lists users with at least one live connection anywhere in the
// cluster, with their stored status when available.
func (t *Tracker) Online() []Record {
	users := t.ct.users()
	records := make([]Record, 0, len(users))
	for _, userID := range users {
		if rec, ok := t.Get(userID); ok {
			records = append(records, rec)
			continue
		}
		records = append(records, Record{UserID: userID, Status: "online"})
	}
	return records
}

// setOffline writes the offline status with compare-and-swap so that of all
// instances observing the last connection vanish, exactly one wins and
// performs the transition.
func (t *Tracker) setOffline(userID string) {
	now := time.Now()
	fire := func() {
		if t.onTransition != nil {
			t.onTransition(userID, false, now)
		}
	}

	if t.statusKV == nil {
		fire()
		return
	}

	entry, err := t.statusKV.Get(userID)
	if err != nil {
		// No record — nothing to CAS against, report the transition anyway.
		fire()
		return
	}

	var s Status
	if json.Unmarshal(entry.Value(), &s) == nil && s.Status == "offline" {
		return // another instance already handled it
	}

	data, _ := json.Marshal(Status{Status: "offline", LastSeen: now.UnixMilli()})
	if _, err := t.statusKV.Update(userID, data, entry.Revision()); err != nil {
		t.log.Debug("offline CAS lost, another instance won", "user", userID)
		return
	}
	t.log.Info("user went offline", "user", userID)
	fire()
}

// Watch mirrors the connection bucket: an initial sync, then live updates.
// TTL expiry of a user's last key surfaces as a delete and drives the same
// offline path as a clean disconnect, so a crashed instance's users recover
// within the key TTL.
func (t *Tracker) Watch(ctx context.Context) {
	if t.connKV == nil {
		return
	}
	watcher, err := t.connKV.WatchAll(nats.IgnoreDeletes())
	if err != nil {
		t.log.Error("failed to start presence watcher", "error", err)
		return
	}
	for entry := range watcher.Updates() {
		if entry == nil {
			break
		}
		if userID, connID, ok := splitConnKey(entry.Key()); ok {
			t.ct.add(userID, connID)
		}
	}
	watcher.Stop()
	t.log.Info("presence mirror synced")

	watcher, err = t.connKV.WatchAll()
	if err != nil {
		t.log.Error("failed to restart presence watcher with deletes", "error", err)
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
				continue
			}
			userID, connID, ok := splitConnKey(entry.Key())
			if !ok {
				continue
			}
			switch entry.Operation() {
			case nats.KeyValuePut:
				t.ct.add(userID, connID)
			case nats.KeyValueDelete, nats.KeyValuePurge:
				if t.ct.remove(userID, connID) {
					t.log.Info("connection expired, last connection gone", "user", userID, "connId", connID)
					t.setOffline(userID)
				}
			}
		}
	}
}

// Reset clears the mirror, e.g. after a store reconnect before re-hydration.
func (t *Tracker) Reset() {
	t.ct.reset()
}

// Sweep re-validates every status record against actual connection liveness.
// Stale online records (lastSeen beyond the TTL with no live connection) are
// CAS'd offline; offline records beyond the TTL are purged so key absence
// eventually means offline.
func (t *Tracker) Sweep(ctx context.Context) {
	if t.statusKV == nil {
		return
	}
	keys, err := t.statusKV.Keys()
	if err != nil {
		if err != nats.ErrNoKeysFound {
			t.log.Warn("presence sweep: listing keys failed", "error", err)
		}
		return
	}

	cutoff := time.Now().Add(-t.ttl).UnixMilli()
	evicted := 0
	for _, userID := range keys {
		select {
		case <-ctx.Done():
			return
		default:
		}
		entry, err := t.statusKV.Get(userID)
		if err != nil {
			continue
		}
		var s Status
		if json.Unmarshal(entry.Value(), &s) != nil {
			continue
		}
		if s.LastSeen > cutoff {
			continue
		}
		if s.Status == "offline" {
			if err := t.statusKV.Delete(userID); err == nil {
				evicted++
			}
			continue
		}
		if !t.ct.hasConns(userID) {
			t.setOffline(userID)
			evicted++
		}
	}
	if evicted > 0 {
		t.log.Info("presence sweep evicted stale records", "count", evicted)
	}
}

func (t *Tracker) putConnKey(userID, connID string) {
	if t.connKV == nil {
		return
	}
	if _, err := t.connKV.Put(connKey(userID, connID), []byte(`{}`)); err != nil {
		t.log.Warn("presence conn write failed", "user", userID, "error", err)
	}
}

func (t *Tracker) putStatus(userID, status string) {
	if t.statusKV == nil {
		return
	}
	data, _ := json.Marshal(Status{Status: status, LastSeen: time.Now().UnixMilli()})
	if _, err := t.statusKV.Put(userID, data); err != nil {
		t.log.Warn("presence status write failed", "user", userID, "error", err)
	}
}

func connKey(userID, connID string) string {
	return userID + "." + connID
}

func splitConnKey(key string) (string, string, bool) {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
