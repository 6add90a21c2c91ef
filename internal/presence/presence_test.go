package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecord struct {
	value []byte
	rev   uint64
}

// fakeKV implements the subset of nats.KeyValue the tracker touches. The
// embedded interface panics on anything unimplemented, which is what a test
// should do.
type fakeKV struct {
	nats.KeyValue
	mu   sync.Mutex
	data map[string]fakeRecord
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]fakeRecord)}
}

func (kv *fakeKV) Get(key string) (nats.KeyValueEntry, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	rec, ok := kv.data[key]
	if !ok {
		return nil, nats.ErrKeyNotFound
	}
	return fakeEntry{key: key, value: rec.value, rev: rec.rev}, nil
}

func (kv *fakeKV) Put(key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	rec := kv.data[key]
	rec.rev++
	rec.value = append([]byte(nil), value...)
	kv.data[key] = rec
	return rec.rev, nil
}

func (kv *fakeKV) Update(key string, value []byte, last uint64) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	rec, ok := kv.data[key]
	if !ok || rec.rev != last {
		return 0, nats.ErrKeyExists
	}
	rec.rev++
	rec.value = append([]byte(nil), value...)
	kv.data[key] = rec
	return rec.rev, nil
}

func (kv *fakeKV) Delete(key string, _ ...nats.DeleteOpt) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if _, ok := kv.data[key]; !ok {
		return nats.ErrKeyNotFound
	}
	delete(kv.data, key)
	return nil
}

func (kv *fakeKV) Keys(_ ...nats.WatchOpt) ([]string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if len(kv.data) == 0 {
		return nil, nats.ErrNoKeysFound
	}
	keys := make([]string, 0, len(kv.data))
	for key := range kv.data {
		keys = append(keys, key)
	}
	return keys, nil
}

func (kv *fakeKV) has(key string) bool {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	_, ok := kv.data[key]
	return ok
}

func (kv *fakeKV) status(t *testing.T, userID string) Status {
	t.Helper()
	kv.mu.Lock()
	defer kv.mu.Unlock()
	rec, ok := kv.data[userID]
	require.True(t, ok, "no status record for %s", userID)
	var s Status
	require.NoError(t, json.Unmarshal(rec.value, &s))
	return s
}

type fakeEntry struct {
	key   string
	value []byte
	rev   uint64
}

func (e fakeEntry) Bucket() string             { return "TEST" }
func (e fakeEntry) Key() string                { return e.key }
func (e fakeEntry) Value() []byte              { return e.value }
func (e fakeEntry) Revision() uint64           { return e.rev }
func (e fakeEntry) Created() time.Time         { return time.Time{} }
func (e fakeEntry) Delta() uint64              { return 0 }
func (e fakeEntry) Operation() nats.KeyValueOp { return nats.KeyValuePut }

type transition struct {
	userID string
	online bool
}

type transitionLog struct {
	mu   sync.Mutex
	seen []transition
}

func (l *transitionLog) record(userID string, online bool, _ time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, transition{userID, online})
}

func (l *transitionLog) all() []transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]transition(nil), l.seen...)
}

func newTestTracker() (*Tracker, *fakeKV, *fakeKV, *transitionLog) {
	statusKV := newFakeKV()
	connKV := newFakeKV()
	log := &transitionLog{}
	tracker := New(statusKV, connKV, 5*time.Minute, log.record, slog.Default())
	return tracker, statusKV, connKV, log
}

func TestConnectedFirstConnectionTransitions(t *testing.T) {
	tracker, statusKV, connKV, log := newTestTracker()

	tracker.Connected("alice", "c1")
	tracker.Connected("alice", "c2")

	assert.Equal(t, []transition{{"alice", true}}, log.all(), "only the first connection fires the online transition")
	assert.True(t, connKV.has("alice.c1"))
	assert.True(t, connKV.has("alice.c2"))
	assert.Equal(t, "online", statusKV.status(t, "alice").Status)
	assert.True(t, tracker.IsOnline("alice"))
}

func TestDisconnectedLastConnectionGoesOffline(t *testing.T) {
	tracker, statusKV, connKV, log := newTestTracker()
	tracker.Connected("alice", "c1")
	tracker.Connected("alice", "c2")

	tracker.Disconnected("alice", "c1")
	assert.True(t, tracker.IsOnline("alice"), "one tab closing must not flicker the user offline")
	assert.Equal(t, "online", statusKV.status(t, "alice").Status)

	tracker.Disconnected("alice", "c2")
	assert.False(t, tracker.IsOnline("alice"))
	assert.Equal(t, "offline", statusKV.status(t, "alice").Status)
	assert.False(t, connKV.has("alice.c2"))
	assert.Equal(t, []transition{{"alice", true}, {"alice", false}}, log.all())
}

func TestOfflineCASDeduplicates(t *testing.T) {
	tracker, statusKV, _, log := newTestTracker()
	tracker.Connected("alice", "c1")

	// Another instance already CAS'd the user offline.
	offline, _ := json.Marshal(Status{Status: "offline", LastSeen: time.Now().UnixMilli()})
	statusKV.Put("alice", offline)

	tracker.Disconnected("alice", "c1")

	assert.Equal(t, []transition{{"alice", true}}, log.all(), "the CAS loser must not fire a second offline transition")
}

func TestUpdateStatus(t *testing.T) {
	tracker, statusKV, _, log := newTestTracker()
	tracker.Connected("alice", "c1")

	require.NoError(t, tracker.UpdateStatus("alice", "away"))
	assert.Equal(t, "away", statusKV.status(t, "alice").Status)
	assert.Equal(t, []transition{{"alice", true}, {"alice", true}}, log.all())

	err := tracker.UpdateStatus("alice", "sleeping")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestUpdateStatusIgnoredWithoutConnections(t *testing.T) {
	tracker, statusKV, _, _ := newTestTracker()

	require.NoError(t, tracker.UpdateStatus("ghost", "busy"))
	assert.False(t, statusKV.has("ghost"), "a connectionless user cannot appear online")
}

func TestGetUnknownUser(t *testing.T) {
	tracker, _, _, _ := newTestTracker()
	_, ok := tracker.Get("nobody")
	assert.False(t, ok, "absence of a record is unknown, not an error")
}

func TestHeartbeatRefreshesWithoutResurrecting(t *testing.T) {
	tracker, statusKV, connKV, _ := newTestTracker()
	tracker.Connected("alice", "c1")
	require.NoError(t, tracker.UpdateStatus("alice", "busy"))
	before := statusKV.status(t, "alice")

	connKV.Delete("alice.c1")
	tracker.Heartbeat("alice", "c1")

	assert.True(t, connKV.has("alice.c1"), "heartbeat re-arms the liveness key")
	assert.Equal(t, "busy", statusKV.status(t, "alice").Status, "heartbeat keeps the chosen status")
	assert.GreaterOrEqual(t, statusKV.status(t, "alice").LastSeen, before.LastSeen)
}

func TestOnlineListsConnectedUsers(t *testing.T) {
	tracker, _, _, _ := newTestTracker()
	tracker.Connected("alice", "c1")
	tracker.Connected("bob", "c2")

	records := tracker.Online()
	assert.Len(t, records, 2)
}

func TestSweepEvictsStaleRecords(t *testing.T) {
	tracker, statusKV, _, log := newTestTracker()
	stale := time.Now().Add(-time.Hour).UnixMilli()

	// A stale online record with no live connection anywhere.
	data, _ := json.Marshal(Status{Status: "online", LastSeen: stale})
	statusKV.Put("zombie", data)

	// A stale offline record ready for purging.
	data, _ = json.Marshal(Status{Status: "offline", LastSeen: stale})
	statusKV.Put("departed", data)

	// A fresh record that must survive.
	tracker.Connected("alice", "c1")

	tracker.Sweep(context.Background())

	assert.Equal(t, "offline", statusKV.status(t, "zombie").Status)
	assert.False(t, statusKV.has("departed"))
	assert.Equal(t, "online", statusKV.status(t, "alice").Status)
	assert.Contains(t, log.all(), transition{"zombie", false})
}

func TestSweepEmptyBucket(t *testing.T) {
	tracker, _, _, _ := newTestTracker()
	tracker.Sweep(context.Background()) // must not panic on ErrNoKeysFound
}

func TestSplitConnKey(t *testing.T) {
	userID, connID, ok := splitConnKey("alice.conn-1")
	require.True(t, ok)
	assert.Equal(t, "alice", userID)
	assert.Equal(t, "conn-1", connID)

	_, _, ok = splitConnKey("garbage")
	assert.False(t, ok)
}
