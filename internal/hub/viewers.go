package hub

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
)

// ViewerCounter tracks concurrent viewers per post resource. Each instance
// owns one contribution key "{resource}.{instanceId}" in a TTL'd shared
// bucket; the broadcast count is the sum of all contributions, so a crashed
// peer's share expires on its own instead of drifting forever. The local
// contribution is floor-clamped at zero: duplicate or out-of-order leave
// signals are a no-op, never a negative count.
type ViewerCounter struct {
	mu     sync.Mutex
	local  map[RoomID]int64
	remote map[RoomID]map[string]int64

	kv         nats.KeyValue // nil means local-only
	instanceID string
	onChange   func(room RoomID, count int64)
	log        *slog.Logger
}

// NewViewerCounter creates a counter. kv may be nil for local-only operation.
func NewViewerCounter(kv nats.KeyValue, instanceID string, log *slog.Logger) *ViewerCounter {
	return &ViewerCounter{
		local:      make(map[RoomID]int64),
		remote:     make(map[RoomID]map[string]int64),
		kv:         kv,
		instanceID: instanceID,
		log:        log,
	}
}

// SetOnChange registers the viewers:update broadcast callback.
func (v *ViewerCounter) SetOnChange(fn func(room RoomID, count int64)) {
	v.onChange = fn
}

// Increment records one more local viewer of the resource.
func (v *ViewerCounter) Increment(room RoomID) {
	v.mu.Lock()
	v.local[room]++
	count := v.local[room]
	total := v.totalLocked(room)
	v.mu.Unlock()

	v.writeContribution(room, count)
	v.notify(room, total)
}

// Decrement records one local viewer leaving. Below zero it is a clamped
// no-op.
func (v *ViewerCounter) Decrement(room RoomID) {
	v.mu.Lock()
	count, ok := v.local[room]
	if !ok || count == 0 {
		v.mu.Unlock()
		return
	}
	count--
	if count == 0 {
		delete(v.local, room)
	} else {
		v.local[room] = count
	}
	total := v.totalLocked(room)
	v.mu.Unlock()

	v.writeContribution(room, count)
	v.notify(room, total)
}

// Count returns the cluster-wide viewer total for the resource.
func (v *ViewerCounter) Count(room RoomID) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalLocked(room)
}

func (v *ViewerCounter) totalLocked(room RoomID) int64 {
	total := v.local[room]
	for _, n := range v.remote[room] {
		total += n
	}
	return total
}

func (v *ViewerCounter) notify(room RoomID, count int64) {
	if v.onChange != nil {
		v.onChange(room, count)
	}
}

func (v *ViewerCounter) writeContribution(room RoomID, count int64) {
	if v.kv == nil {
		return
	}
	key := viewerKey(room, v.instanceID)
	var err error
	if count == 0 {
		if err = v.kv.Delete(key); err == nats.ErrKeyNotFound {
			err = nil
		}
	} else {
		_, err = v.kv.Put(key, []byte(strconv.FormatInt(count, 10)))
	}
	if err != nil {
		v.log.Warn("viewer store write failed, count is local-only", "room", room, "error", err)
	}
}

// Reconcile overwrites the local contributions with the actual membership
// counts and re-arms every contribution key's TTL. The sweeper calls this to
// correct drift from missed decrements after unclean disconnects.
func (v *ViewerCounter) Reconcile(actual map[RoomID]int) {
	type change struct {
		room  RoomID
		count int64
		total int64
	}
	var changes []change
	var rearm []change

	v.mu.Lock()
	for room, count := range v.local {
		if _, ok := actual[room]; !ok {
			delete(v.local, room)
			changes = append(changes, change{room, 0, v.totalLocked(room)})
		} else if int64(actual[room]) != count {
			v.local[room] = int64(actual[room])
			changes = append(changes, change{room, int64(actual[room]), v.totalLocked(room)})
		}
	}
	for room, count := range actual {
		if _, ok := v.local[room]; !ok && count > 0 {
			v.local[room] = int64(count)
			changes = append(changes, change{room, int64(count), v.totalLocked(room)})
		}
	}
	for room, count := range v.local {
		rearm = append(rearm, change{room: room, count: count})
	}
	v.mu.Unlock()

	for _, ch := range changes {
		v.log.Info("viewer count corrected by sweep", "room", ch.room, "count", ch.count)
		v.writeContribution(ch.room, ch.count)
		v.notify(ch.room, ch.total)
	}
	for _, ch := range rearm {
		v.writeContribution(ch.room, ch.count)
	}
}

// Watch mirrors peers' contributions from the shared bucket.
func (v *ViewerCounter) Watch(ctx context.Context) {
	if v.kv == nil {
		return
	}
	watcher, err := v.kv.WatchAll()
	if err != nil {
		v.log.Error("failed to start viewer watcher, cross-instance counts disabled", "error", err)
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
			v.handleEntry(entry)
		}
	}
}

func (v *ViewerCounter) handleEntry(entry nats.KeyValueEntry) {
	room, instance, ok := splitViewerKey(entry.Key())
	if !ok || instance == v.instanceID {
		return
	}

	v.mu.Lock()
	switch entry.Operation() {
	case nats.KeyValuePut:
		count, err := strconv.ParseInt(string(entry.Value()), 10, 64)
		if err != nil || count < 0 {
			v.mu.Unlock()
			v.log.Warn("invalid viewer entry", "key", entry.Key())
			return
		}
		if v.remote[room] == nil {
			v.remote[room] = make(map[string]int64)
		}
		v.remote[room][instance] = count
	case nats.KeyValueDelete, nats.KeyValuePurge:
		delete(v.remote[room], instance)
		if len(v.remote[room]) == 0 {
			delete(v.remote, room)
		}
	}
	total := v.totalLocked(room)
	v.mu.Unlock()

	v.notify(room, total)
}

func viewerKey(room RoomID, instanceID string) string {
	return room.Key() + "." + instanceID
}

func splitViewerKey(key string) (RoomID, string, bool) {
	dot := strings.LastIndex(key, ".")
	if dot < 0 {
		return "", "", false
	}
	return RoomFromKey(key[:dot]), key[dot+1:], true
}
