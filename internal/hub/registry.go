package hub

import (
	"hash/fnv"
	"sync"
)

const registryShards = 32

// Registry tracks which local connections belong to which rooms. Rooms are
// sharded across independent locks so unrelated rooms never serialize each
// other's traffic. The registry and each connection's joinedRooms set are
// kept consistent on every join/leave/disconnect.
type Registry struct {
	shards [registryShards]registryShard
}

type registryShard struct {
	mu    sync.RWMutex
	rooms map[RoomID]map[*Conn]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].rooms = make(map[RoomID]map[*Conn]struct{})
	}
	return r
}

func (r *Registry) shard(room RoomID) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(room))
	return &r.shards[h.Sum32()%registryShards]
}

// Join registers the connection under the room. Returns false if the
// connection was already a member.
func (r *Registry) Join(c *Conn, room RoomID) bool {
	if !c.addRoom(room) {
		return false
	}
	s := r.shard(room)
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		s.rooms[room] = members
	}
	members[c] = struct{}{}
	return true
}

// Leave is the inverse of Join. Returns false if the connection was not a
// member.
func (r *Registry) Leave(c *Conn, room RoomID) bool {
	if !c.removeRoom(room) {
		return false
	}
	r.drop(c, room)
	return true
}

func (r *Registry) drop(c *Conn, room RoomID) {
	s := r.shard(room)
	s.mu.Lock()
	defer s.mu.Unlock()
	if members, ok := s.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(s.rooms, room)
		}
	}
}

// RemoveAll detaches the connection from every room it had joined, exactly
// as if Leave were called for each, and returns those rooms. Used on
// disconnect so no stale membership leaks.
func (r *Registry) RemoveAll(c *Conn) []RoomID {
	rooms := c.clearRooms()
	for _, room := range rooms {
		r.drop(c, room)
	}
	return rooms
}

// Members returns a snapshot of the connections in the room.
func (r *Registry) Members(room RoomID) []*Conn {
	s := r.shard(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.rooms[room]
	if len(members) == 0 {
		return nil
	}
	snapshot := make([]*Conn, 0, len(members))
	for c := range members {
		snapshot = append(snapshot, c)
	}
	return snapshot
}

// Count returns the number of local connections in the room.
func (r *Registry) Count(room RoomID) int {
	s := r.shard(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[room])
}

// Deliver fans an encoded frame out to every local member of the room,
// excluding one connection if requested. Sends are best-effort: a
// backpressured client drops the frame rather than blocking the broadcaster.
// Returns the number of connections the frame was queued for.
func (r *Registry) Deliver(room RoomID, frame []byte, exclude *Conn) int {
	delivered := 0
	for _, c := range r.Members(room) {
		if c == exclude {
			continue
		}
		if c.Send(frame) {
			delivered++
		}
	}
	return delivered
}

// Rooms returns the number of rooms with at least one local member.
func (r *Registry) Rooms() int {
	total := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		total += len(s.rooms)
		s.mu.RUnlock()
	}
	return total
}

// PostRooms returns the post rooms with local members, for sweep
// reconciliation of viewer counters.
func (r *Registry) PostRooms() map[RoomID]int {
	counts := make(map[RoomID]int)
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for room, members := range s.rooms {
			if room.IsPost() {
				counts[room] = len(members)
			}
		}
		s.mu.RUnlock()
	}
	return counts
}
