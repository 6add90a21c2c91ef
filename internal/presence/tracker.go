package presence

import "sync"

// connTracker is a thread-safe in-memory mirror of the per-connection
// liveness bucket: userId → set of connIds, cluster-wide. The mirror is fed
// by this instance's own connect/disconnect calls and by the bucket watcher,
// so "is this the user's last connection" is answered against the whole
// cluster, not just local state.
type connTracker struct {
	mu    sync.RWMutex
	conns map[string]map[string]bool
}

func newConnTracker() *connTracker {
	return &connTracker{conns: make(map[string]map[string]bool)}
}

// add returns true if this is the user's first known connection anywhere.
func (ct *connTracker) add(userID, connID string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	first := len(ct.conns[userID]) == 0
	if ct.conns[userID] == nil {
		ct.conns[userID] = make(map[string]bool)
	}
	ct.conns[userID][connID] = true
	return first
}

// remove returns true if this was the user's last known connection.
func (ct *connTracker) remove(userID, connID string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if conns, ok := ct.conns[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(ct.conns, userID)
			return true
		}
	}
	return false
}

func (ct *connTracker) hasConns(userID string) bool {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.conns[userID]) > 0
}

func (ct *connTracker) users() []string {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	users := make([]string, 0, len(ct.conns))
	for userID := range ct.conns {
		users = append(users, userID)
	}
	return users
}

func (ct *connTracker) reset() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.conns = make(map[string]map[string]bool)
}
