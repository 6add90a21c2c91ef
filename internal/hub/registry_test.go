package hub

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryJoinLeave(t *testing.T) {
	h := newTestHub(t, Options{})
	r := h.registry
	c, _ := addConn(h, "alice")
	room := PostRoom("42")

	assert.True(t, r.Join(c, room))
	assert.False(t, r.Join(c, room), "second join must be a no-op")
	assert.Equal(t, 1, r.Count(room))

	assert.True(t, r.Leave(c, room))
	assert.False(t, r.Leave(c, room), "second leave must be a no-op")
	assert.Equal(t, 0, r.Count(room))
}

func TestRegistryRemoveAll(t *testing.T) {
	h := newTestHub(t, Options{})
	r := h.registry
	c, _ := addConn(h, "alice")

	r.Join(c, PostRoom("1"))
	r.Join(c, PostRoom("2"))
	r.Join(c, RoomID("group:gophers"))

	rooms := r.RemoveAll(c)
	assert.Len(t, rooms, 4) // three explicit joins plus the auto-joined user room
	for _, room := range rooms {
		assert.Equal(t, 0, r.Count(room))
	}
	assert.Empty(t, c.Rooms())

	// A closed connection cannot rejoin.
	assert.False(t, r.Join(c, PostRoom("1")))
}

func TestRegistryDeliverExcludesSender(t *testing.T) {
	h := newTestHub(t, Options{})
	r := h.registry
	alice, _ := addConn(h, "alice")
	bob, _ := addConn(h, "bob")
	room := PostRoom("42")
	r.Join(alice, room)
	r.Join(bob, room)

	frame := encodeEnvelope(EventCommentNew, map[string]string{"body": "hi"})
	delivered := r.Deliver(room, frame, alice)

	require.Equal(t, 1, delivered)
	assert.Empty(t, drainSend(t, alice))
	got := lastEvent(t, bob)
	assert.Equal(t, EventCommentNew, got.Event)
}

func TestRegistryDeliverUnknownRoom(t *testing.T) {
	h := newTestHub(t, Options{})
	assert.Equal(t, 0, h.registry.Deliver(PostRoom("missing"), []byte("{}"), nil))
}

func TestRegistryPostRooms(t *testing.T) {
	h := newTestHub(t, Options{})
	r := h.registry
	alice, _ := addConn(h, "alice")
	bob, _ := addConn(h, "bob")
	r.Join(alice, PostRoom("42"))
	r.Join(bob, PostRoom("42"))
	r.Join(alice, RoomID("group:gophers"))

	counts := r.PostRooms()
	assert.Equal(t, map[RoomID]int{PostRoom("42"): 2}, counts)
}

func TestRegistryConcurrentMembership(t *testing.T) {
	h := newTestHub(t, Options{})
	r := h.registry

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _ := addConn(h, fmt.Sprintf("user%d", i))
			for j := 0; j < 50; j++ {
				room := PostRoom(fmt.Sprintf("%d", j%5))
				r.Join(c, room)
				r.Leave(c, room)
			}
			r.RemoveAll(c)
		}(i)
	}
	wg.Wait()

	assert.Empty(t, r.PostRooms())
}
