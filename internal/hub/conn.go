package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nordeim/Sparkle-Community-Hub-sub003/internal/auth"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// socket is the slice of *websocket.Conn the pumps need; tests substitute a
// recorder.
type socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Conn is one authenticated client connection. It is owned exclusively by
// the hub instance that accepted the socket and destroyed on disconnect.
// The identity is immutable for the connection's lifetime.
type Conn struct {
	id       string
	identity auth.Identity
	ws       socket
	send     chan []byte
	hub      *Hub
	joinedAt time.Time

	mu       sync.Mutex
	rooms    map[RoomID]struct{}
	closed   bool
	closeMsg []byte

	teardown sync.Once
}

func newConn(id string, identity auth.Identity, ws socket, h *Hub, sendBuffer int) *Conn {
	return &Conn{
		id:       id,
		identity: identity,
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		hub:      h,
		joinedAt: time.Now(),
		rooms:    make(map[RoomID]struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Identity returns the identity resolved at connect time.
func (c *Conn) Identity() auth.Identity { return c.identity }

// Send queues an encoded frame without blocking. Frames to a slow client are
// dropped, not queued unboundedly. The lock is held across the non-blocking
// send so teardown cannot close the channel mid-send.
func (c *Conn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.hub.noteDroppedFrame(c)
		return false
	}
}

// closeSend closes the outbound queue after teardown marked the connection
// closed. Safe against concurrent Send because both hold c.mu.
func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.send != nil {
		close(c.send)
		c.send = nil
	}
}

// setCloseMessage sets the close frame writePump emits once the send queue
// drains. The pump is the socket's only writer; callers hand it the frame
// rather than writing to the socket themselves.
func (c *Conn) setCloseMessage(msg []byte) {
	c.mu.Lock()
	c.closeMsg = msg
	c.mu.Unlock()
}

func (c *Conn) closeMessage() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeMsg
}

func (c *Conn) sendEvent(event string, payload any) bool {
	return c.Send(encodeEnvelope(event, payload))
}

func (c *Conn) sendError(code, message string) {
	c.sendEvent(EventError, ErrorPayload{Code: code, Message: message})
}

func (c *Conn) addRoom(room RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, ok := c.rooms[room]; ok {
		return false
	}
	c.rooms[room] = struct{}{}
	return true
}

func (c *Conn) removeRoom(room RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; !ok {
		return false
	}
	delete(c.rooms, room)
	return true
}

// clearRooms empties the joined set and marks the connection closed so no
// new joins can race with teardown.
func (c *Conn) clearRooms() []RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	rooms := make([]RoomID, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.rooms = make(map[RoomID]struct{})
	return rooms
}

func (c *Conn) inRoom(room RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// Rooms returns a snapshot of the joined rooms.
func (c *Conn) Rooms() []RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]RoomID, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

func (c *Conn) start() {
	go c.writePump()
	go c.readPump()
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.disconnect(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.hub.maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.heartbeat(c)
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Debug("read error", "connId", c.id, "error", err)
			}
			return
		}
		c.hub.handle(c, data)
	}
}

func (c *Conn) writePump() {
	send := c.send
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, c.closeMessage())
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
