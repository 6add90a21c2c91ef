package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/nordeim/Sparkle-Community-Hub-sub003/internal/auth"
)

// fakeSocket records written frames and feeds reads from a channel.
type fakeSocket struct {
	mu     sync.Mutex
	frames [][]byte
	reads  chan []byte
	closed bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{reads: make(chan []byte, 16)}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	data, ok := <-s.reads
	if !ok {
		return 0, nil, context.Canceled
	}
	return 1, data, nil
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) SetReadLimit(int64)                {}
func (s *fakeSocket) SetReadDeadline(time.Time) error   { return nil }
func (s *fakeSocket) SetWriteDeadline(time.Time) error  { return nil }
func (s *fakeSocket) SetPongHandler(func(string) error) {}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.reads)
	}
	return nil
}

// envelopes decodes every frame written so far.
func (s *fakeSocket) envelopes(t *testing.T) []Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Envelope, 0, len(s.frames))
	for _, frame := range s.frames {
		var env Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		out = append(out, env)
	}
	return out
}

func testIdentity(userID string) auth.Identity {
	return auth.Identity{UserID: userID, DisplayName: userID, Role: "user"}
}

func newTestHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	if opts.InstanceID == "" {
		opts.InstanceID = "test-instance"
	}
	if opts.Resolver == nil {
		opts.Resolver = auth.ResolverFunc(func(_ context.Context, credential string) (auth.Identity, error) {
			if credential == "" {
				return auth.Identity{}, auth.ErrUnauthorized
			}
			return testIdentity(credential), nil
		})
	}
	return New(opts)
}

// addConn attaches a fake-socket connection without starting its pumps, so
// tests drive handle() directly and read replies from the socket is not
// needed; queued frames are drained with drainSend.
func addConn(h *Hub, userID string) (*Conn, *fakeSocket) {
	ws := newFakeSocket()
	c := newConn(userID+"-conn", testIdentity(userID), ws, h, 16)
	h.connMu.Lock()
	h.conns[c.id] = c
	h.connMu.Unlock()
	h.registry.Join(c, UserRoom(userID))
	h.presence.Connected(userID, c.id)
	return c, ws
}

// drainSend decodes every frame queued on the connection's send channel.
func drainSend(t *testing.T, c *Conn) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case frame := <-c.send:
			var env Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func lastEvent(t *testing.T, c *Conn) Envelope {
	t.Helper()
	envs := drainSend(t, c)
	require.NotEmpty(t, envs)
	return envs[len(envs)-1]
}

func rawPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func clientEvent(t *testing.T, event string, payload any) []byte {
	t.Helper()
	return rawPayload(t, Envelope{Event: event, Payload: rawPayload(t, payload)})
}

// fakeEntry implements nats.KeyValueEntry for watcher tests.
type fakeEntry struct {
	key   string
	value []byte
	op    nats.KeyValueOp
}

func (e fakeEntry) Bucket() string             { return "TEST" }
func (e fakeEntry) Key() string                { return e.key }
func (e fakeEntry) Value() []byte              { return e.value }
func (e fakeEntry) Revision() uint64           { return 1 }
func (e fakeEntry) Created() time.Time         { return time.Time{} }
func (e fakeEntry) Delta() uint64              { return 0 }
func (e fakeEntry) Operation() nats.KeyValueOp { return e.op }
