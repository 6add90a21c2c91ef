package hub

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDomainRoom(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		payload string
		want    RoomID
		wantErr bool
	}{
		{"explicit room wins", "comment:create", `{"room":"post:7","postId":42}`, "post:7", false},
		{"numeric postId", "comment:create", `{"postId":42}`, "post:42", false},
		{"string postId", "comment:create", `{"postId":"42"}`, "post:42", false},
		{"reaction targets post", "reaction:add", `{"postId":9,"emoji":"🔥"}`, "post:9", false},
		{"watchparty targets party", "watchparty:sync", `{"partyId":"movie-night","position":12.5}`, "watchparty:movie-night", false},
		{"no target", "comment:create", `{"body":"hi"}`, "", true},
		{"null target", "comment:create", `{"postId":null}`, "", true},
		{"empty payload", "comment:create", ``, "", true},
		{"invalid room", "comment:create", `{"room":"nope"}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room, err := resolveDomainRoom(tt.event, json.RawMessage(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, room)
		})
	}
}

func TestEnrichSender(t *testing.T) {
	sender := testIdentity("alice")

	enriched, err := enrichSender(json.RawMessage(`{"body":"hi","postId":42}`), sender)
	require.NoError(t, err)

	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(enriched, &got))
	assert.Equal(t, `"hi"`, string(got["body"]))
	assert.Contains(t, got, "postId")

	var gotSender struct {
		UserID      string `json:"userId"`
		DisplayName string `json:"displayName"`
	}
	require.NoError(t, json.Unmarshal(got["sender"], &gotSender))
	assert.Equal(t, "alice", gotSender.UserID)
}

func TestEnrichSenderEmptyPayload(t *testing.T) {
	enriched, err := enrichSender(nil, testIdentity("alice"))
	require.NoError(t, err)

	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(enriched, &got))
	assert.Contains(t, got, "sender")
}

func TestEnrichSenderRejectsNonObject(t *testing.T) {
	_, err := enrichSender(json.RawMessage(`[1,2,3]`), testIdentity("alice"))
	assert.Error(t, err)
}

func TestEncodeEnvelope(t *testing.T) {
	frame := encodeEnvelope(EventViewersUpdate, ViewersPayload{ResourceID: "post:42", Count: 3})

	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, EventViewersUpdate, env.Event)

	var p ViewersPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, int64(3), p.Count)
}
