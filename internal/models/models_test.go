package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireFormat(t *testing.T) {
	msg, err := NewMessage(EventJoined, JoinedPayload{
		Members:      []Member{{ConnectionID: "c1", DisplayName: "alice"}},
		DisplayName:  "alice",
		ConnectionID: "c1",
	})
	require.NoError(t, err)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "joined",
		"payload": {
			"members": [{"connectionId": "c1", "displayName": "alice"}],
			"displayName": "alice",
			"connectionId": "c1"
		}
	}`, string(data))
}

func TestOutboundCodeChangeOmitsRoom(t *testing.T) {
	msg, err := NewMessage(EventCodeChange, CodeChangePayload{FileID: "f1", Content: "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"fileId":"f1","content":"x"}`, string(msg.Payload))
}

func TestDecode(t *testing.T) {
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"type":"fileRename","payload":{"roomId":"r9","fileId":"f1","newName":"a.js"}}`), &msg))

	var p FileRenamePayload
	require.NoError(t, msg.Decode(&p))
	assert.Equal(t, FileRenamePayload{RoomID: "r9", FileID: "f1", NewName: "a.js"}, p)

	assert.Error(t, Message{Type: EventLeave}.Decode(&p))
	assert.Error(t, Message{Type: EventFileRename, Payload: json.RawMessage(`[1,2]`)}.Decode(&p))
}
