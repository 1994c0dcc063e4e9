package models

import (
	"encoding/json"
	"fmt"
)

// Protocol event names. Client and server use the same name for events that
// travel in both directions.
const (
	EventJoin         = "join"
	EventJoined       = "joined"
	EventLeave        = "leave"
	EventDisconnected = "disconnected"
	EventCodeChange   = "codeChange"
	EventSyncCode     = "syncCode"
	EventFileCreate   = "fileCreate"
	EventFileDelete   = "fileDelete"
	EventFileRename   = "fileRename"
	EventFileSync     = "fileSync"
	EventError        = "error"
)

// Message is the websocket frame envelope.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload into a Message of the given type.
func NewMessage(eventType string, payload interface{}) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return Message{Type: eventType, Payload: data}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%s: malformed payload: %w", m.Type, err)
	}
	return nil
}

// File is one text file in a room.
type File struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Member is a live connection in a room together with its display name.
type Member struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
}

type JoinPayload struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName"`
}

type JoinedPayload struct {
	Members      []Member `json:"members"`
	DisplayName  string   `json:"displayName"`
	ConnectionID string   `json:"connectionId"`
}

type DisconnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
}

// CodeChangePayload carries a file's full content. RoomID is accepted from
// clients for compatibility but never trusted.
type CodeChangePayload struct {
	RoomID  string `json:"roomId,omitempty"`
	FileID  string `json:"fileId"`
	Content string `json:"content"`
}

type SyncCodePayload struct {
	TargetConnectionID string `json:"targetConnectionId"`
	FileID             string `json:"fileId"`
	Content            string `json:"content"`
}

type FileCreatePayload struct {
	RoomID string `json:"roomId,omitempty"`
	File   File   `json:"file"`
}

type FileDeletePayload struct {
	RoomID string `json:"roomId,omitempty"`
	FileID string `json:"fileId"`
}

type FileRenamePayload struct {
	RoomID  string `json:"roomId,omitempty"`
	FileID  string `json:"fileId"`
	NewName string `json:"newName"`
}

type FileSyncPayload struct {
	Files []File `json:"files"`
}

// ErrorPayload is sent only to the connection whose event was rejected.
type ErrorPayload struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}
