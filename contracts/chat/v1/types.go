// Package v1 defines the chatrelay wire protocol.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeRegister claims a user identity for the connection (client -> server).
	TypeRegister = "register"
	// TypeRosterUpdate carries the full ordered roster of online users
	// (server -> all connections, on every membership change).
	TypeRosterUpdate = "roster-update"

	// TypeMessageSend submits a chat message (client -> server).
	TypeMessageSend = "send-message"
	// TypeMessageBroadcast delivers a persisted message (server -> all
	// connections), or a system-authored failure notice (server -> sender only).
	TypeMessageBroadcast = "message-broadcast"

	// TypeHistoryFetch requests the most recent persisted messages (client -> server).
	TypeHistoryFetch = "history-fetch"
	// TypeHistoryChunk returns a window of history, ascending by timestamp (server -> client).
	TypeHistoryChunk = "history-chunk"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeRegister,
		TypeRosterUpdate,
		TypeMessageSend,
		TypeMessageBroadcast,
		TypeHistoryFetch,
		TypeHistoryChunk:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// RegisterPayload claims a user identity for the sending connection.
// UserID is an opaque, already-asserted identifier; the relay performs no
// verification beyond non-empty-after-trim.
type RegisterPayload struct {
	UserID string `json:"user_id"`
}

// RosterEntry is one online user: the claimed identity and the connection
// currently speaking for it.
type RosterEntry struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// RosterUpdatePayload is the full roster in registration order.
type RosterUpdatePayload struct {
	Users []RosterEntry `json:"users"`
}

// MessageSendPayload submits a chat message for fan-out.
type MessageSendPayload struct {
	SenderID string `json:"sender_id"`
	Text     string `json:"text"`
}

// MessageBroadcastPayload delivers a message. Timestamp is the server-side
// admission time in milliseconds since the Unix epoch. ID is the identifier
// assigned by the persistence log; it is absent on the system failure notice.
type MessageBroadcastPayload struct {
	SenderID  string `json:"sender_id"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id,omitempty"`
}

// HistoryFetchPayload requests the last Limit persisted messages.
type HistoryFetchPayload struct {
	Limit int `json:"limit,omitempty"`
}

// HistoryChunkPayload returns messages ascending by timestamp.
type HistoryChunkPayload struct {
	Messages []MessageBroadcastPayload `json:"messages"`
}
