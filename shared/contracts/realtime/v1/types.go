// Package v1 defines the Neighborly Realtime Protocol v1 contract.
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
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeRoomJoin joins a room (client -> server) and is echoed back.
	TypeRoomJoin = "room_join"
	// TypeRoomLeave leaves a room (client -> server).
	TypeRoomLeave = "room_leave"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew broadcasts a newly accepted message (server -> room members).
	TypeMessageNew = "message_new"

	// TypeMarkRead acknowledges reading a room up to now (client -> server).
	TypeMarkRead = "mark_read"
	// TypeUnreadUpdate pushes fresh unread counts (server -> client).
	TypeUnreadUpdate = "unread_update"

	// TypeSessionReplaced informs a connection it was superseded by a newer
	// session of the same user (server -> client, sent before closure).
	TypeSessionReplaced = "session_replaced"
	// TypeForceDisconnect informs a connection it is being terminated,
	// e.g. on logout (server -> client, sent before closure).
	TypeForceDisconnect = "force_disconnect"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Session-end reason codes (wire-stable).
const (
	ReasonLogout     = "logout"
	ReasonNewSession = "new_session"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitzero"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
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
	case TypeHello,
		TypeHelloAck,
		TypeRoomJoin,
		TypeRoomLeave,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeMarkRead,
		TypeUnreadUpdate,
		TypeSessionReplaced,
		TypeForceDisconnect,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
// Token is an opaque credential verified by the server's identity boundary.
type HelloPayload struct {
	Token string `json:"token"`
}

// HelloAckPayload carries the server-assigned session id and the verified user.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// RoomJoinPayload requests membership in a room's live broadcast group.
type RoomJoinPayload struct {
	RoomID string `json:"room_id"`
	Kind   string `json:"kind,omitempty"`
}

// RoomLeavePayload leaves a room's live broadcast group.
type RoomLeavePayload struct {
	RoomID string `json:"room_id"`
}

// MessageSendPayload requests sending a message into a room.
type MessageSendPayload struct {
	RoomID  string `json:"room_id"`
	Text    string `json:"text"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// MessageAckPayload acknowledges a send request and returns the canonical server id.
type MessageAckPayload struct {
	RoomID    string    `json:"room_id"`
	MessageID string    `json:"message_id"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageNewPayload is broadcast when a new visible message is accepted.
type MessageNewPayload struct {
	RoomID    string    `json:"room_id"`
	MessageID string    `json:"message_id"`
	AuthorID  string    `json:"author_id"`
	Text      string    `json:"text"`
	ReplyTo   string    `json:"reply_to,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MarkReadPayload acknowledges reading a room up to the time of receipt.
type MarkReadPayload struct {
	RoomID string `json:"room_id"`
}

// UnreadUpdatePayload pushes a fresh unread count for one room.
type UnreadUpdatePayload struct {
	RoomID string `json:"room_id"`
	Kind   string `json:"kind"`
	Unread int64  `json:"unread"`
}

// SessionEndPayload carries the reason for a server-initiated session end.
// Used by both session_replaced and force_disconnect.
type SessionEndPayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
