// Package v1 defines the Parley chat protocol v1 contract.
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
	// TypeHello starts a session handshake and carries the session credential (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake with the verified identity (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeRoomJoin subscribes the session to a room (client -> server).
	TypeRoomJoin = "room_join"
	// TypeRoomLeave unsubscribes the session from a room (client -> server).
	TypeRoomLeave = "room_leave"
	// TypeRoomMessages returns the cached messages of a room after a join (server -> client).
	TypeRoomMessages = "room_messages"

	// TypeMessageSend requests sending a new text or file message (client -> server).
	TypeMessageSend = "message_send"
	// TypeReceiveMessage broadcasts an accepted message to all room members (server -> room).
	TypeReceiveMessage = "receive_message"

	// TypeHistoryFetch requests older messages strictly before a timestamp (client -> server).
	TypeHistoryFetch = "history_fetch"
	// TypeMoreMessages returns an older page to the requesting session only (server -> client).
	TypeMoreMessages = "more_messages"

	// TypeFolderUpdated notifies room members that the room folder changed (server -> room).
	TypeFolderUpdated = "folder_updated"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
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
		TypeRoomMessages,
		TypeMessageSend,
		TypeReceiveMessage,
		TypeHistoryFetch,
		TypeMoreMessages,
		TypeFolderUpdated,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- message shapes ----

// Message kinds (wire-stable).
const (
	KindText = "text"
	KindFile = "file"
)

// FileMeta is the denormalized file metadata served with a file message.
type FileMeta struct {
	FileID    string `json:"file_id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MediaType string `json:"media_type"`
	URL       string `json:"url"`
	Note      string `json:"note,omitempty"`
}

// Message is the canonical, fully resolved message representation on the wire.
// Text carries the body for kind "text"; File carries metadata for kind "file".
type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Kind       string    `json:"kind"`
	Text       string    `json:"text,omitempty"`
	File       *FileMeta `json:"file,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ---- payloads ----

// HelloPayload is sent by the client to authenticate the session.
type HelloPayload struct {
	Token string `json:"token"`
}

// HelloAckPayload confirms authentication and returns the server session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// RoomJoinPayload subscribes the session to a room.
type RoomJoinPayload struct {
	RoomID string `json:"room_id"`
}

// RoomLeavePayload unsubscribes the session from a room.
type RoomLeavePayload struct {
	RoomID string `json:"room_id"`
}

// RoomMessagesPayload carries the cached room history delivered on join.
type RoomMessagesPayload struct {
	RoomID   string    `json:"room_id"`
	Messages []Message `json:"messages"`
}

// FileDescriptor describes an already-uploaded file attached to a message send.
type FileDescriptor struct {
	FileID       string    `json:"file_id"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	MediaType    string    `json:"media_type"`
	LastModified time.Time `json:"last_modified,omitempty"`
	URL          string    `json:"url"`
	Note         string    `json:"note,omitempty"`
}

// MessageSendPayload requests sending a message into a room.
// Exactly one of Text or File must be set.
type MessageSendPayload struct {
	RoomID string          `json:"room_id"`
	Text   string          `json:"text,omitempty"`
	File   *FileDescriptor `json:"file,omitempty"`
}

// ReceiveMessagePayload broadcasts an accepted message to room members.
type ReceiveMessagePayload struct {
	Message Message `json:"message"`
}

// HistoryFetchPayload requests messages strictly older than Before (RFC 3339).
type HistoryFetchPayload struct {
	RoomID string `json:"room_id"`
	Before string `json:"before"`
}

// MoreMessagesPayload returns an older history page to the requesting session.
// EndOfHistory is set when the durable store returned no messages before the
// requested timestamp; callers should treat two consecutive empty pages as
// the definitive end of history.
type MoreMessagesPayload struct {
	RoomID       string    `json:"room_id"`
	Messages     []Message `json:"messages"`
	EndOfHistory bool      `json:"end_of_history"`
}

// FolderUpdatedPayload notifies members that a file message changed the room folder.
type FolderUpdatedPayload struct {
	RoomID   string `json:"room_id"`
	FolderID string `json:"folder_id"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
