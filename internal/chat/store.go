// Package chat contains Parley's room cache, write-back flush engine,
// history hydration, session management, and WebSocket gateway.
package chat

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store lookups when a record does not exist.
var ErrNotFound = errors.New("chat: not found")

// Chat is the durable room record. FolderID points at the folder that
// collects the files shared inside the room.
type Chat struct {
	ID       string
	FolderID string
}

// User is the durable user record (owned by the external user service).
type User struct {
	ID       string
	Name     string
	Surname  string
	Username string
	Avatar   string
	Role     string
}

// File is the durable file record created as a side effect of a file message.
type File struct {
	ID        string
	Name      string
	URL       string
	Size      int64
	MediaType string
	Note      string
}

// Folder is the durable folder record holding a room's file ids.
type Folder struct {
	ID    string
	Name  string
	Files []string
}

// StoredMessage is the persisted message row. For file messages, Body holds
// only the file id; metadata is denormalized from the File record on read.
type StoredMessage struct {
	ID        string
	ChatID    string
	SenderID  string
	Kind      string // KindText or KindFile
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageQuery selects a history page. Before, when set, restricts results to
// messages created strictly before that instant.
type MessageQuery struct {
	Before *time.Time
	Limit  int
}

// Store is the durable record store consumed by the core.
//
// Requirements:
//   - InsertMessages is idempotent per message id: a message already persisted
//     counts as persisted, never as a failure.
//   - AddMessageIDsToChat has set semantics (add-if-absent) so retried or
//     concurrent flushes converge.
//   - FindMessages returns the page in ascending created-at order.
type Store interface {
	FindChat(ctx context.Context, id string) (Chat, error)
	FindMessages(ctx context.Context, chatID string, q MessageQuery) ([]StoredMessage, error)
	InsertMessages(ctx context.Context, msgs []StoredMessage) (persisted []string, err error)
	AddMessageIDsToChat(ctx context.Context, chatID string, ids []string) error

	FindUser(ctx context.Context, id string) (User, error)

	FindFile(ctx context.Context, id string) (File, error)
	CreateFile(ctx context.Context, f File) error
	FindFolder(ctx context.Context, id string) (Folder, error)
	AddFileToFolder(ctx context.Context, folderID, fileID string) error

	Close() error
}
