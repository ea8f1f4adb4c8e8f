package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "parley/contracts/chat/v1"
	"parley/internal/metrics"

	"github.com/google/uuid"
)

// Message kinds, aligned with the wire contract.
const (
	KindText = v1.KindText
	KindFile = v1.KindFile
)

// FileMeta is the denormalized file metadata carried by an in-memory file message.
type FileMeta struct {
	FileID    string
	Name      string
	Size      int64
	MediaType string
	URL       string
	Note      string
}

// Message is the canonical, broadcast-ready message representation.
// Sender display name is resolved once at creation, not re-resolved per read.
type Message struct {
	ID         string
	RoomID     string
	SenderID   string
	SenderName string
	Kind       string
	Text       string   // body for KindText
	File       FileMeta // metadata for KindFile
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Wire converts the message to its wire representation.
func (m Message) Wire() v1.Message {
	out := v1.Message{
		ID:         m.ID,
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Kind:       m.Kind,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
	switch m.Kind {
	case KindFile:
		out.File = &v1.FileMeta{
			FileID:    m.File.FileID,
			Name:      m.File.Name,
			Size:      m.File.Size,
			MediaType: m.File.MediaType,
			URL:       m.File.URL,
			Note:      m.File.Note,
		}
	default:
		out.Text = m.Text
	}
	return out
}

// Stored converts the message to its durable row. File messages persist only
// the file id; metadata stays in the File record.
func (m Message) Stored() StoredMessage {
	body := m.Text
	if m.Kind == KindFile {
		body = m.File.FileID
	}
	return StoredMessage{
		ID:        m.ID,
		ChatID:    m.RoomID,
		SenderID:  m.SenderID,
		Kind:      m.Kind,
		Body:      body,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// Sender is the verified identity a message is attributed to.
type Sender struct {
	ID          string
	DisplayName string
}

// FileDescriptor is the inbound descriptor of an already-uploaded file.
type FileDescriptor struct {
	FileID       string
	Name         string
	Size         int64
	MediaType    string
	LastModified time.Time
	URL          string
	Note         string
}

// Builder converts raw inbound payloads plus sender identity into canonical
// messages, including the file-record side effects for file payloads.
type Builder struct {
	log   *slog.Logger
	store Store
}

// NewBuilder constructs a Builder.
func NewBuilder(log *slog.Logger, store Store) *Builder {
	return &Builder{log: log, store: store}
}

// Text builds a canonical text message.
func (b *Builder) Text(roomID string, from Sender, body string, now time.Time) (Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Message{}, fmt.Errorf("%w: empty text", ErrMalformedPayload)
	}
	if len([]rune(body)) > maxMessageChars {
		return Message{}, fmt.Errorf("%w: message too long: max=%d chars", ErrMalformedPayload, maxMessageChars)
	}

	id, err := NewMessageID(now)
	if err != nil {
		return Message{}, err
	}

	return Message{
		ID:         id,
		RoomID:     roomID,
		SenderID:   from.ID,
		SenderName: from.DisplayName,
		Kind:       KindText,
		Text:       body,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// File builds a canonical file message.
//
// Side-effect sequence (must complete before the payload counts as a file
// message): resolve the room's folder, create the File record, attach the
// file id to the folder. Any failed step degrades the send to a
// malformed-payload error for the sender; the folder lookup runs first so no
// File record is created for rooms without a resolvable folder.
//
// Returns the message and the updated folder id for the folder_updated
// notification.
func (b *Builder) File(ctx context.Context, roomID string, from Sender, desc FileDescriptor, now time.Time) (Message, string, error) {
	if strings.TrimSpace(desc.Name) == "" || strings.TrimSpace(desc.URL) == "" {
		return Message{}, "", fmt.Errorf("%w: file descriptor missing name or url", ErrMalformedPayload)
	}

	room, err := b.store.FindChat(ctx, roomID)
	if err != nil {
		b.log.Warn("message.file.chat_lookup.fail", "room_id", roomID, "err", err)
		metrics.StoreErrors.WithLabelValues("find_chat").Inc()
		return Message{}, "", fmt.Errorf("%w: unknown room", ErrMalformedPayload)
	}

	folder, err := b.store.FindFolder(ctx, room.FolderID)
	if err != nil {
		b.log.Warn("message.file.folder_lookup.fail", "room_id", roomID, "folder_id", room.FolderID, "err", err)
		metrics.StoreErrors.WithLabelValues("find_folder").Inc()
		return Message{}, "", fmt.Errorf("%w: unknown folder", ErrMalformedPayload)
	}

	fileID := strings.TrimSpace(desc.FileID)
	if fileID == "" {
		fileID = uuid.NewString()
	}

	rec := File{
		ID:        fileID,
		Name:      desc.Name,
		URL:       desc.URL,
		Size:      desc.Size,
		MediaType: desc.MediaType,
		Note:      desc.Note,
	}
	if err := b.store.CreateFile(ctx, rec); err != nil {
		b.log.Warn("message.file.create.fail", "room_id", roomID, "file_id", fileID, "err", err)
		metrics.StoreErrors.WithLabelValues("create_file").Inc()
		return Message{}, "", fmt.Errorf("%w: file record rejected", ErrMalformedPayload)
	}

	if err := b.store.AddFileToFolder(ctx, folder.ID, fileID); err != nil {
		// The File record may remain orphaned; the message is degraded rather
		// than broadcast half-attached.
		b.log.Warn("message.file.attach.fail", "room_id", roomID, "folder_id", folder.ID, "file_id", fileID, "err", err)
		metrics.StoreErrors.WithLabelValues("add_file_to_folder").Inc()
		return Message{}, "", fmt.Errorf("%w: folder attach failed", ErrMalformedPayload)
	}

	id, err := NewMessageID(now)
	if err != nil {
		return Message{}, "", err
	}

	return Message{
		ID:         id,
		RoomID:     roomID,
		SenderID:   from.ID,
		SenderName: from.DisplayName,
		Kind:       KindFile,
		File: FileMeta{
			FileID:    fileID,
			Name:      desc.Name,
			Size:      desc.Size,
			MediaType: desc.MediaType,
			URL:       desc.URL,
			Note:      desc.Note,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}, folder.ID, nil
}
