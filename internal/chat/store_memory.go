package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemoryStore is a dev/test fallback when the database is not configured.
// It honors the Store contract: idempotent message inserts, set-semantics id
// attachment, and ascending history pages.
type MemoryStore struct {
	mu       sync.Mutex
	chats    map[string]Chat
	messages map[string]StoredMessage
	chatMsgs map[string]map[string]struct{} // chat id -> message id set
	users    map[string]User
	files    map[string]File
	folders  map[string]Folder
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[string]Chat),
		messages: make(map[string]StoredMessage),
		chatMsgs: make(map[string]map[string]struct{}),
		users:    make(map[string]User),
		files:    make(map[string]File),
		folders:  make(map[string]Folder),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// ---- seeding helpers (dev/tests; not part of the Store contract) ----

// PutChat upserts a chat record.
func (s *MemoryStore) PutChat(c Chat) {
	s.mu.Lock()
	s.chats[c.ID] = c
	s.mu.Unlock()
}

// PutUser upserts a user record.
func (s *MemoryStore) PutUser(u User) {
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
}

// PutFolder upserts a folder record.
func (s *MemoryStore) PutFolder(f Folder) {
	s.mu.Lock()
	s.folders[f.ID] = f
	s.mu.Unlock()
}

// MessageIDs returns the persisted message-id set of a chat.
func (s *MemoryStore) MessageIDs(chatID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.chatMsgs[chatID]))
	for id := range s.chatMsgs[chatID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ---- Store contract ----

// FindChat returns a chat record by id.
func (s *MemoryStore) FindChat(ctx context.Context, id string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[id]
	if !ok {
		return Chat{}, ErrNotFound
	}
	return c, nil
}

// FindMessages returns a page of a chat's messages in ascending created-at
// order: the newest Limit rows, or the newest Limit rows strictly before
// q.Before when set.
func (s *MemoryStore) FindMessages(ctx context.Context, chatID string, q MessageQuery) ([]StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}

	s.mu.Lock()
	var rows []StoredMessage
	for id := range s.chatMsgs[chatID] {
		m, ok := s.messages[id]
		if !ok {
			continue
		}
		if q.Before != nil && !m.CreatedAt.Before(*q.Before) {
			continue
		}
		rows = append(rows, m)
	}
	s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})

	if len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return rows, nil
}

// InsertMessages persists a batch idempotently; rows whose id already exists
// count as persisted.
func (s *MemoryStore) InsertMessages(ctx context.Context, msgs []StoredMessage) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	persisted := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" || m.ChatID == "" {
			return persisted, errors.New("chat: invalid message row")
		}
		if _, dup := s.messages[m.ID]; !dup {
			s.messages[m.ID] = m
		}
		persisted = append(persisted, m.ID)
	}
	return persisted, nil
}

// AddMessageIDsToChat attaches message ids to a chat with set semantics.
func (s *MemoryStore) AddMessageIDsToChat(ctx context.Context, chatID string, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.chatMsgs[chatID]
	if set == nil {
		set = make(map[string]struct{})
		s.chatMsgs[chatID] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return nil
}

// FindUser returns a user record by id.
func (s *MemoryStore) FindUser(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// FindFile returns a file record by id.
func (s *MemoryStore) FindFile(ctx context.Context, id string) (File, error) {
	if err := ctx.Err(); err != nil {
		return File{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[id]
	if !ok {
		return File{}, ErrNotFound
	}
	return f, nil
}

// CreateFile stores a new file record.
func (s *MemoryStore) CreateFile(ctx context.Context, f File) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.ID == "" {
		return errors.New("chat: empty file id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.ID] = f
	return nil
}

// FindFolder returns a folder record by id.
func (s *MemoryStore) FindFolder(ctx context.Context, id string) (Folder, error) {
	if err := ctx.Err(); err != nil {
		return Folder{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.folders[id]
	if !ok {
		return Folder{}, ErrNotFound
	}
	out := f
	out.Files = append([]string(nil), f.Files...)
	return out, nil
}

// AddFileToFolder attaches a file id to a folder with set semantics.
func (s *MemoryStore) AddFileToFolder(ctx context.Context, folderID, fileID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.folders[folderID]
	if !ok {
		return ErrNotFound
	}
	for _, id := range f.Files {
		if id == fileID {
			return nil
		}
	}
	f.Files = append(f.Files, fileID)
	s.folders[folderID] = f
	return nil
}
