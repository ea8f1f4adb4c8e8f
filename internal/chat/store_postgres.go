package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Idempotency model:
// - Message inserts use ON CONFLICT (id) DO NOTHING: a conflicting row means
//   the message is already durably recorded and counts as persisted.
// - chat_messages and folder_files are plain id-pair tables with primary-key
//   conflicts ignored, which gives the add-if-absent set semantics the flush
//   contract requires.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "parley").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "parley",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// FindChat returns a chat record by id.
func (s *PostgresStore) FindChat(ctx context.Context, id string) (Chat, error) {
	if s == nil || s.pool == nil {
		return Chat{}, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}

	chats := pgIdent(s.schema, "chats")

	var c Chat
	err := s.pool.QueryRow(ctx,
		`SELECT id, folder_id FROM `+chats+` WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.FolderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, ErrNotFound
	}
	if err != nil {
		return Chat{}, err
	}
	return c, nil
}

// FindMessages returns the newest q.Limit messages of a chat in ascending
// created-at order, restricted to rows strictly before q.Before when set.
func (s *PostgresStore) FindMessages(ctx context.Context, chatID string, q MessageQuery) ([]StoredMessage, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if chatID == "" {
		return nil, errors.New("chat: missing chat id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}

	messages := pgIdent(s.schema, "messages")

	// Newest-first selection, re-ordered ascending for the caller.
	var (
		rows pgx.Rows
		err  error
	)
	if q.Before == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT id, chat_id, sender_id, kind, body, created_at, updated_at
			   FROM (
			     SELECT id, chat_id, sender_id, kind, body, created_at, updated_at
			       FROM `+messages+`
			      WHERE chat_id = $1
			      ORDER BY created_at DESC, id DESC
			      LIMIT $2
			   ) page
			  ORDER BY created_at ASC, id ASC`,
			chatID, limit,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, chat_id, sender_id, kind, body, created_at, updated_at
			   FROM (
			     SELECT id, chat_id, sender_id, kind, body, created_at, updated_at
			       FROM `+messages+`
			      WHERE chat_id = $1 AND created_at < $2
			      ORDER BY created_at DESC, id DESC
			      LIMIT $3
			   ) page
			  ORDER BY created_at ASC, id ASC`,
			chatID, *q.Before, limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]StoredMessage, 0, limit)
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Kind, &m.Body, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// InsertMessages persists a batch idempotently. It returns the ids confirmed
// durable so far; on a mid-batch error the caller keeps the rest dirty.
func (s *PostgresStore) InsertMessages(ctx context.Context, msgs []StoredMessage) ([]string, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")

	persisted := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" || m.ChatID == "" {
			return persisted, errors.New("chat: invalid message row")
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO `+messages+` (id, chat_id, sender_id, kind, body, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO NOTHING`,
			m.ID, m.ChatID, m.SenderID, m.Kind, m.Body, m.CreatedAt, m.UpdatedAt,
		); err != nil {
			return persisted, fmt.Errorf("insert message: %w", err)
		}
		persisted = append(persisted, m.ID)
	}
	return persisted, nil
}

// AddMessageIDsToChat attaches message ids to a chat with set semantics.
func (s *PostgresStore) AddMessageIDsToChat(ctx context.Context, chatID string, ids []string) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	chatMessages := pgIdent(s.schema, "chat_messages")

	for _, id := range ids {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO `+chatMessages+` (chat_id, message_id)
			 VALUES ($1, $2)
			 ON CONFLICT (chat_id, message_id) DO NOTHING`,
			chatID, id,
		); err != nil {
			return fmt.Errorf("attach message id: %w", err)
		}
	}
	return nil
}

// FindUser returns a user record by id.
func (s *PostgresStore) FindUser(ctx context.Context, id string) (User, error) {
	if s == nil || s.pool == nil {
		return User{}, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	users := pgIdent(s.schema, "users")

	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, surname, username, COALESCE(avatar, ''), role FROM `+users+` WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Name, &u.Surname, &u.Username, &u.Avatar, &u.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// FindFile returns a file record by id.
func (s *PostgresStore) FindFile(ctx context.Context, id string) (File, error) {
	if s == nil || s.pool == nil {
		return File{}, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return File{}, err
	}

	files := pgIdent(s.schema, "files")

	var f File
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, url, size, media_type, COALESCE(note, '') FROM `+files+` WHERE id = $1`,
		id,
	).Scan(&f.ID, &f.Name, &f.URL, &f.Size, &f.MediaType, &f.Note)
	if errors.Is(err, pgx.ErrNoRows) {
		return File{}, ErrNotFound
	}
	if err != nil {
		return File{}, err
	}
	return f, nil
}

// CreateFile stores a new file record.
func (s *PostgresStore) CreateFile(ctx context.Context, f File) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if f.ID == "" {
		return errors.New("chat: empty file id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	files := pgIdent(s.schema, "files")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+files+` (id, name, url, size, media_type, note)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		f.ID, f.Name, f.URL, f.Size, f.MediaType, f.Note,
	)
	return err
}

// FindFolder returns a folder record with its file-id set.
func (s *PostgresStore) FindFolder(ctx context.Context, id string) (Folder, error) {
	if s == nil || s.pool == nil {
		return Folder{}, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Folder{}, err
	}

	folders := pgIdent(s.schema, "folders")
	folderFiles := pgIdent(s.schema, "folder_files")

	var f Folder
	err := s.pool.QueryRow(ctx,
		`SELECT id, name FROM `+folders+` WHERE id = $1`,
		id,
	).Scan(&f.ID, &f.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return Folder{}, ErrNotFound
	}
	if err != nil {
		return Folder{}, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT file_id FROM `+folderFiles+` WHERE folder_id = $1`,
		id,
	)
	if err != nil {
		return Folder{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var fileID string
		if err := rows.Scan(&fileID); err != nil {
			return Folder{}, err
		}
		f.Files = append(f.Files, fileID)
	}
	if err := rows.Err(); err != nil {
		return Folder{}, err
	}
	return f, nil
}

// AddFileToFolder attaches a file id to a folder with set semantics.
func (s *PostgresStore) AddFileToFolder(ctx context.Context, folderID, fileID string) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	folderFiles := pgIdent(s.schema, "folder_files")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+folderFiles+` (folder_id, file_id)
		 VALUES ($1, $2)
		 ON CONFLICT (folder_id, file_id) DO NOTHING`,
		folderID, fileID,
	)
	return err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
