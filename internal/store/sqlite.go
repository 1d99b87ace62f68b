package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Timestamps are stored as fixed-width UTC text so that string order is time order.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens a pooled handle on the database at path and creates the
// schema if needed. maxOpenConns <= 0 leaves the pool unbounded.
func NewSQLiteStore(path string, maxOpenConns int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if isMemory(path) {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// dataSourceName adds the per-connection pragmas. Foreign keys must be enabled
// on every pooled connection for the cascade to fire, and write transactions
// take the lock up front so concurrent writers queue on busy_timeout instead
// of failing on lock upgrade.
func dataSourceName(path string) string {
	params := "_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if !isMemory(path) {
		params += "&_journal_mode=WAL"
	}
	if path == ":memory:" {
		path = "file::memory:"
	} else if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS conversations (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        title TEXT NOT NULL,
        system_prompt TEXT NOT NULL DEFAULT '',
        created_at TEXT NOT NULL,
        updated_at TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS messages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        conversation_id INTEGER NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
        content TEXT NOT NULL,
        created_at TEXT NOT NULL,
        FOREIGN KEY (conversation_id) REFERENCES conversations (id) ON DELETE CASCADE
    );

    CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages (conversation_id, id);
    `
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

func parseTimestamp(value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		// Rows written by other tools may carry a different ISO-8601 precision.
		t, err = time.Parse(time.RFC3339Nano, value)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", value, err)
	}
	return t.UTC(), nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// touch refreshes updated_at without ever moving it backwards.
func (s *SQLiteStore) touch(ctx context.Context, tx *sql.Tx, conversationID int64) error {
	_, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at = MAX(updated_at, ?) WHERE id = ?", s.timestamp(), conversationID)
	if err != nil {
		return fmt.Errorf("failed to refresh conversation timestamp: %w", err)
	}
	return nil
}

// Conversation methods

// CreateConversation inserts a conversation with created_at == updated_at and
// returns its id. A blank title falls back to DefaultConversationTitle.
func (s *SQLiteStore) CreateConversation(ctx context.Context, title, systemPrompt string) (int64, error) {
	if strings.TrimSpace(title) == "" {
		title = DefaultConversationTitle
	}
	now := s.timestamp()

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO conversations (title, system_prompt, created_at, updated_at) VALUES (?, ?, ?, ?)",
		title, systemPrompt, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read conversation id: %w", err)
	}
	return id, nil
}

// ListConversations returns every conversation, most recently active first.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT c.id, c.title, c.system_prompt, c.created_at, c.updated_at,
               COUNT(m.id) AS message_count
        FROM conversations c
        LEFT JOIN messages m ON m.conversation_id = c.id
        GROUP BY c.id
        ORDER BY c.updated_at DESC, c.id DESC
    `)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]ConversationSummary, 0)
	for rows.Next() {
		var (
			summary          ConversationSummary
			created, updated string
		)
		if err := rows.Scan(&summary.ID, &summary.Title, &summary.SystemPrompt, &created, &updated, &summary.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		if summary.CreatedAt, err = parseTimestamp(created); err != nil {
			return nil, err
		}
		if summary.UpdatedAt, err = parseTimestamp(updated); err != nil {
			return nil, err
		}
		conversations = append(conversations, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}
	return conversations, nil
}

// GetConversation returns nil, nil when no conversation has the given id.
func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	var (
		conv             Conversation
		created, updated string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, title, system_prompt, created_at, updated_at FROM conversations WHERE id = ?", id,
	).Scan(&conv.ID, &conv.Title, &conv.SystemPrompt, &created, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if conv.CreatedAt, err = parseTimestamp(created); err != nil {
		return nil, err
	}
	if conv.UpdatedAt, err = parseTimestamp(updated); err != nil {
		return nil, err
	}
	return &conv, nil
}

// UpdateConversation changes the non-nil fields and always refreshes
// updated_at. An unknown id is not an error. An explicitly empty title resets
// it to DefaultConversationTitle.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, id int64, title, systemPrompt *string) error {
	var (
		sets []string
		args []any
	)
	if title != nil {
		t := *title
		if strings.TrimSpace(t) == "" {
			t = DefaultConversationTitle
		}
		sets = append(sets, "title = ?")
		args = append(args, t)
	}
	if systemPrompt != nil {
		sets = append(sets, "system_prompt = ?")
		args = append(args, *systemPrompt)
	}
	sets = append(sets, "updated_at = MAX(updated_at, ?)")
	args = append(args, s.timestamp(), id)

	query := "UPDATE conversations SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return nil
}

// DeleteConversation removes the conversation; its messages go with it via
// ON DELETE CASCADE. It reports whether a row was deleted.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read deleted rows: %w", err)
	}
	return affected > 0, nil
}

// Message methods

// ListMessages returns the conversation's messages in id order. It does not
// check that the conversation exists.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, conversation_id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY id ASC",
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var (
			msg     Message
			created string
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &created); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if msg.CreatedAt, err = parseTimestamp(created); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// AppendMessage inserts one message and refreshes the conversation's updated_at.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID int64, role Role, content string) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)",
			conversationID, string(role), content, s.timestamp()); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return s.touch(ctx, tx, conversationID)
	})
}

// ReplaceMessages swaps the conversation's whole message set for messages, in
// order, in one transaction. An empty slice leaves the conversation empty.
func (s *SQLiteStore) ReplaceMessages(ctx context.Context, conversationID int64, messages []NewMessage) error {
	for _, m := range messages {
		if !m.Role.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidRole, m.Role)
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, "INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)")
		if err != nil {
			return fmt.Errorf("failed to prepare message insert: %w", err)
		}
		defer stmt.Close()

		now := s.timestamp()
		for _, m := range messages {
			if _, err := stmt.ExecContext(ctx, conversationID, string(m.Role), m.Content, now); err != nil {
				return fmt.Errorf("failed to insert message: %w", err)
			}
		}
		return s.touch(ctx, tx, conversationID)
	})
}
