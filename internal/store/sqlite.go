package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/stockchat/internal/domain"
	"github.com/ashureev/stockchat/internal/shared"
)

const (
	saveRetries   = 3
	saveBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements ConversationRepository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	writeM sync.Mutex // serializes writers to keep SQLITE_BUSY rare
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets readers proceed while a turn is being saved.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversations (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		snapshot BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// SaveConversation upserts the conversation, retrying while the database
// is busy.
func (s *SQLiteStore) SaveConversation(ctx context.Context, state domain.ConversationState) error {
	snapshot, err := EncodeSnapshot(state)
	if err != nil {
		return err
	}
	rec := state.ChatRecord()

	query := `
	INSERT INTO conversations (session_id, user_id, title, path, message_count, snapshot, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		title = CASE WHEN conversations.title = '' THEN excluded.title ELSE conversations.title END,
		message_count = excluded.message_count,
		snapshot = excluded.snapshot,
		updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, "save conversation", saveRetries, saveBaseDelay, func() error {
		s.writeM.Lock()
		defer s.writeM.Unlock()
		_, err := s.db.ExecContext(ctx, query,
			rec.ID, rec.UserID, rec.Title, rec.Path, rec.Messages, snapshot,
			rec.CreatedAt.UnixMilli(), time.Now().UnixMilli(),
		)
		return err
	})
}

// LoadConversation returns the saved state of a session.
func (s *SQLiteStore) LoadConversation(ctx context.Context, sessionID string) (*domain.ConversationState, error) {
	var snapshot []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM conversations WHERE session_id = ?`, sessionID,
	).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return DecodeSnapshot(snapshot)
}

// ListConversations returns the chat records of userID, newest first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]domain.Chat, error) {
	query := `
		SELECT session_id, user_id, title, path, message_count, created_at, updated_at
		FROM conversations WHERE user_id = ?
		ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	chats := []domain.Chat{}
	for rows.Next() {
		var c domain.Chat
		var createdAt, updatedAt int64
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.Path, &c.Messages, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		c.CreatedAt = time.UnixMilli(createdAt).UTC()
		c.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return chats, nil
}

// DeleteConversation removes a saved conversation.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, sessionID string) error {
	return shared.RetryOnConflict(ctx, "delete conversation", saveRetries, saveBaseDelay, func() error {
		s.writeM.Lock()
		defer s.writeM.Unlock()
		_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE session_id = ?`, sessionID)
		return err
	})
}
