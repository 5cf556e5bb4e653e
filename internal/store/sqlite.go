package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/truaxki/astra-chat/internal/domain"
	"github.com/truaxki/astra-chat/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		final INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(user_id, session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_updated ON messages(updated_at);

	CREATE TABLE IF NOT EXISTS timeline_events (
		id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		title TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_timeline_message ON timeline_events(message_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_timeline_created ON timeline_events(created_at);
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

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username,
		user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}

	return nil
}

// SaveMessage creates or updates a message row. Streaming produces a burst of
// writes against the same row, so SQLITE_BUSY conflicts are retried.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *domain.Message) error {
	query := `
	INSERT INTO messages (id, user_id, session_id, role, content, final, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		content = excluded.content,
		final = excluded.final,
		updated_at = excluded.updated_at`

	err := s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			msg.ID, msg.UserID, msg.SessionID, msg.Role,
			msg.Content, msg.Final,
			msg.CreatedAt.Unix(), time.Now().Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// ListMessages retrieves a conversation's messages in creation order.
func (s *SQLiteStore) ListMessages(ctx context.Context, userID, sessionID string) ([]*domain.Message, error) {
	query := `
		SELECT id, user_id, session_id, role, content, final, created_at, updated_at
		FROM messages WHERE user_id = ? AND session_id = ?
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var createdAt, updatedAt int64

		if err := rows.Scan(
			&msg.ID, &msg.UserID, &msg.SessionID, &msg.Role,
			&msg.Content, &msg.Final, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		msg.CreatedAt = time.Unix(createdAt, 0)
		msg.UpdatedAt = time.Unix(updatedAt, 0)
		msgs = append(msgs, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return msgs, nil
}

// SaveTimelineEvent appends a timeline event attached to a message.
func (s *SQLiteStore) SaveTimelineEvent(ctx context.Context, ev *domain.TimelineEvent) error {
	query := `
	INSERT INTO timeline_events (id, message_id, user_id, session_id, title, data, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	err := s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			ev.ID, ev.MessageID, ev.UserID, ev.SessionID,
			ev.Title, ev.Data, ev.CreatedAt.Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("save timeline event: %w", err)
	}
	return nil
}

// ListTimelineEvents retrieves a message's timeline events in creation order.
func (s *SQLiteStore) ListTimelineEvents(ctx context.Context, messageID string) ([]*domain.TimelineEvent, error) {
	query := `
		SELECT id, message_id, user_id, session_id, title, data, created_at
		FROM timeline_events WHERE message_id = ?
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("query timeline events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close timeline rows", "error", closeErr)
		}
	}()

	var events []*domain.TimelineEvent
	for rows.Next() {
		var ev domain.TimelineEvent
		var createdAt int64

		if err := rows.Scan(
			&ev.ID, &ev.MessageID, &ev.UserID, &ev.SessionID,
			&ev.Title, &ev.Data, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan timeline row: %w", err)
		}

		ev.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, &ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline events: %w", err)
	}

	return events, nil
}

// PruneConversations removes messages and timeline events older than TTL.
func (s *SQLiteStore) PruneConversations(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()

	evRes, err := s.db.ExecContext(ctx, `DELETE FROM timeline_events WHERE created_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("prune timeline events: %w", err)
	}
	evRows, err := evRes.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruned timeline rows affected: %w", err)
	}

	msgRes, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE updated_at < ?`, threshold)
	if err != nil {
		return evRows, fmt.Errorf("prune messages: %w", err)
	}
	msgRows, err := msgRes.RowsAffected()
	if err != nil {
		return evRows, fmt.Errorf("pruned message rows affected: %w", err)
	}

	return evRows + msgRows, nil
}

// withBusyRetry runs a write with exponential backoff on SQLite concurrency
// errors: 100ms, 200ms, 400ms.
func (s *SQLiteStore) withBusyRetry(ctx context.Context, fn func() error) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			return err
		}

		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("write conflicted with a concurrent connection, retrying",
			"attempt", i+1,
			"delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
