package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/chatterhq/chatter/internal/domain"
	"github.com/chatterhq/chatter/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeAttempts   = 3
	writeRetryDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// openSQLite opens dbPath in WAL mode, creating its directory when needed.
func openSQLite(dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

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
	return db, nil
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := openSQLite(dbPath)
	if err != nil {
		return nil, err
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
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		pending_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		conversation_key TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_idempotency ON messages(sender_id, pending_id);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_key, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
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

// UpsertUser creates or refreshes a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, identity domain.Identity, seenAt time.Time) error {
	query := `
	INSERT INTO users (user_id, name, last_seen_at, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		name = excluded.name,
		last_seen_at = excluded.last_seen_at`

	err := shared.RetryOnConflict(ctx, writeAttempts, writeRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx, query, identity.ID, identity.Name, seenAt.Unix(), seenAt.Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by id.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.Identity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, name FROM users WHERE user_id = ?`, userID)

	var identity domain.Identity
	err := row.Scan(&identity.ID, &identity.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return &identity, nil
}

// CreateMessageOrGetExisting stores msg unless its (sender, pending id) pair
// was stored before.
func (s *SQLiteStore) CreateMessageOrGetExisting(ctx context.Context, msg *domain.Message) (*domain.Message, bool, error) {
	if msg.PendingID == "" {
		return nil, false, fmt.Errorf("create message %s: missing pending id", msg.ID)
	}

	query := `
	INSERT INTO messages (id, pending_id, sender_id, recipient_id, conversation_key, content, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(sender_id, pending_id) DO NOTHING`

	var affected int64
	err := shared.RetryOnConflict(ctx, writeAttempts, writeRetryDelay, func() error {
		res, err := s.db.ExecContext(ctx, query,
			msg.ID, msg.PendingID, msg.SenderID, msg.RecipientID,
			string(msg.Key()), msg.Content, msg.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("insert message: %w", err)
	}
	if affected == 1 {
		stored := *msg
		return &stored, true, nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, pending_id, sender_id, recipient_id, content, created_at
		FROM messages WHERE sender_id = ? AND pending_id = ?`, msg.SenderID, msg.PendingID)
	existing, err := scanMessage(row)
	if err != nil {
		return nil, false, fmt.Errorf("load existing message: %w", err)
	}
	return existing, false, nil
}

// ListConversation returns one page of a conversation in ascending order.
func (s *SQLiteStore) ListConversation(ctx context.Context, key domain.ConversationKey, before time.Time, limit int) ([]*domain.Message, error) {
	upper := int64(math.MaxInt64)
	if !before.IsZero() {
		upper = before.UnixMilli()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pending_id, sender_id, recipient_id, content, created_at
		FROM messages
		WHERE conversation_key = ? AND created_at < ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, string(key), upper, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	var msgs []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation: %w", err)
	}

	reverse(msgs)
	return msgs, nil
}

// DeleteMessagesBefore removes messages created before cutoff.
func (s *SQLiteStore) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := shared.RetryOnConflict(ctx, writeAttempts, writeRetryDelay, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired messages: %w", err)
	}
	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var id, pendingID, sender, recipient, content string
	var createdAt int64
	if err := row.Scan(&id, &pendingID, &sender, &recipient, &content, &createdAt); err != nil {
		return nil, err
	}
	m := domain.NewConfirmed(id, sender, recipient, content, time.UnixMilli(createdAt))
	m.PendingID = pendingID
	return m, nil
}

func reverse(msgs []*domain.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
