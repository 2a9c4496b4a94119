package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chatterhq/chatter/internal/domain"
	"github.com/chatterhq/chatter/internal/shared"
)

// SQLiteCache implements Cache using SQLite.
type SQLiteCache struct {
	db *sql.DB
	mu sync.Mutex // serializes batch writes to avoid SQLITE_BUSY
}

// NewSQLiteCache opens or creates the history cache at dbPath.
func NewSQLiteCache(dbPath string) (*SQLiteCache, error) {
	db, err := openSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	query := `
	CREATE TABLE IF NOT EXISTS cached_messages (
		owner_id TEXT NOT NULL,
		id TEXT NOT NULL,
		pending_id TEXT NOT NULL DEFAULT '',
		sender_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (owner_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_cached_owner_created ON cached_messages(owner_id, created_at);
	`
	if _, err := db.Exec(query); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize cache schema: %w", err)
	}
	return &SQLiteCache{db: db}, nil
}

// SaveMessages inserts confirmed messages, ignoring ones already cached.
// Pending and failed placeholders are skipped.
func (c *SQLiteCache) SaveMessages(ctx context.Context, owner string, msgs []domain.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return shared.RetryOnConflict(ctx, writeAttempts, writeRetryDelay, func() error {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cache tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO cached_messages
				(owner_id, id, pending_id, sender_id, recipient_id, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare cache insert: %w", err)
		}
		defer stmt.Close()

		for _, m := range msgs {
			if m.State() != domain.StateSent {
				continue
			}
			if _, err := stmt.ExecContext(ctx,
				owner, m.ID, m.PendingID, m.SenderID, m.RecipientID, m.Content, m.CreatedAt.UnixMilli(),
			); err != nil {
				return fmt.Errorf("cache message %s: %w", m.ID, err)
			}
		}
		return tx.Commit()
	})
}

// LoadMessages returns the newest limit cached messages of owner, oldest
// first.
func (c *SQLiteCache) LoadMessages(ctx context.Context, owner string, limit int) ([]*domain.Message, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, pending_id, sender_id, recipient_id, content, created_at
		FROM cached_messages
		WHERE owner_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("query cache: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close cache rows", "error", closeErr)
		}
	}()

	var msgs []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cache row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache: %w", err)
	}

	reverse(msgs)
	return msgs, nil
}

// Close closes the database connection.
func (c *SQLiteCache) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close cache: %w", err)
	}
	return nil
}
