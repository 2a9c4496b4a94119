// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/chatterhq/chatter/internal/domain"
)

// Repository defines the interface for persisting users and confirmed
// messages on the relay server.
type Repository interface {
	// UpsertUser creates or refreshes a user record at login.
	UpsertUser(ctx context.Context, identity domain.Identity, seenAt time.Time) error

	// GetUser retrieves a user by id. It returns nil, nil when not found.
	GetUser(ctx context.Context, userID string) (*domain.Identity, error)

	// CreateMessageOrGetExisting stores msg keyed by (sender, pending id).
	// When that key already has a message, the stored one is returned and
	// created is false, so a resent payload yields the original message.
	CreateMessageOrGetExisting(ctx context.Context, msg *domain.Message) (stored *domain.Message, created bool, err error)

	// ListConversation returns up to limit messages of a conversation created
	// strictly before the given time, in ascending order. A zero before means
	// no upper bound.
	ListConversation(ctx context.Context, key domain.ConversationKey, before time.Time, limit int) ([]*domain.Message, error)

	// DeleteMessagesBefore removes messages created before cutoff.
	DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Cache is the client's local copy of confirmed history.
type Cache interface {
	// SaveMessages inserts messages for owner, ignoring ones already cached.
	SaveMessages(ctx context.Context, owner string, msgs []domain.Message) error

	// LoadMessages returns the newest limit messages of owner, oldest first.
	LoadMessages(ctx context.Context, owner string, limit int) ([]*domain.Message, error)

	// Close closes the database connection.
	Close() error
}
