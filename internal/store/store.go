// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/truaxki/astra-chat/internal/domain"
)

// Repository defines the interface for persisting users, conversation
// messages and timeline events.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// SaveMessage creates or updates a message. Streaming updates rewrite the
	// same row as the reply grows; the final update marks it final.
	SaveMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages retrieves a conversation's messages in creation order.
	ListMessages(ctx context.Context, userID, sessionID string) ([]*domain.Message, error)

	// SaveTimelineEvent appends a timeline event attached to a message.
	SaveTimelineEvent(ctx context.Context, ev *domain.TimelineEvent) error

	// ListTimelineEvents retrieves a message's timeline events in creation order.
	ListTimelineEvents(ctx context.Context, messageID string) ([]*domain.TimelineEvent, error)

	// PruneConversations removes messages and timeline events older than TTL.
	PruneConversations(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
