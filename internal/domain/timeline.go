package domain

import (
	"time"
)

// TimelineEvent is a discrete, titled side-channel record produced during a
// turn (tool call, tool result, research step, retrieved sources). Events are
// immutable once written and keyed to the turn's reply message.
type TimelineEvent struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Title     string    `json:"title"`
	Data      string    `json:"data"` // JSON payload, opaque to the store
	CreatedAt time.Time `json:"created_at"`
}
