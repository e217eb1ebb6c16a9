package registry

import (
	"context"
)

// Record associates a live realtime connection with the session it is
// watching. SessionID is empty until the connection subscribes.
type Record struct {
	ConnectionID string `json:"connection_id"`
	SessionID    string `json:"session_id,omitempty"`
	ExpiresAt    int64  `json:"expires_at"` // epoch milliseconds
}

// Registry persists connection records and answers the indexed query
// "all connections currently subscribed to session X". Records carry a
// short TTL so connections abandoned without a disconnect event are
// eventually reclaimed.
//
// Clear, Remove and Touch are idempotent: operating on an absent
// connection is not an error.
type Registry interface {
	// Register creates a record with no session association (transport connect).
	Register(ctx context.Context, connID string) error

	// Upsert sets or replaces the session association and refreshes the TTL.
	Upsert(ctx context.Context, connID, sessionID string) error

	// Clear drops the session association but keeps the record (unsubscribe).
	Clear(ctx context.Context, connID string) error

	// Remove deletes the record entirely (transport disconnect).
	Remove(ctx context.Context, connID string) error

	// Touch refreshes the record's TTL on client activity.
	Touch(ctx context.Context, connID string) error

	// ListBySession returns the ids of all connections currently associated
	// with the given session. Backed by an index, not a scan.
	ListBySession(ctx context.Context, sessionID string) ([]string, error)

	// Close releases backend resources and stops background expiry.
	Close() error
}
