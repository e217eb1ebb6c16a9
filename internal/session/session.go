package session

import (
	"context"
	"encoding/json"
	"time"
)

// Session represents one shared initiative-tracker instance. State is an
// opaque blob: it is stored and forwarded verbatim, never interpreted.
type Session struct {
	ID        string          `json:"id"`
	State     json.RawMessage `json:"state"`
	CreatedAt int64           `json:"created_at"` // epoch milliseconds
	UpdatedAt int64           `json:"updated_at"` // epoch milliseconds
	ExpiresAt int64           `json:"expires_at"` // epoch milliseconds
	Active    string          `json:"active"`     // string-typed boolean, kept for future listing
}

// Expired reports whether the session's expiry has passed at the given time.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt <= now.UnixMilli()
}

// clone returns a copy that shares no memory with the receiver, so callers
// mutating their state buffer cannot corrupt a stored record.
func (s *Session) clone() *Session {
	cp := *s
	if s.State != nil {
		cp.State = append(json.RawMessage(nil), s.State...)
	}
	return &cp
}

// Update describes a partial mutation applied by Store.Update.
// ExpiresAt of zero leaves the current expiry untouched.
type Update struct {
	State     json.RawMessage
	UpdatedAt int64
	ExpiresAt int64
}

// Store persists session records keyed by id.
//
// Get must treat a record whose expiry has passed as absent even if it is
// physically still present. Update is conditioned on existence and must be
// atomic per id. Delete is idempotent.
type Store interface {
	Put(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, id string, upd Update) (*Session, error)
	Delete(ctx context.Context, id string) error

	// Close releases backend resources and stops background expiry.
	Close() error
}
