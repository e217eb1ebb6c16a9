package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a session does not exist or was deleted
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when a session record exists but its expiry has passed
	ErrSessionExpired = errors.New("session expired")

	// ErrConnectionNotFound is returned when a connection record does not exist
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrStoreUnavailable is returned when the underlying storage cannot be reached
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidLifetime is returned when a caller supplies a non-positive session lifetime
	ErrInvalidLifetime = errors.New("invalid session lifetime")
)

// InvalidLifetime wraps ErrInvalidLifetime with the offending value.
func InvalidLifetime(minutes int) error {
	return fmt.Errorf("%w: %d minutes", ErrInvalidLifetime, minutes)
}

// IsNotFound reports whether err means the session is absent or expired.
// Both conditions surface to callers as the same 404-equivalent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionExpired)
}
