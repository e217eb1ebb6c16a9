package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	relayerr "github.com/rollkeeper/relay/pkg/errors"
)

// janitorInterval is how often the background sweep purges expired records.
const janitorInterval = time.Minute

// MemoryStore implements Store using in-memory storage. Expired records are
// filtered on read and purged by a background janitor.
type MemoryStore struct {
	logger   *zap.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
	stopCh   chan struct{}
	stopOnce sync.Once
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory session store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	s := &MemoryStore{
		logger:   logger.Named("session.store.memory"),
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Put implements Store.Put
func (s *MemoryStore) Put(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.ID] = sess.clone()
	return nil
}

// Get implements Store.Get
func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, relayerr.ErrSessionNotFound
	}
	if sess.Expired(time.Now()) {
		// Left for the janitor to purge
		return nil, relayerr.ErrSessionExpired
	}
	return sess.clone(), nil
}

// Update implements Store.Update. The mutex makes the exists-check and the
// write a single atomic step.
func (s *MemoryStore) Update(_ context.Context, id string, upd Update) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, relayerr.ErrSessionNotFound
	}
	if sess.Expired(time.Now()) {
		return nil, relayerr.ErrSessionExpired
	}

	if upd.State != nil {
		sess.State = append(json.RawMessage(nil), upd.State...)
	} else {
		sess.State = nil
	}
	sess.UpdatedAt = upd.UpdatedAt
	if upd.ExpiresAt > 0 {
		sess.ExpiresAt = upd.ExpiresAt
	}
	return sess.clone(), nil
}

// Delete implements Store.Delete. Absence is not an error.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	return nil
}

// janitor periodically purges expired records.
func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			s.sweep(now)
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
			s.logger.Debug("purged expired session", zap.String("id", id))
		}
	}
}
