package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// janitorInterval is how often the background sweep purges expired records.
const janitorInterval = time.Minute

// MemoryRegistry implements Registry using in-memory storage with a reverse
// index from session id to subscribed connection ids.
type MemoryRegistry struct {
	logger   *zap.Logger
	ttl      time.Duration
	mu       sync.RWMutex
	records  map[string]*Record
	index    map[string]map[string]struct{} // sessionID -> connection ids
	stopCh   chan struct{}
	stopOnce sync.Once
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates a new in-memory connection registry
func NewMemoryRegistry(logger *zap.Logger, ttl time.Duration) *MemoryRegistry {
	r := &MemoryRegistry{
		logger:  logger.Named("registry.memory"),
		ttl:     ttl,
		records: make(map[string]*Record),
		index:   make(map[string]map[string]struct{}),
		stopCh:  make(chan struct{}),
	}
	go r.janitor()
	return r
}

// Register implements Registry.Register
func (r *MemoryRegistry) Register(_ context.Context, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[connID] = &Record{
		ConnectionID: connID,
		ExpiresAt:    time.Now().Add(r.ttl).UnixMilli(),
	}
	return nil
}

// Upsert implements Registry.Upsert
func (r *MemoryRegistry) Upsert(_ context.Context, connID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[connID]; ok && rec.SessionID != "" {
		r.unindex(rec.SessionID, connID)
	}
	r.records[connID] = &Record{
		ConnectionID: connID,
		SessionID:    sessionID,
		ExpiresAt:    time.Now().Add(r.ttl).UnixMilli(),
	}
	if sessionID != "" {
		conns, ok := r.index[sessionID]
		if !ok {
			conns = make(map[string]struct{})
			r.index[sessionID] = conns
		}
		conns[connID] = struct{}{}
	}
	return nil
}

// Clear implements Registry.Clear
func (r *MemoryRegistry) Clear(_ context.Context, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[connID]
	if !ok {
		return nil
	}
	if rec.SessionID != "" {
		r.unindex(rec.SessionID, connID)
		rec.SessionID = ""
	}
	return nil
}

// Remove implements Registry.Remove
func (r *MemoryRegistry) Remove(_ context.Context, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.drop(connID)
	return nil
}

// Touch implements Registry.Touch
func (r *MemoryRegistry) Touch(_ context.Context, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[connID]; ok {
		rec.ExpiresAt = time.Now().Add(r.ttl).UnixMilli()
	}
	return nil
}

// ListBySession implements Registry.ListBySession
func (r *MemoryRegistry) ListBySession(_ context.Context, sessionID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now().UnixMilli()
	ids := make([]string, 0, len(r.index[sessionID]))
	for connID := range r.index[sessionID] {
		rec, ok := r.records[connID]
		if !ok || rec.ExpiresAt <= now {
			continue
		}
		ids = append(ids, connID)
	}
	return ids, nil
}

// Close stops the janitor.
func (r *MemoryRegistry) Close() error {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	return nil
}

// drop removes a record and its index entry. Caller holds the lock.
func (r *MemoryRegistry) drop(connID string) {
	if rec, ok := r.records[connID]; ok && rec.SessionID != "" {
		r.unindex(rec.SessionID, connID)
	}
	delete(r.records, connID)
}

// unindex removes connID from a session's index entry. Caller holds the lock.
func (r *MemoryRegistry) unindex(sessionID, connID string) {
	if conns, ok := r.index[sessionID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.index, sessionID)
		}
	}
}

// janitor periodically purges expired records.
func (r *MemoryRegistry) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			r.sweep(now)
		case <-r.stopCh:
			return
		}
	}
}

func (r *MemoryRegistry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.UnixMilli()
	for connID, rec := range r.records {
		if rec.ExpiresAt <= cutoff {
			r.drop(connID)
			r.logger.Debug("purged expired connection", zap.String("connection_id", connID))
		}
	}
}
