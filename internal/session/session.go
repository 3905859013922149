// Package session tracks live peer sessions for bridge frontends.
// Sessions that stop being touched expire and are reaped by a background
// cleanup loop.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config for session settings
type Config struct {
	TTL           time.Duration `json:"ttl"`            // Time before an idle session expires
	CleanupPeriod time.Duration `json:"cleanup_period"` // How often to check for expired sessions
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TTL:           5 * time.Minute,
		CleanupPeriod: 30 * time.Second,
	}
}

// Session is one tracked peer.
type Session struct {
	ID        string    `json:"id"`
	Addr      string    `json:"addr"`
	CreatedAt time.Time `json:"created_at"`

	// Internal
	lastSeen time.Time
	mu       sync.Mutex
}

// Touch marks the session as active now.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// IsExpired returns true if the session has been idle longer than ttl.
func (s *Session) IsExpired(ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastSeen) > ttl
}

// Registry manages all sessions
type Registry struct {
	sessions map[string]*Session
	config   Config
	mu       sync.RWMutex

	// Callbacks
	onExpired func(*Session)

	stopCh chan struct{}
}

// NewRegistry creates a new session registry and starts its cleanup loop.
func NewRegistry(config Config) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		config:   config,
		stopCh:   make(chan struct{}),
	}
	go r.cleanupLoop()
	return r
}

// Create registers a new session for addr and returns it.
func (r *Registry) Create(addr string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &Session{
		ID:        uuid.NewString(),
		Addr:      addr,
		CreatedAt: time.Now(),
		lastSeen:  time.Now(),
	}
	r.sessions[s.ID] = s
	return s
}

// Get retrieves a session by ID, nil if unknown.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Touch refreshes a session's idle timer.
func (r *Registry) Touch(id string) error {
	r.mu.RLock()
	s := r.sessions[id]
	r.mu.RUnlock()

	if s == nil {
		return ErrSessionNotFound
	}
	s.Touch()
	return nil
}

// Delete removes a session from the registry.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns all tracked sessions (for debugging/admin).
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// OnExpired sets a callback for when a session expires.
func (r *Registry) OnExpired(callback func(*Session)) {
	r.onExpired = callback
}

// Close stops the cleanup loop.
func (r *Registry) Close() {
	close(r.stopCh)
}

// cleanupLoop periodically removes expired sessions.
func (r *Registry) cleanupLoop() {
	ticker := time.NewTicker(r.config.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		for id, s := range r.sessions {
			if s.IsExpired(r.config.TTL) {
				if r.onExpired != nil {
					go r.onExpired(s)
				}
				delete(r.sessions, id)
			}
		}
		r.mu.Unlock()
	}
}
