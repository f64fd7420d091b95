// Package session is a scoped, explicitly lifetime-bound replacement
// for ambient browser-style session persistence. Entries carry a TTL
// that is checked on load, not just on write.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultTTL is how long a stored session stays loadable.
const DefaultTTL = 24 * time.Hour

// Session is the per-device identity a client persists across reloads.
type Session struct {
	SubjectID string    `json:"subject_id"`
	Role      string    `json:"role"`
	GuestID   string    `json:"guest_id,omitempty"`
	SavedAt   time.Time `json:"saved_at"`
}

// Store keeps sessions in memory with optional JSON file backing.
type Store struct {
	mu       sync.Mutex
	sessions map[string]Session
	path     string
	ttl      time.Duration
	clock    clockwork.Clock
}

// NewStore returns a store with the default 24-hour TTL. An empty path
// keeps sessions in memory only.
func NewStore(path string, clock clockwork.Clock) *Store {
	s := &Store{
		sessions: make(map[string]Session),
		path:     path,
		ttl:      DefaultTTL,
		clock:    clock,
	}
	s.loadFile()
	return s
}

// Save stores the session under key and stamps it with the current
// time.
func (s *Store) Save(key string, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session.SavedAt = s.clock.Now()
	s.sessions[key] = session
	return s.flushLocked()
}

// Load returns the session under key. An entry older than the TTL is
// evicted and reported as absent.
func (s *Store) Load(key string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[key]
	if !ok {
		return Session{}, false
	}
	if s.clock.Now().Sub(session.SavedAt) >= s.ttl {
		delete(s.sessions, key)
		_ = s.flushLocked()
		return Session{}, false
	}
	return session, true
}

// Delete removes the session under key.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return s.flushLocked()
}

func (s *Store) loadFile() {
	if s.path == "" {
		return
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var sessions map[string]Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return
	}
	s.sessions = sessions
}

func (s *Store) flushLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write sessions: %w", err)
	}
	return nil
}
