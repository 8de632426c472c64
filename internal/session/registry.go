package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
)

// ErrNotFound is returned when looking up a session id the registry does
// not know (or has already evicted).
var ErrNotFound = errors.New("session not found")

// Registry is the single authority for the id→Session mapping. Lookup and
// insert happen under one lock, so two concurrent creates for the same id
// resolve to the same Session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate resolves id to a session, creating an Idle one when the id is
// unknown. For a known id the session is reconciled against sourceURL: a
// Draining session is resurrected and adopts the URL, an Idle or Active
// session rejects a conflicting URL.
func (r *Registry) GetOrCreate(id, sourceURL string) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[id]; ok {
		if err := existing.Reconcile(sourceURL); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	sess := New(id, sourceURL)
	r.sessions[id] = sess
	return sess, true, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Remove drops the entry unconditionally. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a snapshot of the registered sessions.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Summaries returns a snapshot of every registered session.
func (r *Registry) Summaries() []Summary {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	summaries := make([]Summary, 0, len(sessions))
	for _, sess := range sessions {
		summaries = append(summaries, sess.Summary())
	}
	return summaries
}

// GenerateID returns a random 16-hex-char session id.
func GenerateID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
