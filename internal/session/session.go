package session

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrSourceMismatch is returned when a session is re-created with a
	// different source URL while it is still Idle or Active.
	ErrSourceMismatch = errors.New("session exists with a different source url")

	// ErrTooManyClients is returned when a session has reached its
	// configured subscriber cap.
	ErrTooManyClients = errors.New("too many clients for session")
)

// Sink is one subscriber's outbound channel. Send must not block the
// caller indefinitely; a sink that cannot accept a chunk returns an error
// and is evicted from the session on that broadcast.
type Sink interface {
	Send(chunk []byte) error
	Close(code int, reason string)
}

// RelayHandle is the running relay task attached to an Active session.
type RelayHandle interface {
	RequestStop()
}

// Session is the unit of sharing: one upstream source fanned out to every
// attached sink. All fields below mu are guarded by it.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu        sync.RWMutex
	sourceURL string
	state     State
	sinks     map[Sink]struct{}
	relay     RelayHandle
	evict     *time.Timer
}

func New(id, sourceURL string) *Session {
	return &Session{
		ID:        id,
		CreatedAt: time.Now(),
		sourceURL: sourceURL,
		state:     Idle,
		sinks:     make(map[Sink]struct{}),
	}
}

func (s *Session) SourceURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sourceURL
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sinks)
}

// Reconcile applies a get-or-create against an existing session. A Draining
// session is resurrected to Idle and adopts the new URL (last write wins).
// An Idle or Active session keeps its URL; asking for a different one is a
// conflict.
func (s *Session) Reconcile(sourceURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Draining {
		s.cancelEvictLocked()
		s.state = Idle
		if sourceURL != "" {
			s.sourceURL = sourceURL
		}
		return nil
	}
	if sourceURL != "" && sourceURL != s.sourceURL {
		return ErrSourceMismatch
	}
	return nil
}

// AddSink attaches a subscriber. A join during Draining resurrects the
// session first. The returned start flag is true for exactly one caller
// per Idle→Active transition: that caller owns starting the relay.
func (s *Session) AddSink(sink Sink, maxClients int) (count int, start bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Draining {
		s.cancelEvictLocked()
		s.state = Idle
	}
	if maxClients > 0 && len(s.sinks) >= maxClients {
		return len(s.sinks), false, ErrTooManyClients
	}

	s.sinks[sink] = struct{}{}
	if s.state == Idle {
		s.state = Active
		start = true
	}
	return len(s.sinks), start, nil
}

// RemoveSink detaches a subscriber if present and returns the remaining
// count. Removing a sink that already self-removed is a no-op.
func (s *Session) RemoveSink(sink Sink) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sinks, sink)
	return len(s.sinks)
}

// Broadcast delivers chunk to every current sink. Sinks whose send fails
// are closed and removed as a side effect, so membership self-heals on the
// next broadcast that touches a dead sink.
func (s *Session) Broadcast(chunk []byte) (delivered int, dropped int) {
	s.mu.RLock()
	snapshot := make([]Sink, 0, len(s.sinks))
	for sink := range s.sinks {
		snapshot = append(snapshot, sink)
	}
	s.mu.RUnlock()

	var failed []Sink
	for _, sink := range snapshot {
		if err := sink.Send(chunk); err != nil {
			failed = append(failed, sink)
			continue
		}
		delivered++
	}

	if len(failed) > 0 {
		s.mu.Lock()
		for _, sink := range failed {
			delete(s.sinks, sink)
		}
		s.mu.Unlock()
		for _, sink := range failed {
			sink.Close(1000, "send failed")
		}
		dropped = len(failed)
	}
	return delivered, dropped
}

// CloseAll closes every sink with the given code and clears the set.
func (s *Session) CloseAll(code int, reason string) {
	s.mu.Lock()
	snapshot := make([]Sink, 0, len(s.sinks))
	for sink := range s.sinks {
		snapshot = append(snapshot, sink)
	}
	s.sinks = make(map[Sink]struct{})
	s.mu.Unlock()

	for _, sink := range snapshot {
		sink.Close(code, reason)
	}
}

// AttachRelay records the running relay handle for this session.
func (s *Session) AttachRelay(h RelayHandle) {
	s.mu.Lock()
	s.relay = h
	s.mu.Unlock()
}

// DetachRelay clears the relay handle, but only if h is still the attached
// one. Returns false when h has been superseded by a newer relay.
func (s *Session) DetachRelay(h RelayHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.relay != h {
		return false
	}
	s.relay = nil
	return true
}

func (s *Session) Relay() RelayHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.relay
}

// ResetToIdle returns an Active session with no running relay to Idle,
// used when an upstream open attempt fails. Subscribers stay attached;
// the next join triggers a fresh start attempt.
func (s *Session) ResetToIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Active {
		s.state = Idle
	}
}

// BeginDrain moves the session to Draining, asks a running relay to stop
// and arms the eviction timer. onEvict runs only if the timer fires while
// the session is still Draining with no subscribers; a resurrection in the
// interim defuses it. Returns false if the session was already Draining.
func (s *Session) BeginDrain(delay time.Duration, onEvict func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginDrainLocked(delay, onEvict)
}

func (s *Session) beginDrainLocked(delay time.Duration, onEvict func()) bool {
	if s.state == Draining {
		return false
	}
	s.state = Draining
	if s.relay != nil {
		// Detach while stopping: a rejoin may resurrect the session and
		// grant the start flag before the successor engine is attached,
		// and the stopping engine's teardown must already fail the
		// identity check in FinishRelay by then.
		s.relay.RequestStop()
		s.relay = nil
	}
	s.cancelEvictLocked()
	s.evict = time.AfterFunc(delay, func() {
		if s.tryEvict() {
			onEvict()
		}
	})
	return true
}

// FinishRelay is relay h's teardown hook. When a rejoin resurrected the
// session and attached a successor while h was shutting down, h is no
// longer current and teardown is skipped (finished == false). Otherwise
// the handle detaches, every remaining sink is removed and returned for
// closing, and the drain timer is armed.
func (s *Session) FinishRelay(h RelayHandle, delay time.Duration, onEvict func()) (orphans []Sink, finished bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.relay != h {
		return nil, false
	}
	s.relay = nil

	orphans = make([]Sink, 0, len(s.sinks))
	for sink := range s.sinks {
		orphans = append(orphans, sink)
	}
	s.sinks = make(map[Sink]struct{})

	s.beginDrainLocked(delay, onEvict)
	return orphans, true
}

// tryEvict re-checks the drain conditions when the timer fires. A timer
// that lost the race with Stop during resurrection fails the state check
// here, so a resurrected session is never double-removed.
func (s *Session) tryEvict() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Draining || len(s.sinks) > 0 {
		return false
	}
	s.evict = nil
	return true
}

func (s *Session) cancelEvictLocked() {
	if s.evict != nil {
		s.evict.Stop()
		s.evict = nil
	}
}

// Summary is the observable shape of a session for /status and /stream.
type Summary struct {
	ID          string    `json:"sessionId"`
	SourceURL   string    `json:"sourceUrl"`
	ClientCount int       `json:"clientCount"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (s *Session) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Summary{
		ID:          s.ID,
		SourceURL:   s.sourceURL,
		ClientCount: len(s.sinks),
		State:       s.state,
		CreatedAt:   s.CreatedAt,
	}
}
