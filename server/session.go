package server

import (
	"sync"
	"time"
)

// session is the per-connection state tracked from authentication-success
// to client end/close/error.
type session struct {
	username       string
	sessionID      string
	homePrefix     string
	lastActivityTs time.Time
	handles        *handleTable

	close func() // disconnects the underlying SSH connection
}

// sessionManager tracks connected users, arms a per-user idle timer on
// every request, and supports operator-initiated force disconnects. The
// session registry and idle-timer map are shared across the acceptor and
// all session goroutines, so every mutation is guarded by mu.
type sessionManager struct {
	mu          sync.Mutex
	sessions    map[string]*session
	idleTimers  map[string]*time.Timer
	idleTimeout time.Duration
	bus         *eventBus
}

func newSessionManager(idleTimeout time.Duration, bus *eventBus) *sessionManager {
	return &sessionManager{
		sessions:    make(map[string]*session),
		idleTimers:  make(map[string]*time.Timer),
		idleTimeout: idleTimeout,
		bus:         bus,
	}
}

// Register adds a newly authenticated session and arms its first idle
// timer.
func (m *sessionManager) Register(s *session) {
	m.mu.Lock()
	m.sessions[s.username] = s
	m.mu.Unlock()
	m.recordActivity(s.username)
}

// recordActivity cancels any existing idle timer, arms a new one, and
// stamps lastActivityTs. Invariant: at most one idle timer exists per user
// at any time.
func (m *sessionManager) recordActivity(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.idleTimers[username]; ok {
		t.Stop()
	}
	if s, ok := m.sessions[username]; ok {
		s.lastActivityTs = time.Now()
	}

	m.idleTimers[username] = time.AfterFunc(m.idleTimeout, func() {
		m.bus.Emit(Event{Type: EventUserIdle, Username: username})
	})
}

// RecordActivity is the exported form called from every SFTP request
// dispatch and connection lifecycle event.
func (m *sessionManager) RecordActivity(username string) {
	m.recordActivity(username)
}

// End clears a session's idle timer and tracking entry and emits
// client-disconnected. Called on session-close, channel-end, channel-close,
// or channel-error.
func (m *sessionManager) End(username string, cause string) {
	m.mu.Lock()
	if t, ok := m.idleTimers[username]; ok {
		t.Stop()
		delete(m.idleTimers, username)
	}
	delete(m.sessions, username)
	m.mu.Unlock()

	m.bus.Emit(Event{Type: EventClientDisconnected, Username: username, Err: causeToErr(cause)})
}

// ForceDisconnect closes the session matching username, if any, and clears
// its tracking. Idle timers do not do this automatically - operators
// choose to.
func (m *sessionManager) ForceDisconnect(username string) {
	m.mu.Lock()
	s, ok := m.sessions[username]
	if t, ok := m.idleTimers[username]; ok {
		t.Stop()
		delete(m.idleTimers, username)
	}
	delete(m.sessions, username)
	m.mu.Unlock()

	if ok && s.close != nil {
		s.close()
	}
}

// DisconnectAll closes every authenticated client and clears all tracking.
func (m *sessionManager) DisconnectAll() {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	for _, t := range m.idleTimers {
		t.Stop()
	}
	m.sessions = make(map[string]*session)
	m.idleTimers = make(map[string]*time.Timer)
	m.mu.Unlock()

	for _, s := range all {
		if s.close != nil {
			s.close()
		}
	}
}

// Get returns the session for username, if connected.
func (m *sessionManager) Get(username string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[username]
	return s, ok
}

func causeToErr(cause string) error {
	if cause == "" {
		return nil
	}
	return causeError(cause)
}

// causeError is a plain string error, used so End's cause is visible on the
// event without requiring callers to construct an errors.New each time.
type causeError string

func (e causeError) Error() string { return string(e) }
