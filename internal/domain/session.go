package domain

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidTransition is returned when a session is moved out of order.
var ErrInvalidTransition = errors.New("invalid session state transition")

// SessionState is the lifecycle of one connection.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateConnected
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handshake is what the client declares at connect time plus the
// transport-reported recovery flag.
type Handshake struct {
	Username     string
	ServerOffset int64
	Recovered    bool
}

// Normalize applies protocol defaults.
func (h Handshake) Normalize() Handshake {
	if h.Username == "" {
		h.Username = DefaultUsername
	}
	if h.ServerOffset < 0 {
		h.ServerOffset = 0
	}
	return h
}

// Session is one live connection. It is owned by the worker that accepted it.
type Session struct {
	ConnectionID   string
	Username       string
	LastSeenOffset int64
	Recovered      bool
	CreatedAt      time.Time
	LastActiveAt   time.Time

	state    SessionState
	replayed bool
	mu       sync.RWMutex
}

func NewSession(connectionID string) *Session {
	now := time.Now()
	return &Session{
		ConnectionID: connectionID,
		Username:     DefaultUsername,
		CreatedAt:    now,
		LastActiveAt: now,
		state:        StateConnecting,
	}
}

// Connect moves Connecting → Connected and records the handshake.
func (s *Session) Connect(h Handshake) error {
	h = h.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateConnected)
	}
	s.Username = h.Username
	s.LastSeenOffset = h.ServerOffset
	s.Recovered = h.Recovered
	s.state = StateConnected
	s.LastActiveAt = time.Now()
	return nil
}

// Disconnect moves the session to its terminal state. It reports whether
// this call performed the transition.
func (s *Session) Disconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return false
	}
	s.state = StateDisconnected
	return true
}

// BeginReplay reports whether a replay may start now. It returns true at
// most once per session, and never for recovered or non-connected sessions.
func (s *Session) BeginReplay() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.Recovered || s.replayed {
		return false
	}
	s.replayed = true
	return true
}

func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

func (s *Session) GetUsername() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Username
}

func (s *Session) GetLastSeenOffset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastSeenOffset
}

func (s *Session) IsRecovered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Recovered
}

func (s *Session) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActiveAt = time.Now()
}
