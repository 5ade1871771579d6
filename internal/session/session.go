// Package session tracks streaming sessions from handshake to close.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speech/internal/protocol"
)

// AuthState is the handshake position of a session.
type AuthState int

const (
	AuthPending AuthState = iota
	AuthAuthenticated
	AuthRejected
)

func (s AuthState) String() string {
	switch s {
	case AuthPending:
		return "pending"
	case AuthAuthenticated:
		return "authenticated"
	case AuthRejected:
		return "rejected"
	default:
		return fmt.Sprintf("auth_state(%d)", int(s))
	}
}

// ErrInvalidTransition is returned when a session leaves a terminal auth state.
var ErrInvalidTransition = errors.New("invalid auth state transition")

// Session is one client connection on either pipeline. Only an
// authenticated session may drive its engine.
type Session struct {
	ID        string
	Direction protocol.Direction
	Remote    string
	CreatedAt time.Time

	mu        sync.Mutex
	state     AuthState
	principal string
}

func newSession(dir protocol.Direction, remote string, now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Direction: dir,
		Remote:    remote,
		CreatedAt: now,
	}
}

func (s *Session) State() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Authenticated() bool {
	return s.State() == AuthAuthenticated
}

// Principal is the username bound at authentication, or "".
func (s *Session) Principal() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal
}

func (s *Session) transition(to AuthState, principal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != AuthPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	s.principal = principal
	return nil
}
