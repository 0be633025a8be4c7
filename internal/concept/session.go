package concept

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/weftworks/weft/internal/value"
)

// Session is the session demo concept: opaque tokens mapped to users.
// Rules typically bind a session token from a request and join it
// against the create action's output to recover the user.
//
// Actions:
//   - create {user} -> {session, user}
//   - validate {session} -> {session, user}
//   - delete {session} -> {deleted}
type Session struct {
	mu       sync.Mutex
	users    map[string]string // token -> user
	tokenGen func() string
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithTokenFunc replaces the token source. Tests install a sequential
// source for deterministic tokens.
func WithTokenFunc(gen func() string) SessionOption {
	return func(s *Session) { s.tokenGen = gen }
}

// NewSession creates an empty session concept. Tokens default to
// UUIDv4 strings.
func NewSession(opts ...SessionOption) *Session {
	s := &Session{
		users:    make(map[string]string),
		tokenGen: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Invoke implements Invoker.
func (s *Session) Invoke(_ context.Context, action string, input value.Object) (value.Object, error) {
	switch action {
	case "create":
		return s.create(input), nil
	case "validate":
		return s.validate(input), nil
	case "delete":
		return s.delete(input), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

func (s *Session) create(input value.Object) value.Object {
	user, ok := stringField(input, "user")
	if !ok {
		return failure("user required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	token := s.tokenGen()
	s.users[token] = user

	return value.Object{
		"session": value.String(token),
		"user":    value.String(user),
	}
}

func (s *Session) validate(input value.Object) value.Object {
	token, ok := stringField(input, "session")
	if !ok {
		return failure("session required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user, exists := s.users[token]
	if !exists {
		return failure("invalid session")
	}

	return value.Object{
		"session": value.String(token),
		"user":    value.String(user),
	}
}

func (s *Session) delete(input value.Object) value.Object {
	token, ok := stringField(input, "session")
	if !ok {
		return failure("session required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[token]; !exists {
		return failure("invalid session")
	}
	delete(s.users, token)

	return value.Object{"deleted": value.String(token)}
}
