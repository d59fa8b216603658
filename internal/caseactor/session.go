package caseactor

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Sentinel errors returned by actor operations.
var (
	// ErrUnknownSession is returned for a session the actor no longer holds,
	// either because it detached or because it was dropped as too slow.
	ErrUnknownSession = errors.New("caseactor: unknown session")

	// ErrActorRetired is returned when a request reaches an actor that has
	// already left the registry. Registry methods retry on a fresh actor.
	ErrActorRetired = errors.New("caseactor: actor retired")

	// ErrReplyFailed wraps a responder failure. The customer message was
	// persisted; no assistant message was written.
	ErrReplyFailed = errors.New("caseactor: reply failed")

	// ErrMalformedFrame is returned for an empty message or an unknown role.
	ErrMalformedFrame = errors.New("caseactor: malformed frame")

	// ErrRegistryClosed is returned once the registry has shut down.
	ErrRegistryClosed = errors.New("caseactor: registry closed")
)

// Frame is the realtime wire unit: {"message": "...", "role": "..."}.
type Frame struct {
	Message string `json:"message"`
	Role    string `json:"role,omitempty"`
}

// Session is one attached realtime viewer. Outbound frames are read from
// Frames; the channel is closed when the actor drops the session.
type Session struct {
	ID   string
	Role string

	actor *Actor
	out   chan Frame
}

func newSession(a *Actor, role string, buffer int) *Session {
	return &Session{
		ID:    uuid.NewString(),
		Role:  role,
		actor: a,
		out:   make(chan Frame, buffer),
	}
}

// Frames returns the outbound frame stream.
func (s *Session) Frames() <-chan Frame {
	return s.out
}

// CaseKey returns the key of the case the session is attached to.
func (s *Session) CaseKey() string {
	return s.actor.key
}

// Send delivers an inbound frame from this session to its case.
func (s *Session) Send(ctx context.Context, f Frame) error {
	return s.actor.OnSessionMessage(ctx, s, f)
}

// Close detaches the session from its case.
func (s *Session) Close(ctx context.Context) error {
	return s.actor.Detach(ctx, s)
}
