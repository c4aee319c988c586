// Package session binds a caller's research session to an engine thread.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/deepnoodle-ai/crew"
)

var (
	// ErrUnknownSession is returned when a session id has never been saved.
	ErrUnknownSession = errors.New("unknown session")

	// ErrAwaitingDecision is returned when a new run or a retry is requested
	// while the session's thread is waiting at the review boundary.
	ErrAwaitingDecision = errors.New("session is awaiting an approve or reject decision")

	// ErrNotPaused is returned by Approve and Reject when there is nothing to
	// decide on.
	ErrNotPaused = errors.New("session is not paused for review")
)

// SessionContext is the state one caller carries between requests: the
// thread its runs are bound to and the progress log shown to the user.
type SessionContext struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Logs      []string  `json:"logs"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Copy returns a deep copy of the session
func (s *SessionContext) Copy() *SessionContext {
	c := *s
	c.Logs = append([]string(nil), s.Logs...)
	return &c
}

// Store persists sessions between requests.
type Store interface {
	// Save creates or replaces a session
	Save(ctx context.Context, session *SessionContext) error

	// Load returns a session or ErrUnknownSession
	Load(ctx context.Context, id string) (*SessionContext, error)

	// Delete removes a session. Deleting an unknown session is not an error.
	Delete(ctx context.Context, id string) error
}

// Engine is the part of *crew.Engine the registry drives.
type Engine interface {
	Start(ctx context.Context, threadID string, initial crew.State) (*crew.Outcome, error)
	Resume(ctx context.Context, threadID string, decision *crew.Decision) (*crew.Outcome, error)
	GetState(ctx context.Context, threadID string) (*crew.Snapshot, error)
	Forget(threadID string)
}

var _ Engine = (*crew.Engine)(nil)
