package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/crew"
	"github.com/google/uuid"
)

// RegistryOptions configures a Registry
type RegistryOptions struct {
	Engine Engine
	Store  Store
	Logger *slog.Logger

	// NewThreadID mints thread ids. Defaults to crew.NewThreadID.
	NewThreadID func() string
}

// Registry maps sessions to engine threads and enforces the session policy:
// a paused thread must be approved or rejected before a new topic begins.
type Registry struct {
	engine      Engine
	store       Store
	logger      *slog.Logger
	newThreadID func() string

	mutex sync.Mutex
	locks map[string]*sessionLock
}

// sessionLock is dropped from the registry once no operation holds or
// waits on it.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// Status is a session together with the state of its bound thread
type Status struct {
	Session *SessionContext `json:"session"`

	// Thread is nil until a run has started on the bound thread.
	Thread *crew.Snapshot `json:"thread,omitempty"`
}

// IsPaused reports whether the session's thread is paused for review
func (s *Status) IsPaused() bool {
	return s.Thread != nil && s.Thread.IsPaused
}

// AwaitingDecision reports whether only Approve or Reject can move the
// session forward. This includes a review step that failed after approval.
func (s *Status) AwaitingDecision() bool {
	return s.Thread != nil && s.Thread.AwaitingDecision
}

// Result is returned by the operations that drive the engine
type Result struct {
	Session *SessionContext `json:"session"`
	Outcome *crew.Outcome   `json:"outcome"`
}

// NewRegistry creates a new session registry
func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.NewThreadID == nil {
		opts.NewThreadID = crew.NewThreadID
	}
	return &Registry{
		engine:      opts.Engine,
		store:       opts.Store,
		logger:      opts.Logger,
		newThreadID: opts.NewThreadID,
		locks:       map[string]*sessionLock{},
	}, nil
}

// lock serializes operations on one session
func (r *Registry) lock(id string) func() {
	r.mutex.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &sessionLock{}
		r.locks[id] = l
	}
	l.refs++
	r.mutex.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mutex.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, id)
		}
		r.mutex.Unlock()
	}
}

// Create starts a new session with a random id bound to a fresh thread
func (r *Registry) Create(ctx context.Context) (*SessionContext, error) {
	return r.create(ctx, uuid.NewString())
}

// Open loads the session with the given id, creating it if it does not
// exist yet.
func (r *Registry) Open(ctx context.Context, id string) (*SessionContext, error) {
	if id == "" {
		return nil, errors.New("session id is required")
	}
	unlock := r.lock(id)
	defer unlock()

	session, err := r.store.Load(ctx, id)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, ErrUnknownSession) {
		return nil, err
	}
	return r.create(ctx, id)
}

func (r *Registry) create(ctx context.Context, id string) (*SessionContext, error) {
	now := time.Now()
	session := &SessionContext{
		ID:        id,
		ThreadID:  r.newThreadID(),
		Logs:      []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	r.logger.Info("session created", "session_id", id, "thread_id", session.ThreadID)
	return session, nil
}

// Get returns a session
func (r *Registry) Get(ctx context.Context, id string) (*SessionContext, error) {
	return r.store.Load(ctx, id)
}

// Status returns the session and the state of its bound thread
func (r *Registry) Status(ctx context.Context, id string) (*Status, error) {
	session, err := r.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	snapshot, err := r.snapshot(ctx, session)
	if err != nil {
		return nil, err
	}
	return &Status{Session: session, Thread: snapshot}, nil
}

// snapshot returns the bound thread's state, or nil if it has no history
func (r *Registry) snapshot(ctx context.Context, session *SessionContext) (*crew.Snapshot, error) {
	snapshot, err := r.engine.GetState(ctx, session.ThreadID)
	if err != nil {
		if errors.Is(err, crew.ErrUnknownThread) {
			return nil, nil
		}
		return nil, err
	}
	return snapshot, nil
}

// Begin starts research on a new task. It is refused while the session is
// awaiting a review decision. If the bound thread already has a run, a new thread is
// minted so the earlier run's history is left intact.
func (r *Registry) Begin(ctx context.Context, id, task string) (*Result, error) {
	unlock := r.lock(id)
	defer unlock()

	session, err := r.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	snapshot, err := r.snapshot(ctx, session)
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		if snapshot.AwaitingDecision {
			return nil, ErrAwaitingDecision
		}
		r.engine.Forget(session.ThreadID)
		session.ThreadID = r.newThreadID()
	}
	session.Logs = []string{}

	r.logger.Info("beginning research", "session_id", id, "thread_id", session.ThreadID, "task", task)
	outcome, runErr := r.engine.Start(ctx, session.ThreadID, crew.State{Task: task})
	return r.finish(ctx, session, outcome, runErr)
}

// Approve resumes the thread at the review boundary with an approval and
// returns the completed run. It also retries a review step that failed
// after an earlier approval.
func (r *Registry) Approve(ctx context.Context, id, feedback string) (*Result, error) {
	unlock := r.lock(id)
	defer unlock()

	session, err := r.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	snapshot, err := r.snapshot(ctx, session)
	if err != nil {
		return nil, err
	}
	if snapshot == nil || !snapshot.AwaitingDecision {
		return nil, ErrNotPaused
	}

	r.logger.Info("approving draft", "session_id", id, "thread_id", session.ThreadID)
	outcome, runErr := r.engine.Resume(ctx, session.ThreadID, crew.Approve(feedback))
	return r.finish(ctx, session, outcome, runErr)
}

// Retry resumes a thread whose last run failed before the interrupt
// boundary. Only the failed step and those after it are run. A failure at
// the boundary needs a new decision, so Approve is used instead.
func (r *Registry) Retry(ctx context.Context, id string) (*Result, error) {
	unlock := r.lock(id)
	defer unlock()

	session, err := r.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	snapshot, err := r.snapshot(ctx, session)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, fmt.Errorf("%w: %s", crew.ErrUnknownThread, session.ThreadID)
	}
	if snapshot.AwaitingDecision {
		return nil, ErrAwaitingDecision
	}

	outcome, runErr := r.engine.Resume(ctx, session.ThreadID, nil)
	return r.finish(ctx, session, outcome, runErr)
}

// Reject abandons the thread awaiting review. The session is bound to a new thread;
// the old thread's checkpoints are kept but no longer reachable from the
// session.
func (r *Registry) Reject(ctx context.Context, id string) (*SessionContext, error) {
	unlock := r.lock(id)
	defer unlock()

	session, err := r.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	snapshot, err := r.snapshot(ctx, session)
	if err != nil {
		return nil, err
	}
	if snapshot == nil || !snapshot.AwaitingDecision {
		return nil, ErrNotPaused
	}

	previous := session.ThreadID
	if err := r.rebind(ctx, session); err != nil {
		return nil, err
	}
	r.logger.Info("draft rejected", "session_id", id, "abandoned_thread_id", previous, "thread_id", session.ThreadID)
	return session, nil
}

// Reset starts the session over on a new thread, whatever its state.
func (r *Registry) Reset(ctx context.Context, id string) (*SessionContext, error) {
	unlock := r.lock(id)
	defer unlock()

	session, err := r.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.rebind(ctx, session); err != nil {
		return nil, err
	}
	r.logger.Info("session reset", "session_id", id, "thread_id", session.ThreadID)
	return session, nil
}

// Delete forgets a session. Its threads are left in the checkpoint store.
func (r *Registry) Delete(ctx context.Context, id string) error {
	unlock := r.lock(id)
	defer unlock()

	return r.store.Delete(ctx, id)
}

func (r *Registry) rebind(ctx context.Context, session *SessionContext) error {
	r.engine.Forget(session.ThreadID)
	session.ThreadID = r.newThreadID()
	session.Logs = []string{}
	session.UpdatedAt = time.Now()
	if err := r.store.Save(ctx, session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// finish records progress for the steps that ran and saves the session.
// A step failure still saves the session and returns the outcome alongside
// the error.
func (r *Registry) finish(ctx context.Context, session *SessionContext, outcome *crew.Outcome, runErr error) (*Result, error) {
	if outcome == nil {
		return nil, runErr
	}
	for _, step := range outcome.Steps {
		line := fmt.Sprintf("Thinking... (%s)", step)
		session.Logs = append(session.Logs, line)
		r.logger.Info(line, "session_id", session.ID, "thread_id", session.ThreadID)
	}
	session.UpdatedAt = time.Now()
	if err := r.store.Save(ctx, session); err != nil {
		return nil, errors.Join(runErr, fmt.Errorf("failed to save session: %w", err))
	}
	return &Result{Session: session, Outcome: outcome}, runErr
}
