package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/deepnoodle-ai/crew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	engine     *crew.Engine
	registry   *Registry
	failNext   atomic.Pointer[error]
	failReview atomic.Pointer[error]
}

func newFixture(t *testing.T, store Store) *fixture {
	t.Helper()
	f := &fixture{}
	funcs := map[crew.StepName]crew.StepFunc{
		crew.StepResearcher: func(ctx context.Context, s crew.State) (crew.Update, error) {
			if err := f.failNext.Swap(nil); err != nil {
				return nil, *err
			}
			return crew.Update{crew.FieldResearchData: "data on " + s.Task}, nil
		},
		crew.StepAnalyst: func(ctx context.Context, s crew.State) (crew.Update, error) {
			return crew.Update{crew.FieldAnalysisNotes: "notes"}, nil
		},
		crew.StepWriter: func(ctx context.Context, s crew.State) (crew.Update, error) {
			return crew.Update{crew.FieldDraftReport: "draft about " + s.Task}, nil
		},
		crew.StepReviewer: func(ctx context.Context, s crew.State) (crew.Update, error) {
			if err := f.failReview.Swap(nil); err != nil {
				return nil, *err
			}
			d, _ := crew.DecisionFromContext(ctx)
			u := crew.Update{crew.FieldFinalReport: "Reviewed by human: " + s.DraftReport}
			if d.Feedback != "" {
				u[crew.FieldHumanFeedback] = d.Feedback
			}
			return u, nil
		},
	}
	graph, err := crew.NewResearchGraph(funcs)
	require.NoError(t, err)
	f.engine, err = crew.NewEngine(crew.EngineOptions{Graph: graph, Checkpointer: crew.NewMemoryCheckpointer()})
	require.NoError(t, err)

	var n int
	f.registry, err = NewRegistry(RegistryOptions{
		Engine: f.engine,
		Store:  store,
		NewThreadID: func() string {
			n++
			return fmt.Sprintf("thread-%d", n)
		},
	})
	require.NoError(t, err)
	return f
}

func TestRegistryApproveFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore())

	session, err := f.registry.Create(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, session.ID)
	require.Equal(t, "thread-1", session.ThreadID)

	status, err := f.registry.Status(ctx, session.ID)
	require.NoError(t, err)
	require.Nil(t, status.Thread)
	require.False(t, status.IsPaused())

	result, err := f.registry.Begin(ctx, session.ID, "quantum computing trends")
	require.NoError(t, err)
	require.True(t, result.Outcome.Paused())
	require.Equal(t, "thread-1", result.Session.ThreadID)
	require.Equal(t, []string{
		"Thinking... (researcher)",
		"Thinking... (analyst)",
		"Thinking... (writer)",
	}, result.Session.Logs)

	status, err = f.registry.Status(ctx, session.ID)
	require.NoError(t, err)
	require.True(t, status.IsPaused())
	require.Equal(t, "draft about quantum computing trends", status.Thread.State.DraftReport)

	_, err = f.registry.Begin(ctx, session.ID, "another topic")
	require.ErrorIs(t, err, ErrAwaitingDecision)

	result, err = f.registry.Approve(ctx, session.ID, "looks good")
	require.NoError(t, err)
	require.True(t, result.Outcome.Completed())
	require.Equal(t, "Reviewed by human: draft about quantum computing trends", result.Outcome.State.FinalReport)
	require.Equal(t, "looks good", result.Outcome.State.HumanFeedback)
	require.Len(t, result.Session.Logs, 4)
	require.Equal(t, "Thinking... (reviewer)", result.Session.Logs[3])

	_, err = f.registry.Approve(ctx, session.ID, "")
	require.ErrorIs(t, err, ErrNotPaused)
}

func TestRegistryRejectOrphansThread(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore())

	session, err := f.registry.Create(ctx)
	require.NoError(t, err)
	_, err = f.registry.Begin(ctx, session.ID, "topic")
	require.NoError(t, err)

	rejected, err := f.registry.Reject(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, "thread-2", rejected.ThreadID)
	require.Empty(t, rejected.Logs)

	// The old thread is still retrievable, the new one has no history.
	history, err := f.engine.History(ctx, "thread-1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	_, err = f.engine.GetState(ctx, "thread-2")
	require.ErrorIs(t, err, crew.ErrUnknownThread)

	status, err := f.registry.Status(ctx, session.ID)
	require.NoError(t, err)
	require.Nil(t, status.Thread)

	_, err = f.registry.Reject(ctx, session.ID)
	require.ErrorIs(t, err, ErrNotPaused)

	result, err := f.registry.Begin(ctx, session.ID, "new topic")
	require.NoError(t, err)
	require.Equal(t, "thread-2", result.Session.ThreadID)
	require.True(t, result.Outcome.Paused())
}

func TestRegistryBeginAfterCompletionMintsThread(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore())

	session, err := f.registry.Create(ctx)
	require.NoError(t, err)
	_, err = f.registry.Begin(ctx, session.ID, "first")
	require.NoError(t, err)
	_, err = f.registry.Approve(ctx, session.ID, "")
	require.NoError(t, err)

	result, err := f.registry.Begin(ctx, session.ID, "second")
	require.NoError(t, err)
	require.Equal(t, "thread-2", result.Session.ThreadID)
	require.Len(t, result.Session.Logs, 3)

	first, err := f.engine.GetState(ctx, "thread-1")
	require.NoError(t, err)
	require.Equal(t, crew.ThreadStatusCompleted, first.Status)
	require.Equal(t, "first", first.State.Task)
}

func TestRegistryReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore())

	session, err := f.registry.Create(ctx)
	require.NoError(t, err)
	_, err = f.registry.Begin(ctx, session.ID, "topic")
	require.NoError(t, err)
	_, err = f.registry.Approve(ctx, session.ID, "")
	require.NoError(t, err)

	reset, err := f.registry.Reset(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, "thread-2", reset.ThreadID)
	require.Empty(t, reset.Logs)

	loaded, err := f.registry.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, reset.ThreadID, loaded.ThreadID)
}

func TestRegistryRetryAfterFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore())

	session, err := f.registry.Create(ctx)
	require.NoError(t, err)

	failure := errors.New("rate limit exceeded")
	f.failNext.Store(&failure)
	result, err := f.registry.Begin(ctx, session.ID, "topic")
	require.Error(t, err)
	require.NotNil(t, result)
	require.True(t, result.Outcome.Failed())
	require.Empty(t, result.Session.Logs)

	var stepErr *crew.StepExecutionError
	require.ErrorAs(t, err, &stepErr)
	require.True(t, stepErr.Recoverable)

	status, err := f.registry.Status(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, crew.ThreadStatusFailed, status.Thread.Status)

	result, err = f.registry.Retry(ctx, session.ID)
	require.NoError(t, err)
	require.True(t, result.Outcome.Paused())
	require.Equal(t, "thread-1", result.Session.ThreadID)
	require.Len(t, result.Session.Logs, 3)

	_, err = f.registry.Retry(ctx, session.ID)
	require.ErrorIs(t, err, ErrAwaitingDecision)
}

func TestRegistryApproveAfterFailedReview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore())

	session, err := f.registry.Create(ctx)
	require.NoError(t, err)
	_, err = f.registry.Begin(ctx, session.ID, "topic")
	require.NoError(t, err)

	failure := errors.New("connection reset by peer")
	f.failReview.Store(&failure)
	result, err := f.registry.Approve(ctx, session.ID, "first try")
	require.Error(t, err)
	require.NotNil(t, result)
	require.True(t, result.Outcome.Failed())
	require.Equal(t, crew.StepReviewer, result.Outcome.Next)

	status, err := f.registry.Status(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, crew.ThreadStatusFailed, status.Thread.Status)
	require.False(t, status.IsPaused())
	require.True(t, status.AwaitingDecision())

	// Retry has no decision to pass the boundary with, and a new topic
	// would strand the approved draft.
	_, err = f.registry.Retry(ctx, session.ID)
	require.ErrorIs(t, err, ErrAwaitingDecision)
	_, err = f.registry.Begin(ctx, session.ID, "another topic")
	require.ErrorIs(t, err, ErrAwaitingDecision)

	result, err = f.registry.Approve(ctx, session.ID, "second try")
	require.NoError(t, err)
	require.True(t, result.Outcome.Completed())
	require.Equal(t, "thread-1", result.Session.ThreadID)
	require.Equal(t, "Reviewed by human: draft about topic", result.Outcome.State.FinalReport)
	require.Equal(t, "second try", result.Outcome.State.HumanFeedback)

	status, err = f.registry.Status(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, crew.ThreadStatusCompleted, status.Thread.Status)
	require.False(t, status.AwaitingDecision())
}

func TestRegistryRejectAfterFailedReview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore())

	session, err := f.registry.Create(ctx)
	require.NoError(t, err)
	_, err = f.registry.Begin(ctx, session.ID, "topic")
	require.NoError(t, err)

	failure := errors.New("service unavailable")
	f.failReview.Store(&failure)
	_, err = f.registry.Approve(ctx, session.ID, "")
	require.Error(t, err)

	rejected, err := f.registry.Reject(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, "thread-2", rejected.ThreadID)

	// The abandoned thread's failure is no longer held by the engine
	abandoned, err := f.engine.GetState(ctx, "thread-1")
	require.NoError(t, err)
	require.Equal(t, crew.ThreadStatusPaused, abandoned.Status)
	require.Empty(t, abandoned.LastError)
}

func TestRegistryBeginAfterFailureForgetsThread(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore())

	session, err := f.registry.Create(ctx)
	require.NoError(t, err)

	failure := errors.New("invalid api key")
	f.failNext.Store(&failure)
	_, err = f.registry.Begin(ctx, session.ID, "topic")
	require.Error(t, err)

	result, err := f.registry.Begin(ctx, session.ID, "topic")
	require.NoError(t, err)
	require.Equal(t, "thread-2", result.Session.ThreadID)

	first, err := f.engine.GetState(ctx, "thread-1")
	require.NoError(t, err)
	require.Equal(t, crew.ThreadStatusIdle, first.Status)
	require.Empty(t, first.LastError)
}

func TestRegistryReleasesSessionLocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("session-%d", i%5)
			_, err := f.registry.Open(ctx, id)
			assert.NoError(t, err)
			_, _ = f.registry.Status(ctx, id)
			assert.NoError(t, f.registry.Delete(ctx, id))
		}(i)
	}
	wg.Wait()

	f.registry.mutex.Lock()
	defer f.registry.mutex.Unlock()
	require.Empty(t, f.registry.locks)
}

func TestRegistryOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore())

	created, err := f.registry.Open(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, "default", created.ID)

	opened, err := f.registry.Open(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, created.ThreadID, opened.ThreadID)

	_, err = f.registry.Open(ctx, "")
	require.Error(t, err)
}

func TestRegistryUnknownSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore())

	_, err := f.registry.Begin(ctx, "nope", "topic")
	require.ErrorIs(t, err, ErrUnknownSession)
	_, err = f.registry.Status(ctx, "nope")
	require.ErrorIs(t, err, ErrUnknownSession)
	_, err = f.registry.Approve(ctx, "nope", "")
	require.ErrorIs(t, err, ErrUnknownSession)
	_, err = f.registry.Reset(ctx, "nope")
	require.ErrorIs(t, err, ErrUnknownSession)

	require.NoError(t, f.registry.Delete(ctx, "nope"))
}

func TestRegistrySessionsAreIndependent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore())

	a, err := f.registry.Create(ctx)
	require.NoError(t, err)
	b, err := f.registry.Create(ctx)
	require.NoError(t, err)
	require.NotEqual(t, a.ThreadID, b.ThreadID)

	_, err = f.registry.Begin(ctx, a.ID, "alpha")
	require.NoError(t, err)
	result, err := f.registry.Begin(ctx, b.ID, "beta")
	require.NoError(t, err)
	require.Equal(t, "draft about beta", result.Outcome.State.DraftReport)

	_, err = f.registry.Reject(ctx, a.ID)
	require.NoError(t, err)
	status, err := f.registry.Status(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, status.IsPaused())
}

func TestNewRegistryValidation(t *testing.T) {
	_, err := NewRegistry(RegistryOptions{Store: NewMemoryStore()})
	require.Error(t, err)
	_, err = NewRegistry(RegistryOptions{Engine: &crew.Engine{}})
	require.Error(t, err)
}
