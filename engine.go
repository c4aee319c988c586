package crew

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/crew/retry"
)

// EngineOptions configures a new engine
type EngineOptions struct {
	Graph              *Graph
	Checkpointer       Checkpointer
	StepLogger         StepLogger
	Logger             *slog.Logger
	ExecutionCallbacks ExecutionCallbacks
}

// Engine drives threads through a graph. Each Start or Resume call runs
// steps from the thread's latest checkpoint until the thread pauses at the
// interrupt boundary, completes, or a step fails. Calls on distinct threads
// may run concurrently; calls on the same thread are serialized.
type Engine struct {
	graph              *Graph
	checkpointer       Checkpointer
	stepLogger         StepLogger
	logger             *slog.Logger
	executionCallbacks ExecutionCallbacks

	mutex    sync.Mutex
	active   map[string]bool
	failures map[string]*StepExecutionError
}

// NewEngine creates a new engine
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Graph == nil {
		return nil, fmt.Errorf("graph is required")
	}
	if opts.Checkpointer == nil {
		return nil, fmt.Errorf("checkpointer is required")
	}
	if opts.StepLogger == nil {
		opts.StepLogger = NewNullStepLogger()
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.ExecutionCallbacks == nil {
		opts.ExecutionCallbacks = &BaseExecutionCallbacks{}
	}
	return &Engine{
		graph:              opts.Graph,
		checkpointer:       opts.Checkpointer,
		stepLogger:         opts.StepLogger,
		logger:             opts.Logger.With("graph", opts.Graph.Name()),
		executionCallbacks: opts.ExecutionCallbacks,
		active:             map[string]bool{},
		failures:           map[string]*StepExecutionError{},
	}, nil
}

// Graph returns the graph the engine drives
func (e *Engine) Graph() *Graph {
	return e.graph
}

// Checkpointer returns the engine's checkpoint store
func (e *Engine) Checkpointer() Checkpointer {
	return e.checkpointer
}

// acquire marks a thread as in flight. A second caller is rejected rather
// than queued.
func (e *Engine) acquire(threadID string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.active[threadID] {
		return fmt.Errorf("%w: thread %s has a call in flight", ErrConcurrentAccess, threadID)
	}
	e.active[threadID] = true
	return nil
}

func (e *Engine) release(threadID string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	delete(e.active, threadID)
}

func (e *Engine) setFailure(threadID string, err *StepExecutionError) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if err == nil {
		delete(e.failures, threadID)
	} else {
		e.failures[threadID] = err
	}
}

// Forget drops what the engine remembers about a thread between calls,
// such as its last step failure. Checkpoints are not touched.
func (e *Engine) Forget(threadID string) {
	e.setFailure(threadID, nil)
}

// Start replaces any history of the thread with a checkpoint holding the
// initial state and runs from the first step.
func (e *Engine) Start(ctx context.Context, threadID string, initial State) (*Outcome, error) {
	if threadID == "" {
		return nil, fmt.Errorf("thread id is required")
	}
	if err := e.acquire(threadID); err != nil {
		return nil, err
	}
	defer e.release(threadID)

	if err := e.checkpointer.DeleteCheckpoints(ctx, threadID); err != nil {
		return nil, fmt.Errorf("failed to reset thread history: %w", err)
	}
	e.setFailure(threadID, nil)

	checkpoint := &Checkpoint{
		ID:        NewCheckpointID(),
		ThreadID:  threadID,
		Graph:     e.graph.Name(),
		Sequence:  0,
		Writes:    initial.Update(),
		State:     initial,
		Next:      e.graph.Start().Name,
		CreatedAt: time.Now(),
	}
	if err := e.checkpointer.AppendCheckpoint(ctx, checkpoint); err != nil {
		return nil, fmt.Errorf("failed to save initial checkpoint: %w", err)
	}
	e.logger.Info("thread started", "thread_id", threadID, "task", initial.Task)

	return e.run(ctx, checkpoint, runOptions{})
}

// Resume continues a thread from its latest checkpoint. When the thread is
// paused at the interrupt boundary the decision is required: an approval
// runs the boundary step exactly once and continues to the end, a rejection
// returns ErrRejected without running anything. Resuming a completed thread
// returns its final state and appends nothing.
func (e *Engine) Resume(ctx context.Context, threadID string, decision *Decision) (*Outcome, error) {
	if err := e.acquire(threadID); err != nil {
		return nil, err
	}
	defer e.release(threadID)

	latest, err := e.checkpointer.LoadCheckpoint(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownThread, threadID)
	}

	if latest.IsTerminal() {
		e.logger.Info("thread already completed", "thread_id", threadID)
		return &Outcome{
			ThreadID: threadID,
			Status:   RunStatusCompleted,
			State:    latest.State,
			Next:     Terminal,
			Sequence: latest.Sequence,
		}, nil
	}

	opts := runOptions{resumed: true}
	if boundary := e.graph.InterruptBefore(); boundary != "" && latest.Next == boundary {
		if decision == nil {
			return nil, fmt.Errorf("%w: thread %s", ErrApprovalRequired, threadID)
		}
		if !decision.Approved {
			e.logger.Info("thread rejected at boundary", "thread_id", threadID, "step", boundary)
			return nil, fmt.Errorf("%w: thread %s", ErrRejected, threadID)
		}
		opts.passBoundary = true
		opts.decision = decision
	}

	if prior := e.lastFailure(threadID); prior != nil {
		e.logger.Info("resuming thread after failure", "thread_id", threadID, "step", prior.Step, "original_error", prior.Cause)
	}

	return e.run(ctx, latest, opts)
}

func (e *Engine) lastFailure(threadID string) *StepExecutionError {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.failures[threadID]
}

// GetState returns the thread's latest state and whether it is paused at
// the interrupt boundary.
func (e *Engine) GetState(ctx context.Context, threadID string) (*Snapshot, error) {
	latest, err := e.checkpointer.LoadCheckpoint(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownThread, threadID)
	}

	snapshot := &Snapshot{
		ThreadID: threadID,
		State:    latest.State,
		Next:     latest.Next,
		Sequence: latest.Sequence,
		Status:   ThreadStatusIdle,
	}

	e.mutex.Lock()
	running := e.active[threadID]
	failure := e.failures[threadID]
	e.mutex.Unlock()

	boundary := e.graph.InterruptBefore()
	switch {
	case running:
		snapshot.Status = ThreadStatusRunning
	case latest.IsTerminal():
		snapshot.Status = ThreadStatusCompleted
	case failure != nil:
		snapshot.Status = ThreadStatusFailed
		snapshot.LastError = failure.Error()
	case boundary != "" && latest.Next == boundary:
		snapshot.Status = ThreadStatusPaused
	}
	snapshot.IsPaused = snapshot.Status == ThreadStatusPaused
	snapshot.AwaitingDecision = boundary != "" && latest.Next == boundary &&
		(snapshot.Status == ThreadStatusPaused || snapshot.Status == ThreadStatusFailed)
	return snapshot, nil
}

// History returns every checkpoint of the thread in order
func (e *Engine) History(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	history, err := e.checkpointer.ListCheckpoints(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownThread, threadID)
	}
	return history, nil
}

type runOptions struct {
	resumed      bool
	passBoundary bool
	decision     *Decision
}

// run executes steps from the given checkpoint. Only the first arrival at
// the boundary pauses; passBoundary is set when the call began at the
// boundary with an approval and is cleared once the boundary step has run.
func (e *Engine) run(ctx context.Context, from *Checkpoint, opts runOptions) (*Outcome, error) {
	threadID := from.ThreadID
	logger := e.logger.With("thread_id", threadID)
	startTime := time.Now()

	outcome := &Outcome{
		ThreadID: threadID,
		State:    from.State,
		Next:     from.Next,
		Sequence: from.Sequence,
	}

	e.executionCallbacks.BeforeRun(ctx, &RunEvent{
		ThreadID:  threadID,
		Graph:     e.graph.Name(),
		Resumed:   opts.resumed,
		Next:      from.Next,
		StartTime: startTime,
	})

	finish := func(status RunStatus, err error) (*Outcome, error) {
		outcome.Status = status
		outcome.Err = err
		endTime := time.Now()
		e.executionCallbacks.AfterRun(ctx, &RunEvent{
			ThreadID:  threadID,
			Graph:     e.graph.Name(),
			Resumed:   opts.resumed,
			Status:    status,
			Next:      outcome.Next,
			StartTime: startTime,
			EndTime:   endTime,
			Duration:  endTime.Sub(startTime),
			Steps:     append([]StepName(nil), outcome.Steps...),
			Error:     err,
		})
		return outcome, err
	}

	boundary := e.graph.InterruptBefore()
	for {
		next := outcome.Next
		if next == Terminal {
			logger.Info("thread completed", "sequence", outcome.Sequence)
			return finish(RunStatusCompleted, nil)
		}
		if next == boundary && !opts.passBoundary {
			logger.Info("thread paused", "before", boundary, "sequence", outcome.Sequence)
			return finish(RunStatusPaused, nil)
		}
		if err := ctx.Err(); err != nil {
			logger.Warn("run cancelled", "next", next, "error", err)
			return finish(RunStatusFailed, err)
		}

		step, ok := e.graph.GetStep(next)
		if !ok {
			// Only reachable with a checkpoint written by a different graph.
			err := fmt.Errorf("checkpoint names step %q which is not in graph %q", next, e.graph.Name())
			return finish(RunStatusFailed, err)
		}

		stepCtx := WithThreadID(WithLogger(ctx, logger.With("step", next)), threadID)
		if next == boundary {
			stepCtx = WithDecision(stepCtx, opts.decision)
		}

		writes, stepErr := e.executeStep(stepCtx, threadID, outcome.Sequence+1, step, outcome.State)
		if stepErr != nil {
			e.setFailure(threadID, stepErr)
			logger.Error("step failed", "step", next, "type", stepErr.Type, "recoverable", stepErr.Recoverable, "error", stepErr.Cause)
			return finish(RunStatusFailed, stepErr)
		}

		merged := outcome.State.Merge(writes)
		checkpoint := &Checkpoint{
			ID:        NewCheckpointID(),
			ThreadID:  threadID,
			Graph:     e.graph.Name(),
			Sequence:  outcome.Sequence + 1,
			Step:      step.Name,
			Writes:    writes,
			State:     merged,
			Next:      step.Next,
			CreatedAt: time.Now(),
		}
		if err := e.checkpointer.AppendCheckpoint(ctx, checkpoint); err != nil {
			logger.Error("failed to save checkpoint", "step", next, "error", err)
			return finish(RunStatusFailed, fmt.Errorf("failed to save checkpoint after step %s: %w", next, err))
		}
		e.setFailure(threadID, nil)

		outcome.State = merged
		outcome.Sequence = checkpoint.Sequence
		outcome.Next = step.Next
		outcome.Steps = append(outcome.Steps, step.Name)
		if step.Name == boundary {
			opts.passBoundary = false
		}
	}
}

// executeStep invokes one step function and validates its output. A panic
// in the step is reported as a fatal step failure.
func (e *Engine) executeStep(ctx context.Context, threadID string, sequence int, step *Step, state State) (writes Update, stepErr *StepExecutionError) {
	startTime := time.Now()
	event := &StepEvent{
		ThreadID:  threadID,
		Graph:     e.graph.Name(),
		Step:      step.Name,
		Sequence:  sequence,
		StartTime: startTime,
	}
	e.executionCallbacks.BeforeStep(ctx, event)

	defer func() {
		endTime := time.Now()
		event.EndTime = endTime
		event.Duration = endTime.Sub(startTime)
		event.Writes = writes.Copy()
		entry := &StepLogEntry{
			ThreadID:  threadID,
			Step:      step.Name,
			Sequence:  sequence,
			Input:     state,
			Writes:    writes,
			StartTime: startTime,
			Duration:  event.Duration.Seconds(),
		}
		if stepErr != nil {
			event.Error = stepErr
			entry.Error = stepErr.Error()
		}
		e.executionCallbacks.AfterStep(ctx, event)
		if err := e.stepLogger.LogStep(ctx, entry); err != nil {
			e.logger.Warn("failed to log step", "thread_id", threadID, "step", step.Name, "error", err)
		}
	}()

	update, err := callStep(ctx, step, state)
	if err != nil {
		return nil, newStepExecutionError(threadID, step.Name, err)
	}
	if err := validateUpdate(step.Name, update); err != nil {
		return nil, &StepExecutionError{
			ThreadID: threadID,
			Step:     step.Name,
			Type:     ErrorTypeMalformedOutput,
			Cause:    err.Error(),
			Wrapped:  err,
		}
	}
	return update.Copy(), nil
}

func callStep(ctx context.Context, step *Step, state State) (update Update, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewStepError(ErrorTypeFatal, fmt.Sprintf("panic: %v", r))
		}
	}()
	return step.Func(ctx, state)
}

func newStepExecutionError(threadID string, step StepName, err error) *StepExecutionError {
	result := &StepExecutionError{
		ThreadID: threadID,
		Step:     step,
		Type:     ClassifyError(err),
		Cause:    err.Error(),
		Wrapped:  err,
	}
	var typed *StepExecutionError
	if errors.As(err, &typed) {
		result.Cause = typed.Cause
		if typed.Wrapped != nil {
			result.Wrapped = typed.Wrapped
		}
		if !typed.Recoverable {
			// Only the wrapped cause can still make it worth another try
			err = typed.Wrapped
		}
	}
	switch result.Type {
	case ErrorTypeFatal, ErrorTypeMalformedOutput, ErrorTypeMissingInput:
		err = retry.Permanent(err)
	}
	result.Recoverable = retry.IsRecoverable(err)
	return result
}
