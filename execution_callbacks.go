package crew

import (
	"context"
	"time"
)

// ExecutionCallbacks defines the callback interface for engine events
type ExecutionCallbacks interface {
	// Run-level callbacks, once per Start or Resume call
	BeforeRun(ctx context.Context, event *RunEvent)
	AfterRun(ctx context.Context, event *RunEvent)

	// Step-level callbacks
	BeforeStep(ctx context.Context, event *StepEvent)
	AfterStep(ctx context.Context, event *StepEvent)
}

// RunEvent provides context for run-level events
type RunEvent struct {
	ThreadID  string
	Graph     string
	Resumed   bool
	Status    RunStatus
	Next      StepName
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Steps     []StepName
	Error     error
}

// StepEvent provides context for step-level events
type StepEvent struct {
	ThreadID  string
	Graph     string
	Step      StepName
	Sequence  int
	Writes    Update
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Error     error
}

// BaseExecutionCallbacks provides a default implementation that does nothing
type BaseExecutionCallbacks struct{}

func (n *BaseExecutionCallbacks) BeforeRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) AfterRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) BeforeStep(ctx context.Context, event *StepEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) AfterStep(ctx context.Context, event *StepEvent) {
	// noop
}

// NewBaseExecutionCallbacks creates a new no-op callbacks implementation.
// Embed this in your own callbacks to get a default implementation that does nothing.
func NewBaseExecutionCallbacks() ExecutionCallbacks {
	return &BaseExecutionCallbacks{}
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []ExecutionCallbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...ExecutionCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback ExecutionCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeRun(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeRun(ctx, event)
	}
}

func (c *CallbackChain) AfterRun(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.AfterRun(ctx, event)
	}
}

func (c *CallbackChain) BeforeStep(ctx context.Context, event *StepEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeStep(ctx, event)
	}
}

func (c *CallbackChain) AfterStep(ctx context.Context, event *StepEvent) {
	for _, callback := range c.callbacks {
		callback.AfterStep(ctx, event)
	}
}
