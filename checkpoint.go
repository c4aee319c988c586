package crew

import (
	"errors"
	"time"
)

// Checkpoint is a snapshot of one thread taken after a step succeeded.
// Sequence 0 is written by Start and records the caller's initial state.
type Checkpoint struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Graph     string    `json:"graph,omitempty"`
	Sequence  int       `json:"sequence"`
	Step      StepName  `json:"step,omitempty"`
	Writes    Update    `json:"writes"`
	State     State     `json:"state"`
	Next      StepName  `json:"next"`
	CreatedAt time.Time `json:"created_at"`
}

// IsTerminal reports whether the checkpoint ends its thread.
func (c *Checkpoint) IsTerminal() bool {
	return c.Next == Terminal
}

// Copy returns a deep copy of the checkpoint.
func (c *Checkpoint) Copy() *Checkpoint {
	cp := *c
	cp.Writes = c.Writes.Copy()
	return &cp
}

// Validate checks the fields every store requires.
func (c *Checkpoint) Validate() error {
	if c == nil {
		return errors.New("checkpoint is nil")
	}
	if c.ThreadID == "" {
		return errors.New("checkpoint thread id is required")
	}
	if c.Sequence < 0 {
		return errors.New("checkpoint sequence must not be negative")
	}
	if c.Next == "" {
		return errors.New("checkpoint next step is required")
	}
	return nil
}

// Replay rebuilds a thread's state from its checkpoint history by merging
// each recorded write, in order, onto an empty state.
func Replay(checkpoints []*Checkpoint) State {
	var state State
	for _, cp := range checkpoints {
		state = state.Merge(cp.Writes)
	}
	return state
}
