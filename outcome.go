package crew

// RunStatus is the result of one Start or Resume call
type RunStatus string

const (
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Outcome describes where a Start or Resume call left the thread.
type Outcome struct {
	ThreadID string     `json:"thread_id"`
	Status   RunStatus  `json:"status"`
	State    State      `json:"state"`
	Next     StepName   `json:"next"`
	Sequence int        `json:"sequence"`
	Steps    []StepName `json:"steps,omitempty"`
	Err      error      `json:"-"`
}

// Paused reports whether the thread halted at the interrupt boundary
func (o *Outcome) Paused() bool {
	return o.Status == RunStatusPaused
}

// Completed reports whether the thread reached Terminal
func (o *Outcome) Completed() bool {
	return o.Status == RunStatusCompleted
}

// Failed reports whether a step failed during the call
func (o *Outcome) Failed() bool {
	return o.Status == RunStatusFailed
}

// ThreadStatus is the engine's view of a thread between calls
type ThreadStatus string

const (
	// ThreadStatusIdle means the thread has history and can be resumed but is
	// neither paused, failed, nor complete (for example after a restart).
	ThreadStatusIdle      ThreadStatus = "idle"
	ThreadStatusRunning   ThreadStatus = "running"
	ThreadStatusPaused    ThreadStatus = "paused"
	ThreadStatusCompleted ThreadStatus = "completed"
	ThreadStatusFailed    ThreadStatus = "failed"
)

// Snapshot is the result of GetState
type Snapshot struct {
	ThreadID  string       `json:"thread_id"`
	State     State        `json:"state"`
	Next      StepName     `json:"next"`
	Sequence  int          `json:"sequence"`
	Status    ThreadStatus `json:"status"`
	IsPaused  bool         `json:"is_paused"`

	// AwaitingDecision is set when the next step is the interrupt boundary,
	// whether the thread is paused there or the boundary step failed. Only
	// a Resume carrying a decision can advance such a thread.
	AwaitingDecision bool `json:"awaiting_decision"`
	LastError string       `json:"last_error,omitempty"`
}
