package crew

import (
	"context"
	"time"
)

// StepLogEntry records one step invocation, successful or not
type StepLogEntry struct {
	ThreadID  string    `json:"thread_id"`
	Step      StepName  `json:"step"`
	Sequence  int       `json:"sequence"`
	Input     State     `json:"input"`
	Writes    Update    `json:"writes,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartTime time.Time `json:"start_time"`
	Duration  float64   `json:"duration"`
}

// StepLogger defines the step invocation log
type StepLogger interface {
	// LogStep logs a completed step invocation
	LogStep(ctx context.Context, entry *StepLogEntry) error

	// GetStepHistory retrieves the step log for a thread
	GetStepHistory(ctx context.Context, threadID string) ([]*StepLogEntry, error)
}
