package crew

import (
	"context"
)

// StepName identifies one stage of the pipeline.
type StepName string

const (
	StepResearcher StepName = "researcher"
	StepAnalyst    StepName = "analyst"
	StepWriter     StepName = "writer"
	StepReviewer   StepName = "reviewer"

	// Terminal marks the end of the graph. A checkpoint whose Next is
	// Terminal belongs to a completed thread.
	Terminal StepName = "__end__"
)

// StepNames is the closed set of steps a graph may contain.
var StepNames = []StepName{StepResearcher, StepAnalyst, StepWriter, StepReviewer}

// IsValid reports whether n belongs to the closed set of step names.
func (n StepName) IsValid() bool {
	for _, known := range StepNames {
		if n == known {
			return true
		}
	}
	return false
}

func (n StepName) String() string {
	return string(n)
}

// StepFunc computes the partial state for one stage. It receives the full
// accumulated state and must return only the fields its step owns.
type StepFunc func(ctx context.Context, state State) (Update, error)

// Step binds a step name to its function and its single outgoing edge.
type Step struct {
	Name        StepName `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Next        StepName `json:"next" yaml:"next"`
	Func        StepFunc `json:"-" yaml:"-"`
}
