package crew

import (
	"fmt"
	"sort"
)

// Field names one entry of the workflow state.
type Field string

const (
	FieldTask          Field = "task"
	FieldResearchData  Field = "research_data"
	FieldAnalysisNotes Field = "analysis_notes"
	FieldDraftReport   Field = "draft_report"
	FieldHumanFeedback Field = "human_feedback"
	FieldFinalReport   Field = "final_report"
)

// Fields lists every state field in pipeline order.
var Fields = []Field{
	FieldTask,
	FieldResearchData,
	FieldAnalysisNotes,
	FieldDraftReport,
	FieldHumanFeedback,
	FieldFinalReport,
}

// IsValid reports whether f is one of the known state fields.
func (f Field) IsValid() bool {
	for _, known := range Fields {
		if f == known {
			return true
		}
	}
	return false
}

// State is the accumulated workflow state for one thread. It is passed and
// returned by value, so a step can never mutate a checkpointed snapshot.
type State struct {
	Task          string `json:"task,omitempty"`
	ResearchData  string `json:"research_data,omitempty"`
	AnalysisNotes string `json:"analysis_notes,omitempty"`
	DraftReport   string `json:"draft_report,omitempty"`
	HumanFeedback string `json:"human_feedback,omitempty"`
	FinalReport   string `json:"final_report,omitempty"`
}

// Get returns the value of a field.
func (s State) Get(f Field) string {
	switch f {
	case FieldTask:
		return s.Task
	case FieldResearchData:
		return s.ResearchData
	case FieldAnalysisNotes:
		return s.AnalysisNotes
	case FieldDraftReport:
		return s.DraftReport
	case FieldHumanFeedback:
		return s.HumanFeedback
	case FieldFinalReport:
		return s.FinalReport
	}
	return ""
}

func (s *State) set(f Field, value string) {
	switch f {
	case FieldTask:
		s.Task = value
	case FieldResearchData:
		s.ResearchData = value
	case FieldAnalysisNotes:
		s.AnalysisNotes = value
	case FieldDraftReport:
		s.DraftReport = value
	case FieldHumanFeedback:
		s.HumanFeedback = value
	case FieldFinalReport:
		s.FinalReport = value
	}
}

// Merge returns a copy of s with every field in u overwritten. Fields absent
// from u keep their current value. Unknown fields are ignored; callers that
// need strictness validate the update first.
func (s State) Merge(u Update) State {
	merged := s
	for f, value := range u {
		merged.set(f, value)
	}
	return merged
}

// Update returns the populated fields of s as an Update.
func (s State) Update() Update {
	u := Update{}
	for _, f := range Fields {
		if v := s.Get(f); v != "" {
			u[f] = v
		}
	}
	return u
}

// Map returns the state as a plain map keyed by field name. Used as the
// "state" global when rendering prompt templates.
func (s State) Map() map[string]any {
	m := make(map[string]any, len(Fields))
	for _, f := range Fields {
		m[string(f)] = s.Get(f)
	}
	return m
}

// Update is a partial state: the subset of fields a step produced.
type Update map[Field]string

// Fields returns the fields present in the update, sorted.
func (u Update) Fields() []Field {
	fields := make([]Field, 0, len(u))
	for f := range u {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	return fields
}

// Copy returns a copy of the update.
func (u Update) Copy() Update {
	c := make(Update, len(u))
	for f, v := range u {
		c[f] = v
	}
	return c
}

// ownedFields is the fixed table of fields each step may write.
var ownedFields = map[StepName][]Field{
	StepResearcher: {FieldResearchData},
	StepAnalyst:    {FieldAnalysisNotes},
	StepWriter:     {FieldDraftReport},
	StepReviewer:   {FieldHumanFeedback, FieldFinalReport},
}

// OwnedFields returns the fields the named step is allowed to write.
func OwnedFields(step StepName) []Field {
	owned := ownedFields[step]
	out := make([]Field, len(owned))
	copy(out, owned)
	return out
}

// validateUpdate checks that every field in u is owned by step.
func validateUpdate(step StepName, u Update) error {
	owned := ownedFields[step]
	for _, f := range u.Fields() {
		if !f.IsValid() {
			return fmt.Errorf("unknown field %q", f)
		}
		allowed := false
		for _, o := range owned {
			if f == o {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("step %q may not write field %q", step, f)
		}
	}
	return nil
}
