package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/crew"
)

// ReviewPrefix is prepended to the draft to form the final report
const ReviewPrefix = "Reviewed by human: "

// Options configures the step functions
type Options struct {
	Searcher  Searcher
	Generator Generator

	// Prompt templates. Empty values use the defaults.
	AnalystPrompt string
	WriterPrompt  string
}

// Crew holds the collaborators shared by the four step functions.
type Crew struct {
	searcher      Searcher
	generator     Generator
	analystPrompt *Prompt
	writerPrompt  *Prompt
}

// New validates the options and compiles the prompt templates
func New(opts Options) (*Crew, error) {
	if opts.Searcher == nil {
		return nil, errors.New("searcher is required")
	}
	if opts.Generator == nil {
		return nil, errors.New("generator is required")
	}
	if opts.AnalystPrompt == "" {
		opts.AnalystPrompt = DefaultAnalystPrompt
	}
	if opts.WriterPrompt == "" {
		opts.WriterPrompt = DefaultWriterPrompt
	}
	analystPrompt, err := NewPrompt(opts.AnalystPrompt)
	if err != nil {
		return nil, fmt.Errorf("analyst: %w", err)
	}
	writerPrompt, err := NewPrompt(opts.WriterPrompt)
	if err != nil {
		return nil, fmt.Errorf("writer: %w", err)
	}
	return &Crew{
		searcher:      opts.Searcher,
		generator:     opts.Generator,
		analystPrompt: analystPrompt,
		writerPrompt:  writerPrompt,
	}, nil
}

// Funcs returns the step functions keyed by step name
func (c *Crew) Funcs() map[crew.StepName]crew.StepFunc {
	return map[crew.StepName]crew.StepFunc{
		crew.StepResearcher: c.Research,
		crew.StepAnalyst:    c.Analyze,
		crew.StepWriter:     c.Write,
		crew.StepReviewer:   c.Review,
	}
}

// Graph returns the standard research graph bound to these steps
func (c *Crew) Graph() (*crew.Graph, error) {
	return crew.NewResearchGraph(c.Funcs())
}

// Research searches for the task and records the serialized results.
func (c *Crew) Research(ctx context.Context, state crew.State) (crew.Update, error) {
	task := strings.TrimSpace(state.Task)
	if task == "" {
		return nil, crew.MissingInputError(crew.StepResearcher, crew.FieldTask)
	}
	results, err := c.searcher.Search(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	if results == nil {
		results = []SearchResult{}
	}
	data, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize search results: %w", err)
	}
	if logger, ok := crew.GetLoggerFromContext(ctx); ok {
		logger.Debug("search complete", "results", len(results))
	}
	return crew.Update{crew.FieldResearchData: string(data)}, nil
}

// Analyze generates analysis notes from the research data.
func (c *Crew) Analyze(ctx context.Context, state crew.State) (crew.Update, error) {
	if state.ResearchData == "" {
		return nil, crew.MissingInputError(crew.StepAnalyst, crew.FieldResearchData)
	}
	text, err := c.generate(ctx, c.analystPrompt, state)
	if err != nil {
		return nil, err
	}
	return crew.Update{crew.FieldAnalysisNotes: text}, nil
}

// Write generates the draft report from the analysis notes.
func (c *Crew) Write(ctx context.Context, state crew.State) (crew.Update, error) {
	if state.AnalysisNotes == "" {
		return nil, crew.MissingInputError(crew.StepWriter, crew.FieldAnalysisNotes)
	}
	text, err := c.generate(ctx, c.writerPrompt, state)
	if err != nil {
		return nil, err
	}
	return crew.Update{crew.FieldDraftReport: text}, nil
}

// Review annotates the approved draft. It requires the approval decision
// the engine attaches when it passes the interrupt boundary.
func (c *Crew) Review(ctx context.Context, state crew.State) (crew.Update, error) {
	if state.DraftReport == "" {
		return nil, crew.MissingInputError(crew.StepReviewer, crew.FieldDraftReport)
	}
	decision, ok := crew.DecisionFromContext(ctx)
	if !ok {
		return nil, crew.NewStepError(crew.ErrorTypeMissingInput, "approval decision is required")
	}
	if !decision.Approved {
		return nil, crew.NewStepError(crew.ErrorTypeFatal, "draft was rejected")
	}
	update := crew.Update{crew.FieldFinalReport: ReviewPrefix + state.DraftReport}
	if decision.Feedback != "" {
		update[crew.FieldHumanFeedback] = decision.Feedback
	}
	return update, nil
}

func (c *Crew) generate(ctx context.Context, prompt *Prompt, state crew.State) (string, error) {
	text, err := prompt.Render(ctx, state)
	if err != nil {
		return "", crew.NewStepError(crew.ErrorTypeFatal, fmt.Sprintf("failed to render prompt: %v", err))
	}
	out, err := c.generator.Generate(ctx, text)
	if err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return "", crew.NewStepError(crew.ErrorTypeMalformedOutput, "generator returned empty text")
	}
	return out, nil
}
