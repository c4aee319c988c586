package steps

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/crew"
	"github.com/deepnoodle-ai/crew/script"
)

// Default prompt templates. ${...} expressions are evaluated with the
// current state bound to "state".
const (
	DefaultAnalystPrompt = `You are a Senior Analyst.
Analyze the research in ${state.research_data} and identify key trends and patterns
`
	DefaultWriterPrompt = `You are a Technical Writer.
Analyze the notes in ${state.analysis_notes} and write a comprehensive blog post/report
`
)

// Prompt is a compiled prompt template
type Prompt struct {
	tmpl *script.Template
}

// NewPrompt compiles a prompt template
func NewPrompt(source string) (*Prompt, error) {
	tmpl, err := script.NewTemplate(script.NewRisorScriptingEngine(script.DefaultRisorGlobals()), source)
	if err != nil {
		return nil, fmt.Errorf("invalid prompt template: %w", err)
	}
	return &Prompt{tmpl: tmpl}, nil
}

// Render evaluates the template against the given state
func (p *Prompt) Render(ctx context.Context, state crew.State) (string, error) {
	return p.tmpl.Eval(ctx, map[string]any{"state": state.Map()})
}
