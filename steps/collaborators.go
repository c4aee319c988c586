// Package steps provides the research crew's four step functions and the
// search and text generation collaborators they call.
package steps

import (
	"context"
)

// SearchResult is one hit returned by a Searcher.
type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// Searcher retrieves information about a query.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// SearcherFunc adapts a function to the Searcher interface
type SearcherFunc func(ctx context.Context, query string) ([]SearchResult, error)

func (f SearcherFunc) Search(ctx context.Context, query string) ([]SearchResult, error) {
	return f(ctx, query)
}

// GeneratorFunc adapts a function to the Generator interface
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
