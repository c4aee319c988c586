package steps

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/deepnoodle-ai/crew"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSearcher struct {
	mock.Mock
}

func (m *mockSearcher) Search(ctx context.Context, query string) ([]SearchResult, error) {
	args := m.Called(ctx, query)
	results, _ := args.Get(0).([]SearchResult)
	return results, args.Error(1)
}

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

func newTestCrew(t *testing.T, searcher Searcher, generator Generator) *Crew {
	t.Helper()
	c, err := New(Options{Searcher: searcher, Generator: generator})
	require.NoError(t, err)
	return c
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{Generator: &mockGenerator{}})
	require.Error(t, err)
	_, err = New(Options{Searcher: &mockSearcher{}})
	require.Error(t, err)
	_, err = New(Options{Searcher: &mockSearcher{}, Generator: &mockGenerator{}, AnalystPrompt: "${state.research_data"})
	require.Error(t, err)
}

func TestResearch(t *testing.T) {
	ctx := context.Background()
	searcher := &mockSearcher{}
	searcher.On("Search", mock.Anything, "quantum computing trends").Return([]SearchResult{
		{Title: "Qubits", URL: "https://example.com/q", Content: "error correction"},
	}, nil)

	c := newTestCrew(t, searcher, &mockGenerator{})
	update, err := c.Research(ctx, crew.State{Task: "quantum computing trends"})
	require.NoError(t, err)
	require.Equal(t, []crew.Field{crew.FieldResearchData}, update.Fields())

	var results []SearchResult
	require.NoError(t, json.Unmarshal([]byte(update[crew.FieldResearchData]), &results))
	require.Len(t, results, 1)
	require.Equal(t, "Qubits", results[0].Title)
	searcher.AssertExpectations(t)
}

func TestResearchRequiresTask(t *testing.T) {
	searcher := &mockSearcher{}
	c := newTestCrew(t, searcher, &mockGenerator{})
	_, err := c.Research(context.Background(), crew.State{Task: "  "})
	require.Error(t, err)
	require.True(t, crew.MatchesErrorType(err, crew.ErrorTypeMissingInput))
	searcher.AssertNotCalled(t, "Search", mock.Anything, mock.Anything)
}

func TestResearchPropagatesSearchFailure(t *testing.T) {
	searcher := &mockSearcher{}
	apiErr := &APIError{Provider: "tavily", StatusCode: 503, Message: "unavailable"}
	searcher.On("Search", mock.Anything, "topic").Return(nil, apiErr).Once()

	c := newTestCrew(t, searcher, &mockGenerator{})
	_, err := c.Research(context.Background(), crew.State{Task: "topic"})
	require.Error(t, err)
	var target *APIError
	require.True(t, errors.As(err, &target))
	searcher.AssertNumberOfCalls(t, "Search", 1)
}

func TestAnalyzeRendersPrompt(t *testing.T) {
	generator := &mockGenerator{}
	generator.On("Generate", mock.Anything, mock.MatchedBy(func(prompt string) bool {
		return prompt == "You are a Senior Analyst.\nAnalyze the research in [hits] and identify key trends and patterns\n"
	})).Return("- trend one", nil)

	c := newTestCrew(t, &mockSearcher{}, generator)
	update, err := c.Analyze(context.Background(), crew.State{Task: "t", ResearchData: "[hits]"})
	require.NoError(t, err)
	require.Equal(t, crew.Update{crew.FieldAnalysisNotes: "- trend one"}, update)
	generator.AssertExpectations(t)
}

func TestAnalyzeRequiresResearch(t *testing.T) {
	c := newTestCrew(t, &mockSearcher{}, &mockGenerator{})
	_, err := c.Analyze(context.Background(), crew.State{Task: "t"})
	require.True(t, crew.MatchesErrorType(err, crew.ErrorTypeMissingInput))
}

func TestWriteRendersPrompt(t *testing.T) {
	generator := &mockGenerator{}
	generator.On("Generate", mock.Anything, "You are a Technical Writer.\nAnalyze the notes in - trend and write a comprehensive blog post/report\n").
		Return("# Report", nil)

	c := newTestCrew(t, &mockSearcher{}, generator)
	update, err := c.Write(context.Background(), crew.State{AnalysisNotes: "- trend"})
	require.NoError(t, err)
	require.Equal(t, crew.Update{crew.FieldDraftReport: "# Report"}, update)
}

func TestWriteRejectsEmptyGeneration(t *testing.T) {
	generator := &mockGenerator{}
	generator.On("Generate", mock.Anything, mock.Anything).Return("   ", nil)

	c := newTestCrew(t, &mockSearcher{}, generator)
	_, err := c.Write(context.Background(), crew.State{AnalysisNotes: "- trend"})
	require.True(t, crew.MatchesErrorType(err, crew.ErrorTypeMalformedOutput))
}

func TestCustomPrompt(t *testing.T) {
	generator := &mockGenerator{}
	generator.On("Generate", mock.Anything, "Summarize quantum: notes").Return("summary", nil)

	c, err := New(Options{
		Searcher:     &mockSearcher{},
		Generator:    generator,
		WriterPrompt: "Summarize ${state.task}: ${state.analysis_notes}",
	})
	require.NoError(t, err)
	update, err := c.Write(context.Background(), crew.State{Task: "quantum", AnalysisNotes: "notes"})
	require.NoError(t, err)
	require.Equal(t, "summary", update[crew.FieldDraftReport])
}

func TestReview(t *testing.T) {
	c := newTestCrew(t, &mockSearcher{}, &mockGenerator{})
	state := crew.State{DraftReport: "draft"}

	t.Run("approved", func(t *testing.T) {
		ctx := crew.WithDecision(context.Background(), crew.Approve(""))
		update, err := c.Review(ctx, state)
		require.NoError(t, err)
		require.Equal(t, crew.Update{crew.FieldFinalReport: "Reviewed by human: draft"}, update)
	})

	t.Run("approved with feedback", func(t *testing.T) {
		ctx := crew.WithDecision(context.Background(), crew.Approve("tighten the intro"))
		update, err := c.Review(ctx, state)
		require.NoError(t, err)
		require.Equal(t, "Reviewed by human: draft", update[crew.FieldFinalReport])
		require.Equal(t, "tighten the intro", update[crew.FieldHumanFeedback])
	})

	t.Run("no decision", func(t *testing.T) {
		_, err := c.Review(context.Background(), state)
		require.True(t, crew.MatchesErrorType(err, crew.ErrorTypeMissingInput))
	})

	t.Run("rejected", func(t *testing.T) {
		ctx := crew.WithDecision(context.Background(), crew.Reject("no"))
		_, err := c.Review(ctx, state)
		require.True(t, crew.MatchesErrorType(err, crew.ErrorTypeFatal))
	})

	t.Run("no draft", func(t *testing.T) {
		ctx := crew.WithDecision(context.Background(), crew.Approve(""))
		_, err := c.Review(ctx, crew.State{})
		require.True(t, crew.MatchesErrorType(err, crew.ErrorTypeMissingInput))
	})
}

func TestCrewThroughEngine(t *testing.T) {
	ctx := context.Background()
	searcher := SearcherFunc(func(ctx context.Context, query string) ([]SearchResult, error) {
		return []SearchResult{{Title: query}}, nil
	})
	generator := GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		return "generated", nil
	})
	c := newTestCrew(t, searcher, generator)

	graph, err := c.Graph()
	require.NoError(t, err)
	engine, err := crew.NewEngine(crew.EngineOptions{Graph: graph, Checkpointer: crew.NewMemoryCheckpointer()})
	require.NoError(t, err)

	outcome, err := engine.Start(ctx, "t1", crew.State{Task: "quantum computing trends"})
	require.NoError(t, err)
	require.True(t, outcome.Paused())
	require.Equal(t, "generated", outcome.State.DraftReport)

	outcome, err = engine.Resume(ctx, "t1", crew.Approve(""))
	require.NoError(t, err)
	require.True(t, outcome.Completed())
	require.Equal(t, "Reviewed by human: generated", outcome.State.FinalReport)
}
