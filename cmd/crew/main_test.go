package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/deepnoodle-ai/crew"
	"github.com/deepnoodle-ai/crew/session"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testNotes = "Trend: qubits are getting cheaper."
	testDraft = "Quantum computing is advancing quickly."
)

// fixture runs the CLI against fake search and chat servers with file
// backed stores in a temporary directory.
type fixture struct {
	t          *testing.T
	dir        string
	configPath string
	failChat   atomic.Int32
	chatCalls  atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	color.NoColor = true
	f := &fixture{t: t, dir: t.TempDir()}
	t.Setenv("HOME", f.dir)

	search := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"title": "Qubits", "url": "https://example.com/q", "content": "Qubit prices fell."},
			},
		})
	}))
	t.Cleanup(search.Close)

	chat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.chatCalls.Add(1)
		if f.failChat.Load() > 0 {
			f.failChat.Add(-1)
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":{"message":"overloaded"}}`)
			return
		}
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		content := testDraft
		if strings.Contains(req.Messages[0].Content, "Senior Analyst") {
			content = testNotes
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": content}},
			},
		})
	}))
	t.Cleanup(chat.Close)

	f.configPath = filepath.Join(f.dir, "crew.yaml")
	f.writeConfig(fmt.Sprintf(`
store:
  driver: file
  dir: %s
session:
  dir: %s
logging:
  level: error
search:
  base_url: %s
  api_key: tvly-test
  rate_limit: 0
llm:
  base_url: %s
  api_key: gsk-test
  rate_limit: 0
metrics:
  textfile: %s
steplog:
  dir: %s
`,
		filepath.Join(f.dir, "threads"),
		filepath.Join(f.dir, "sessions"),
		search.URL,
		chat.URL,
		filepath.Join(f.dir, "crew.prom"),
		filepath.Join(f.dir, "steps"),
	))
	return f
}

func (f *fixture) writeConfig(content string) {
	require.NoError(f.t, os.WriteFile(f.configPath, []byte(content), 0o644))
}

func (f *fixture) run(stdin string, args ...string) (string, error) {
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", f.configPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (f *fixture) mustRun(args ...string) string {
	f.t.Helper()
	out, err := f.run("", args...)
	require.NoError(f.t, err, out)
	return out
}

func TestStartApprove(t *testing.T) {
	f := newFixture(t)

	out := f.mustRun("start", "quantum", "computing")
	assert.Contains(t, out, "Thinking... (researcher)")
	assert.Contains(t, out, "Thinking... (analyst)")
	assert.Contains(t, out, "Thinking... (writer)")
	assert.Contains(t, out, "Draft ready for review:")
	assert.Contains(t, out, testDraft)

	out = f.mustRun("status")
	assert.Contains(t, out, "Status:  paused")
	assert.Contains(t, out, "Next:    reviewer")
	assert.Contains(t, out, "Task:    quantum computing")

	_, err := f.run("", "start", "another topic")
	require.ErrorIs(t, err, session.ErrAwaitingDecision)

	out = f.mustRun("approve", "--feedback", "ship it")
	assert.Contains(t, out, "Thinking... (reviewer)")
	assert.Contains(t, out, "Final report:")
	assert.Contains(t, out, "Reviewed by human: "+testDraft)
	assert.Contains(t, out, "Feedback: ship it")

	out = f.mustRun("status")
	assert.Contains(t, out, "Status:  completed")

	_, err = f.run("", "approve")
	require.ErrorIs(t, err, session.ErrNotPaused)
}

func TestStatusJSON(t *testing.T) {
	f := newFixture(t)
	f.mustRun("start", "quantum computing")

	out := f.mustRun("status", "--json")
	var st session.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	require.NotNil(t, st.Thread)
	assert.True(t, st.IsPaused())
	assert.Equal(t, testNotes, st.Thread.State.AnalysisNotes)
	assert.Equal(t, testDraft, st.Thread.State.DraftReport)
	assert.Equal(t, "default", st.Session.ID)
}

func TestReject(t *testing.T) {
	f := newFixture(t)

	_, err := f.run("", "reject")
	require.ErrorIs(t, err, session.ErrNotPaused)

	f.mustRun("start", "quantum computing")
	before := f.mustRun("status", "--json")

	out := f.mustRun("reject")
	assert.Contains(t, out, "Draft rejected.")

	out = f.mustRun("status")
	assert.Contains(t, out, "No research started yet.")

	// The abandoned thread is kept in the store
	var st session.Status
	require.NoError(t, json.Unmarshal([]byte(before), &st))
	out = f.mustRun("threads")
	assert.Contains(t, out, st.Session.ThreadID)
}

func TestRunInteractive(t *testing.T) {
	t.Run("approve", func(t *testing.T) {
		f := newFixture(t)
		out, err := f.run("y\n", "run", "--feedback", "looks good", "quantum computing")
		require.NoError(t, err)
		assert.Contains(t, out, "Approve this draft? [y/N]: ")
		assert.Contains(t, out, "Reviewed by human: "+testDraft)
		assert.Contains(t, out, "Feedback: looks good")
	})

	t.Run("reject", func(t *testing.T) {
		f := newFixture(t)
		out, err := f.run("n\n", "run", "quantum computing")
		require.NoError(t, err)
		assert.Contains(t, out, "Draft rejected.")
		assert.NotContains(t, out, "Final report:")
	})

	t.Run("no answer rejects", func(t *testing.T) {
		f := newFixture(t)
		out, err := f.run("", "run", "quantum computing")
		require.NoError(t, err)
		assert.Contains(t, out, "Draft rejected.")
	})
}

func TestFailureAndRetry(t *testing.T) {
	f := newFixture(t)
	f.failChat.Store(1)

	out, err := f.run("", "start", "quantum computing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
	assert.Contains(t, out, "Thinking... (researcher)")
	assert.Contains(t, out, "Run failed before step analyst")

	out = f.mustRun("retry", "--json")
	var res session.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, crew.RunStatusPaused, res.Outcome.Status)
	assert.Equal(t, []crew.StepName{crew.StepAnalyst, crew.StepWriter}, res.Outcome.Steps)
	assert.Equal(t, []string{
		"Thinking... (researcher)",
		"Thinking... (analyst)",
		"Thinking... (writer)",
	}, res.Session.Logs)
	assert.Equal(t, int32(3), f.chatCalls.Load())

	_, err = f.run("", "retry")
	require.ErrorIs(t, err, session.ErrAwaitingDecision)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	f.mustRun("start", "quantum computing")

	out := f.mustRun("history", "--verify")
	assert.Contains(t, out, "#0 start")
	assert.Contains(t, out, "#1 researcher")
	assert.Contains(t, out, "#3 writer -> reviewer")
	assert.Contains(t, out, "analysis_notes: "+testNotes)
	assert.Contains(t, out, "Replay matches checkpoint 3.")

	_, err := f.run("", "history", "thread_missing")
	require.Error(t, err)
}

func TestStepsAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.mustRun("start", "quantum computing")

	out := f.mustRun("steps")
	assert.Contains(t, out, "researcher")
	assert.Contains(t, out, "wrote research_data")
	assert.Contains(t, out, "wrote draft_report")

	data, err := os.ReadFile(filepath.Join(f.dir, "crew.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "crew_pauses_total 1")
}

func TestResetAndDelete(t *testing.T) {
	f := newFixture(t)
	f.mustRun("start", "quantum computing")

	out := f.mustRun("reset")
	assert.Contains(t, out, "Session reset.")

	out = f.mustRun("start", "a new topic")
	assert.Contains(t, out, "Draft ready for review:")

	out = f.mustRun("--session", "other", "status")
	assert.Contains(t, out, "Session other")
	assert.Contains(t, out, "No research started yet.")

	out = f.mustRun("delete")
	assert.Contains(t, out, "Session default deleted.")
	_, err := os.Stat(filepath.Join(f.dir, "sessions", "default.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestInvalidConfig(t *testing.T) {
	f := newFixture(t)
	f.writeConfig("store:\n  driver: redis\n")

	_, err := f.run("", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid store driver")
}

func TestThreadsUnsupported(t *testing.T) {
	f := newFixture(t)
	f.writeConfig("store:\n  driver: memory\nsession:\n  dir: \"\"\n")

	_, err := f.run("", "threads")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot list threads")
}

func TestGraph(t *testing.T) {
	f := newFixture(t)

	out := f.mustRun("graph")
	assert.Contains(t, out, "research-crew")
	assert.Contains(t, out, "1. researcher")
	assert.Contains(t, out, "-- human review --\n4. reviewer")
	assert.Contains(t, out, "5. end")
}

func TestFailedReviewHint(t *testing.T) {
	color.NoColor = true
	var out bytes.Buffer
	p := newPrinter(&out, false)
	p.boundary = crew.StepReviewer

	res := &session.Result{
		Session: &session.SessionContext{ID: "default", ThreadID: "thread-1"},
		Outcome: &crew.Outcome{Status: crew.RunStatusFailed, Next: crew.StepReviewer},
	}
	require.NoError(t, p.result(res, errors.New("connection reset")))
	assert.Contains(t, out.String(), "Run failed before step reviewer: connection reset")
	assert.Contains(t, out.String(), "Run 'crew approve' to try the review again")
	assert.NotContains(t, out.String(), "crew retry")

	out.Reset()
	res.Outcome.Next = crew.StepAnalyst
	require.NoError(t, p.result(res, errors.New("overloaded")))
	assert.Contains(t, out.String(), "Run 'crew retry' to continue")
}
