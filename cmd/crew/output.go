package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/deepnoodle-ai/crew"
	"github.com/deepnoodle-ai/crew/session"
	"github.com/fatih/color"
)

var (
	faint   = color.New(color.Faint)
	bold    = color.New(color.Bold)
	green   = color.New(color.FgGreen)
	yellow  = color.New(color.FgYellow)
	red     = color.New(color.FgRed)
	cyan    = color.New(color.FgCyan)
	magenta = color.New(color.FgMagenta)
)

// printer writes command results either as colored text or as JSON
type printer struct {
	w    io.Writer
	json bool

	// boundary is the step that needs a review decision to run
	boundary crew.StepName
}

func newPrinter(w io.Writer, asJSON bool) *printer {
	return &printer{w: w, json: asJSON}
}

func (p *printer) writeJSON(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type resultJSON struct {
	*session.Result
	Error string `json:"error,omitempty"`
}

// result prints the outcome of a run. runErr is the error returned
// alongside the result, if any.
func (p *printer) result(res *session.Result, runErr error) error {
	if p.json {
		out := resultJSON{Result: res}
		if runErr != nil {
			out.Error = runErr.Error()
		}
		return p.writeJSON(out)
	}

	for _, line := range res.Session.Logs {
		faint.Fprintln(p.w, line)
	}

	outcome := res.Outcome
	switch outcome.Status {
	case crew.RunStatusPaused:
		yellow.Fprintln(p.w, "\nDraft ready for review:")
		fmt.Fprintln(p.w, outcome.State.DraftReport)
		faint.Fprintln(p.w, "\nRun 'crew approve' to finalize the report or 'crew reject' to discard it.")
	case crew.RunStatusCompleted:
		green.Fprintln(p.w, "\nFinal report:")
		fmt.Fprintln(p.w, outcome.State.FinalReport)
		if outcome.State.HumanFeedback != "" {
			cyan.Fprintf(p.w, "\nFeedback: %s\n", outcome.State.HumanFeedback)
		}
	case crew.RunStatusFailed:
		red.Fprintf(p.w, "\nRun failed before step %s: %v\n", outcome.Next, runErr)
		if outcome.Next != "" && outcome.Next == p.boundary {
			faint.Fprintln(p.w, "Run 'crew approve' to try the review again or 'crew reject' to discard the draft.")
		} else {
			faint.Fprintln(p.w, "Run 'crew retry' to continue from the last checkpoint.")
		}
	}
	return nil
}

func (p *printer) session(s *session.SessionContext, message string) error {
	if p.json {
		return p.writeJSON(s)
	}
	green.Fprintln(p.w, message)
	fmt.Fprintf(p.w, "Session: %s\nThread:  %s\n", s.ID, s.ThreadID)
	return nil
}

func (p *printer) status(st *session.Status) error {
	if p.json {
		return p.writeJSON(st)
	}
	bold.Fprintf(p.w, "Session %s\n", st.Session.ID)
	fmt.Fprintf(p.w, "Thread:  %s\n", st.Session.ThreadID)
	if st.Thread == nil {
		faint.Fprintln(p.w, "No research started yet.")
		return nil
	}
	snap := st.Thread
	fmt.Fprintf(p.w, "Status:  %s\n", statusColor(snap.Status).Sprint(snap.Status))
	fmt.Fprintf(p.w, "Next:    %s\n", snap.Next)
	fmt.Fprintf(p.w, "Checkpoint: %d\n", snap.Sequence)
	if snap.State.Task != "" {
		fmt.Fprintf(p.w, "Task:    %s\n", snap.State.Task)
	}
	if snap.LastError != "" {
		red.Fprintf(p.w, "Error:   %s\n", snap.LastError)
	}
	for _, line := range st.Session.Logs {
		faint.Fprintln(p.w, line)
	}
	if snap.AwaitingDecision {
		yellow.Fprintln(p.w, "\nDraft awaiting review:")
		fmt.Fprintln(p.w, snap.State.DraftReport)
	}
	return nil
}

func (p *printer) history(checkpoints []*crew.Checkpoint) error {
	if p.json {
		return p.writeJSON(checkpoints)
	}
	for _, cp := range checkpoints {
		step := "start"
		if cp.Step != "" {
			step = cp.Step.String()
		}
		bold.Fprintf(p.w, "#%d %s", cp.Sequence, step)
		faint.Fprintf(p.w, " -> %s  %s\n", cp.Next, cp.CreatedAt.Format(time.RFC3339))
		for _, field := range cp.Writes.Fields() {
			fmt.Fprintf(p.w, "  %s: %s\n", field, preview(cp.Writes[field], 72))
		}
	}
	return nil
}

func (p *printer) steps(entries []*crew.StepLogEntry) error {
	if p.json {
		return p.writeJSON(entries)
	}
	if len(entries) == 0 {
		faint.Fprintln(p.w, "No steps logged.")
		return nil
	}
	for _, entry := range entries {
		duration := time.Duration(entry.Duration * float64(time.Second)).Round(time.Millisecond)
		if entry.Error != "" {
			red.Fprintf(p.w, "%s  %-10s %8s  %s\n", entry.StartTime.Format(time.RFC3339), entry.Step, duration, entry.Error)
			continue
		}
		fmt.Fprintf(p.w, "%s  %-10s %8s  wrote %s\n", entry.StartTime.Format(time.RFC3339), entry.Step, duration, fieldList(entry.Writes))
	}
	return nil
}

func (p *printer) threads(summaries []*crew.ThreadSummary) error {
	if p.json {
		return p.writeJSON(summaries)
	}
	if len(summaries) == 0 {
		faint.Fprintln(p.w, "No threads.")
		return nil
	}
	for _, s := range summaries {
		magenta.Fprintf(p.w, "%s", s.ThreadID)
		fmt.Fprintf(p.w, "  next=%s  checkpoints=%d  updated=%s\n", s.Next, s.Checkpoints, s.UpdatedAt.Format(time.RFC3339))
		if s.Task != "" {
			faint.Fprintf(p.w, "  %s\n", preview(s.Task, 72))
		}
	}
	return nil
}

func statusColor(status crew.ThreadStatus) *color.Color {
	switch status {
	case crew.ThreadStatusCompleted:
		return green
	case crew.ThreadStatusPaused:
		return yellow
	case crew.ThreadStatusFailed:
		return red
	default:
		return cyan
	}
}

func fieldList(u crew.Update) string {
	fields := u.Fields()
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, string(f))
	}
	if len(names) == 0 {
		return "nothing"
	}
	return strings.Join(names, ", ")
}

// preview flattens s onto one line and truncates it to n runes
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
