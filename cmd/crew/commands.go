package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/deepnoodle-ai/crew"
	"github.com/deepnoodle-ai/crew/session"
	"github.com/spf13/cobra"
)

// runResult prints a result and passes the run error through. The session
// registry returns a result together with the error when a step fails.
func runResult(p *printer, res *session.Result, err error) error {
	if res == nil {
		return describe(err)
	}
	if printErr := p.result(res, err); printErr != nil {
		return printErr
	}
	return err
}

// describe adds a hint to session policy errors
func describe(err error) error {
	switch {
	case errors.Is(err, session.ErrAwaitingDecision):
		return fmt.Errorf("%w: run 'crew approve' or 'crew reject' first", err)
	case errors.Is(err, session.ErrNotPaused):
		return fmt.Errorf("%w: there is no draft awaiting review", err)
	default:
		return err
	}
}

func newStartCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "start <task>",
		Aliases: []string{"begin"},
		Short:   "Research a topic and draft a report for review",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task := strings.Join(args, " ")
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if _, err := a.registry.Open(ctx, opts.session); err != nil {
					return err
				}
				res, err := a.registry.Begin(ctx, opts.session, task)
				return runResult(a.printer(cmd.OutOrStdout(), opts.json), res, err)
			})
		},
	}
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Research a topic and review the draft interactively",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task := strings.Join(args, " ")
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				p := a.printer(cmd.OutOrStdout(), false)
				if _, err := a.registry.Open(ctx, opts.session); err != nil {
					return err
				}
				res, err := a.registry.Begin(ctx, opts.session, task)
				if err := runResult(p, res, err); err != nil {
					return err
				}
				if !res.Outcome.Paused() {
					return nil
				}

				approved, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(), "Approve this draft? [y/N]: ")
				if err != nil {
					return err
				}
				if !approved {
					if _, err := a.registry.Reject(ctx, opts.session); err != nil {
						return err
					}
					yellow.Fprintln(cmd.OutOrStdout(), "Draft rejected.")
					return nil
				}
				res, err = a.registry.Approve(ctx, opts.session, feedback)
				return runResult(p, res, err)
			})
		},
	}
	cmd.Flags().StringVarP(&feedback, "feedback", "f", "", "feedback to record with the approval")
	return cmd
}

// confirm asks a yes/no question and reads the answer from r
func confirm(r io.Reader, w io.Writer, question string) (bool, error) {
	bold.Fprint(w, question)
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return false, fmt.Errorf("failed to read answer: %w", err)
		}
		return false, nil
	}
	switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func newApproveCmd(opts *globalOptions) *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve the draft awaiting review and finalize the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if _, err := a.registry.Open(ctx, opts.session); err != nil {
					return err
				}
				res, err := a.registry.Approve(ctx, opts.session, feedback)
				return runResult(a.printer(cmd.OutOrStdout(), opts.json), res, err)
			})
		},
	}
	cmd.Flags().StringVarP(&feedback, "feedback", "f", "", "feedback to record with the approval")
	return cmd
}

func newRejectCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reject",
		Short: "Discard the draft awaiting review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if _, err := a.registry.Open(ctx, opts.session); err != nil {
					return err
				}
				s, err := a.registry.Reject(ctx, opts.session)
				if err != nil {
					return describe(err)
				}
				return a.printer(cmd.OutOrStdout(), opts.json).session(s, "Draft rejected.")
			})
		},
	}
}

func newRetryCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Continue a failed run from its last checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if _, err := a.registry.Open(ctx, opts.session); err != nil {
					return err
				}
				res, err := a.registry.Retry(ctx, opts.session)
				return runResult(a.printer(cmd.OutOrStdout(), opts.json), res, err)
			})
		},
	}
}

func newResetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Start the session over on a new thread",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if _, err := a.registry.Open(ctx, opts.session); err != nil {
					return err
				}
				s, err := a.registry.Reset(ctx, opts.session)
				if err != nil {
					return err
				}
				return a.printer(cmd.OutOrStdout(), opts.json).session(s, "Session reset.")
			})
		},
	}
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session and the state of its thread",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if _, err := a.registry.Open(ctx, opts.session); err != nil {
					return err
				}
				st, err := a.registry.Status(ctx, opts.session)
				if err != nil {
					return err
				}
				return a.printer(cmd.OutOrStdout(), opts.json).status(st)
			})
		},
	}
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "history [thread-id]",
		Short: "List the checkpoints of a thread",
		Long: `List the checkpoints of a thread, oldest first. Without an argument the
session's current thread is shown. With --verify the recorded writes are
replayed and compared against the latest checkpoint.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				threadID, err := resolveThread(ctx, a, opts, args)
				if err != nil {
					return err
				}
				history, err := a.engine.History(ctx, threadID)
				if err != nil {
					return err
				}
				if verify {
					latest := history[len(history)-1]
					if replayed := crew.Replay(history); replayed != latest.State {
						return fmt.Errorf("thread %s: replayed state does not match checkpoint %d", threadID, latest.Sequence)
					}
				}
				p := a.printer(cmd.OutOrStdout(), opts.json)
				if err := p.history(history); err != nil {
					return err
				}
				if verify && !opts.json {
					green.Fprintf(cmd.OutOrStdout(), "Replay matches checkpoint %d.\n", history[len(history)-1].Sequence)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "replay the writes and compare against the latest state")
	return cmd
}

func newStepsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "steps [thread-id]",
		Short: "Show the step log of a thread",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if a.cfg.StepLog.Dir == "" {
					return errors.New("step log is disabled: set steplog.dir")
				}
				threadID, err := resolveThread(ctx, a, opts, args)
				if err != nil {
					return err
				}
				entries, err := a.stepLogger.GetStepHistory(ctx, threadID)
				if err != nil {
					return err
				}
				return a.printer(cmd.OutOrStdout(), opts.json).steps(entries)
			})
		},
	}
}

func newThreadsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "threads",
		Short: "List the threads in the checkpoint store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				lister, ok := a.checkpointer.(crew.ThreadLister)
				if !ok {
					return fmt.Errorf("the %s store cannot list threads", a.cfg.Store.Driver)
				}
				summaries, err := lister.ListThreads(ctx)
				if err != nil {
					return err
				}
				return a.printer(cmd.OutOrStdout(), opts.json).threads(summaries)
			})
		},
	}
}

func newDeleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Forget the session. Its threads stay in the checkpoint store.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.registry.Delete(ctx, opts.session); err != nil {
					return err
				}
				green.Fprintf(cmd.OutOrStdout(), "Session %s deleted.\n", opts.session)
				return nil
			})
		},
	}
}

func newGraphCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Show the step chain and the review boundary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				graph := a.engine.Graph()
				w := cmd.OutOrStdout()
				bold.Fprintln(w, graph.Name())
				if graph.Description() != "" {
					faint.Fprintln(w, graph.Description())
				}
				for i, name := range graph.Order() {
					if name == crew.Terminal {
						fmt.Fprintf(w, "%d. end\n", i+1)
						break
					}
					if name == graph.InterruptBefore() {
						yellow.Fprintln(w, "   -- human review --")
					}
					step, _ := graph.GetStep(name)
					fmt.Fprintf(w, "%d. %-10s %s\n", i+1, name, step.Description)
				}
				return nil
			})
		},
	}
}

// resolveThread returns the thread named in args, or the session's thread
func resolveThread(ctx context.Context, a *app, opts *globalOptions, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	s, err := a.registry.Get(ctx, opts.session)
	if err != nil {
		return "", err
	}
	return s.ThreadID, nil
}
