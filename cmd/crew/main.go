// Command crew runs the research crew from the terminal: research a topic,
// review the drafted report, then approve or reject it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/deepnoodle-ai/crew/internal/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every command
type globalOptions struct {
	configFile string
	session    string
	timeout    time.Duration
	json       bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "crew",
		Short: "Research crew with a human review step",
		Long: `Crew researches a topic, analyzes the findings, and drafts a report.
It then pauses so a human can approve or reject the draft before the
report is finalized. Progress is checkpointed, so a paused or failed
run can be continued later.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "config file (default is ./config.yaml or ~/.deepnoodle/crew/config.yaml)")
	flags.StringVarP(&opts.session, "session", "s", "default", "session id")
	flags.DurationVarP(&opts.timeout, "timeout", "t", 0, "timeout for the command (e.g. 30s, 5m)")
	flags.BoolVar(&opts.json, "json", false, "print results as JSON")

	root.AddCommand(
		newStartCmd(opts),
		newRunCmd(opts),
		newApproveCmd(opts),
		newRejectCmd(opts),
		newRetryCmd(opts),
		newResetCmd(opts),
		newStatusCmd(opts),
		newHistoryCmd(opts),
		newStepsCmd(opts),
		newThreadsCmd(opts),
		newGraphCmd(opts),
		newDeleteCmd(opts),
	)
	return root
}

// withApp loads the configuration, builds the app, and runs fn with a
// context bounded by the --timeout flag.
func withApp(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, a *app) error) (err error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close: %w", closeErr))
		}
	}()
	return fn(ctx, a)
}
