package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"CrewRelay/internal/review"
	"CrewRelay/sdk/go/crewrelay"
)

const (
	choiceApprove = "Approve"
	choiceRevise  = "Request revision"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "run <topic>",
		Short: "Start a crew execution and review paused tasks interactively",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runReview(ctx, opts, cmd.OutOrStdout(), strings.Join(args, " "), interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "status polling interval")
	return cmd
}

func runReview(ctx context.Context, opts *rootOptions, out io.Writer, topic string, interval time.Duration) error {
	client, err := opts.client()
	if err != nil {
		return err
	}
	session := review.NewSession(client)
	if err := session.Start(ctx, topic); err != nil {
		return err
	}
	fmt.Fprintf(out, "Crew started: %s\n", session.Snapshot().KickoffID)

	decide := opts.decider
	if decide == nil {
		decide = promptDecider(out)
	}
	if err := session.Run(ctx, interval, decide); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, promptui.ErrInterrupt) {
			fmt.Fprintln(out, "Stopped.")
			return nil
		}
		return err
	}

	snap := session.Snapshot()
	fmt.Fprintf(out, "Execution %s finished: %s\n", snap.KickoffID, snap.State)
	if snap.FinalOutput != nil {
		fmt.Fprintf(out, "\n%s\n", *snap.FinalOutput)
	}
	return nil
}

// promptDecider 在终端展示任务输出并询问审核结论。
func promptDecider(out io.Writer) review.Decider {
	return func(_ context.Context, task crewrelay.PendingTask) (review.Decision, error) {
		fmt.Fprintf(out, "\n=== %s is waiting for review ===\n%s\n\n", task.TaskID, task.TaskOutput)

		sel := promptui.Select{
			Label: "Decision",
			Items: []string{choiceApprove, choiceRevise},
		}
		_, choice, err := sel.Run()
		if err != nil {
			return review.Decision{}, fmt.Errorf("decision prompt: %w", err)
		}

		prompt := promptui.Prompt{Label: "Feedback (optional)"}
		feedback, err := prompt.Run()
		if err != nil {
			return review.Decision{}, fmt.Errorf("feedback prompt: %w", err)
		}
		return review.Decision{Approved: choice == choiceApprove, Feedback: feedback}, nil
	}
}
