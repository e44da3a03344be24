package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and control queues",
	}
	cmd.AddCommand(newQueueCheckCommand())
	cmd.AddCommand(newQueuePauseCommand())
	cmd.AddCommand(newQueueResumeCommand())
	cmd.AddCommand(newQueueScaleCommand())
	return cmd
}

func newQueueCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <queue>",
		Short: "Show a queue's limit, pause state, and running count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := doRequest(cmd.Context(), "GET", fmt.Sprintf("/queues/%s", args[0]), nil)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func localOnlyFlag(cmd *cobra.Command) *bool {
	localOnly := false
	cmd.Flags().BoolVar(&localOnly, "local-only", false, "restrict to the node answering this request")
	return &localOnly
}

func newQueuePauseCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "pause <queue>", Short: "Pause a queue", Args: cobra.ExactArgs(1)}
	localOnly := localOnlyFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return postQueueAction(cmd, args[0], "pause", *localOnly, nil)
	}
	return cmd
}

func newQueueResumeCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "resume <queue>", Short: "Resume a queue", Args: cobra.ExactArgs(1)}
	localOnly := localOnlyFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return postQueueAction(cmd, args[0], "resume", *localOnly, nil)
	}
	return cmd
}

func newQueueScaleCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{Use: "scale <queue>", Short: "Change a queue's concurrency limit", Args: cobra.ExactArgs(1)}
	localOnly := localOnlyFlag(cmd)
	cmd.Flags().IntVar(&limit, "limit", 0, "new concurrency limit")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return postQueueAction(cmd, args[0], "scale", *localOnly, map[string]any{"limit": limit})
	}
	return cmd
}

func postQueueAction(cmd *cobra.Command, queue, action string, localOnly bool, body any) error {
	path := fmt.Sprintf("/queues/%s/%s", queue, action)
	if localOnly {
		path += "?local_only=true"
	}
	out, err := doRequest(cmd.Context(), "POST", path, body)
	if err != nil {
		return err
	}
	printJSON(out)
	return nil
}
