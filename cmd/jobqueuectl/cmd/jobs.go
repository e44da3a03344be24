package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newEnqueueCommand() *cobra.Command {
	var queue, worker, argsJSON string
	var priority, maxAttempts int

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert a job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var args map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
					return fmt.Errorf("parse --args: %w", err)
				}
			}

			body := map[string]any{
				"queue": queue, "worker": worker, "args": args,
				"priority": priority, "max_attempts": maxAttempts,
			}
			out, err := doRequest(cmd.Context(), "POST", "/jobs", body)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	cmd.Flags().StringVar(&queue, "queue", "default", "queue name")
	cmd.Flags().StringVar(&worker, "worker", "", "worker identifier")
	cmd.Flags().StringVar(&argsJSON, "args", "{}", "job args as a JSON object")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (0 highest)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "max attempts (0 = server default)")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func newCancelCommand() *cobra.Command {
	var localOnly bool
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/jobs/%s/cancel", args[0])
			if localOnly {
				path += "?local_only=true"
			}
			out, err := doRequest(cmd.Context(), "POST", path, nil)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&localOnly, "local-only", false, "restrict to the node answering this request")
	return cmd
}

func newRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Retry a discarded or cancelled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := doRequest(cmd.Context(), "POST", fmt.Sprintf("/jobs/%s/retry", args[0]), nil)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Fetch a job's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := doRequest(cmd.Context(), "GET", fmt.Sprintf("/jobs/%s", args[0]), nil)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}
