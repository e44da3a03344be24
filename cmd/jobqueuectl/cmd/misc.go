package cmd

import "github.com/spf13/cobra"

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show this node's running/leader/drain state and per-queue stats",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := doRequest(cmd.Context(), "GET", "/healthz", nil)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show this node's effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := doRequest(cmd.Context(), "GET", "/config", nil)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}
