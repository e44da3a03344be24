// Package cmd implements the jobqueuectl command-line interface: every
// subcommand issues one HTTP call against a running node's admin server.
package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var addr string

var rootCmd = &cobra.Command{
	Use:   "jobqueuectl",
	Short: "Operate a jobqueue node's admin surface",
	Long:  "jobqueuectl talks to a running jobqueue node's admin HTTP server to insert, get, cancel, and retry jobs and to check, pause, resume, and scale queues.",
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8080", "admin server base address")

	rootCmd.AddCommand(newEnqueueCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newRetryCommand())
	rootCmd.AddCommand(newGetCommand())
	rootCmd.AddCommand(newQueueCommand())
	rootCmd.AddCommand(newHealthCommand())
	rootCmd.AddCommand(newConfigCommand())
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func doRequest(ctx context.Context, method, path string, body any) (map[string]any, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, addr+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return out, fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return out, nil
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(b))
}
