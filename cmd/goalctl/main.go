// Package main implements goalctl, the CLI for operating a goald server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL of the goald HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "goalctl",
		Short: "CLI for goalkeeper",
		Long: `goalctl is a command-line interface for goalkeeper.
It lists the goals planned for a commit, approves and retries goals on a
goald server, and validates goal files locally.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:2866", "goald server URL")
	root.AddCommand(newHealthCmd())
	root.AddCommand(newGoalsCmd())
	root.AddCommand(newValidateCmd())
	return root
}

// HealthResponse matches internal/http HealthResponse
type HealthResponse struct {
	Status string `json:"status"`
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check goald server health",
		Long: `Check the health status of the goald HTTP server.

Examples:
  # Check health
  goalctl health

  # Check health on a different server
  goalctl health --server http://goald.internal:2866`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp HealthResponse
			if err := call(http.MethodGet, "/health", nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", resp.Status)
			fmt.Fprintf(cmd.OutOrStdout(), "Server URL: %s\n", serverURL)
			return nil
		},
	}
}

// call sends body as JSON to path and decodes the JSON response into out.
func call(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	url := serverURL + path
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, err)
	}
	var echoErr struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &echoErr) == nil && echoErr.Message != "" {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, echoErr.Message)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}
