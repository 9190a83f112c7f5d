package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandboxlab/detonate/internal/api"
	"github.com/sandboxlab/detonate/internal/store"
	"github.com/sandboxlab/detonate/internal/vm"
)

const defaultServer = "http://127.0.0.1:8080"

// apiClient talks to a running daemon over its HTTP API.
type apiClient struct {
	base   string
	apiKey string
	http   *http.Client
}

func newAPIClient(server, apiKey string) *apiClient {
	if apiKey == "" {
		apiKey = os.Getenv("DETONATE_API_KEY")
	}
	return &apiClient{
		base:   server,
		apiKey: apiKey,
		http:   &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr api.APIError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Code != "" {
			return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) submit(ctx context.Context, path string) (*store.Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var job store.Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", &buf, mw.FormDataContentType(), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *apiClient) job(ctx context.Context, id string) (*store.Job, error) {
	var job store.Job
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+id, nil, "", &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// clientFlags attaches the connection flags shared by every client command.
func clientFlags(cmd *cobra.Command, server, apiKey *string) {
	cmd.Flags().StringVar(server, "server", defaultServer, "daemon base URL")
	cmd.Flags().StringVar(apiKey, "api-key", "", "API key (defaults to DETONATE_API_KEY)")
}

func newSubmitCommand() *cobra.Command {
	var (
		server string
		apiKey string
		wait   bool
	)

	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Upload a file for analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := newAPIClient(server, apiKey)

			job, err := client.submit(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("job %s submitted (%s)\n", job.ID, job.Filename)

			if !wait {
				return nil
			}
			for !job.Terminal() {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Second):
				}
				job, err = client.job(ctx, job.ID)
				if err != nil {
					return err
				}
				fmt.Printf("  %-12s %3d%%  %s\n", job.Status, job.Progress, job.Message)
			}
			if job.OutputText != "" {
				fmt.Println()
				fmt.Println(job.OutputText)
			}
			if job.Status == store.StatusError {
				return fmt.Errorf("analysis failed: %s", job.Error)
			}
			return nil
		},
	}
	clientFlags(cmd, &server, &apiKey)
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job reaches a terminal state")
	return cmd
}

func newJobsCommand() *cobra.Command {
	var (
		server string
		apiKey string
		limit  int
		cancel bool
	)

	cmd := &cobra.Command{
		Use:   "jobs [id]",
		Short: "List jobs, or show one job by ID",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := newAPIClient(server, apiKey)

			if len(args) == 1 {
				if cancel {
					if err := client.do(ctx, http.MethodDelete, "/v1/jobs/"+args[0], nil, "", nil); err != nil {
						return err
					}
					fmt.Printf("job %s canceled\n", args[0])
					return nil
				}
				job, err := client.job(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(job)
			}

			var jobs []*store.Job
			path := fmt.Sprintf("/v1/jobs?limit=%d", limit)
			if err := client.do(ctx, http.MethodGet, path, nil, "", &jobs); err != nil {
				return err
			}
			for _, j := range jobs {
				fmt.Printf("%-14s %-10s %3d%%  %-24s %s\n",
					j.ID, j.Status, j.Progress, j.Filename, j.SubmittedAt.Local().Format(time.RFC3339))
			}
			return nil
		},
	}
	clientFlags(cmd, &server, &apiKey)
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs to list")
	cmd.Flags().BoolVar(&cancel, "cancel", false, "cancel the given job instead of showing it")
	return cmd
}

func newReportCommand() *cobra.Command {
	var (
		server string
		apiKey string
	)

	cmd := &cobra.Command{
		Use:   "report <job-id>",
		Short: "Fetch the structured report for a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(server, apiKey)
			var rep json.RawMessage
			if err := client.do(cmd.Context(), http.MethodGet, "/v1/jobs/"+args[0]+"/report", nil, "", &rep); err != nil {
				return err
			}
			return printJSON(rep)
		},
	}
	clientFlags(cmd, &server, &apiKey)
	return cmd
}

func newVMCommand() *cobra.Command {
	var (
		server string
		apiKey string
	)

	cmd := &cobra.Command{
		Use:   "vm",
		Short: "Inspect and administer the sandbox VM",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show VM state and analysis availability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(server, apiKey)
			var st vm.Status
			if err := client.do(cmd.Context(), http.MethodGet, "/v1/vm/status", nil, "", &st); err != nil {
				return err
			}
			return printJSON(st)
		},
	}

	start := &cobra.Command{
		Use:   "start",
		Short: "Start the VM and wait for guest readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(server, apiKey)
			var resp struct {
				State string `json:"state"`
			}
			if err := client.do(cmd.Context(), http.MethodPost, "/v1/vm/start", nil, "", &resp); err != nil {
				return err
			}
			fmt.Printf("vm %s\n", resp.State)
			return nil
		},
	}

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the VM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(server, apiKey)
			if err := client.do(cmd.Context(), http.MethodPost, "/v1/vm/stop", nil, "", nil); err != nil {
				return err
			}
			fmt.Println("vm stopped")
			return nil
		},
	}

	snapshot := &cobra.Command{
		Use:   "snapshot <name>",
		Short: "Create a named snapshot of the idle VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(server, apiKey)
			body, _ := json.Marshal(map[string]string{"name": args[0]})
			if err := client.do(cmd.Context(), http.MethodPost, "/v1/vm/snapshots", bytes.NewReader(body), "application/json", nil); err != nil {
				return err
			}
			fmt.Printf("snapshot %q created\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(status, start, stop, snapshot)
	for _, sub := range []*cobra.Command{status, start, stop, snapshot} {
		clientFlags(sub, &server, &apiKey)
	}
	return cmd
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
