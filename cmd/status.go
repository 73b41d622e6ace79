package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query server status or a specific job",
	Long: `Queries the evaluation server for job status information.
If no job-id is provided, lists all jobs.
If job-id is provided, shows detailed status for that job.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		// List all jobs
		return listJobs(fmt.Sprintf("%s/api/jobs", serverURL))
	}

	// Get specific job status
	jobID := args[0]
	return getJobStatus(fmt.Sprintf("%s/api/jobs/%s", serverURL, jobID), jobID)
}

func listJobs(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", string(body))
	}

	var jobs []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("Found %d job(s):\n\n", len(jobs))
	for _, job := range jobs {
		fmt.Printf("Job ID: %s\n", job["id"])
		fmt.Printf("  State: %s\n", job["state"])
		if config, ok := job["config"].(map[string]interface{}); ok {
			fmt.Printf("  Problem: %s\n", config["problem"])
			fmt.Printf("  Solver: %s\n", config["solver"])
		}
		if iters, ok := job["iterations"].(float64); ok && iters > 0 {
			fmt.Printf("  Iterations: %.0f\n", iters)
		}
		fmt.Println()
	}

	return nil
}

func getJobStatus(url, jobID string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("job not found: %s", jobID)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", string(body))
	}

	var status map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	// Display status. Missing or mistyped fields are skipped.
	fmt.Printf("Job: %s\n", status["id"])
	fmt.Printf("State: %s\n", status["state"])
	fmt.Println()

	if config, ok := status["config"].(map[string]interface{}); ok {
		fmt.Println("Configuration:")
		fmt.Printf("  Problem: %s\n", config["problem"])
		fmt.Printf("  Solver: %s\n", config["solver"])
		fmt.Printf("  Inputs: %v\n", config["inputs"])
		if config["multipliers"] != nil {
			fmt.Printf("  Multipliers: %v\n", config["multipliers"])
		}
		fmt.Println()
	}

	fmt.Println("Progress:")
	if iters, ok := status["iterations"].(float64); ok {
		fmt.Printf("  Iterations: %.0f\n", iters)
	}
	if norm, ok := status["residualNorm"].(float64); ok && norm > 0 {
		fmt.Printf("  Residual Norm: %.3g\n", norm)
	}
	if status["externals"] != nil {
		fmt.Printf("  Externals: %v\n", status["externals"])
	}
	if status["residuals"] != nil {
		fmt.Printf("  Residuals: %v\n", status["residuals"])
	}

	if secs, ok := status["elapsed"].(float64); ok {
		elapsed := time.Duration(secs * float64(time.Second))
		fmt.Printf("  Elapsed: %s\n", elapsed.Round(time.Millisecond))
	}

	if msg, ok := status["error"].(string); ok && msg != "" {
		fmt.Printf("\nError: %s\n", msg)
	}

	return nil
}
