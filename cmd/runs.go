package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/implicitfit/internal/store"
)

var (
	runsDataDir   string
	keepLast      int
	olderThanDays int
	forceDelete   bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage persisted evaluation runs",
	Long: `Manage persisted runs including listing, inspecting results and traces,
and deleting runs by ID or retention policy.`,
}

var listRunsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all persisted runs",
	Long:  `Display all runs with status, problem, solver, iteration count and disk usage.`,
	RunE:  runListRuns,
}

var showRunCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show one run with its results and trace",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowRun,
}

var deleteRunsCmd = &cobra.Command{
	Use:   "delete [run-id]",
	Short: "Delete a run by ID or old runs by retention policy",
	Long: `Deletes the named run, or with --keep-last / --older-than applies a
retention policy across all runs.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDeleteRuns,
}

func init() {
	rootCmd.AddCommand(runsCmd)

	runsCmd.AddCommand(listRunsCmd)
	runsCmd.AddCommand(showRunCmd)
	runsCmd.AddCommand(deleteRunsCmd)

	runsCmd.PersistentFlags().StringVar(&runsDataDir, "data-dir", "./data", "Base directory for run storage")

	deleteRunsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the last N runs (0 = keep all)")
	deleteRunsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete runs older than N days (0 = no age limit)")
	deleteRunsCmd.Flags().BoolVarP(&forceDelete, "force", "f", false, "Skip confirmation prompt")
}

func runListRuns(cmd *cobra.Command, args []string) error {
	st, err := store.NewFSStore(runsDataDir)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}

	infos, err := st.ListRuns()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATUS\tPROBLEM\tSOLVER\tITER\tTIMESTAMP\tSIZE")
	fmt.Fprintln(w, "------\t------\t-------\t------\t----\t---------\t----")

	for _, info := range infos {
		runDir := filepath.Join(runsDataDir, "runs", info.ID)
		size, err := getDirSize(runDir)
		sizeStr := "unknown"
		if err == nil {
			sizeStr = formatBytes(size)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			displayID(info.ID),
			info.Status,
			info.Problem,
			info.Solver,
			info.Iterations,
			info.Timestamp.Format("2006-01-02 15:04:05"),
			sizeStr,
		)
	}

	w.Flush()

	fmt.Printf("\nTotal runs: %d\n", len(infos))
	return nil
}

func runShowRun(cmd *cobra.Command, args []string) error {
	st, err := store.NewFSStore(runsDataDir)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}

	run, err := st.LoadRun(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Run: %s\n", run.ID)
	fmt.Printf("Status: %s\n", run.Status)
	fmt.Printf("Finished: %s (%s)\n",
		run.Timestamp.Format("2006-01-02 15:04:05"),
		run.Duration.Round(time.Microsecond))
	fmt.Println()

	fmt.Println("Configuration:")
	fmt.Printf("  Problem: %s\n", run.Config.Problem)
	fmt.Printf("  Solver: %s\n", run.Config.Solver)
	fmt.Printf("  Inputs: %v\n", run.Config.Inputs)
	if len(run.Config.Multipliers) > 0 {
		fmt.Printf("  Multipliers: %v\n", run.Config.Multipliers)
	}
	if run.Config.Tolerance > 0 {
		fmt.Printf("  Tolerance: %g\n", run.Config.Tolerance)
	}
	if run.Config.MaxIterations > 0 {
		fmt.Printf("  Max Iterations: %d\n", run.Config.MaxIterations)
	}
	fmt.Println()

	fmt.Println("Results:")
	fmt.Printf("  Iterations: %d\n", run.Iterations)
	if run.Externals != nil {
		fmt.Printf("  Externals: %v\n", run.Externals)
	}
	if run.Residuals != nil {
		fmt.Printf("  Residuals: %v\n", run.Residuals)
	}
	if run.Jacobian != nil {
		fmt.Printf("  Jacobian: %v\n", run.Jacobian)
	}
	if run.Hessian != nil {
		fmt.Printf("  Hessian: %v\n", run.Hessian)
	}
	if run.Error != "" {
		fmt.Printf("\nError: %s\n", run.Error)
	}

	tr, err := st.TraceReader(run.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fmt.Println("\nNo trace recorded")
			return nil
		}
		return fmt.Errorf("failed to open trace: %w", err)
	}
	defer tr.Close()

	entries, err := tr.ReadAll()
	if err != nil {
		return fmt.Errorf("failed to read trace: %w", err)
	}

	fmt.Printf("\nTrace (%d entries):\n", len(entries))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ITER\tRESIDUAL NORM\tSTEP NORM")
	for _, e := range entries {
		fmt.Fprintf(w, "  %d\t%.3e\t%.3e\n", e.Iteration, e.ResidualNorm, e.StepNorm)
	}
	w.Flush()

	return nil
}

func runDeleteRuns(cmd *cobra.Command, args []string) error {
	st, err := store.NewFSStore(runsDataDir)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}

	if len(args) == 1 {
		if err := st.DeleteRun(args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted run %s\n", args[0])
		return nil
	}

	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify a run ID, --keep-last or --older-than")
	}

	infos, err := st.ListRuns()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No runs to delete.")
		return nil
	}

	toDelete := selectRunsForDeletion(infos, keepLast, olderThanDays)

	if len(toDelete) == 0 {
		fmt.Println("No runs match deletion criteria.")
		return nil
	}

	fmt.Printf("Found %d run(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Printf("  - %s (%s, %s)\n",
			displayID(info.ID),
			info.Problem,
			info.Timestamp.Format("2006-01-02 15:04:05"),
		)
	}

	if !forceDelete {
		fmt.Print("\nProceed with deletion? [y/N]: ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	deleted := 0
	failed := 0
	for _, info := range toDelete {
		if err := st.DeleteRun(info.ID); err != nil {
			slog.Error("Failed to delete run", "id", info.ID, "error", err)
			failed++
		} else {
			slog.Info("Deleted run", "id", info.ID)
			deleted++
		}
	}

	fmt.Printf("\nDeleted %d run(s), %d failed.\n", deleted, failed)
	return nil
}

// selectRunsForDeletion applies the retention policy: runs past the age
// cutoff plus, when keepLast is set, the oldest runs beyond the kept count.
func selectRunsForDeletion(infos []store.RunInfo, keepLast, olderThanDays int) []store.RunInfo {
	selected := make(map[string]bool)
	var toDelete []store.RunInfo

	if olderThanDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -olderThanDays)
		for _, info := range infos {
			if info.Timestamp.Before(cutoff) && !selected[info.ID] {
				selected[info.ID] = true
				toDelete = append(toDelete, info)
			}
		}
	}

	if keepLast > 0 && len(infos) > keepLast {
		sorted := make([]store.RunInfo, len(infos))
		copy(sorted, infos)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		})
		for _, info := range sorted[:len(sorted)-keepLast] {
			if !selected[info.ID] {
				selected[info.ID] = true
				toDelete = append(toDelete, info)
			}
		}
	}

	return toDelete
}

// displayID truncates long run IDs for table display.
func displayID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

// getDirSize calculates the total size of a directory
func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
