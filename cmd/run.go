package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cwbudde/implicitfit/internal/expr"
	"github.com/cwbudde/implicitfit/internal/greybox"
	"github.com/cwbudde/implicitfit/internal/problems"
	"github.com/cwbudde/implicitfit/internal/solve"
	"github.com/cwbudde/implicitfit/internal/sparse"
	"github.com/cwbudde/implicitfit/internal/store"
)

var (
	problemName string
	inputs      []float64
	multipliers []float64
	solverName  string
	tolerance   float64
	maxIter     int
	seed        int64
	population  int
	storeDir    string
	withTrace   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Evaluate a problem once and print the derivatives",
	Long: `Solves the implicit system of a built-in problem at the given inputs and
prints the residuals, the reduced Jacobian and, when multipliers are given,
the weighted Hessian lower triangle. With --store the run record and the
iteration trace are persisted for later inspection.`,
	RunE: runEvaluation,
}

func init() {
	runCmd.Flags().StringVar(&problemName, "problem", "", "Problem name (required)")
	runCmd.Flags().Float64SliceVar(&inputs, "inputs", nil, "Input values (defaults to the problem defaults)")
	runCmd.Flags().Float64SliceVar(&multipliers, "multipliers", nil, "Constraint multipliers for the Hessian")
	runCmd.Flags().StringVar(&solverName, "solver", "newton", "Nested solver: newton, mayfly, polish")
	runCmd.Flags().Float64Var(&tolerance, "tol", 1e-10, "Residual tolerance for the nested solve")
	runCmd.Flags().IntVar(&maxIter, "max-iter", 50, "Max solver iterations")
	runCmd.Flags().Int64Var(&seed, "seed", 1, "Random seed for stochastic solvers")
	runCmd.Flags().IntVar(&population, "pop", 20, "Population size for swarm solvers")
	runCmd.Flags().StringVar(&storeDir, "store", "", "Persist the run under this data directory")
	runCmd.Flags().BoolVar(&withTrace, "trace", false, "Also persist the iteration trace (requires --store)")

	runCmd.MarkFlagRequired("problem")
	rootCmd.AddCommand(runCmd)
}

func runEvaluation(cmd *cobra.Command, args []string) error {
	if withTrace && storeDir == "" {
		return fmt.Errorf("--trace requires --store")
	}

	prob, err := problems.Get(problemName)
	if err != nil {
		return err
	}

	x := inputs
	if len(x) == 0 {
		x = prob.DefaultInputs
	}
	if len(x) != len(prob.Partition.Inputs) {
		return fmt.Errorf("problem %q takes %d inputs, got %d", problemName, len(prob.Partition.Inputs), len(x))
	}
	if len(multipliers) != 0 && len(multipliers) != len(prob.Partition.Residuals) {
		return fmt.Errorf("problem %q has %d residuals, got %d multipliers",
			problemName, len(prob.Partition.Residuals), len(multipliers))
	}

	slog.Info("Starting evaluation", "problem", problemName, "solver", solverName, "inputs", x)

	runID := uuid.New().String()
	cfg := store.RunConfig{
		Problem:       problemName,
		Solver:        solverName,
		Inputs:        x,
		Multipliers:   multipliers,
		Tolerance:     tolerance,
		MaxIterations: maxIter,
		Seed:          seed,
	}

	var last solve.Iteration
	var entries []store.TraceEntry
	opts := solve.Options{
		Tolerance:     tolerance,
		MaxIterations: maxIter,
		Lower:         prob.Lower,
		Upper:         prob.Upper,
		Seed:          seed,
		Population:    population,
		OnIteration: func(it solve.Iteration) {
			last = it
			slog.Debug("Solver iteration", "n", it.N, "residual_norm", it.ResidualNorm)
			if withTrace {
				entries = append(entries, store.TraceEntry{
					Iteration:    it.N,
					ResidualNorm: it.ResidualNorm,
					StepNorm:     it.StepNorm,
					Timestamp:    time.Now(),
				})
			}
		},
	}

	solver, err := solve.New(solverName, expr.Symbolic{}, opts)
	if err != nil {
		return err
	}
	model, err := greybox.New(prob.Partition, expr.Symbolic{}, solver)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := model.SetInputs(x); err != nil {
		if storeDir != "" {
			failed := &store.Run{
				ID:         runID,
				Status:     store.StatusFailed,
				Config:     cfg,
				Iterations: last.N,
				Error:      err.Error(),
				Timestamp:  time.Now(),
				Duration:   time.Since(start),
			}
			if perr := persistRun(storeDir, failed, entries); perr != nil {
				slog.Error("Failed to persist run", "id", runID, "error", perr)
			}
		}
		return fmt.Errorf("solve failed: %w", err)
	}
	elapsed := time.Since(start)

	residuals, err := model.Residuals()
	if err != nil {
		return err
	}
	jac, err := model.Jacobian()
	if err != nil {
		return err
	}

	var hess *sparse.COO
	if len(multipliers) > 0 {
		if err := model.SetMultipliers(multipliers); err != nil {
			return err
		}
		if hess, err = model.Hessian(); err != nil {
			return err
		}
	}

	printResults(prob, residuals, jac, hess)

	fmt.Printf("\nSolved in %d iteration(s), residual norm %.3g, %s\n",
		last.N, last.ResidualNorm, elapsed.Round(time.Microsecond))

	if storeDir != "" {
		externals := make([]float64, len(prob.Partition.Externals))
		for i, v := range prob.Partition.Externals {
			externals[i] = v.Value()
		}
		run := &store.Run{
			ID:         runID,
			Status:     store.StatusCompleted,
			Config:     cfg,
			Externals:  externals,
			Residuals:  residuals,
			Jacobian:   cooRows(jac),
			Hessian:    cooRows(hess),
			Iterations: last.N,
			Timestamp:  time.Now(),
			Duration:   elapsed,
		}
		if err := persistRun(storeDir, run, entries); err != nil {
			return fmt.Errorf("failed to persist run: %w", err)
		}
		fmt.Printf("Saved run %s\n", runID)
	}

	return nil
}

func printResults(prob problems.Problem, residuals []float64, jac, hess *sparse.COO) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	fmt.Println("Externals:")
	for _, v := range prob.Partition.Externals {
		fmt.Fprintf(w, "  %s\t%.8g\n", v.Name(), v.Value())
	}
	w.Flush()

	fmt.Println("\nResiduals:")
	fmt.Fprint(w, "  NAME\tVALUE")
	for _, v := range prob.Partition.Inputs {
		fmt.Fprintf(w, "\td/d%s", v.Name())
	}
	fmt.Fprintln(w)
	for i, eq := range prob.Partition.Residuals {
		fmt.Fprintf(w, "  %s\t%.8g", eq.Name(), residuals[i])
		for j := range prob.Partition.Inputs {
			fmt.Fprintf(w, "\t%.8g", jac.At(i, j))
		}
		fmt.Fprintln(w)
	}
	w.Flush()

	if hess != nil {
		fmt.Println("\nHessian (lower triangle):")
		for i, v := range prob.Partition.Inputs {
			fmt.Fprintf(w, "  %s", v.Name())
			for j := 0; j <= i; j++ {
				fmt.Fprintf(w, "\t%.8g", hess.At(i, j))
			}
			fmt.Fprintln(w)
		}
		w.Flush()
	}
}

// cooRows converts a coordinate matrix to dense rows for the run record.
func cooRows(c *sparse.COO) [][]float64 {
	if c == nil || c.NRows == 0 || c.NCols == 0 {
		return nil
	}
	out := make([][]float64, c.NRows)
	for i := range out {
		out[i] = make([]float64, c.NCols)
	}
	for k := range c.Data {
		out[c.Rows[k]][c.Cols[k]] = c.Data[k]
	}
	return out
}

// persistRun writes the run record and, when entries are present, its trace.
func persistRun(dir string, run *store.Run, entries []store.TraceEntry) error {
	st, err := store.NewFSStore(dir)
	if err != nil {
		return err
	}
	if err := st.SaveRun(run.ID, run); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	tw, err := st.TraceWriter(run.ID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := tw.Write(e); err != nil {
			tw.Close()
			return err
		}
	}
	return tw.Close()
}
