package main

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"text/tabwriter"

	"github.com/curioloop/optimizer/numdiff"
	"github.com/spf13/cobra"

	"github.com/cwbudde/implicitfit/internal/expr"
	"github.com/cwbudde/implicitfit/internal/greybox"
	"github.com/cwbudde/implicitfit/internal/problems"
	"github.com/cwbudde/implicitfit/internal/solve"
)

var (
	checkProblem     string
	checkInputs      []float64
	checkMultipliers []float64
	checkSolver      string
	checkTol         float64
	checkMaxIter     int
	checkMaxError    float64
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the reported derivatives against finite differences",
	Long: `Compares the analytic reduced Jacobian, and with multipliers the weighted
Hessian, against central finite differences of the full solve. Each probe
re-solves the inner system, so the check also exercises warm restarts. Exits
non-zero when the worst relative error exceeds --max-error.`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkProblem, "problem", "", "Problem name (required)")
	checkCmd.Flags().Float64SliceVar(&checkInputs, "inputs", nil, "Input values (defaults to the problem defaults)")
	checkCmd.Flags().Float64SliceVar(&checkMultipliers, "multipliers", nil, "Constraint multipliers for the Hessian check")
	checkCmd.Flags().StringVar(&checkSolver, "solver", "newton", "Nested solver: newton, mayfly, polish")
	checkCmd.Flags().Float64Var(&checkTol, "tol", 1e-10, "Residual tolerance for the nested solve")
	checkCmd.Flags().IntVar(&checkMaxIter, "max-iter", 50, "Max solver iterations")
	checkCmd.Flags().Float64Var(&checkMaxError, "max-error", 1e-4, "Largest acceptable relative derivative error")

	checkCmd.MarkFlagRequired("problem")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	prob, err := problems.Get(checkProblem)
	if err != nil {
		return err
	}

	x := checkInputs
	if len(x) == 0 {
		x = prob.DefaultInputs
	}
	n := len(prob.Partition.Inputs)
	m := len(prob.Partition.Residuals)
	if len(x) != n {
		return fmt.Errorf("problem %q takes %d inputs, got %d", checkProblem, n, len(x))
	}
	if len(checkMultipliers) != 0 && len(checkMultipliers) != m {
		return fmt.Errorf("problem %q has %d residuals, got %d multipliers",
			checkProblem, m, len(checkMultipliers))
	}

	opts := solve.Options{
		Tolerance:     checkTol,
		MaxIterations: checkMaxIter,
		Lower:         prob.Lower,
		Upper:         prob.Upper,
	}
	solver, err := solve.New(checkSolver, expr.Symbolic{}, opts)
	if err != nil {
		return err
	}
	model, err := greybox.New(prob.Partition, expr.Symbolic{}, solver)
	if err != nil {
		return err
	}

	// Analytic derivatives at the base point, extracted before the probes
	// move the model off it
	if err := model.SetInputs(x); err != nil {
		return fmt.Errorf("solve failed at base point: %w", err)
	}
	jac, err := model.Jacobian()
	if err != nil {
		return err
	}
	analyticJac := cooRows(jac)

	var analyticHess [][]float64
	if len(checkMultipliers) > 0 {
		if err := model.SetMultipliers(checkMultipliers); err != nil {
			return err
		}
		hess, err := model.Hessian()
		if err != nil {
			return err
		}
		analyticHess = cooRows(hess)
	}

	var probeErr error
	residualObj := func(px, y []float64) {
		if probeErr != nil {
			return
		}
		if err := model.SetInputs(px); err != nil {
			probeErr = fmt.Errorf("solve failed at probe %v: %w", px, err)
			return
		}
		r, err := model.Residuals()
		if err != nil {
			probeErr = err
			return
		}
		copy(y, r)
	}

	slog.Info("Checking Jacobian", "problem", checkProblem, "inputs", x)

	numJac := make([]float64, n*m)
	fd := numdiff.ApproxSpec{N: n, M: m, Method: numdiff.Central, Object: residualObj}
	x0 := make([]float64, n)
	copy(x0, x)
	if err := fd.Diff(x0, numJac); err != nil {
		return fmt.Errorf("finite differences failed: %w", err)
	}
	if probeErr != nil {
		return probeErr
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	maxErr := 0.0

	fmt.Println("Jacobian check (central differences):")
	fmt.Fprintln(w, "  ENTRY\tANALYTIC\tNUMERIC\tERROR")
	for i, eq := range prob.Partition.Residuals {
		for j, v := range prob.Partition.Inputs {
			numeric := numJac[j+i*n]
			relErr := relativeError(analyticJac[i][j], numeric)
			if relErr > maxErr {
				maxErr = relErr
			}
			fmt.Fprintf(w, "  d%s/d%s\t%.8g\t%.8g\t%.3g\n", eq.Name(), v.Name(), analyticJac[i][j], numeric, relErr)
		}
	}
	w.Flush()

	if analyticHess != nil {
		// The Hessian is checked by differencing the analytic weighted
		// gradient, not by second differences of the residuals
		mults := checkMultipliers
		gradObj := func(px, g []float64) {
			if probeErr != nil {
				return
			}
			if err := model.SetInputs(px); err != nil {
				probeErr = fmt.Errorf("solve failed at probe %v: %w", px, err)
				return
			}
			pj, err := model.Jacobian()
			if err != nil {
				probeErr = err
				return
			}
			for i := range g {
				g[i] = 0
			}
			for k := range pj.Data {
				g[pj.Cols[k]] += mults[pj.Rows[k]] * pj.Data[k]
			}
		}

		slog.Info("Checking Hessian", "problem", checkProblem, "multipliers", mults)

		numHess := make([]float64, n*n)
		fd = numdiff.ApproxSpec{N: n, M: n, Method: numdiff.Central, Object: gradObj}
		copy(x0, x)
		if err := fd.Diff(x0, numHess); err != nil {
			return fmt.Errorf("finite differences failed: %w", err)
		}
		if probeErr != nil {
			return probeErr
		}

		fmt.Println("\nHessian check (central differences of the weighted gradient):")
		fmt.Fprintln(w, "  ENTRY\tANALYTIC\tNUMERIC\tERROR")
		for i := 0; i < n; i++ {
			for j := 0; j <= i; j++ {
				numeric := numHess[j+i*n]
				relErr := relativeError(analyticHess[i][j], numeric)
				if relErr > maxErr {
					maxErr = relErr
				}
				fmt.Fprintf(w, "  %s/%s\t%.8g\t%.8g\t%.3g\n",
					prob.Partition.Inputs[i].Name(), prob.Partition.Inputs[j].Name(),
					analyticHess[i][j], numeric, relErr)
			}
		}
		w.Flush()
	}

	fmt.Printf("\nMax relative error: %.3g\n", maxErr)
	if maxErr > checkMaxError {
		return fmt.Errorf("derivative check failed: max error %.3g exceeds %.3g", maxErr, checkMaxError)
	}
	fmt.Println("Derivatives verified")
	return nil
}

// relativeError is the absolute difference scaled by the numeric magnitude,
// floored at one so near-zero entries compare absolutely.
func relativeError(analytic, numeric float64) float64 {
	return math.Abs(analytic-numeric) / math.Max(1, math.Abs(numeric))
}
