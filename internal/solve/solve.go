// Package solve provides nested-equation solvers: a damped Newton
// iteration, a mayfly swarm adapter for global search, and a composition
// that polishes a global result with Newton. All of them satisfy the
// solver contract consumed by the grey-box model.
package solve

import (
	"fmt"
	"math"

	"github.com/cwbudde/implicitfit/internal/expr"
)

// Solver resolves an equation system by adjusting the free variables,
// holding the fixed ones at their current values. On success the free
// variables hold the solution.
type Solver interface {
	Solve(eqs []*expr.Equation, free, fixed []*expr.Var) error
}

// Iteration describes one solver step, reported through Options.OnIteration.
type Iteration struct {
	N            int
	ResidualNorm float64
	StepNorm     float64
}

// Options configures a solver. Options are passed explicitly at
// construction; solvers hold no ambient state.
type Options struct {
	// Tolerance on the residual two-norm.
	Tolerance float64
	// MaxIterations bounds the outer iteration count.
	MaxIterations int
	// Lower and Upper are per-variable box bounds for global search.
	// Solvers that do not need bounds ignore them.
	Lower, Upper []float64
	// Seed drives stochastic solvers; equal seeds reproduce runs.
	Seed int64
	// Population is the swarm size for population-based solvers.
	Population int
	// StallPatience, when positive, aborts the solve after that many
	// iterations without relative residual improvement of StallThreshold.
	StallPatience int
	// StallThreshold is the minimum relative residual decrease that counts
	// as progress. Zero accepts any decrease.
	StallThreshold float64
	// OnIteration, when non-nil, observes solver progress.
	OnIteration func(Iteration)
}

// New returns the solver selected by name, with an empty name meaning
// newton. The polish composition shares opts between both stages; the
// global stage missing tolerance is not fatal there.
func New(name string, sub expr.SubModeler, opts Options) (Solver, error) {
	switch name {
	case "", "newton":
		return NewNewton(sub, opts), nil
	case "mayfly":
		return NewMayfly(opts), nil
	case "polish":
		return NewPolish(NewMayfly(opts), NewNewton(sub, opts)), nil
	default:
		return nil, fmt.Errorf("unknown solver %q (have newton, mayfly, polish)", name)
	}
}

// DefaultOptions returns the defaults applied to unset fields.
func DefaultOptions() Options {
	return Options{
		Tolerance:     1e-10,
		MaxIterations: 50,
		Seed:          1,
		Population:    20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Tolerance <= 0 {
		o.Tolerance = d.Tolerance
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.Seed == 0 {
		o.Seed = d.Seed
	}
	if o.Population <= 0 {
		o.Population = d.Population
	}
	return o
}

func (o Options) report(it Iteration) {
	if o.OnIteration != nil {
		o.OnIteration(it)
	}
}

// residualNorm is the two-norm of the equation residuals at the variables'
// current values.
func residualNorm(eqs []*expr.Equation) float64 {
	var sum float64
	for _, eq := range eqs {
		r := eq.Residual()
		sum += r * r
	}
	return math.Sqrt(sum)
}
