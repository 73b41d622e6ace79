package solve

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/cwbudde/implicitfit/internal/expr"
)

// minStep is the smallest backtracking fraction before a step is accepted
// as-is.
const minStep = 1.0 / 1024

// Newton is a damped Newton iteration for square systems. Each step builds
// a fresh evaluator for the residuals and Jacobian, solves a dense LU for
// the direction, and backtracks until the residual norm decreases.
type Newton struct {
	sub  expr.SubModeler
	opts Options
}

// NewNewton returns a Newton solver using sub for derivatives.
func NewNewton(sub expr.SubModeler, opts Options) *Newton {
	return &Newton{sub: sub, opts: opts.withDefaults()}
}

func (n *Newton) Solve(eqs []*expr.Equation, free, fixed []*expr.Var) error {
	if len(free) == 0 {
		if r := residualNorm(eqs); r > n.opts.Tolerance {
			return fmt.Errorf("newton: no free variables but residual norm is %.3e", r)
		}
		return nil
	}
	if len(eqs) != len(free) {
		return fmt.Errorf("newton: %d equations for %d free variables", len(eqs), len(free))
	}

	all := append(append([]*expr.Var{}, free...), fixed...)
	dim := len(free)

	norm := residualNorm(eqs)
	if norm <= n.opts.Tolerance {
		n.opts.report(Iteration{N: 0, ResidualNorm: norm})
		return nil
	}

	stall := newStallDetector(n.opts.StallPatience, n.opts.StallThreshold)
	stall.update(norm)

	base := make([]float64, dim)
	for it := 1; it <= n.opts.MaxIterations; it++ {
		ev, err := n.sub.NewEvaluator(eqs, all)
		if err != nil {
			return fmt.Errorf("newton: %w", err)
		}
		vals, err := ev.Values(eqs)
		if err != nil {
			return fmt.Errorf("newton: %w", err)
		}
		jac, err := ev.Jacobian(eqs, free)
		if err != nil {
			return fmt.Errorf("newton: %w", err)
		}

		rhs := mat.NewVecDense(dim, nil)
		for i, v := range vals {
			rhs.SetVec(i, -v)
		}
		var lu mat.LU
		lu.Factorize(jac)
		step := mat.NewVecDense(dim, nil)
		if err := lu.SolveVecTo(step, false, rhs); err != nil {
			return fmt.Errorf("newton: singular jacobian at iteration %d: %w", it, err)
		}

		// Backtrack until the residual norm decreases; a floor on the
		// fraction keeps the iteration moving near flat spots.
		for i, v := range free {
			base[i] = v.Value()
		}
		alpha := 1.0
		newNorm := norm
		for {
			for i, v := range free {
				v.SetValue(base[i] + alpha*step.AtVec(i))
			}
			newNorm = residualNorm(eqs)
			if newNorm < norm || alpha <= minStep {
				break
			}
			alpha /= 2
		}
		norm = newNorm
		n.opts.report(Iteration{N: it, ResidualNorm: norm, StepNorm: alpha * mat.Norm(step, 2)})
		if norm <= n.opts.Tolerance {
			return nil
		}
		if stall.update(norm) {
			return fmt.Errorf("newton: no residual progress for %d iterations (norm %.3e)",
				n.opts.StallPatience, norm)
		}
	}
	return fmt.Errorf("newton: residual norm %.3e after %d iterations (tolerance %.3e)",
		norm, n.opts.MaxIterations, n.opts.Tolerance)
}
