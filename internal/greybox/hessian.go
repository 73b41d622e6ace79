package greybox

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/cwbudde/implicitfit/internal/expr"
)

// EquationHessian computes the second-derivative block ∂²eq/∂wrt1∂wrt2 of a
// single equation at the current variable values, as a dense len(wrt1) ×
// len(wrt2) matrix. The lists may be equal or overlapping and may name
// variables that do not appear in the equation, whose second derivatives are
// zero by definition.
//
// Defaulting follows the equation itself: with both lists nil, the
// equation's own variables are used for both; with exactly one nil, the
// other list is used for both.
func EquationHessian(sub expr.SubModeler, eq *expr.Equation, wrt1, wrt2 []*expr.Var) (*mat.Dense, error) {
	if eq == nil {
		return nil, fmt.Errorf("greybox: nil equation")
	}
	switch {
	case wrt1 == nil && wrt2 == nil:
		wrt1 = eq.Vars()
		wrt2 = wrt1
	case wrt1 == nil:
		wrt1 = wrt2
	case wrt2 == nil:
		wrt2 = wrt1
	}
	if len(wrt1) == 0 || len(wrt2) == 0 {
		return nil, fmt.Errorf("%w: empty variable list for hessian of %q", ErrDimension, eq.Name())
	}

	requested := dedupVars(append(append([]*expr.Var{}, wrt1...), wrt2...))
	compiled := dedupVars(append(append([]*expr.Var{}, requested...), eq.Vars()...))

	eqs := []*expr.Equation{eq}
	mults := []float64{1}
	if !sub.StructuralZeros() {
		// The evaluator only reports derivatives for variables that appear
		// in some equation, so force every requested variable to appear:
		// sum(requested) == aux, with a zero multiplier keeping the padding
		// out of the Lagrangian.
		aux := expr.NewVar("_presence", 0)
		terms := make([]expr.Expr, 0, len(requested)+1)
		for _, v := range requested {
			terms = append(terms, v)
		}
		terms = append(terms, expr.Neg(aux))
		eqs = append(eqs, expr.NewEquation("_presence", expr.Add(terms...)))
		mults = append(mults, 0)
		compiled = append(compiled, aux)
	}

	ev, err := sub.NewEvaluator(eqs, compiled)
	if err != nil {
		return nil, fmt.Errorf("hessian of %q: %w", eq.Name(), err)
	}
	return ev.HessianOfLagrangian(eqs, mults, wrt1, wrt2)
}

func dedupVars(vs []*expr.Var) []*expr.Var {
	seen := make(map[*expr.Var]bool, len(vs))
	out := make([]*expr.Var, 0, len(vs))
	for _, v := range vs {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
