package expr

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Evaluator reports values and derivatives of a compiled equation system at
// the variable values captured when the evaluator was built. Queries may
// name any subset of the compiled equations and variables; naming anything
// outside the compiled system is an error. The Hessian of the Lagrangian
// uses the convention L = Σᵢ multsᵢ·eqᵢ.
type Evaluator interface {
	Values(eqs []*Equation) ([]float64, error)
	Jacobian(eqs []*Equation, wrt []*Var) (*mat.Dense, error)
	HessianOfLagrangian(eqs []*Equation, mults []float64, wrt1, wrt2 []*Var) (*mat.Dense, error)
}

// SubModeler builds evaluators over equation systems.
type SubModeler interface {
	// NewEvaluator compiles the given equations over the given variables,
	// capturing the variables' current values. Every variable referenced by
	// an equation must be among vars.
	NewEvaluator(eqs []*Equation, vars []*Var) (Evaluator, error)
	// StructuralZeros reports whether evaluators return a definitional zero
	// derivative for compiled variables absent from an equation. When false,
	// callers must pad sub-models so that every variable they will
	// differentiate against appears in some equation.
	StructuralZeros() bool
}

// Symbolic is the default SubModeler. Derivatives are formed symbolically
// and evaluated at the captured snapshot, so absent variables yield
// definitional zeros and no padding is required.
type Symbolic struct{}

func (Symbolic) StructuralZeros() bool { return true }

func (Symbolic) NewEvaluator(eqs []*Equation, vars []*Var) (Evaluator, error) {
	compiled := make(map[*Var]bool, len(vars))
	at := make(Point, len(vars))
	for i, v := range vars {
		if v == nil {
			return nil, fmt.Errorf("expr: nil variable at index %d", i)
		}
		if compiled[v] {
			return nil, fmt.Errorf("expr: duplicate variable %q", v.Name())
		}
		compiled[v] = true
		at[v] = v.Value()
	}
	system := make(map[*Equation]bool, len(eqs))
	for i, eq := range eqs {
		if eq == nil {
			return nil, fmt.Errorf("expr: nil equation at index %d", i)
		}
		if system[eq] {
			return nil, fmt.Errorf("expr: duplicate equation %q", eq.Name())
		}
		for _, v := range eq.Vars() {
			if !compiled[v] {
				return nil, fmt.Errorf("expr: equation %q references %q, which is not a compiled variable", eq.Name(), v.Name())
			}
		}
		system[eq] = true
	}
	return &symEvaluator{
		system: system,
		vars:   compiled,
		at:     at,
		grad:   make(map[gradKey]Expr),
		hess:   make(map[hessKey]Expr),
	}, nil
}

type gradKey struct {
	eq *Equation
	v  *Var
}

type hessKey struct {
	eq     *Equation
	v1, v2 *Var
}

// symEvaluator holds the snapshot and memoized derivative expressions for
// one compiled system. Not safe for concurrent use.
type symEvaluator struct {
	system map[*Equation]bool
	vars   map[*Var]bool
	at     Point
	grad   map[gradKey]Expr
	hess   map[hessKey]Expr
}

func (ev *symEvaluator) checkEqs(eqs []*Equation) error {
	for _, eq := range eqs {
		if eq == nil || !ev.system[eq] {
			return fmt.Errorf("expr: equation %s is not part of this evaluator", eqName(eq))
		}
	}
	return nil
}

func (ev *symEvaluator) checkVars(wrt []*Var) error {
	for _, v := range wrt {
		if v == nil || !ev.vars[v] {
			return fmt.Errorf("expr: variable %s is not part of this evaluator", varName(v))
		}
	}
	return nil
}

func eqName(eq *Equation) string {
	if eq == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%q", eq.Name())
}

func varName(v *Var) string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%q", v.Name())
}

func (ev *symEvaluator) Values(eqs []*Equation) ([]float64, error) {
	if err := ev.checkEqs(eqs); err != nil {
		return nil, err
	}
	out := make([]float64, len(eqs))
	for i, eq := range eqs {
		out[i] = eq.Body().Eval(ev.at)
	}
	return out, nil
}

func (ev *symEvaluator) Jacobian(eqs []*Equation, wrt []*Var) (*mat.Dense, error) {
	if len(eqs) == 0 || len(wrt) == 0 {
		return nil, fmt.Errorf("expr: empty jacobian shape %dx%d", len(eqs), len(wrt))
	}
	if err := ev.checkEqs(eqs); err != nil {
		return nil, err
	}
	if err := ev.checkVars(wrt); err != nil {
		return nil, err
	}
	out := mat.NewDense(len(eqs), len(wrt), nil)
	for i, eq := range eqs {
		for j, v := range wrt {
			out.Set(i, j, ev.deriv(eq, v).Eval(ev.at))
		}
	}
	return out, nil
}

func (ev *symEvaluator) HessianOfLagrangian(eqs []*Equation, mults []float64, wrt1, wrt2 []*Var) (*mat.Dense, error) {
	if len(wrt1) == 0 || len(wrt2) == 0 {
		return nil, fmt.Errorf("expr: empty hessian shape %dx%d", len(wrt1), len(wrt2))
	}
	if len(mults) != len(eqs) {
		return nil, fmt.Errorf("expr: %d multipliers for %d equations", len(mults), len(eqs))
	}
	if err := ev.checkEqs(eqs); err != nil {
		return nil, err
	}
	if err := ev.checkVars(wrt1); err != nil {
		return nil, err
	}
	if err := ev.checkVars(wrt2); err != nil {
		return nil, err
	}
	out := mat.NewDense(len(wrt1), len(wrt2), nil)
	for k, eq := range eqs {
		if mults[k] == 0 {
			continue
		}
		for i, v1 := range wrt1 {
			for j, v2 := range wrt2 {
				d := ev.second(eq, v1, v2).Eval(ev.at)
				out.Set(i, j, out.At(i, j)+mults[k]*d)
			}
		}
	}
	return out, nil
}

func (ev *symEvaluator) deriv(eq *Equation, v *Var) Expr {
	k := gradKey{eq: eq, v: v}
	d, ok := ev.grad[k]
	if !ok {
		d = eq.Body().Diff(v)
		ev.grad[k] = d
	}
	return d
}

func (ev *symEvaluator) second(eq *Equation, v1, v2 *Var) Expr {
	k := hessKey{eq: eq, v1: v1, v2: v2}
	d, ok := ev.hess[k]
	if !ok {
		d = ev.deriv(eq, v1).Diff(v2)
		ev.hess[k] = d
	}
	return d
}
