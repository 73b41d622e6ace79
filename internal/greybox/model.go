// Package greybox evaluates implicit-function models: variables split into
// inputs x and externals y, equations split into residuals f(x,y) and
// externals g(x,y) with one external equation per external variable. For
// each new x the external system is solved for y(x), and the package
// reports F(x) = f(x, y(x)) together with its first and second derivatives
// obtained through the implicit function theorem. Consumers see only x, F
// and derivatives of F; y never crosses the contract.
package greybox

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/cwbudde/implicitfit/internal/expr"
	"github.com/cwbudde/implicitfit/internal/sparse"
)

// Solver resolves an equation system by adjusting the free variables,
// holding the fixed ones at their current values. On success the free
// variables hold the solution. Implementations own their tolerance and
// iteration policy; the model neither retries nor relaxes.
type Solver interface {
	Solve(eqs []*expr.Equation, free, fixed []*expr.Var) error
}

// Partition fixes which variables and equations face the outer problem.
// Inputs and Residuals are exposed; Externals and ExternalEqs are hidden
// and must form a square system.
type Partition struct {
	Inputs      []*expr.Var
	Externals   []*expr.Var
	Residuals   []*expr.Equation
	ExternalEqs []*expr.Equation
}

// Model implements the grey-box evaluation contract over a partition. It is
// single-threaded: callers needing concurrency use independent instances or
// serialize access.
type Model struct {
	part   Partition
	sub    expr.SubModeler
	solver Solver

	mults    []float64
	multsSet bool

	state *evalState
}

// evalState is one consistent evaluation snapshot: the inputs, the resolved
// externals, the evaluator built at (x, y), and quantities derived lazily
// from it. SetInputs replaces the whole struct; nothing is patched in place.
type evalState struct {
	x, y []float64
	ev   expr.Evaluator

	lu     *mat.LU      // factorization of ∂g/∂y, shared by all queries
	dydx   *mat.Dense   // -(∂g/∂y)⁻¹·(∂g/∂x)
	d2ydx2 []*mat.Dense // one |x|×|x| block per external component
}

// New validates the partition and returns a model that resolves externals
// with solver and evaluates through evaluators built by sub.
func New(p Partition, sub expr.SubModeler, solver Solver) (*Model, error) {
	if sub == nil {
		return nil, fmt.Errorf("%w: nil evaluator factory", ErrConfiguration)
	}
	if solver == nil {
		return nil, fmt.Errorf("%w: nil solver", ErrConfiguration)
	}
	if len(p.Externals) != len(p.ExternalEqs) {
		return nil, fmt.Errorf("%w: %d external variables against %d external equations",
			ErrConfiguration, len(p.Externals), len(p.ExternalEqs))
	}
	member := make(map[*expr.Var]bool, len(p.Inputs)+len(p.Externals))
	for _, v := range append(append([]*expr.Var{}, p.Inputs...), p.Externals...) {
		if v == nil {
			return nil, fmt.Errorf("%w: nil variable", ErrConfiguration)
		}
		if member[v] {
			return nil, fmt.Errorf("%w: variable %q appears twice", ErrConfiguration, v.Name())
		}
		member[v] = true
	}
	for _, eq := range append(append([]*expr.Equation{}, p.Residuals...), p.ExternalEqs...) {
		if eq == nil {
			return nil, fmt.Errorf("%w: nil equation", ErrConfiguration)
		}
		for _, v := range eq.Vars() {
			if !member[v] {
				return nil, fmt.Errorf("%w: equation %q references %q, which is outside the partition",
					ErrConfiguration, eq.Name(), v.Name())
			}
		}
	}
	return &Model{part: p, sub: sub, solver: solver}, nil
}

// NInputs reports the number of input variables; fixed for the model's
// lifetime.
func (m *Model) NInputs() int { return len(m.part.Inputs) }

// NEqualityConstraints reports the number of residual equations exposed to
// the outer problem.
func (m *Model) NEqualityConstraints() int { return len(m.part.Residuals) }

// InputNames returns positional labels for the inputs.
func (m *Model) InputNames() []string {
	names := make([]string, len(m.part.Inputs))
	for i, v := range m.part.Inputs {
		names[i] = v.Name()
		if names[i] == "" {
			names[i] = fmt.Sprintf("input_%d", i)
		}
	}
	return names
}

// EqualityConstraintNames returns positional labels for the residuals.
func (m *Model) EqualityConstraintNames() []string {
	names := make([]string, len(m.part.Residuals))
	for i, eq := range m.part.Residuals {
		names[i] = eq.Name()
		if names[i] == "" {
			names[i] = fmt.Sprintf("residual_%d", i)
		}
	}
	return names
}

// SetInputs assigns x to the input variables, resolves the external system
// for y(x), and replaces the evaluation state with a fresh snapshot at
// (x, y). On solver failure it returns ErrConvergence and leaves the
// previous state, if any, observable.
func (m *Model) SetInputs(x []float64) error {
	if len(x) != len(m.part.Inputs) {
		return fmt.Errorf("%w: got %d inputs, want %d", ErrDimension, len(x), len(m.part.Inputs))
	}
	for i, v := range m.part.Inputs {
		v.SetValue(x[i])
	}
	if err := m.solver.Solve(m.part.ExternalEqs, m.part.Externals, m.part.Inputs); err != nil {
		return fmt.Errorf("%w: %w", ErrConvergence, err)
	}

	allEqs := append(append([]*expr.Equation{}, m.part.Residuals...), m.part.ExternalEqs...)
	allVars := append(append([]*expr.Var{}, m.part.Inputs...), m.part.Externals...)
	ev, err := m.sub.NewEvaluator(allEqs, allVars)
	if err != nil {
		return fmt.Errorf("rebuild evaluator: %w", err)
	}

	st := &evalState{
		x:  append([]float64(nil), x...),
		y:  make([]float64, len(m.part.Externals)),
		ev: ev,
	}
	for i, v := range m.part.Externals {
		st.y[i] = v.Value()
	}
	m.state = st
	return nil
}

// SetMultipliers stores one Lagrange multiplier per residual equation,
// overwriting previous values. It triggers no recomputation.
func (m *Model) SetMultipliers(lam []float64) error {
	if len(lam) != len(m.part.Residuals) {
		return fmt.Errorf("%w: got %d multipliers, want %d", ErrDimension, len(lam), len(m.part.Residuals))
	}
	m.mults = append([]float64(nil), lam...)
	m.multsSet = true
	return nil
}

// ready returns the current snapshot and writes its values back onto the
// live variables, so queries issued after a failed SetInputs still evaluate
// at the last consistent point.
func (m *Model) ready() (*evalState, error) {
	if m.state == nil {
		return nil, fmt.Errorf("%w: SetInputs has not succeeded yet", ErrUninitialized)
	}
	st := m.state
	for i, v := range m.part.Inputs {
		v.SetValue(st.x[i])
	}
	for i, v := range m.part.Externals {
		v.SetValue(st.y[i])
	}
	return st, nil
}

// Residuals returns f(x, y(x)) at the current evaluation state.
func (m *Model) Residuals() ([]float64, error) {
	st, err := m.ready()
	if err != nil {
		return nil, err
	}
	return st.ev.Values(m.part.Residuals)
}

// Jacobian returns dF/dx = ∂f/∂x + (∂f/∂y)·(dy/dx) as a coordinate matrix
// with an explicit entry at every (residual, input) coordinate, so the
// pattern is identical across calls.
func (m *Model) Jacobian() (*sparse.COO, error) {
	st, err := m.ready()
	if err != nil {
		return nil, err
	}
	nf, nx := len(m.part.Residuals), len(m.part.Inputs)
	if nf == 0 || nx == 0 {
		return sparse.Empty(nf, nx), nil
	}
	jfx, err := st.ev.Jacobian(m.part.Residuals, m.part.Inputs)
	if err != nil {
		return nil, err
	}
	var total mat.Dense
	if len(m.part.Externals) > 0 {
		dydx, err := m.externalJacobian(st)
		if err != nil {
			return nil, err
		}
		jfy, err := st.ev.Jacobian(m.part.Residuals, m.part.Externals)
		if err != nil {
			return nil, err
		}
		var corr mat.Dense
		corr.Mul(jfy, dydx)
		total.Add(jfx, &corr)
	} else {
		total.CloneFrom(jfx)
	}
	return sparse.Full(&total), nil
}

// Hessian returns Σᵢ λᵢ·∂²Fᵢ/∂x², lower-triangular with an explicit entry
// at every on-or-below-diagonal coordinate. Multipliers must have been set.
func (m *Model) Hessian() (*sparse.COO, error) {
	st, err := m.ready()
	if err != nil {
		return nil, err
	}
	if !m.multsSet {
		return nil, fmt.Errorf("%w: multipliers not set", ErrUninitialized)
	}
	nx := len(m.part.Inputs)
	if nx == 0 {
		return sparse.Empty(0, 0), nil
	}
	hs, err := m.residualHessians(st)
	if err != nil {
		return nil, err
	}
	total := mat.NewDense(nx, nx, nil)
	var scaled mat.Dense
	for i, h := range hs {
		if m.mults[i] == 0 {
			continue
		}
		scaled.Scale(m.mults[i], h)
		total.Add(total, &scaled)
	}
	return sparse.FullLower(total)
}

// ExternalJacobian returns a copy of dy/dx, or nil when the model has no
// externals or no inputs.
func (m *Model) ExternalJacobian() (*mat.Dense, error) {
	st, err := m.ready()
	if err != nil {
		return nil, err
	}
	if len(m.part.Externals) == 0 || len(m.part.Inputs) == 0 {
		return nil, nil
	}
	dydx, err := m.externalJacobian(st)
	if err != nil {
		return nil, err
	}
	return mat.DenseCopyOf(dydx), nil
}

// ExternalHessians returns copies of d²yₖ/dx², one |x|×|x| block per
// external component, or nil when the model has no inputs.
func (m *Model) ExternalHessians() ([]*mat.Dense, error) {
	st, err := m.ready()
	if err != nil {
		return nil, err
	}
	if len(m.part.Inputs) == 0 {
		return nil, nil
	}
	hs, err := m.externalHessians(st)
	if err != nil {
		return nil, err
	}
	out := make([]*mat.Dense, len(hs))
	for i, h := range hs {
		out[i] = mat.DenseCopyOf(h)
	}
	return out, nil
}

// ResidualHessians returns d²Fᵢ/dx², one |x|×|x| block per residual, or nil
// when the model has no inputs.
func (m *Model) ResidualHessians() ([]*mat.Dense, error) {
	st, err := m.ready()
	if err != nil {
		return nil, err
	}
	if len(m.part.Inputs) == 0 {
		return nil, nil
	}
	return m.residualHessians(st)
}

// factorization returns the cached LU of ∂g/∂y, computing it on first use.
// It is reused by every Jacobian and Hessian query until the next input
// change.
func (m *Model) factorization(st *evalState) (*mat.LU, error) {
	if st.lu != nil {
		return st.lu, nil
	}
	jgy, err := st.ev.Jacobian(m.part.ExternalEqs, m.part.Externals)
	if err != nil {
		return nil, err
	}
	lu := &mat.LU{}
	lu.Factorize(jgy)
	st.lu = lu
	return lu, nil
}

// externalJacobian returns dy/dx = -(∂g/∂y)⁻¹·(∂g/∂x), solving the cached
// factorization rather than forming an inverse. Only called with at least
// one external and one input.
func (m *Model) externalJacobian(st *evalState) (*mat.Dense, error) {
	if st.dydx != nil {
		return st.dydx, nil
	}
	jgx, err := st.ev.Jacobian(m.part.ExternalEqs, m.part.Inputs)
	if err != nil {
		return nil, err
	}
	lu, err := m.factorization(st)
	if err != nil {
		return nil, err
	}
	ny, nx := len(m.part.Externals), len(m.part.Inputs)
	dydx := mat.NewDense(ny, nx, nil)
	if err := lu.SolveTo(dydx, false, jgx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSingular, err)
	}
	dydx.Scale(-1, dydx)
	st.dydx = dydx
	return dydx, nil
}

// secondOrderSum assembles H_xx + (H_xy·J + (H_xy·J)ᵀ) + Jᵀ·H_yy·J for one
// equation, with J = dy/dx. dydx may be nil when there are no externals.
func (m *Model) secondOrderSum(eq *expr.Equation, dydx *mat.Dense) (*mat.Dense, error) {
	x, y := m.part.Inputs, m.part.Externals
	hxx, err := EquationHessian(m.sub, eq, x, x)
	if err != nil {
		return nil, err
	}
	if len(y) == 0 || dydx == nil {
		return hxx, nil
	}
	hxy, err := EquationHessian(m.sub, eq, x, y)
	if err != nil {
		return nil, err
	}
	hyy, err := EquationHessian(m.sub, eq, y, y)
	if err != nil {
		return nil, err
	}
	var prod mat.Dense // H_xy·J, |x|×|x|
	prod.Mul(hxy, dydx)
	var inner mat.Dense // H_yy·J
	inner.Mul(hyy, dydx)
	var t3 mat.Dense // Jᵀ·H_yy·J
	t3.Mul(dydx.T(), &inner)

	var out mat.Dense
	out.Add(hxx, &prod)
	out.Add(&out, prod.T())
	out.Add(&out, &t3)
	return &out, nil
}

// externalHessians returns the cached d²y/dx² blocks, computing them on
// first use. Each block comes from one batched solve of the cached
// factorization against the columns of d²g/dx², negated.
func (m *Model) externalHessians(st *evalState) ([]*mat.Dense, error) {
	if st.d2ydx2 != nil {
		return st.d2ydx2, nil
	}
	ny, nx := len(m.part.Externals), len(m.part.Inputs)
	if ny == 0 {
		st.d2ydx2 = []*mat.Dense{}
		return st.d2ydx2, nil
	}
	dydx, err := m.externalJacobian(st)
	if err != nil {
		return nil, err
	}
	rhs := mat.NewDense(ny, nx*nx, nil)
	for k, geq := range m.part.ExternalEqs {
		d2g, err := m.secondOrderSum(geq, dydx)
		if err != nil {
			return nil, err
		}
		for r := 0; r < nx; r++ {
			for c := 0; c < nx; c++ {
				rhs.Set(k, r*nx+c, d2g.At(r, c))
			}
		}
	}
	lu, err := m.factorization(st)
	if err != nil {
		return nil, err
	}
	sol := mat.NewDense(ny, nx*nx, nil)
	if err := lu.SolveTo(sol, false, rhs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSingular, err)
	}
	out := make([]*mat.Dense, ny)
	for k := 0; k < ny; k++ {
		h := mat.NewDense(nx, nx, nil)
		for r := 0; r < nx; r++ {
			for c := 0; c < nx; c++ {
				h.Set(r, c, -sol.At(k, r*nx+c))
			}
		}
		out[k] = h
	}
	st.d2ydx2 = out
	return out, nil
}

// residualHessians assembles d²Fᵢ/dx² for every residual: the second-order
// sum of fᵢ plus the (∂fᵢ/∂y)-weighted d²y/dx² blocks.
func (m *Model) residualHessians(st *evalState) ([]*mat.Dense, error) {
	nf, ny := len(m.part.Residuals), len(m.part.Externals)
	if nf == 0 {
		return []*mat.Dense{}, nil
	}
	var (
		dydx *mat.Dense
		d2y  []*mat.Dense
		jfy  *mat.Dense
		err  error
	)
	if ny > 0 {
		if dydx, err = m.externalJacobian(st); err != nil {
			return nil, err
		}
		if d2y, err = m.externalHessians(st); err != nil {
			return nil, err
		}
		if jfy, err = st.ev.Jacobian(m.part.Residuals, m.part.Externals); err != nil {
			return nil, err
		}
	}
	out := make([]*mat.Dense, nf)
	var scaled mat.Dense
	for i, feq := range m.part.Residuals {
		h, err := m.secondOrderSum(feq, dydx)
		if err != nil {
			return nil, err
		}
		for k := 0; k < ny; k++ {
			w := jfy.At(i, k)
			if w == 0 {
				continue
			}
			scaled.Scale(w, d2y[k])
			h.Add(h, &scaled)
		}
		out[i] = h
	}
	return out, nil
}
