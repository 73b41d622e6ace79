package problems

import (
	"math"
	"testing"

	"github.com/cwbudde/implicitfit/internal/expr"
	"github.com/cwbudde/implicitfit/internal/greybox"
	"github.com/cwbudde/implicitfit/internal/solve"
)

func newModel(t *testing.T, p Problem) *greybox.Model {
	t.Helper()
	m, err := greybox.New(p.Partition, expr.Symbolic{},
		solve.NewNewton(expr.Symbolic{}, solve.Options{Tolerance: 1e-12, MaxIterations: 100}))
	if err != nil {
		t.Fatalf("New(%s): %v", p.Name, err)
	}
	return m
}

func TestNames(t *testing.T) {
	want := []string{"circle", "pendulum", "quadratic", "reactor"}
	got := Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", got, want)
		}
	}
}

func TestGetUnknown(t *testing.T) {
	if _, err := Get("spiral"); err == nil {
		t.Fatal("unknown problem accepted")
	}
}

func TestGetBuildsFreshInstances(t *testing.T) {
	p1, err := Get("quadratic")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p2, err := Get("quadratic")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p1.Partition.Inputs[0] == p2.Partition.Inputs[0] {
		t.Fatal("two Get calls share variables")
	}
	p1.Partition.Inputs[0].SetValue(99)
	if p2.Partition.Inputs[0].Value() == 99 {
		t.Fatal("value change leaked across instances")
	}
}

func TestAllProblemsSolveAtDefaults(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			p, err := Get(name)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if len(p.DefaultInputs) != len(p.Partition.Inputs) {
				t.Fatalf("%d default inputs for %d input variables",
					len(p.DefaultInputs), len(p.Partition.Inputs))
			}
			if len(p.Lower) != len(p.Partition.Externals) || len(p.Upper) != len(p.Partition.Externals) {
				t.Fatalf("bounds cover %d/%d externals of %d",
					len(p.Lower), len(p.Upper), len(p.Partition.Externals))
			}

			m := newModel(t, p)
			if err := m.SetInputs(p.DefaultInputs); err != nil {
				t.Fatalf("SetInputs: %v", err)
			}
			for _, eq := range p.Partition.ExternalEqs {
				if r := eq.Residual(); math.Abs(r) > 1e-8 {
					t.Errorf("equation %s residual %v after solve", eq.Name(), r)
				}
			}
			for i, v := range p.Partition.Externals {
				if v.Value() < p.Lower[i] || v.Value() > p.Upper[i] {
					t.Errorf("external %s = %v outside bounds [%v, %v]",
						v.Name(), v.Value(), p.Lower[i], p.Upper[i])
				}
			}

			jac, err := m.Jacobian()
			if err != nil {
				t.Fatalf("Jacobian: %v", err)
			}
			nf, nx := len(p.Partition.Residuals), len(p.Partition.Inputs)
			if jac.NNZ() != nf*nx {
				t.Errorf("Jacobian pattern %d entries, want %d", jac.NNZ(), nf*nx)
			}

			ones := make([]float64, nf)
			for i := range ones {
				ones[i] = 1
			}
			if err := m.SetMultipliers(ones); err != nil {
				t.Fatalf("SetMultipliers: %v", err)
			}
			hes, err := m.Hessian()
			if err != nil {
				t.Fatalf("Hessian: %v", err)
			}
			if want := nx * (nx + 1) / 2; hes.NNZ() != want {
				t.Errorf("Hessian pattern %d entries, want %d", hes.NNZ(), want)
			}
		})
	}
}

func TestQuadraticNumbers(t *testing.T) {
	p, err := Get("quadratic")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	m := newModel(t, p)
	if err := m.SetInputs(p.DefaultInputs); err != nil {
		t.Fatalf("SetInputs: %v", err)
	}
	res, err := m.Residuals()
	if err != nil {
		t.Fatalf("Residuals: %v", err)
	}
	if want := math.Sqrt2 - 1; math.Abs(res[0]-want) > 1e-9 {
		t.Errorf("F = %v, want %v", res[0], want)
	}
	jac, err := m.Jacobian()
	if err != nil {
		t.Fatalf("Jacobian: %v", err)
	}
	if want := 1 / (2 * math.Sqrt2); math.Abs(jac.At(0, 0)-want) > 1e-9 {
		t.Errorf("dF/dx = %v, want %v", jac.At(0, 0), want)
	}
}

func TestPendulumNumbers(t *testing.T) {
	p, err := Get("pendulum")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	m := newModel(t, p)
	if err := m.SetInputs(p.DefaultInputs); err != nil {
		t.Fatalf("SetInputs: %v", err)
	}
	theta := math.Asin(0.5)
	res, err := m.Residuals()
	if err != nil {
		t.Fatalf("Residuals: %v", err)
	}
	if want := theta * theta; math.Abs(res[0]-want) > 1e-9 {
		t.Errorf("F = %v, want %v", res[0], want)
	}
	jac, err := m.Jacobian()
	if err != nil {
		t.Fatalf("Jacobian: %v", err)
	}
	if want := 2 * theta / math.Cos(theta); math.Abs(jac.At(0, 0)-want) > 1e-9 {
		t.Errorf("dF/dx = %v, want %v", jac.At(0, 0), want)
	}
}

func TestReactorNumbers(t *testing.T) {
	p, err := Get("reactor")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	m := newModel(t, p)
	if err := m.SetInputs(p.DefaultInputs); err != nil {
		t.Fatalf("SetInputs: %v", err)
	}
	// w*exp(w) = 1 so exp(w) = 1/w and dy/dfeed = w/(1+w).
	w := p.Partition.Externals[0].Value()
	if math.Abs(w*math.Exp(w)-1) > 1e-10 {
		t.Fatalf("solved y = %v does not satisfy the steady state", w)
	}
	dydx, err := m.ExternalJacobian()
	if err != nil {
		t.Fatalf("ExternalJacobian: %v", err)
	}
	if want := w / (1 + w); math.Abs(dydx.At(0, 0)-want) > 1e-9 {
		t.Errorf("dy/dfeed = %v, want %v", dydx.At(0, 0), want)
	}
	jac, err := m.Jacobian()
	if err != nil {
		t.Fatalf("Jacobian: %v", err)
	}
	if math.Abs(jac.At(0, 0)+dydx.At(0, 0)) > 1e-12 {
		t.Errorf("dF/dfeed = %v, want %v", jac.At(0, 0), -dydx.At(0, 0))
	}
}
