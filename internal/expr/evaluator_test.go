package expr

import (
	"math"
	"strings"
	"testing"
)

// setupCircle builds x^2 + y^2 - r == 0 and x*y - 1 == 0 over (x, y, r).
func setupCircle(t *testing.T) (x, y, r *Var, eqs []*Equation, ev Evaluator) {
	t.Helper()
	x = NewVar("x", 1)
	y = NewVar("y", 2)
	r = NewVar("r", 4)
	eqs = []*Equation{
		NewEquation("ring", Add(Pow(x, 2), Pow(y, 2), Neg(r))),
		Eq("hyperbola", Mul(x, y), Const(1)),
	}
	var err error
	ev, err = Symbolic{}.NewEvaluator(eqs, []*Var{x, y, r})
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	return x, y, r, eqs, ev
}

func TestSymbolicValues(t *testing.T) {
	_, _, _, eqs, ev := setupCircle(t)

	got, err := ev.Values(eqs)
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	// ring: 1 + 4 - 4 = 1, hyperbola: 2 - 1 = 1.
	want := []float64{1, 1}
	for i := range want {
		approx(t, got[i], want[i], 1e-12)
	}
}

func TestSymbolicJacobian(t *testing.T) {
	x, y, _, eqs, ev := setupCircle(t)

	j, err := ev.Jacobian(eqs, []*Var{x, y})
	if err != nil {
		t.Fatalf("Jacobian: %v", err)
	}
	// Rows: ring (2x, 2y), hyperbola (y, x) at (1, 2).
	want := [][]float64{{2, 4}, {2, 1}}
	for i := range want {
		for j2 := range want[i] {
			approx(t, j.At(i, j2), want[i][j2], 1e-12)
		}
	}
}

func TestSymbolicHessianOfLagrangian(t *testing.T) {
	x, y, _, eqs, ev := setupCircle(t)

	// L = 1*ring + 0.5*hyperbola. H = [[2, 0.5], [0.5, 2]].
	h, err := ev.HessianOfLagrangian(eqs, []float64{1, 0.5}, []*Var{x, y}, []*Var{x, y})
	if err != nil {
		t.Fatalf("HessianOfLagrangian: %v", err)
	}
	want := [][]float64{{2, 0.5}, {0.5, 2}}
	for i := range want {
		for j := range want[i] {
			approx(t, h.At(i, j), want[i][j], 1e-12)
		}
	}
}

func TestSymbolicStructuralZeros(t *testing.T) {
	if !(Symbolic{}).StructuralZeros() {
		t.Fatal("Symbolic must report structural zeros")
	}

	x := NewVar("x", 3)
	z := NewVar("z", 7) // compiled but absent from the equation
	eq := NewEquation("sq", Pow(x, 2))
	ev, err := Symbolic{}.NewEvaluator([]*Equation{eq}, []*Var{x, z})
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	j, err := ev.Jacobian([]*Equation{eq}, []*Var{x, z})
	if err != nil {
		t.Fatalf("Jacobian: %v", err)
	}
	approx(t, j.At(0, 0), 6, 1e-12)
	approx(t, j.At(0, 1), 0, 0)
}

func TestSymbolicSnapshot(t *testing.T) {
	x := NewVar("x", 2)
	eq := NewEquation("sq", Pow(x, 2))
	ev, err := Symbolic{}.NewEvaluator([]*Equation{eq}, []*Var{x})
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	x.SetValue(10)

	got, err := ev.Values([]*Equation{eq})
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	// Captured at compile time, not affected by later mutation.
	approx(t, got[0], 4, 0)
}

func TestSymbolicCompileErrors(t *testing.T) {
	x := NewVar("x", 1)
	y := NewVar("y", 1)
	eq := NewEquation("both", Mul(x, y))

	if _, err := (Symbolic{}).NewEvaluator([]*Equation{eq}, []*Var{x}); err == nil {
		t.Error("expected error for equation referencing an uncompiled variable")
	} else if !strings.Contains(err.Error(), "y") {
		t.Errorf("error should name the stray variable: %v", err)
	}
	if _, err := (Symbolic{}).NewEvaluator([]*Equation{eq}, []*Var{x, y, x}); err == nil {
		t.Error("expected error for duplicate variable")
	}
	if _, err := (Symbolic{}).NewEvaluator([]*Equation{eq, nil}, []*Var{x, y}); err == nil {
		t.Error("expected error for nil equation")
	}
}

func TestSymbolicQueryErrors(t *testing.T) {
	x, y, _, eqs, ev := setupCircle(t)

	stray := NewEquation("stray", Pow(x, 3))
	if _, err := ev.Values([]*Equation{stray}); err == nil {
		t.Error("expected error for uncompiled equation")
	}
	w := NewVar("w", 0)
	if _, err := ev.Jacobian(eqs, []*Var{w}); err == nil {
		t.Error("expected error for uncompiled variable")
	}
	if _, err := ev.HessianOfLagrangian(eqs, []float64{1}, []*Var{x}, []*Var{y}); err == nil {
		t.Error("expected error for multiplier count mismatch")
	}
	if _, err := ev.Jacobian(nil, []*Var{x}); err == nil {
		t.Error("expected error for empty jacobian shape")
	}
}

func TestSymbolicNonlinearBlocks(t *testing.T) {
	// g = sin(x)*exp(y): g_xy = cos(x)*exp(y).
	x := NewVar("x", 0.3)
	y := NewVar("y", -0.2)
	eq := NewEquation("wave", Mul(Sin(x), Exp(y)))
	ev, err := Symbolic{}.NewEvaluator([]*Equation{eq}, []*Var{x, y})
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	h, err := ev.HessianOfLagrangian([]*Equation{eq}, []float64{1}, []*Var{x}, []*Var{y})
	if err != nil {
		t.Fatalf("HessianOfLagrangian: %v", err)
	}
	approx(t, h.At(0, 0), math.Cos(0.3)*math.Exp(-0.2), 1e-12)
}
