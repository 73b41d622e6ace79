// Package problems carries the built-in implicit-function systems served by
// the CLI and the HTTP API. Variables are stateful, so Get builds a fresh
// instance on every call; solves against one returned problem never leak
// into another.
package problems

import (
	"fmt"
	"sort"

	"github.com/cwbudde/implicitfit/internal/expr"
	"github.com/cwbudde/implicitfit/internal/greybox"
)

// Problem bundles a partitioned equation system with the defaults a caller
// needs to run it.
type Problem struct {
	Name        string
	Description string
	Partition   greybox.Partition

	// DefaultInputs is a ready-to-use SetInputs argument.
	DefaultInputs []float64
	// Lower and Upper bound the external variables, one pair per
	// external, for swarm solvers. Newton ignores them.
	Lower, Upper []float64
}

var builders = map[string]func() Problem{
	"quadratic": quadratic,
	"circle":    circle,
	"pendulum":  pendulum,
	"reactor":   reactor,
}

// Names lists the available problems in lexical order.
func Names() []string {
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get builds a fresh instance of the named problem.
func Get(name string) (Problem, error) {
	build, ok := builders[name]
	if !ok {
		return Problem{}, fmt.Errorf("unknown problem %q, have %v", name, Names())
	}
	return build(), nil
}

// quadratic is the smallest end-to-end system: one input, one external,
// closed forms for every derivative. F(x) = sqrt(x) - 1.
func quadratic() Problem {
	x := expr.NewVar("x", 2)
	y := expr.NewVar("y", 1)
	return Problem{
		Name:        "quadratic",
		Description: "y^2 = x solved for y, residual y - 1",
		Partition: greybox.Partition{
			Inputs:      []*expr.Var{x},
			Externals:   []*expr.Var{y},
			Residuals:   []*expr.Equation{expr.Eq("f", y, expr.Const(1))},
			ExternalEqs: []*expr.Equation{expr.Eq("g", expr.Pow(y, 2), x)},
		},
		DefaultInputs: []float64{2},
		Lower:         []float64{0.1},
		Upper:         []float64{4},
	}
}

// circle intersects a ray through the origin with a circle; radius and
// slope are the inputs, the intersection point is implicit.
func circle() Problem {
	r := expr.NewVar("radius", 2)
	s := expr.NewVar("slope", 0.5)
	y1 := expr.NewVar("y1", 1)
	y2 := expr.NewVar("y2", 1)
	return Problem{
		Name:        "circle",
		Description: "ray/circle intersection, residual y1*y2 - 1",
		Partition: greybox.Partition{
			Inputs:    []*expr.Var{r, s},
			Externals: []*expr.Var{y1, y2},
			Residuals: []*expr.Equation{
				expr.Eq("area", expr.Mul(y1, y2), expr.Const(1)),
			},
			ExternalEqs: []*expr.Equation{
				expr.Eq("on_circle", expr.Add(expr.Pow(y1, 2), expr.Pow(y2, 2)), expr.Pow(r, 2)),
				expr.Eq("on_ray", y2, expr.Mul(s, y1)),
			},
		},
		DefaultInputs: []float64{2, 0.5},
		Lower:         []float64{0.1, -4},
		Upper:         []float64{4, 4},
	}
}

// pendulum matches the horizontal projection of a unit pendulum to the
// input on the principal branch: sin(theta) = x, residual theta^2.
func pendulum() Problem {
	x := expr.NewVar("x", 0.5)
	theta := expr.NewVar("theta", 0.25)
	return Problem{
		Name:        "pendulum",
		Description: "sin(theta) = x on the principal branch, residual theta^2",
		Partition: greybox.Partition{
			Inputs:      []*expr.Var{x},
			Externals:   []*expr.Var{theta},
			Residuals:   []*expr.Equation{expr.NewEquation("energy", expr.Pow(theta, 2))},
			ExternalEqs: []*expr.Equation{expr.Eq("projection", expr.Sin(theta), x)},
		},
		DefaultInputs: []float64{0.5},
		Lower:         []float64{-1.5},
		Upper:         []float64{1.5},
	}
}

// reactor solves the steady state y*exp(y) = feed, the Lambert W curve,
// with conversion residual 1 - y.
func reactor() Problem {
	feed := expr.NewVar("feed", 1)
	y := expr.NewVar("y", 0.5)
	return Problem{
		Name:        "reactor",
		Description: "y*exp(y) = feed steady state, residual 1 - y",
		Partition: greybox.Partition{
			Inputs:      []*expr.Var{feed},
			Externals:   []*expr.Var{y},
			Residuals:   []*expr.Equation{expr.Eq("conversion", expr.Const(1), y)},
			ExternalEqs: []*expr.Equation{expr.Eq("steady_state", expr.Mul(y, expr.Exp(y)), feed)},
		},
		DefaultInputs: []float64{1},
		Lower:         []float64{0},
		Upper:         []float64{3},
	}
}
