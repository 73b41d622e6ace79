package solve

import (
	"fmt"
	"math/rand"

	"github.com/cwbudde/mayfly"
	"gonum.org/v1/gonum/floats"

	"github.com/cwbudde/implicitfit/internal/expr"
)

// Mayfly resolves systems by minimizing the squared residual norm with the
// mayfly swarm inside box bounds. It needs no derivatives and no basin of
// attraction, which makes it a usable globalizer; the final point must
// still meet Tolerance or the solve fails.
type Mayfly struct {
	opts Options
}

// NewMayfly returns a mayfly solver. Options.Lower and Options.Upper are
// required, one bound pair per free variable.
func NewMayfly(opts Options) *Mayfly {
	return &Mayfly{opts: opts.withDefaults()}
}

func (s *Mayfly) Solve(eqs []*expr.Equation, free, fixed []*expr.Var) error {
	if len(free) == 0 {
		if r := residualNorm(eqs); r > s.opts.Tolerance {
			return fmt.Errorf("mayfly: no free variables but residual norm is %.3e", r)
		}
		return nil
	}
	if len(s.opts.Lower) != len(free) || len(s.opts.Upper) != len(free) {
		return fmt.Errorf("mayfly: need %d bound pairs, got %d lower and %d upper",
			len(free), len(s.opts.Lower), len(s.opts.Upper))
	}
	for i := range s.opts.Lower {
		if s.opts.Lower[i] >= s.opts.Upper[i] {
			return fmt.Errorf("mayfly: bound %d is empty: [%v, %v]", i, s.opts.Lower[i], s.opts.Upper[i])
		}
	}

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = func(pos []float64) float64 {
		for i, v := range free {
			v.SetValue(pos[i])
		}
		var sum float64
		for _, eq := range eqs {
			r := eq.Residual()
			sum += r * r
		}
		return sum
	}
	config.ProblemSize = len(free)
	config.MaxIterations = s.opts.MaxIterations
	config.NPop = s.opts.Population
	// The library takes scalar bounds; use the loosest box.
	config.LowerBound = floats.Min(s.opts.Lower)
	config.UpperBound = floats.Max(s.opts.Upper)
	config.Rand = rand.New(rand.NewSource(s.opts.Seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		return fmt.Errorf("mayfly: %w", err)
	}
	for i, v := range free {
		v.SetValue(result.GlobalBest.Position[i])
	}

	norm := residualNorm(eqs)
	s.opts.report(Iteration{N: s.opts.MaxIterations, ResidualNorm: norm})
	if norm > s.opts.Tolerance {
		return fmt.Errorf("mayfly: residual norm %.3e above tolerance %.3e", norm, s.opts.Tolerance)
	}
	return nil
}
