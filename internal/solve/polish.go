package solve

import (
	"errors"

	"github.com/cwbudde/implicitfit/internal/expr"
)

// Polish chains a global stage into a local refinement: the global solver
// provides a warm start, the local solver is the judge. A global stage that
// stops short of tolerance is not an error as long as the refinement
// converges from its point.
type Polish struct {
	Global Solver
	Local  Solver
}

// NewPolish composes a global solver with a local refinement stage.
func NewPolish(global, local Solver) *Polish {
	return &Polish{Global: global, Local: local}
}

func (p *Polish) Solve(eqs []*expr.Equation, free, fixed []*expr.Var) error {
	gErr := p.Global.Solve(eqs, free, fixed)
	lErr := p.Local.Solve(eqs, free, fixed)
	if lErr == nil {
		return nil
	}
	if gErr != nil {
		return errors.Join(lErr, gErr)
	}
	return lErr
}
