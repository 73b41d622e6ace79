package expr

// Equation is a named equation in residual form: Body() == 0.
type Equation struct {
	name string
	body Expr
}

// NewEquation returns the equation body == 0.
func NewEquation(name string, body Expr) *Equation {
	return &Equation{name: name, body: body}
}

// Eq returns the equation lhs == rhs, stored as lhs − rhs == 0.
func Eq(name string, lhs, rhs Expr) *Equation {
	return &Equation{name: name, body: Sub(lhs, rhs)}
}

func (e *Equation) Name() string { return e.name }

// Body returns the residual expression.
func (e *Equation) Body() Expr { return e.body }

// Residual evaluates the body at the variables' current values.
func (e *Equation) Residual() float64 { return e.body.Eval(nil) }

// Vars returns the variables referenced by the body in first-occurrence
// order.
func (e *Equation) Vars() []*Var { return VarsOf(e.body) }

func (e *Equation) String() string {
	return e.name + ": " + e.body.String() + " == 0"
}
