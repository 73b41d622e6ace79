// Package expr provides the variable, equation and expression types used to
// describe sub-models, and a symbolic differentiation engine that implements
// the evaluator contract consumed by the implicit-function core.
package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Point is a value snapshot keyed by variable identity. A nil Point means
// the variables' current values.
type Point map[*Var]float64

// Expr is an expression node. The node set is closed; expressions are built
// through the package constructors and are immutable once built.
type Expr interface {
	// Eval computes the expression value at the given snapshot, or at the
	// variables' current values when at is nil.
	Eval(at Point) float64
	// Diff returns the symbolic partial derivative with respect to v.
	Diff(v *Var) Expr
	String() string

	collectVars(seen map[*Var]bool, order *[]*Var)
}

// Var is a model variable with an identity, a name and a current value.
// A Var used inside an expression evaluates to its current value unless a
// snapshot overrides it.
type Var struct {
	name  string
	value float64
}

// NewVar returns a variable with the given name and initial value.
func NewVar(name string, value float64) *Var {
	return &Var{name: name, value: value}
}

func (v *Var) Name() string       { return v.name }
func (v *Var) Value() float64     { return v.value }
func (v *Var) SetValue(x float64) { v.value = x }

func (v *Var) Eval(at Point) float64 {
	if at != nil {
		if x, ok := at[v]; ok {
			return x
		}
	}
	return v.value
}

func (v *Var) Diff(w *Var) Expr {
	if v == w {
		return constant(1)
	}
	return constant(0)
}

func (v *Var) String() string { return v.name }

func (v *Var) collectVars(seen map[*Var]bool, order *[]*Var) {
	if !seen[v] {
		seen[v] = true
		*order = append(*order, v)
	}
}

type constant float64

// Const returns a constant expression.
func Const(c float64) Expr { return constant(c) }

func (k constant) Eval(Point) float64 { return float64(k) }
func (k constant) Diff(*Var) Expr     { return constant(0) }
func (k constant) String() string     { return strconv.FormatFloat(float64(k), 'g', -1, 64) }

func (constant) collectVars(map[*Var]bool, *[]*Var) {}

func asConst(e Expr) (float64, bool) {
	k, ok := e.(constant)
	return float64(k), ok
}

type sum struct{ terms []Expr }

// Add returns the sum of the given terms. Nested sums are flattened and
// constant terms folded; zero terms vanish.
func Add(terms ...Expr) Expr {
	flat := make([]Expr, 0, len(terms))
	acc := 0.0
	for _, t := range terms {
		if s, ok := t.(sum); ok {
			for _, st := range s.terms {
				if c, ok := asConst(st); ok {
					acc += c
				} else {
					flat = append(flat, st)
				}
			}
			continue
		}
		if c, ok := asConst(t); ok {
			acc += c
			continue
		}
		flat = append(flat, t)
	}
	if acc != 0 {
		flat = append(flat, constant(acc))
	}
	switch len(flat) {
	case 0:
		return constant(0)
	case 1:
		return flat[0]
	}
	return sum{terms: flat}
}

// Sub returns a − b.
func Sub(a, b Expr) Expr { return Add(a, Neg(b)) }

// Neg returns −a.
func Neg(a Expr) Expr { return Mul(constant(-1), a) }

func (s sum) Eval(at Point) float64 {
	total := 0.0
	for _, t := range s.terms {
		total += t.Eval(at)
	}
	return total
}

func (s sum) Diff(v *Var) Expr {
	ds := make([]Expr, len(s.terms))
	for i, t := range s.terms {
		ds[i] = t.Diff(v)
	}
	return Add(ds...)
}

func (s sum) String() string {
	parts := make([]string, len(s.terms))
	for i, t := range s.terms {
		parts[i] = t.String()
	}
	return "(" + strings.Join(parts, " + ") + ")"
}

func (s sum) collectVars(seen map[*Var]bool, order *[]*Var) {
	for _, t := range s.terms {
		t.collectVars(seen, order)
	}
}

type product struct{ factors []Expr }

// Mul returns the product of the given factors. Nested products are
// flattened, constants folded into a leading coefficient; a zero factor
// collapses the whole product.
func Mul(factors ...Expr) Expr {
	flat := make([]Expr, 0, len(factors))
	coef := 1.0
	for _, f := range factors {
		if p, ok := f.(product); ok {
			for _, pf := range p.factors {
				if c, ok := asConst(pf); ok {
					coef *= c
				} else {
					flat = append(flat, pf)
				}
			}
			continue
		}
		if c, ok := asConst(f); ok {
			coef *= c
			continue
		}
		flat = append(flat, f)
	}
	if coef == 0 {
		return constant(0)
	}
	if coef != 1 {
		flat = append([]Expr{constant(coef)}, flat...)
	}
	switch len(flat) {
	case 0:
		return constant(1)
	case 1:
		return flat[0]
	}
	return product{factors: flat}
}

// Div returns a / b.
func Div(a, b Expr) Expr { return Mul(a, Pow(b, -1)) }

func (p product) Eval(at Point) float64 {
	total := 1.0
	for _, f := range p.factors {
		total *= f.Eval(at)
	}
	return total
}

func (p product) Diff(v *Var) Expr {
	// Product rule: one term per factor.
	terms := make([]Expr, 0, len(p.factors))
	for i := range p.factors {
		fs := make([]Expr, 0, len(p.factors))
		for j, f := range p.factors {
			if j == i {
				fs = append(fs, f.Diff(v))
			} else {
				fs = append(fs, f)
			}
		}
		terms = append(terms, Mul(fs...))
	}
	return Add(terms...)
}

func (p product) String() string {
	parts := make([]string, len(p.factors))
	for i, f := range p.factors {
		parts[i] = f.String()
	}
	return "(" + strings.Join(parts, " * ") + ")"
}

func (p product) collectVars(seen map[*Var]bool, order *[]*Var) {
	for _, f := range p.factors {
		f.collectVars(seen, order)
	}
}

type power struct {
	base Expr
	exp  float64
}

// Pow returns base raised to the fixed exponent k.
func Pow(base Expr, k float64) Expr {
	if k == 0 {
		return constant(1)
	}
	if k == 1 {
		return base
	}
	if c, ok := asConst(base); ok {
		return constant(math.Pow(c, k))
	}
	return power{base: base, exp: k}
}

// Sqrt returns the square root of a.
func Sqrt(a Expr) Expr { return Pow(a, 0.5) }

func (p power) Eval(at Point) float64 {
	return math.Pow(p.base.Eval(at), p.exp)
}

func (p power) Diff(v *Var) Expr {
	// d(u^k) = k * u^(k-1) * du
	return Mul(constant(p.exp), Pow(p.base, p.exp-1), p.base.Diff(v))
}

func (p power) String() string {
	return fmt.Sprintf("%s^%s", p.base, strconv.FormatFloat(p.exp, 'g', -1, 64))
}

func (p power) collectVars(seen map[*Var]bool, order *[]*Var) {
	p.base.collectVars(seen, order)
}

type fnKind int

const (
	fnSin fnKind = iota
	fnCos
	fnExp
	fnLog
)

var fnNames = map[fnKind]string{
	fnSin: "sin",
	fnCos: "cos",
	fnExp: "exp",
	fnLog: "log",
}

type fn struct {
	kind fnKind
	arg  Expr
}

// Sin returns sin(a).
func Sin(a Expr) Expr { return foldFn(fnSin, a) }

// Cos returns cos(a).
func Cos(a Expr) Expr { return foldFn(fnCos, a) }

// Exp returns e^a.
func Exp(a Expr) Expr { return foldFn(fnExp, a) }

// Log returns the natural logarithm of a.
func Log(a Expr) Expr { return foldFn(fnLog, a) }

func foldFn(kind fnKind, arg Expr) Expr {
	f := fn{kind: kind, arg: arg}
	if c, ok := asConst(arg); ok {
		return constant(f.apply(c))
	}
	return f
}

func (f fn) apply(x float64) float64 {
	switch f.kind {
	case fnSin:
		return math.Sin(x)
	case fnCos:
		return math.Cos(x)
	case fnExp:
		return math.Exp(x)
	default:
		return math.Log(x)
	}
}

func (f fn) Eval(at Point) float64 { return f.apply(f.arg.Eval(at)) }

func (f fn) Diff(v *Var) Expr {
	du := f.arg.Diff(v)
	switch f.kind {
	case fnSin:
		return Mul(Cos(f.arg), du)
	case fnCos:
		return Mul(constant(-1), Sin(f.arg), du)
	case fnExp:
		return Mul(Exp(f.arg), du)
	default:
		return Mul(Pow(f.arg, -1), du)
	}
}

func (f fn) String() string {
	return fnNames[f.kind] + "(" + f.arg.String() + ")"
}

func (f fn) collectVars(seen map[*Var]bool, order *[]*Var) {
	f.arg.collectVars(seen, order)
}

// VarsOf returns the variables referenced by e in first-occurrence order.
func VarsOf(e Expr) []*Var {
	var order []*Var
	e.collectVars(map[*Var]bool{}, &order)
	return order
}
