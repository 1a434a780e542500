// Package rules defines the internal representation of rules: head patterns,
// conjunctive bodies of relation references, constraints, assignments and
// aggregates. The parser produces these, the compiler validates and
// normalizes them, and the executor interprets the compiled form.
package rules

import (
	"fmt"
	"strings"

	"provlog/internal/value"
)

// Expr is a scalar expression over bound variables: a variable, a constant,
// a foreign-function call, or a binary arithmetic node.
type Expr interface {
	exprNode()
	String() string
}

// Var references a rule variable by name. "_" is the wildcard.
type Var struct{ Name string }

// Const is a literal value.
type Const struct{ Val value.Value }

// Call invokes a foreign function, written with a $ prefix in rule text.
type Call struct {
	Name string
	Args []Expr
}

// ArithOp is a binary arithmetic operator.
type ArithOp int

const (
	OpAdd ArithOp = iota
	OpSub
	OpMul
	OpDiv
	OpMod
)

func (o ArithOp) String() string {
	switch o {
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	case OpMod:
		return "%"
	}
	return "?"
}

// Binary combines two sub-expressions with an arithmetic operator.
type Binary struct {
	Op   ArithOp
	L, R Expr
}

func (Var) exprNode()    {}
func (Const) exprNode()  {}
func (Call) exprNode()   {}
func (Binary) exprNode() {}

func (v Var) String() string   { return v.Name }
func (c Const) String() string { return c.Val.String() }

func (c Call) String() string {
	parts := make([]string, len(c.Args))
	for i, a := range c.Args {
		parts[i] = a.String()
	}
	return "$" + c.Name + "(" + strings.Join(parts, ", ") + ")"
}

func (b Binary) String() string {
	return fmt.Sprintf("(%s %s %s)", b.L.String(), b.Op, b.R.String())
}

// CmpOp is a comparison operator usable in constraints.
type CmpOp int

const (
	CmpEq CmpOp = iota
	CmpNe
	CmpLt
	CmpLe
	CmpGt
	CmpGe
)

func (o CmpOp) String() string {
	switch o {
	case CmpEq:
		return "=="
	case CmpNe:
		return "!="
	case CmpLt:
		return "<"
	case CmpLe:
		return "<="
	case CmpGt:
		return ">"
	case CmpGe:
		return ">="
	}
	return "?"
}

// Atom is a relation reference with argument expressions. In a compiled rule
// body, atom arguments are only Var or Const; calls and arithmetic are
// normalized into assignments.
type Atom struct {
	Relation string
	Args     []Expr
}

func (a Atom) String() string {
	parts := make([]string, len(a.Args))
	for i, arg := range a.Args {
		parts[i] = arg.String()
	}
	return a.Relation + "(" + strings.Join(parts, ", ") + ")"
}

// AggOp is an aggregate operator over an inner subgoal.
type AggOp int

const (
	AggCount AggOp = iota
	AggSum
	AggMin
	AggMax
)

func (o AggOp) String() string {
	switch o {
	case AggCount:
		return "count"
	case AggSum:
		return "sum"
	case AggMin:
		return "min"
	case AggMax:
		return "max"
	}
	return "?"
}

// ParseAggOp resolves an aggregate name.
func ParseAggOp(s string) (AggOp, bool) {
	switch s {
	case "count":
		return AggCount, true
	case "sum":
		return AggSum, true
	case "min":
		return AggMin, true
	case "max":
		return AggMax, true
	}
	return 0, false
}

// Literal is one body conjunct. Exactly one of the fields is set.
type Literal struct {
	// Atom is a positive or negated relation reference.
	Atom *AtomLit
	// Constraint compares two expressions over bound variables.
	Constraint *Constraint
	// Assign binds a fresh variable to an expression value.
	Assign *Assign
	// Aggregate binds a fresh variable to an aggregate over a subgoal.
	Aggregate *Aggregate
}

// AtomLit is a relation reference in a body, optionally negated.
type AtomLit struct {
	Atom    Atom
	Negated bool
}

// Constraint filters candidate bindings.
type Constraint struct {
	Op   CmpOp
	L, R Expr
}

// Assign evaluates Expr under the current binding and binds Var.
type Assign struct {
	Var  string
	Expr Expr
}

// Aggregate binds Var to an aggregate over all bindings of the subgoal.
// For count, the distinct bindings of GroupVars are counted. For sum, min
// and max, the value of the last GroupVar is aggregated.
type Aggregate struct {
	Var       string
	Op        AggOp
	GroupVars []string
	Body      []AtomLit
}

func (l Literal) String() string {
	switch {
	case l.Atom != nil:
		if l.Atom.Negated {
			return "not " + l.Atom.Atom.String()
		}
		return l.Atom.Atom.String()
	case l.Constraint != nil:
		return fmt.Sprintf("%s %s %s", l.Constraint.L, l.Constraint.Op, l.Constraint.R)
	case l.Assign != nil:
		return fmt.Sprintf("%s := %s", l.Assign.Var, l.Assign.Expr)
	case l.Aggregate != nil:
		inner := make([]string, len(l.Aggregate.Body))
		for i, a := range l.Aggregate.Body {
			inner[i] = a.Atom.String()
		}
		return fmt.Sprintf("%s = %s(%s: %s)", l.Aggregate.Var, l.Aggregate.Op,
			strings.Join(l.Aggregate.GroupVars, ", "), strings.Join(inner, ", "))
	}
	return "<empty>"
}

// Rule is one derivation rule before compilation.
type Rule struct {
	Head Atom
	Body []Literal

	// TagWeight, when set, overrides the derived tag: the derivation
	// product is extended with the tag of this weight.
	TagWeight *float64

	// Demand is an optional pattern over head arguments, one letter per
	// argument: 'b' for bound (demand-restricted), 'f' for free. Empty
	// means the head is computed exhaustively.
	Demand string
}

func (r Rule) String() string {
	parts := make([]string, len(r.Body))
	for i, l := range r.Body {
		parts[i] = l.String()
	}
	s := r.Head.String()
	if len(parts) > 0 {
		s += " = " + strings.Join(parts, ", ")
	}
	if r.TagWeight != nil {
		s = fmt.Sprintf("%v::%s", *r.TagWeight, s)
	}
	return s
}

// Clone returns a deep copy of the rule. Expressions are immutable and can
// be shared; slices are copied.
func (r Rule) Clone() Rule {
	out := r
	out.Head.Args = append([]Expr(nil), r.Head.Args...)
	out.Body = make([]Literal, len(r.Body))
	for i, l := range r.Body {
		cl := l
		if l.Atom != nil {
			a := *l.Atom
			a.Atom.Args = append([]Expr(nil), l.Atom.Atom.Args...)
			cl.Atom = &a
		}
		if l.Constraint != nil {
			c := *l.Constraint
			cl.Constraint = &c
		}
		if l.Assign != nil {
			a := *l.Assign
			cl.Assign = &a
		}
		if l.Aggregate != nil {
			g := *l.Aggregate
			g.GroupVars = append([]string(nil), l.Aggregate.GroupVars...)
			g.Body = make([]AtomLit, len(l.Aggregate.Body))
			for j, b := range l.Aggregate.Body {
				nb := b
				nb.Atom.Args = append([]Expr(nil), b.Atom.Args...)
				g.Body[j] = nb
			}
			cl.Aggregate = &g
		}
		out.Body[i] = cl
	}
	if r.TagWeight != nil {
		w := *r.TagWeight
		out.TagWeight = &w
	}
	return out
}

// Wildcard reports whether the variable name is the anonymous "_".
func Wildcard(name string) bool { return name == "_" }
