package compile

import (
	"fmt"

	"provlog/internal/ff"
	"provlog/internal/rules"
	"provlog/internal/value"
)

// inferExprKind determines the kind an expression evaluates to, given the
// variable kinds known so far. The second result is false when the kind
// cannot be determined yet.
func inferExprKind(e rules.Expr, vars map[string]value.Kind, ffs *ff.Table) (value.Kind, bool) {
	switch x := e.(type) {
	case rules.Const:
		return x.Val.Kind, true
	case rules.Var:
		k, ok := vars[x.Name]
		return k, ok
	case rules.Call:
		args := make([]value.Kind, len(x.Args))
		for i, a := range x.Args {
			k, ok := inferExprKind(a, vars, ffs)
			if !ok {
				return 0, false
			}
			args[i] = k
		}
		return ffs.ResultKind(x.Name, args)
	case rules.Binary:
		lk, lok := inferExprKind(x.L, vars, ffs)
		rk, rok := inferExprKind(x.R, vars, ffs)
		if !lok || !rok {
			return 0, false
		}
		return promoteArith(x.Op, lk, rk)
	}
	return 0, false
}

// promoteArith gives the result kind of an arithmetic node. Mixed int and
// float operands promote to float; mod is integer only.
func promoteArith(op rules.ArithOp, l, r value.Kind) (value.Kind, bool) {
	numeric := func(k value.Kind) bool { return k == value.KindInt || k == value.KindFloat }
	if !numeric(l) || !numeric(r) {
		if op == rules.OpAdd && l == value.KindString && r == value.KindString {
			return value.KindString, true
		}
		return 0, false
	}
	if op == rules.OpMod {
		if l == value.KindInt && r == value.KindInt {
			return value.KindInt, true
		}
		return 0, false
	}
	if l == value.KindFloat || r == value.KindFloat {
		return value.KindFloat, true
	}
	return value.KindInt, true
}

// exprVars appends the variable names referenced by an expression.
func exprVars(e rules.Expr, out map[string]bool) {
	switch x := e.(type) {
	case rules.Var:
		if !rules.Wildcard(x.Name) {
			out[x.Name] = true
		}
	case rules.Call:
		for _, a := range x.Args {
			exprVars(a, out)
		}
	case rules.Binary:
		exprVars(x.L, out)
		exprVars(x.R, out)
	}
}

// ruleVarKinds infers variable kinds from a rule body using the relations
// declared so far. Returns the kinds it could determine; inference over all
// rules iterates until this stops growing.
func (c *compiler) ruleVarKinds(r *rules.Rule) map[string]value.Kind {
	vars := make(map[string]value.Kind)
	// Atom positions over declared relations pin their variables directly,
	// so resolve those first and then iterate assigns and aggregates until
	// no new variable kind appears.
	for _, lit := range r.Body {
		if lit.Atom == nil {
			continue
		}
		rel := c.reg.Lookup(lit.Atom.Atom.Relation)
		if rel == nil {
			continue
		}
		for i, a := range lit.Atom.Atom.Args {
			if v, ok := a.(rules.Var); ok && !rules.Wildcard(v.Name) && i < len(rel.Schema) {
				vars[v.Name] = rel.Schema[i]
			}
		}
	}
	for changed := true; changed; {
		changed = false
		for _, lit := range r.Body {
			switch {
			case lit.Assign != nil:
				if _, done := vars[lit.Assign.Var]; done {
					continue
				}
				if k, ok := inferExprKind(lit.Assign.Expr, vars, c.ffs); ok {
					vars[lit.Assign.Var] = k
					changed = true
				}
			case lit.Aggregate != nil:
				if _, done := vars[lit.Aggregate.Var]; done {
					continue
				}
				if k, ok := c.aggregateKind(lit.Aggregate, vars); ok {
					vars[lit.Aggregate.Var] = k
					changed = true
				}
			case lit.Constraint != nil && lit.Constraint.Op == rules.CmpEq:
				// An equality can pin a variable from its other side.
				if v, ok := lit.Constraint.L.(rules.Var); ok {
					if _, done := vars[v.Name]; !done {
						if k, kok := inferExprKind(lit.Constraint.R, vars, c.ffs); kok {
							vars[v.Name] = k
							changed = true
						}
					}
				}
				if v, ok := lit.Constraint.R.(rules.Var); ok {
					if _, done := vars[v.Name]; !done {
						if k, kok := inferExprKind(lit.Constraint.L, vars, c.ffs); kok {
							vars[v.Name] = k
							changed = true
						}
					}
				}
			}
		}
	}
	return vars
}

// aggregateKind resolves the kind an aggregate binds: count yields int, the
// others yield the kind of the last group variable inside the subgoal.
func (c *compiler) aggregateKind(agg *rules.Aggregate, outer map[string]value.Kind) (value.Kind, bool) {
	if agg.Op == rules.AggCount {
		return value.KindInt, true
	}
	if len(agg.GroupVars) == 0 {
		return 0, false
	}
	target := agg.GroupVars[len(agg.GroupVars)-1]
	for _, a := range agg.Body {
		rel := c.reg.Lookup(a.Atom.Relation)
		if rel == nil {
			continue
		}
		for i, arg := range a.Atom.Args {
			if v, ok := arg.(rules.Var); ok && v.Name == target && i < len(rel.Schema) {
				return rel.Schema[i], true
			}
		}
	}
	if k, ok := outer[target]; ok {
		return k, true
	}
	return 0, false
}

// checkRuleTypes validates that every atom argument matches its relation
// schema and that constraints compare compatible kinds.
func (c *compiler) checkRuleTypes(idx int, r *rules.Rule) error {
	vars := c.ruleVarKinds(r)

	checkAtom := func(a rules.Atom) error {
		rel := c.reg.Lookup(a.Relation)
		if rel == nil {
			return c.errf(r, "unknown relation %q", a.Relation)
		}
		if len(a.Args) != rel.Arity() {
			return c.errf(r, "%s has arity %d, got %d arguments", a.Relation, rel.Arity(), len(a.Args))
		}
		for i, arg := range a.Args {
			if v, ok := arg.(rules.Var); ok && rules.Wildcard(v.Name) {
				continue
			}
			k, ok := inferExprKind(arg, vars, c.ffs)
			if !ok {
				return c.errf(r, "cannot determine the type of %s in %s", arg, a.Relation)
			}
			if k != rel.Schema[i] {
				return c.errf(r, "%s argument %d: expected %s, got %s", a.Relation, i, rel.Schema[i], k)
			}
		}
		return nil
	}

	if err := checkAtom(r.Head); err != nil {
		return err
	}
	for _, lit := range r.Body {
		switch {
		case lit.Atom != nil:
			if err := checkAtom(lit.Atom.Atom); err != nil {
				return err
			}
		case lit.Constraint != nil:
			lk, lok := inferExprKind(lit.Constraint.L, vars, c.ffs)
			rk, rok := inferExprKind(lit.Constraint.R, vars, c.ffs)
			if !lok || !rok {
				return c.errf(r, "cannot determine the types in constraint %s", lit)
			}
			if !comparableKinds(lit.Constraint.Op, lk, rk) {
				return c.errf(r, "constraint %s compares %s with %s", lit, lk, rk)
			}
		case lit.Assign != nil:
			if _, ok := inferExprKind(lit.Assign.Expr, vars, c.ffs); !ok {
				return c.errf(r, "cannot determine the type of %s", lit)
			}
		case lit.Aggregate != nil:
			for _, a := range lit.Aggregate.Body {
				if err := checkAtom(a.Atom); err != nil {
					return err
				}
			}
			if _, ok := c.aggregateKind(lit.Aggregate, vars); !ok {
				return c.errf(r, "cannot determine the type of aggregate %s", lit)
			}
		}
	}
	return nil
}

// comparableKinds reports whether two kinds can meet under a comparison.
// Numeric kinds mix freely; everything else must match exactly, and ordering
// operators need ordered kinds.
func comparableKinds(op rules.CmpOp, l, r value.Kind) bool {
	numeric := func(k value.Kind) bool { return k == value.KindInt || k == value.KindFloat }
	if numeric(l) && numeric(r) {
		return true
	}
	if l != r {
		return false
	}
	if op == rules.CmpEq || op == rules.CmpNe {
		return true
	}
	return l == value.KindString
}

func (c *compiler) errf(r *rules.Rule, format string, args ...any) error {
	return &Error{Rule: r.Head.Relation, Msg: fmt.Sprintf(format, args...)}
}
