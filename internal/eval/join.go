package eval

import (
	"provlog/internal/provenance"
	"provlog/internal/rules"
	"provlog/internal/value"
)

// bindings is the variable environment of one derivation in progress.
type bindings map[string]value.Value

// applyRule enumerates the derivations of one rule and appends them to buf.
// variant selects the semi-naive delta position: body literal index variant
// must match a fact changed in the previous round, literals after it only
// settled facts, literals before it anything. naiveVariant lifts all round
// restrictions.
//
// A derivation that fails a foreign call or arithmetic step is dropped on
// its own; evaluation continues with the remaining candidates.
func (ex *executor) applyRule(r *rules.Rule, ri, variant, round int, inStratum map[string]bool, buf *[]derivation) error {
	env := make(bindings)
	start := ex.strategy.One()
	if ex.ruleTags[ri] != nil {
		start = ex.ruleTags[ri]
	}

	var walk func(i int, tag provenance.Tag) error
	walk = func(i int, tag provenance.Tag) error {
		if i == len(r.Body) {
			return ex.emitHead(r, env, tag, buf)
		}
		lit := r.Body[i]
		switch {
		case lit.Atom != nil && !lit.Atom.Negated:
			return ex.walkAtom(r, lit.Atom.Atom, i, variant, round, inStratum, env, tag, walk)
		case lit.Atom != nil:
			if ex.matchesAny(lit.Atom.Atom, env) {
				return nil
			}
			return walk(i+1, tag)
		case lit.Constraint != nil:
			ok, err := evalConstraint(lit.Constraint, env, ex.plan.Funcs())
			if err != nil {
				ex.log.Debug("rule %s: constraint dropped a derivation: %v", r.Head.Relation, err)
				return nil
			}
			if !ok {
				return nil
			}
			return walk(i+1, tag)
		case lit.Assign != nil:
			v, err := evalExpr(lit.Assign.Expr, env, ex.plan.Funcs())
			if err != nil {
				ex.log.Debug("rule %s: assignment dropped a derivation: %v", r.Head.Relation, err)
				return nil
			}
			if prev, bound := env[lit.Assign.Var]; bound {
				if !prev.Equal(v) {
					return nil
				}
				return walk(i+1, tag)
			}
			env[lit.Assign.Var] = v
			err = walk(i+1, tag)
			delete(env, lit.Assign.Var)
			return err
		case lit.Aggregate != nil:
			v, ok := ex.evalAggregate(lit.Aggregate, env)
			if !ok {
				return nil
			}
			env[lit.Aggregate.Var] = v
			err := walk(i+1, tag)
			delete(env, lit.Aggregate.Var)
			return err
		}
		return errf("rule %s: empty body literal", r.Head.Relation)
	}
	return walk(0, start)
}

// walkAtom joins one positive atom under the round restrictions and recurses.
func (ex *executor) walkAtom(r *rules.Rule, a rules.Atom, i, variant, round int, inStratum map[string]bool, env bindings, tag provenance.Tag, walk func(int, provenance.Tag) error) error {
	restricted := variant != naiveVariant && inStratum[a.Relation]
	for _, f := range ex.store.facts(a.Relation) {
		if restricted {
			if i == variant && f.round != round-1 {
				continue
			}
			if i > variant && f.round > round-2 {
				continue
			}
		}
		unbind, ok := matchTuple(a, f.tuple, env)
		if !ok {
			continue
		}
		next := ex.strategy.Extend(tag, f.tag)
		if ex.opts.EarlyDiscard && ex.strategy.IsZero(next) {
			unbind()
			continue
		}
		if err := walk(i+1, next); err != nil {
			unbind()
			return err
		}
		unbind()
	}
	return nil
}

// matchTuple unifies an atom's arguments against a tuple. On success it
// returns a function undoing the variables it bound.
func matchTuple(a rules.Atom, t value.Tuple, env bindings) (func(), bool) {
	var added []string
	undo := func() {
		for _, name := range added {
			delete(env, name)
		}
	}
	for i, arg := range a.Args {
		switch x := arg.(type) {
		case rules.Const:
			if !x.Val.Equal(t[i]) {
				undo()
				return nil, false
			}
		case rules.Var:
			if rules.Wildcard(x.Name) {
				continue
			}
			if v, bound := env[x.Name]; bound {
				if !v.Equal(t[i]) {
					undo()
					return nil, false
				}
				continue
			}
			env[x.Name] = t[i]
			added = append(added, x.Name)
		default:
			undo()
			return nil, false
		}
	}
	return undo, true
}

// matchesAny reports whether any stored tuple matches the atom under the
// current bindings. Unbound variables match anything; this is the negation
// check.
func (ex *executor) matchesAny(a rules.Atom, env bindings) bool {
	for _, f := range ex.store.facts(a.Relation) {
		match := true
		for i, arg := range a.Args {
			switch x := arg.(type) {
			case rules.Const:
				if !x.Val.Equal(f.tuple[i]) {
					match = false
				}
			case rules.Var:
				if rules.Wildcard(x.Name) {
					continue
				}
				if v, bound := env[x.Name]; bound && !v.Equal(f.tuple[i]) {
					match = false
				}
			}
			if !match {
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// emitHead materializes the head tuple under the final bindings.
func (ex *executor) emitHead(r *rules.Rule, env bindings, tag provenance.Tag, buf *[]derivation) error {
	tuple := make(value.Tuple, len(r.Head.Args))
	for i, arg := range r.Head.Args {
		switch x := arg.(type) {
		case rules.Const:
			tuple[i] = x.Val
		case rules.Var:
			v, bound := env[x.Name]
			if !bound {
				return errf("rule %s: head variable %s unbound at emit", r.Head.Relation, x.Name)
			}
			tuple[i] = v
		default:
			return errf("rule %s: unnormalized head argument", r.Head.Relation)
		}
	}
	rel := ex.plan.Registry().Lookup(r.Head.Relation)
	if rel == nil {
		return errf("rule head %s is not declared", r.Head.Relation)
	}
	if err := rel.CheckTuple(tuple); err != nil {
		return errf("rule %s: %v", r.Head.Relation, err)
	}
	*buf = append(*buf, derivation{rel: r.Head.Relation, tuple: tuple, tag: tag})
	return nil
}

// evalAggregate computes an aggregate under the outer bindings. Variables
// shared with the outer scope act as parameters; the rest range over the
// subgoal. The result carries no provenance of its own: aggregates sit on
// stratum boundaries where the aggregated relation is complete.
func (ex *executor) evalAggregate(agg *rules.Aggregate, outer bindings) (value.Value, bool) {
	env := make(bindings, len(outer))
	for k, v := range outer {
		env[k] = v
	}

	seen := make(map[string]bool)
	var groups []value.Tuple

	var enumerate func(i int)
	enumerate = func(i int) {
		if i == len(agg.Body) {
			g := make(value.Tuple, len(agg.GroupVars))
			for j, name := range agg.GroupVars {
				v, bound := env[name]
				if !bound {
					return
				}
				g[j] = v
			}
			key := g.Key()
			if !seen[key] {
				seen[key] = true
				groups = append(groups, g)
			}
			return
		}
		lit := agg.Body[i]
		if lit.Negated {
			if !ex.matchesAny(lit.Atom, env) {
				enumerate(i + 1)
			}
			return
		}
		for _, f := range ex.store.facts(lit.Atom.Relation) {
			unbind, ok := matchTuple(lit.Atom, f.tuple, env)
			if !ok {
				continue
			}
			enumerate(i + 1)
			unbind()
		}
	}
	enumerate(0)

	if agg.Op == rules.AggCount {
		return value.Int(int64(len(groups))), true
	}
	if len(groups) == 0 {
		// sum, min and max over nothing bind nothing; the derivation
		// is dropped.
		return value.Value{}, false
	}

	last := len(agg.GroupVars) - 1
	switch agg.Op {
	case rules.AggSum:
		if groups[0][last].Kind == value.KindFloat {
			var sum float64
			for _, g := range groups {
				sum += g[last].Float
			}
			return value.Float(sum), true
		}
		var sum int64
		for _, g := range groups {
			sum += g[last].Int
		}
		return value.Int(sum), true
	case rules.AggMin, rules.AggMax:
		best := groups[0][last]
		for _, g := range groups[1:] {
			c := g[last].Compare(best)
			if (agg.Op == rules.AggMin && c < 0) || (agg.Op == rules.AggMax && c > 0) {
				best = g[last]
			}
		}
		return best, true
	}
	return value.Value{}, false
}
