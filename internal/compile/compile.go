// Package compile turns parsed rules into an executable plan: it resolves
// and infers relation schemas, normalizes expressions out of atom arguments,
// expands demand annotations into hidden demand relations, checks types and
// variable boundedness, and stratifies the rules so the executor can run
// each stratum to fixpoint in order.
package compile

import (
	"fmt"
	"sort"
	"strings"

	"provlog/internal/ff"
	"provlog/internal/relation"
	"provlog/internal/rules"
	"provlog/internal/value"
)

// Error is a compilation failure tied to a rule head.
type Error struct {
	Rule string
	Msg  string
}

func (e *Error) Error() string {
	if e.Rule == "" {
		return "compile: " + e.Msg
	}
	return fmt.Sprintf("compile %s: %s", e.Rule, e.Msg)
}

// Stage identifies where in the pipeline the error arose.
func (e *Error) Stage() string { return "compile" }

// demandPrefix names the hidden relations that seed demand-restricted rules.
const demandPrefix = "demand$"

// DemandRelation is the hidden relation holding demand seeds for rel.
func DemandRelation(rel string) string { return demandPrefix + rel }

// Stratum is one evaluation unit: a set of mutually recursive rules and the
// relations they compute. Strata are ordered so that a stratum only reads
// relations computed by earlier strata or by itself.
type Stratum struct {
	Relations []string
	Rules     []int
	Recursive bool
}

// Plan is an immutable compiled program.
type Plan struct {
	rules   []rules.Rule
	strata  []Stratum
	queries []string
	reg     *relation.Registry
	ffs     *ff.Table
}

// Rules returns the normalized rules. Stratum rule indices point into this
// slice.
func (p *Plan) Rules() []rules.Rule { return p.rules }

// Strata returns the evaluation order.
func (p *Plan) Strata() []Stratum { return p.strata }

// Queries returns the declared query targets.
func (p *Plan) Queries() []string { return p.queries }

// Registry returns the frozen relation registry the plan was compiled
// against.
func (p *Plan) Registry() *relation.Registry { return p.reg }

// Funcs returns the foreign function table bound at compile time.
func (p *Plan) Funcs() *ff.Table { return p.ffs }

// Dump renders the plan for inspection.
func (p *Plan) Dump() string {
	var b strings.Builder
	for i, s := range p.strata {
		fmt.Fprintf(&b, "stratum %d", i)
		if s.Recursive {
			b.WriteString(" (recursive)")
		}
		fmt.Fprintf(&b, ": %s\n", strings.Join(s.Relations, ", "))
		for _, ri := range s.Rules {
			fmt.Fprintf(&b, "  %s\n", p.rules[ri])
		}
	}
	if len(p.queries) > 0 {
		fmt.Fprintf(&b, "queries: %s\n", strings.Join(p.queries, ", "))
	}
	return b.String()
}

type compiler struct {
	reg   *relation.Registry
	ffs   *ff.Table
	rules []rules.Rule

	// demandPattern maps a relation name to the demand pattern shared by
	// all of its rules, for the ones that carry one.
	demandPattern map[string]string
}

// Compile validates and normalizes the rules against the registry and
// returns an executable plan. Head relations that are not declared are
// inferred from rule bodies. The registry is mutated (inferred and hidden
// relations are declared, head relations marked computed) and frozen on
// success; callers wanting rollback on failure should pass a clone.
func Compile(reg *relation.Registry, ffs *ff.Table, rs []rules.Rule, queries []string) (*Plan, error) {
	c := &compiler{
		reg:           reg,
		ffs:           ffs,
		rules:         make([]rules.Rule, 0, len(rs)),
		demandPattern: make(map[string]string),
	}
	for _, r := range rs {
		c.rules = append(c.rules, r.Clone())
	}

	for i := range c.rules {
		if err := c.normalize(&c.rules[i]); err != nil {
			return nil, err
		}
	}
	if err := c.declareHeads(); err != nil {
		return nil, err
	}
	if err := c.expandDemand(); err != nil {
		return nil, err
	}
	for i := range c.rules {
		if err := c.checkRuleTypes(i, &c.rules[i]); err != nil {
			return nil, err
		}
	}
	for i := range c.rules {
		if err := c.checkBoundedness(&c.rules[i]); err != nil {
			return nil, err
		}
	}
	strata, err := c.stratify()
	if err != nil {
		return nil, err
	}
	for _, q := range queries {
		if !c.reg.Exists(q) {
			return nil, &Error{Msg: fmt.Sprintf("query %q names an undeclared relation", q)}
		}
	}

	reg.Freeze()
	return &Plan{
		rules:   c.rules,
		strata:  strata,
		queries: append([]string(nil), queries...),
		reg:     reg,
		ffs:     ffs,
	}, nil
}

// normalize moves calls and arithmetic out of atom arguments. Body atom
// expressions become assignments placed before the atom; head expressions
// become assignments appended after the body. After this pass every atom
// argument is a Var or a Const.
func (c *compiler) normalize(r *rules.Rule) error {
	fresh := 0
	freshVar := func() string {
		fresh++
		return fmt.Sprintf("#t%d", fresh)
	}

	var body []rules.Literal
	for _, lit := range r.Body {
		if lit.Atom == nil {
			body = append(body, lit)
			continue
		}
		atom := lit.Atom.Atom
		for i, a := range atom.Args {
			switch a.(type) {
			case rules.Var, rules.Const:
			default:
				v := freshVar()
				body = append(body, rules.Literal{Assign: &rules.Assign{Var: v, Expr: a}})
				atom.Args[i] = rules.Var{Name: v}
			}
		}
		al := *lit.Atom
		al.Atom = atom
		body = append(body, rules.Literal{Atom: &al})
	}

	var tail []rules.Literal
	for i, a := range r.Head.Args {
		switch a.(type) {
		case rules.Var, rules.Const:
		default:
			v := freshVar()
			tail = append(tail, rules.Literal{Assign: &rules.Assign{Var: v, Expr: a}})
			r.Head.Args[i] = rules.Var{Name: v}
		}
	}
	r.Body = append(body, tail...)

	if len(r.Body) == 0 {
		return c.errf(r, "rule has an empty body")
	}
	return nil
}

// declareHeads infers schemas for undeclared head relations. Rules are
// retried in passes because one head's schema can depend on another rule's
// head being declared first.
func (c *compiler) declareHeads() error {
	for {
		progress := false
		var blocked *rules.Rule
		for i := range c.rules {
			r := &c.rules[i]
			if c.reg.Exists(r.Head.Relation) {
				continue
			}
			vars := c.ruleVarKinds(r)
			schema := make([]value.Kind, len(r.Head.Args))
			ok := true
			for j, a := range r.Head.Args {
				k, known := inferExprKind(a, vars, c.ffs)
				if !known {
					ok = false
					break
				}
				schema[j] = k
			}
			if !ok {
				blocked = r
				continue
			}
			if _, err := c.reg.Declare(r.Head.Relation, schema); err != nil {
				return err
			}
			progress = true
		}
		if blocked == nil {
			break
		}
		if !progress {
			return c.errf(blocked, "cannot infer a schema for %s; declare it with a type statement", blocked.Head.Relation)
		}
	}

	for i := range c.rules {
		rel := c.reg.Lookup(c.rules[i].Head.Relation)
		if rel != nil {
			rel.Computed = true
		}
	}
	return nil
}

// expandDemand validates demand annotations, declares the hidden demand
// relations, guards each annotated rule with a demand atom, and generates
// the propagation rules that push demand through recursive calls.
func (c *compiler) expandDemand() error {
	for i := range c.rules {
		r := &c.rules[i]
		if r.Demand == "" {
			continue
		}
		if len(r.Demand) != len(r.Head.Args) {
			return c.errf(r, "demand pattern %q has %d positions, head has %d", r.Demand, len(r.Demand), len(r.Head.Args))
		}
		if !strings.ContainsRune(r.Demand, 'b') {
			return c.errf(r, "demand pattern %q binds nothing", r.Demand)
		}
		for _, ch := range r.Demand {
			if ch != 'b' && ch != 'f' {
				return c.errf(r, "demand pattern %q: positions must be 'b' or 'f'", r.Demand)
			}
		}
		if prev, ok := c.demandPattern[r.Head.Relation]; ok && prev != r.Demand {
			return c.errf(r, "conflicting demand patterns %q and %q for %s", prev, r.Demand, r.Head.Relation)
		}
		c.demandPattern[r.Head.Relation] = r.Demand
	}
	if len(c.demandPattern) == 0 {
		return nil
	}

	for rel, pattern := range c.demandPattern {
		head := c.reg.Lookup(rel)
		var schema []value.Kind
		for i, ch := range pattern {
			if ch == 'b' {
				schema = append(schema, head.Schema[i])
			}
		}
		if _, err := c.reg.Declare(DemandRelation(rel), schema, relation.WithHidden()); err != nil {
			return err
		}
	}

	var magic []rules.Rule
	for i := range c.rules {
		r := &c.rules[i]
		pattern, demanded := c.demandPattern[r.Head.Relation]
		if demanded {
			guard, err := c.demandAtom(r, r.Head, pattern)
			if err != nil {
				return err
			}
			r.Body = append([]rules.Literal{{Atom: &rules.AtomLit{Atom: guard}}}, r.Body...)
		}

		// A body atom over a demanded relation needs its own demand
		// seeded from everything established before it in the body.
		for j, lit := range r.Body {
			if lit.Atom == nil || lit.Atom.Negated {
				continue
			}
			calleePattern, ok := c.demandPattern[lit.Atom.Atom.Relation]
			if !ok {
				continue
			}
			goal, err := c.demandAtom(r, lit.Atom.Atom, calleePattern)
			if err != nil {
				return err
			}
			prefix := make([]rules.Literal, j)
			for k := 0; k < j; k++ {
				prefix[k] = c.rules[i].Body[k]
			}
			magic = append(magic, rules.Rule{Head: goal, Body: prefix})
		}
	}
	for _, m := range magic {
		m2 := m.Clone()
		if len(m2.Body) == 0 {
			return &Error{Rule: m2.Head.Relation, Msg: "demand propagation needs a bound context"}
		}
		c.rules = append(c.rules, m2)
	}
	for _, rel := range sortedKeys(c.demandPattern) {
		if d := c.reg.Lookup(DemandRelation(rel)); d != nil {
			d.Computed = true
		}
	}
	return nil
}

// demandAtom builds the demand relation reference for an atom under a
// pattern: its arguments are the atom's arguments at the bound positions.
func (c *compiler) demandAtom(r *rules.Rule, a rules.Atom, pattern string) (rules.Atom, error) {
	goal := rules.Atom{Relation: DemandRelation(a.Relation)}
	for i, ch := range pattern {
		if ch != 'b' {
			continue
		}
		arg := a.Args[i]
		if v, ok := arg.(rules.Var); ok && rules.Wildcard(v.Name) {
			return rules.Atom{}, c.errf(r, "demand-bound position %d of %s cannot be a wildcard", i, a.Relation)
		}
		goal.Args = append(goal.Args, arg)
	}
	return goal, nil
}

// checkBoundedness walks the body left to right verifying every expression
// only reads bound variables. Positive atoms bind their variables; an
// equality whose one side is a single unbound variable is promoted to an
// assignment.
func (c *compiler) checkBoundedness(r *rules.Rule) error {
	bound := make(map[string]bool)

	exprBound := func(e rules.Expr) bool {
		vs := make(map[string]bool)
		exprVars(e, vs)
		for v := range vs {
			if !bound[v] {
				return false
			}
		}
		return true
	}

	for i, lit := range r.Body {
		switch {
		case lit.Atom != nil:
			if lit.Atom.Negated {
				// Unbound variables in a negated atom are treated
				// as wildcards: the check is for the absence of
				// any matching tuple.
				continue
			}
			for _, a := range lit.Atom.Atom.Args {
				if v, ok := a.(rules.Var); ok && !rules.Wildcard(v.Name) {
					bound[v.Name] = true
				}
			}
		case lit.Constraint != nil:
			con := lit.Constraint
			if con.Op == rules.CmpEq {
				if v, ok := con.L.(rules.Var); ok && !bound[v.Name] && !rules.Wildcard(v.Name) && exprBound(con.R) {
					r.Body[i] = rules.Literal{Assign: &rules.Assign{Var: v.Name, Expr: con.R}}
					bound[v.Name] = true
					continue
				}
				if v, ok := con.R.(rules.Var); ok && !bound[v.Name] && !rules.Wildcard(v.Name) && exprBound(con.L) {
					r.Body[i] = rules.Literal{Assign: &rules.Assign{Var: v.Name, Expr: con.L}}
					bound[v.Name] = true
					continue
				}
			}
			if !exprBound(con.L) || !exprBound(con.R) {
				return c.errf(r, "constraint %s uses an unbound variable", lit)
			}
		case lit.Assign != nil:
			if !exprBound(lit.Assign.Expr) {
				return c.errf(r, "assignment %s uses an unbound variable", lit)
			}
			bound[lit.Assign.Var] = true
		case lit.Aggregate != nil:
			inner := make(map[string]bool)
			for _, a := range lit.Aggregate.Body {
				for _, arg := range a.Atom.Args {
					if v, ok := arg.(rules.Var); ok && !rules.Wildcard(v.Name) {
						inner[v.Name] = true
					}
				}
			}
			for _, g := range lit.Aggregate.GroupVars {
				if !inner[g] {
					return c.errf(r, "aggregate variable %s does not appear in its subgoal", g)
				}
			}
			bound[lit.Aggregate.Var] = true
		}
	}

	for _, a := range r.Head.Args {
		if v, ok := a.(rules.Var); ok {
			if rules.Wildcard(v.Name) {
				return c.errf(r, "head arguments cannot be wildcards")
			}
			if !bound[v.Name] {
				return c.errf(r, "head variable %s is not bound by the body", v.Name)
			}
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
