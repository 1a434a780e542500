package compile

import (
	"fmt"
	"sort"
)

// depEdge is one dependency of a head relation on a body relation.
type depEdge struct {
	to string
	// nonMonotone is set for negation and aggregation, which cannot sit
	// inside a recursive cycle.
	nonMonotone bool
}

// stratify groups the rules into strata: strongly connected components of
// the relation dependency graph, ordered so dependencies come first. A
// non-monotone edge inside a component is a compile error.
func (c *compiler) stratify() ([]Stratum, error) {
	deps := make(map[string][]depEdge)
	firstRule := make(map[string]int)
	heads := make([]string, 0)
	for i := range c.rules {
		r := &c.rules[i]
		h := r.Head.Relation
		if _, seen := firstRule[h]; !seen {
			firstRule[h] = i
			heads = append(heads, h)
		}
		for _, lit := range r.Body {
			switch {
			case lit.Atom != nil:
				deps[h] = append(deps[h], depEdge{to: lit.Atom.Atom.Relation, nonMonotone: lit.Atom.Negated})
			case lit.Aggregate != nil:
				for _, a := range lit.Aggregate.Body {
					deps[h] = append(deps[h], depEdge{to: a.Atom.Relation, nonMonotone: true})
				}
			}
		}
	}

	headSet := make(map[string]bool, len(heads))
	for _, h := range heads {
		headSet[h] = true
	}
	t := &tarjan{
		deps:    deps,
		heads:   headSet,
		index:   make(map[string]int),
		lowlink: make(map[string]int),
		onStack: make(map[string]bool),
		compOf:  make(map[string]int),
	}
	for _, h := range heads {
		if _, visited := t.index[h]; !visited {
			t.visit(h)
		}
	}

	// Reject non-monotone edges within a component, including self loops.
	for _, h := range heads {
		for _, e := range deps[h] {
			if !e.nonMonotone {
				continue
			}
			if to, computed := t.compOf[e.to]; computed && to == t.compOf[h] {
				return nil, &Error{Rule: h, Msg: fmt.Sprintf("negation or aggregation over %s inside a recursive cycle", e.to)}
			}
		}
	}

	// Tarjan emits components in reverse topological order, so dependencies
	// already come before their dependents. Order the rules of each
	// component by declaration index.
	strata := make([]Stratum, len(t.comps))
	for ci, comp := range t.comps {
		s := Stratum{Relations: comp}
		sort.Slice(s.Relations, func(a, b int) bool {
			return firstRule[s.Relations[a]] < firstRule[s.Relations[b]]
		})
		inComp := make(map[string]bool, len(comp))
		for _, rel := range comp {
			inComp[rel] = true
		}
		for i := range c.rules {
			if inComp[c.rules[i].Head.Relation] {
				s.Rules = append(s.Rules, i)
			}
		}
		s.Recursive = len(comp) > 1 || c.selfDependent(comp[0], t)
		strata[ci] = s
	}
	return strata, nil
}

// selfDependent reports whether a single-relation component references
// itself.
func (c *compiler) selfDependent(rel string, t *tarjan) bool {
	for _, e := range t.deps[rel] {
		if e.to == rel {
			return true
		}
	}
	return false
}

// tarjan computes strongly connected components over the computed relations.
// Base relations are not nodes; edges to them are ignored.
type tarjan struct {
	deps    map[string][]depEdge
	heads   map[string]bool
	counter int
	index   map[string]int
	lowlink map[string]int
	stack   []string
	onStack map[string]bool
	compOf  map[string]int
	comps   [][]string
}

func (t *tarjan) visit(v string) {
	t.index[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, e := range t.deps[v] {
		w := e.to
		if !t.heads[w] {
			// Base relation, not a graph node.
			continue
		}
		if _, visited := t.index[w]; !visited {
			t.visit(w)
			if t.lowlink[w] < t.lowlink[v] {
				t.lowlink[v] = t.lowlink[w]
			}
		} else if t.onStack[w] {
			if t.index[w] < t.lowlink[v] {
				t.lowlink[v] = t.index[w]
			}
		}
	}

	if t.lowlink[v] == t.index[v] {
		var comp []string
		for {
			n := len(t.stack) - 1
			w := t.stack[n]
			t.stack = t.stack[:n]
			t.onStack[w] = false
			t.compOf[w] = len(t.comps)
			comp = append(comp, w)
			if w == v {
				break
			}
		}
		t.comps = append(t.comps, comp)
	}
}
