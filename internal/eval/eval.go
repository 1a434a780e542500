// Package eval runs a compiled plan to fixpoint. Evaluation is stratum by
// stratum: within a recursive stratum it is semi-naive, re-deriving only
// from facts whose tag changed in the previous round. Tags converge under
// the strategy's equality; strategies without a natural fixpoint are bounded
// by the iteration limit.
package eval

import (
	"context"
	"fmt"

	"provlog/internal/compile"
	"provlog/internal/logging"
	"provlog/internal/provenance"
	"provlog/internal/value"
)

// Error is an evaluation failure.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return "eval: " + e.Msg }

// Stage identifies where in the pipeline the error arose.
func (e *Error) Stage() string { return "eval" }

func errf(format string, args ...any) error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

// Options tunes a single run.
type Options struct {
	// IterationLimit caps fixpoint rounds per stratum. Zero means no cap.
	IterationLimit int
	// EarlyDiscard prunes partial derivations as soon as their tag hits
	// the strategy's zero. Absorbed derivations are dropped at commit
	// either way; this only changes how much work is spent finding them.
	EarlyDiscard bool
	// RunTag correlates log output of one run.
	RunTag string
}

// Result reports how a run ended. A run that hits its iteration limit or is
// canceled keeps the facts computed so far and reports Converged false.
type Result struct {
	Converged bool
	Rounds    int
}

// derivation is one rule firing buffered within a round.
type derivation struct {
	rel   string
	tuple value.Tuple
	tag   provenance.Tag
}

type executor struct {
	plan     *compile.Plan
	store    *Store
	strategy provenance.Strategy
	opts     Options
	log      *logging.Logger

	// ruleTags holds the input tag of each weighted rule, created once per
	// run so every firing of the rule shares one tag.
	ruleTags []provenance.Tag
}

// Run evaluates the plan against the store. The store's facts are the base
// state; computed relations accumulate derived facts. Cancellation is
// observed between rounds: the store keeps its last completed round and the
// result reports Converged false, the same treatment as the iteration limit.
func Run(ctx context.Context, plan *compile.Plan, store *Store, opts Options) (Result, error) {
	log := logging.Get(logging.CategoryEval)
	if opts.RunTag != "" {
		log = log.With("run", opts.RunTag)
	}
	ex := &executor{
		plan:     plan,
		store:    store,
		strategy: store.Strategy(),
		opts:     opts,
		log:      log,
	}

	ex.ruleTags = make([]provenance.Tag, len(plan.Rules()))
	for i := range plan.Rules() {
		r := &plan.Rules()[i]
		if r.TagWeight == nil {
			continue
		}
		tag, err := ex.strategy.TagInput(r.TagWeight)
		if err != nil {
			return Result{}, errf("rule %s: %v", r.Head.Relation, err)
		}
		ex.ruleTags[i] = tag
	}

	res := Result{Converged: true}
	for si, stratum := range plan.Strata() {
		converged, rounds, err := ex.runStratum(ctx, si, stratum)
		res.Rounds += rounds
		if err != nil {
			res.Converged = false
			return res, err
		}
		if !converged {
			res.Converged = false
		}
	}
	return res, nil
}

// runStratum iterates one stratum to fixpoint. Round 1 is naive over the
// current state; later rounds only evaluate delta variants.
func (ex *executor) runStratum(ctx context.Context, si int, s compile.Stratum) (bool, int, error) {
	inStratum := make(map[string]bool, len(s.Relations))
	for _, rel := range s.Relations {
		inStratum[rel] = true
	}
	ex.store.resetRounds(s.Relations)

	round := 0
	for {
		if ctx.Err() != nil {
			ex.log.Warn("stratum %d stopped by canceled context after %d rounds", si, round)
			return false, round, nil
		}
		round++

		var buf []derivation
		for _, ri := range s.Rules {
			r := &ex.plan.Rules()[ri]
			if round == 1 {
				if err := ex.applyRule(r, ri, naiveVariant, round, inStratum, &buf); err != nil {
					return false, round, err
				}
				continue
			}
			for j, lit := range r.Body {
				if lit.Atom == nil || lit.Atom.Negated || !inStratum[lit.Atom.Atom.Relation] {
					continue
				}
				if err := ex.applyRule(r, ri, j, round, inStratum, &buf); err != nil {
					return false, round, err
				}
			}
		}

		changed := false
		for _, d := range buf {
			if ex.store.Add(d.rel, d.tuple, d.tag, round) {
				changed = true
			}
		}
		ex.log.Debug("stratum %d round %d: %d derivations, changed=%v", si, round, len(buf), changed)

		if !changed {
			return true, round, nil
		}
		if !s.Recursive {
			return true, round, nil
		}
		if ex.opts.IterationLimit > 0 && round >= ex.opts.IterationLimit {
			ex.log.Warn("stratum %d stopped at iteration limit %d", si, ex.opts.IterationLimit)
			return false, round, nil
		}
	}
}

// naiveVariant evaluates a rule without delta restrictions.
const naiveVariant = -1
