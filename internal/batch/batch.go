// Package batch evaluates one compiled plan against many alternative fact
// worlds concurrently. Each world gets its own store and its own strategy
// clone, so tag state never leaks between worlds and results only depend on
// each world's own facts.
package batch

import (
	"context"

	"golang.org/x/sync/errgroup"

	"provlog/internal/compile"
	"provlog/internal/eval"
	"provlog/internal/logging"
	"provlog/internal/provenance"
	"provlog/internal/value"
)

// Fact is one input fact for seeding a world.
type Fact struct {
	Relation string
	Tuple    value.Tuple
	Weight   *float64
	// ExternalID, when non-negative, links the fact's proofs to an
	// outside identifier on strategies that support it.
	ExternalID int
}

// World is one alternative input. Relations named by its facts replace the
// shared base facts of those relations entirely; all other relations keep
// their shared base facts.
type World struct {
	Name  string
	Facts []Fact
}

// Result is the outcome of one world, in input order.
type Result struct {
	World string
	Run   eval.Result
	Store *eval.Store
	Err   error
}

// Options configures a batch run.
type Options struct {
	Eval eval.Options
	// Workers caps concurrent worlds. Zero or negative means no cap.
	Workers int
}

// Run evaluates each world and returns per-world results in input order. A
// failing world does not stop the others; its Result carries the error.
// Cancellation stops scheduling new worlds.
func Run(ctx context.Context, plan *compile.Plan, strategy provenance.Strategy, base []Fact, worlds []World, opts Options) []Result {
	log := logging.Get(logging.CategoryBatch)
	results := make([]Result, len(worlds))

	g, ctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}

	for i, w := range worlds {
		i, w := i, w
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = Result{World: w.Name, Err: err}
				return nil
			}
			results[i] = runWorld(ctx, plan, strategy, base, w, opts.Eval)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	log.Info("batch finished: %d worlds, %d failed", len(worlds), failed)
	return results
}

// runWorld seeds an isolated store and evaluates it.
func runWorld(ctx context.Context, plan *compile.Plan, strategy provenance.Strategy, base []Fact, w World, opts eval.Options) Result {
	st := strategy.Clone()
	store := eval.NewStore(st)

	replaced := make(map[string]bool)
	for _, f := range w.Facts {
		replaced[f.Relation] = true
	}
	for _, f := range base {
		if replaced[f.Relation] {
			continue
		}
		if err := seed(store, st, f); err != nil {
			return Result{World: w.Name, Err: err}
		}
	}
	for _, f := range w.Facts {
		if err := seed(store, st, f); err != nil {
			return Result{World: w.Name, Err: err}
		}
	}

	if opts.RunTag != "" {
		opts.RunTag = opts.RunTag + "/" + w.Name
	}
	res, err := eval.Run(ctx, plan, store, opts)
	return Result{World: w.Name, Run: res, Store: store, Err: err}
}

func seed(store *eval.Store, st provenance.Strategy, f Fact) error {
	var tag provenance.Tag
	var err error
	if linker, ok := st.(provenance.InputLinker); ok && f.ExternalID >= 0 {
		tag, err = linker.TagInputLinked(f.Weight, f.ExternalID)
	} else {
		tag, err = st.TagInput(f.Weight)
	}
	if err != nil {
		return err
	}
	store.Add(f.Relation, f.Tuple, tag, 0)
	return nil
}
