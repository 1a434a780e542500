// Package provlog is the public face of the provenance Datalog engine. A
// Context owns relation declarations, base facts, rules and a provenance
// strategy; Compile turns the rules into a plan, Run evaluates it to
// fixpoint, and the relation accessors read the results.
//
//	ctx, _ := provlog.New(provlog.KindMinMaxProb, 0)
//	_ = ctx.ImportProgram(src)
//	_ = ctx.Compile()
//	res, _ := ctx.Run(context.Background())
//	col, _ := ctx.Relation("path")
package provlog

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"provlog/internal/batch"
	"provlog/internal/compile"
	"provlog/internal/eval"
	"provlog/internal/ff"
	"provlog/internal/logging"
	"provlog/internal/parse"
	"provlog/internal/provenance"
	"provlog/internal/relation"
	"provlog/internal/rules"
	"provlog/internal/value"
)

// Provenance kinds accepted by New.
const (
	KindUnit        = provenance.KindUnit
	KindMinMaxProb  = provenance.KindMinMaxProb
	KindAddMultProb = provenance.KindAddMultProb
	KindTopKProofs  = provenance.KindTopKProofs
)

// Re-exported result and error types. Errors from the pipeline implement
// interface{ Stage() string } naming the stage that produced them.
type (
	Kind         = provenance.Kind
	Strategy     = provenance.Strategy
	Tag          = provenance.Tag
	Result       = eval.Result
	Collection   = relation.Collection
	Item         = relation.Item
	ForeignFunc  = ff.Func
	World        = batch.World
	WorldFact    = batch.Fact
	BatchResult  = batch.Result
	SchemaError  = relation.SchemaError
	ParseError   = parse.Error
	CompileError = compile.Error
	RuntimeError = eval.Error
)

// baseFact is one seeded input fact, kept in insertion order.
type baseFact struct {
	rel    string
	tuple  value.Tuple
	weight *float64
}

// Context is a self-contained engine instance. All methods are safe for
// concurrent use; Run and RunBatch serialize against mutations.
type Context struct {
	mu sync.RWMutex

	kind     Kind
	k        int
	strategy provenance.Strategy

	reg     *relation.Registry
	ffs     *ff.Registry
	facts   []baseFact
	rules   []rules.Rule
	queries []string

	plan *compile.Plan

	iterLimit    int
	earlyDiscard bool
	incremental  bool

	// store holds the state of the last run; pending indexes the first
	// base fact not yet seeded into it (for incremental runs).
	store   *eval.Store
	pending int

	log *logging.Logger
}

// New builds an empty context on the given provenance kind. k is the proof
// bound for KindTopKProofs and ignored otherwise.
func New(kind Kind, k int) (*Context, error) {
	strategy, err := provenance.New(kind, k)
	if err != nil {
		return nil, &RuntimeError{Msg: err.Error()}
	}
	return &Context{
		kind:     kind,
		k:        k,
		strategy: strategy,
		reg:      relation.NewRegistry(),
		ffs:      ff.NewRegistry(),
		log:      logging.Get(logging.CategorySession),
	}, nil
}

// NewWithStrategy builds a context on a caller-supplied provenance strategy.
// The strategy's Combine must be associative and commutative for results to
// be deterministic; see the Strategy contract.
func NewWithStrategy(s Strategy) (*Context, error) {
	if s == nil {
		return nil, fmt.Errorf("nil provenance strategy")
	}
	return &Context{
		kind:     Kind(s.Name()),
		strategy: s,
		reg:      relation.NewRegistry(),
		ffs:      ff.NewRegistry(),
		log:      logging.Get(logging.CategorySession),
	}, nil
}

// Provenance returns the kind the context was built with.
func (c *Context) Provenance() Kind {
	return c.kind
}

// ImportProgram parses a rule program and loads its declarations, facts,
// rules and queries. On any error the context is left unchanged.
func (c *Context) ImportProgram(src string) error {
	prog, err := parse.Parse(src)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	reg := c.reg.Clone()
	var facts []baseFact
	for _, d := range prog.Types {
		if _, err := reg.Declare(d.Name, d.Kinds); err != nil {
			return err
		}
	}
	for _, f := range prog.Facts {
		tuple, err := declareAndCheck(reg, f.Relation, f.Tuple)
		if err != nil {
			return err
		}
		facts = append(facts, baseFact{rel: f.Relation, tuple: tuple, weight: f.Weight})
	}

	c.reg = reg
	c.facts = append(c.facts, facts...)
	c.rules = append(c.rules, prog.Rules...)
	c.queries = append(c.queries, prog.Queries...)
	c.log.Debug("imported program: %d facts, %d rules, %d queries",
		len(prog.Facts), len(prog.Rules), len(prog.Queries))
	return nil
}

// declareAndCheck validates a tuple, declaring the relation from the
// tuple's kinds when it is still unknown.
func declareAndCheck(reg *relation.Registry, name string, t value.Tuple) (value.Tuple, error) {
	rel := reg.Lookup(name)
	if rel == nil {
		schema := make([]value.Kind, len(t))
		for i, v := range t {
			schema[i] = v.Kind
		}
		var err error
		if rel, err = reg.Declare(name, schema); err != nil {
			return nil, err
		}
	}
	if err := rel.CheckTuple(t); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// DeclareRelation declares a relation schema by kind names ("string", "int",
// "float", "bool").
func (c *Context) DeclareRelation(name string, kinds ...string) error {
	schema := make([]value.Kind, len(kinds))
	for i, k := range kinds {
		kk, err := value.ParseKind(k)
		if err != nil {
			return err
		}
		schema[i] = kk
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.reg.Declare(name, schema)
	return err
}

// AddFact adds one unweighted base fact. Arguments are native Go values.
func (c *Context) AddFact(rel string, args ...any) error {
	return c.addFact(rel, nil, args)
}

// AddWeightedFact adds one base fact carrying an input weight.
func (c *Context) AddWeightedFact(rel string, weight float64, args ...any) error {
	return c.addFact(rel, &weight, args)
}

// AddFacts adds several unweighted facts to one relation.
func (c *Context) AddFacts(rel string, tuples ...[]any) error {
	for _, t := range tuples {
		if err := c.AddFact(rel, t...); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) addFact(rel string, weight *float64, args []any) error {
	tuple, err := toTuple(args)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tuple, err = declareAndCheck(c.reg, rel, tuple)
	if err != nil {
		return err
	}
	c.facts = append(c.facts, baseFact{rel: rel, tuple: tuple, weight: weight})
	return nil
}

func toTuple(args []any) (value.Tuple, error) {
	t := make(value.Tuple, len(args))
	for i, a := range args {
		v, err := value.FromGo(a)
		if err != nil {
			return nil, err
		}
		t[i] = v
	}
	return t, nil
}

// AddRule parses and adds a single rule.
func (c *Context) AddRule(src string) error {
	prog, err := parse.Parse(src)
	if err != nil {
		return err
	}
	if len(prog.Rules) != 1 || len(prog.Facts) != 0 || len(prog.Types) != 0 {
		return &CompileError{Msg: "AddRule expects exactly one rule"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, prog.Rules[0])
	return nil
}

// RegisterForeignFunction registers a pure function callable from rules with
// the $name(...) syntax. Must happen before Compile.
func (c *Context) RegisterForeignFunction(f ForeignFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plan != nil {
		return &CompileError{Msg: "foreign functions must be registered before Compile"}
	}
	return c.ffs.Register(f)
}

// AddDemand seeds a demand tuple for a relation compiled with a demand
// annotation: the given arguments fill the pattern's bound positions.
func (c *Context) AddDemand(rel string, args ...any) error {
	tuple, err := toTuple(args)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plan == nil {
		return &RuntimeError{Msg: "AddDemand requires a compiled plan"}
	}
	demand := c.reg.Lookup(compile.DemandRelation(rel))
	if demand == nil {
		return &RuntimeError{Msg: fmt.Sprintf("relation %q has no demand annotation", rel)}
	}
	if err := demand.CheckTuple(tuple); err != nil {
		return err
	}
	c.facts = append(c.facts, baseFact{rel: demand.Name, tuple: tuple})
	return nil
}

// Compile builds the evaluation plan from the rules added so far. On
// failure the context keeps its previous state, including any earlier plan.
// On success the relation schema set is frozen and previous run results are
// dropped.
func (c *Context) Compile() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	reg := c.reg.Clone()
	plan, err := compile.Compile(reg, c.ffs.Snapshot(), c.rules, c.queries)
	if err != nil {
		return err
	}
	c.reg = reg
	c.plan = plan
	c.store = nil
	c.pending = 0
	c.log.Debug("compiled %d rules into %d strata", len(plan.Rules()), len(plan.Strata()))
	return nil
}

// DumpPlan renders the compiled plan.
func (c *Context) DumpPlan() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.plan == nil {
		return "", &RuntimeError{Msg: "no compiled plan"}
	}
	return c.plan.Dump(), nil
}

// SetIterationLimit caps fixpoint rounds per stratum for subsequent runs.
func (c *Context) SetIterationLimit(n int) error {
	if n < 1 {
		return &RuntimeError{Msg: "iteration limit must be at least 1"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.iterLimit = n
	return nil
}

// ClearIterationLimit removes the cap.
func (c *Context) ClearIterationLimit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.iterLimit = 0
}

// SetEarlyDiscard controls pruning of zero-tag partial derivations during
// evaluation. Results are identical either way.
func (c *Context) SetEarlyDiscard(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.earlyDiscard = on
}

// SetIncremental controls whether Run continues from the previous run's
// state, seeding only facts added since, instead of starting fresh.
func (c *Context) SetIncremental(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incremental = on
}

// Run evaluates the compiled plan over the current base facts.
func (c *Context) Run(ctx context.Context) (Result, error) {
	return c.run(ctx, "")
}

// RunTagged runs with a correlation tag that marks all log output of this
// run, and returns the tag alongside the result. An empty tag gets a fresh
// UUID.
func (c *Context) RunTagged(ctx context.Context, tag string) (string, Result, error) {
	if tag == "" {
		tag = uuid.NewString()
	}
	res, err := c.run(ctx, tag)
	return tag, res, err
}

func (c *Context) run(ctx context.Context, runTag string) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.plan == nil {
		return Result{}, &RuntimeError{Msg: "Run requires a compiled plan"}
	}

	store := c.store
	seedFrom := c.pending
	if !c.incremental || store == nil {
		store = eval.NewStore(c.strategy.Clone())
		seedFrom = 0
	} else {
		// Computed content is rebuilt every run. Re-deriving a tuple that
		// kept its previous tag would combine the two, inflating it under
		// non-idempotent strategies.
		for _, name := range c.reg.List(true) {
			rel := c.reg.Lookup(name)
			if rel == nil || !rel.Computed {
				continue
			}
			store.Drop(name)
			for _, f := range c.facts[:seedFrom] {
				if f.rel != name {
					continue
				}
				tag, err := store.Strategy().TagInput(f.weight)
				if err != nil {
					return Result{}, err
				}
				store.Add(f.rel, f.tuple, tag, 0)
			}
		}
	}
	for _, f := range c.facts[seedFrom:] {
		tag, err := store.Strategy().TagInput(f.weight)
		if err != nil {
			return Result{}, err
		}
		store.Add(f.rel, f.tuple, tag, 0)
	}

	res, err := eval.Run(ctx, c.plan, store, eval.Options{
		IterationLimit: c.iterLimit,
		EarlyDiscard:   c.earlyDiscard,
		RunTag:         runTag,
	})
	c.store = store
	c.pending = len(c.facts)
	return res, err
}

// RunBatch evaluates the plan once per world, concurrently. Worlds replace
// the base facts of the relations they mention and inherit everything else;
// results come back in input order.
func (c *Context) RunBatch(ctx context.Context, worlds []World, workers int) ([]BatchResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.plan == nil {
		return nil, &RuntimeError{Msg: "RunBatch requires a compiled plan"}
	}
	base := make([]batch.Fact, len(c.facts))
	for i, f := range c.facts {
		base[i] = batch.Fact{Relation: f.rel, Tuple: f.tuple, Weight: f.weight, ExternalID: -1}
	}
	return batch.Run(ctx, c.plan, c.strategy, base, worlds, batch.Options{
		Eval: eval.Options{
			IterationLimit: c.iterLimit,
			EarlyDiscard:   c.earlyDiscard,
		},
		Workers: workers,
	}), nil
}

// Relation snapshots a relation's tuples with their weights after a run.
func (c *Context) Relation(name string) (*Collection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.reg.Exists(name) {
		return nil, &SchemaError{Relation: name, Msg: "not declared"}
	}
	if c.store == nil {
		return nil, &RuntimeError{Msg: "Relation requires a completed run"}
	}
	return c.store.Collection(name), nil
}

// Contains reports whether the relation holds the tuple after the last run.
func (c *Context) Contains(rel string, args ...any) (bool, error) {
	tuple, err := toTuple(args)
	if err != nil {
		return false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.store == nil {
		return false, &RuntimeError{Msg: "Contains requires a completed run"}
	}
	return c.store.Contains(rel, tuple), nil
}

// ContainsAll reports whether the relation holds every given tuple.
func (c *Context) ContainsAll(rel string, tuples ...[]any) (bool, error) {
	for _, t := range tuples {
		ok, err := c.Contains(rel, t...)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// RelationCount returns the tuple count of a relation after the last run.
func (c *Context) RelationCount(rel string) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.store == nil {
		return 0, &RuntimeError{Msg: "RelationCount requires a completed run"}
	}
	return c.store.Count(rel), nil
}

// RelationExists reports whether the relation is declared.
func (c *Context) RelationExists(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reg.Exists(name)
}

// IsComputed reports whether the relation is derived by rules rather than
// populated by base facts.
func (c *Context) IsComputed(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rel := c.reg.Lookup(name)
	return rel != nil && rel.Computed
}

// ListRelations returns the declared relations in declaration order.
// Hidden relations generated by compilation are included only on request.
func (c *Context) ListRelations(includeHidden bool) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reg.List(includeHidden)
}

// Queries returns the relations named by query statements, in declaration
// order.
func (c *Context) Queries() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.queries...)
}

// Clone returns an independent copy sharing nothing with the original. If
// the original was compiled, the clone is compiled too.
func (c *Context) Clone() (*Context, error) {
	c.mu.RLock()
	strategy := c.strategy.Clone()
	c.mu.RUnlock()
	return c.cloneOnto(strategy, c.kind, c.k)
}

// CloneWithProvenance clones the context onto a different provenance kind,
// keeping declarations, facts, rules and settings.
func (c *Context) CloneWithProvenance(kind Kind, k int) (*Context, error) {
	strategy, err := provenance.New(kind, k)
	if err != nil {
		return nil, &RuntimeError{Msg: err.Error()}
	}
	return c.cloneOnto(strategy, kind, k)
}

func (c *Context) cloneOnto(strategy provenance.Strategy, kind Kind, k int) (*Context, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := &Context{
		kind:     kind,
		k:        k,
		strategy: strategy,
		reg:      relation.NewRegistry(),
		ffs:      ff.NewRegistry(),
		log:      logging.Get(logging.CategorySession),
	}
	out.reg = c.reg.Clone()
	out.ffs = c.ffs.Clone()
	out.facts = make([]baseFact, len(c.facts))
	for i, f := range c.facts {
		nf := baseFact{rel: f.rel, tuple: f.tuple.Clone()}
		if f.weight != nil {
			w := *f.weight
			nf.weight = &w
		}
		out.facts[i] = nf
	}
	out.rules = make([]rules.Rule, len(c.rules))
	for i, r := range c.rules {
		out.rules[i] = r.Clone()
	}
	out.queries = append([]string(nil), c.queries...)
	out.iterLimit = c.iterLimit
	out.earlyDiscard = c.earlyDiscard
	out.incremental = c.incremental

	// Compilation is deterministic, so recompiling reproduces the plan
	// against the clone's own registry.
	if c.plan != nil {
		if err := out.Compile(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
