package eval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provlog/internal/compile"
	"provlog/internal/ff"
	"provlog/internal/parse"
	"provlog/internal/provenance"
	"provlog/internal/relation"
	"provlog/internal/value"
)

// build compiles a source program and seeds a store with its base facts.
func build(t *testing.T, src string, kind provenance.Kind, k int) (*compile.Plan, *Store) {
	t.Helper()
	prog, err := parse.Parse(src)
	require.NoError(t, err)

	reg := relation.NewRegistry()
	for _, d := range prog.Types {
		_, err := reg.Declare(d.Name, d.Kinds)
		require.NoError(t, err)
	}
	for _, f := range prog.Facts {
		schema := make([]value.Kind, len(f.Tuple))
		for i, v := range f.Tuple {
			schema[i] = v.Kind
		}
		_, err := reg.Declare(f.Relation, schema)
		require.NoError(t, err)
	}
	plan, err := compile.Compile(reg, ff.NewRegistry().Snapshot(), prog.Rules, prog.Queries)
	require.NoError(t, err)

	strategy, err := provenance.New(kind, k)
	require.NoError(t, err)
	store := NewStore(strategy)
	for _, f := range prog.Facts {
		tag, err := strategy.TagInput(f.Weight)
		require.NoError(t, err)
		store.Add(f.Relation, f.Tuple, tag, 0)
	}
	return plan, store
}

func run(t *testing.T, plan *compile.Plan, store *Store, opts Options) Result {
	t.Helper()
	res, err := Run(context.Background(), plan, store, opts)
	require.NoError(t, err)
	return res
}

func TestTransitiveClosure(t *testing.T) {
	plan, store := build(t, `
rel edge = {(1, 2), (2, 3), (3, 4)}
rel path(x, y) = edge(x, y)
rel path(x, z) = path(x, y), edge(y, z)`, provenance.KindUnit, 0)

	res := run(t, plan, store, Options{})
	assert.True(t, res.Converged)
	assert.Equal(t, 6, store.Count("path"))
	assert.True(t, store.Contains("path", value.Tuple{value.Int(1), value.Int(4)}))
	assert.False(t, store.Contains("path", value.Tuple{value.Int(4), value.Int(1)}))
}

func TestRecursionTakesMultipleRounds(t *testing.T) {
	plan, store := build(t, `
rel edge = {(1, 2), (2, 3), (3, 4), (4, 5)}
rel path(x, y) = edge(x, y)
rel path(x, z) = path(x, y), edge(y, z)`, provenance.KindUnit, 0)

	res := run(t, plan, store, Options{})
	assert.True(t, res.Converged)
	assert.Greater(t, res.Rounds, 2)
}

func TestMinMaxProbPicksBestPath(t *testing.T) {
	// Two routes from 1 to 3: max over the route minima.
	plan, store := build(t, `
rel edge = {0.9::(1, 2), 0.5::(2, 3), 0.3::(1, 3)}
rel path(x, y) = edge(x, y)
rel path(x, z) = path(x, y), edge(y, z)`, provenance.KindMinMaxProb, 0)

	res := run(t, plan, store, Options{})
	assert.True(t, res.Converged)

	col := store.Collection("path")
	var got float64
	for _, it := range col.Items() {
		if it.Tuple.Equal(value.Tuple{value.Int(1), value.Int(3)}) {
			got = it.Weight
		}
	}
	// min(0.9, 0.5) = 0.5 beats the direct 0.3 edge.
	assert.InDelta(t, 0.5, got, 1e-9)
}

func TestAddMultProbHitsIterationLimit(t *testing.T) {
	// A cycle keeps pumping probability mass; only the limit stops it.
	plan, store := build(t, `
rel edge = {0.5::(1, 2), 0.5::(2, 1)}
rel path(x, y) = edge(x, y)
rel path(x, z) = path(x, y), edge(y, z)`, provenance.KindAddMultProb, 0)

	res := run(t, plan, store, Options{IterationLimit: 5})
	assert.False(t, res.Converged)
	assert.LessOrEqual(t, res.Rounds, 6)
}

func TestStratifiedNegation(t *testing.T) {
	plan, store := build(t, `
rel node = {1, 2, 3}
rel edge = {(1, 2)}
rel reach(x, y) = edge(x, y)
rel reach(x, z) = reach(x, y), edge(y, z)
rel isolated(x) = node(x), not reach(_, x), not reach(x, _)`, provenance.KindUnit, 0)

	res := run(t, plan, store, Options{})
	assert.True(t, res.Converged)
	assert.Equal(t, 1, store.Count("isolated"))
	assert.True(t, store.Contains("isolated", value.Tuple{value.Int(3)}))
}

func TestAggregates(t *testing.T) {
	plan, store := build(t, `
rel score = {("a", 3), ("a", 5), ("b", 2)}
rel total(p, s) = player(p), s = sum(v: score(p, v))
rel player(p) = score(p, _)
rel players(n) = n = count(p: player(p))`, provenance.KindUnit, 0)

	res := run(t, plan, store, Options{})
	assert.True(t, res.Converged)
	assert.True(t, store.Contains("total", value.Tuple{value.String("a"), value.Int(8)}))
	assert.True(t, store.Contains("total", value.Tuple{value.String("b"), value.Int(2)}))
	assert.True(t, store.Contains("players", value.Tuple{value.Int(2)}))
}

func TestForeignFunctionsInRules(t *testing.T) {
	plan, store := build(t, `
rel word = {"alpha", "be"}
rel long(w) = word(w), $string_length(w) > 2
rel lengths(w, $string_length(w)) = word(w)`, provenance.KindUnit, 0)

	res := run(t, plan, store, Options{})
	assert.True(t, res.Converged)
	assert.Equal(t, 1, store.Count("long"))
	assert.True(t, store.Contains("lengths", value.Tuple{value.String("be"), value.Int(2)}))
}

func TestDivisionByZeroDropsDerivation(t *testing.T) {
	plan, store := build(t, `
rel n = {0, 2, 4}
rel inv(x, y) = n(x), y == 8 / x`, provenance.KindUnit, 0)

	res := run(t, plan, store, Options{})
	assert.True(t, res.Converged)
	assert.Equal(t, 2, store.Count("inv"))
	assert.True(t, store.Contains("inv", value.Tuple{value.Int(2), value.Int(4)}))
}

func TestEarlyDiscardIsTransparent(t *testing.T) {
	src := `
rel edge = {0.0::(1, 2), 0.8::(1, 3), 0.7::(3, 4)}
rel path(x, y) = edge(x, y)
rel path(x, z) = path(x, y), edge(y, z)`

	planA, storeA := build(t, src, provenance.KindMinMaxProb, 0)
	run(t, planA, storeA, Options{})

	planB, storeB := build(t, src, provenance.KindMinMaxProb, 0)
	run(t, planB, storeB, Options{EarlyDiscard: true})

	ca, cb := storeA.Collection("path"), storeB.Collection("path")
	require.Equal(t, ca.Len(), cb.Len())
	for i := 0; i < ca.Len(); i++ {
		assert.Equal(t, ca.At(i).Tuple, cb.At(i).Tuple)
		assert.InDelta(t, ca.At(i).Weight, cb.At(i).Weight, 1e-9)
	}
}

func TestDeterministicAcrossRuns(t *testing.T) {
	src := `
rel edge = {0.9::(1, 2), 0.8::(2, 3), 0.7::(1, 3), 0.6::(3, 1)}
rel path(x, y) = edge(x, y)
rel path(x, z) = path(x, y), edge(y, z)`

	snapshot := func() []relation.Item {
		plan, store := build(t, src, provenance.KindTopKProofs, 3)
		run(t, plan, store, Options{})
		return store.Collection("path").Items()
	}

	a, b := snapshot(), snapshot()
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Tuple, b[i].Tuple)
		assert.InDelta(t, a[i].Weight, b[i].Weight, 1e-9)
	}
}

func TestCancellationStopsBetweenRounds(t *testing.T) {
	plan, store := build(t, `
rel edge = {(1, 2), (2, 3)}
rel path(x, y) = edge(x, y)
rel path(x, z) = path(x, y), edge(y, z)`, provenance.KindUnit, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := Run(ctx, plan, store, Options{})
	require.NoError(t, err)
	assert.False(t, res.Converged)
	assert.Equal(t, 0, res.Rounds)

	// The committed state so far stays readable; here nothing was derived.
	assert.Equal(t, 0, store.Count("path"))
	assert.Equal(t, 2, store.Count("edge"))
}

func TestDemandRestrictsComputation(t *testing.T) {
	plan, store := build(t, `
rel base = {(0, 0), (1, 1)}
rel fib(x, y) = base(x, y)
@demand("bf")
rel fib(x, y) = x > 1, fib(x - 1, a), fib(x - 2, b), y == a + b`, provenance.KindUnit, 0)

	// Seed demand for fib(7, _).
	store.Add(compile.DemandRelation("fib"), value.Tuple{value.Int(7)}, store.Strategy().One(), 0)

	res := run(t, plan, store, Options{})
	assert.True(t, res.Converged)
	assert.True(t, store.Contains("fib", value.Tuple{value.Int(7), value.Int(13)}))
	assert.False(t, store.Contains("fib", value.Tuple{value.Int(20), value.Int(6765)}))
}

func TestWeightedRuleScalesDerivations(t *testing.T) {
	plan, store := build(t, `
rel seen = {0.5::("x")}
rel 0.8::likely(v) = seen(v)`, provenance.KindMinMaxProb, 0)

	res := run(t, plan, store, Options{})
	assert.True(t, res.Converged)
	col := store.Collection("likely")
	require.Equal(t, 1, col.Len())
	assert.InDelta(t, 0.5, col.At(0).Weight, 1e-9)
}
