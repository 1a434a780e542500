package provlog

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provlog/internal/ff"
	"provlog/internal/provenance"
	"provlog/internal/value"
)

const closureSrc = `
rel edge = {(1, 2), (2, 3), (3, 4)}
rel path(x, y) = edge(x, y)
rel path(x, z) = path(x, y), edge(y, z)
query path`

func newClosure(t *testing.T, kind Kind, k int) *Context {
	t.Helper()
	c, err := New(kind, k)
	require.NoError(t, err)
	require.NoError(t, c.ImportProgram(closureSrc))
	require.NoError(t, c.Compile())
	return c
}

func TestEndToEndClosure(t *testing.T) {
	c := newClosure(t, KindUnit, 0)
	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Converged)

	n, err := c.RelationCount("path")
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	ok, err := c.Contains("path", int64(1), int64(4))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ContainsAll("path", []any{int64(1), int64(2)}, []any{int64(2), int64(4)})
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, c.RelationExists("path"))
	assert.True(t, c.IsComputed("path"))
	assert.False(t, c.IsComputed("edge"))
	assert.Equal(t, []string{"edge", "path"}, c.ListRelations(false))
}

func TestRunBeforeCompile(t *testing.T) {
	c, err := New(KindUnit, 0)
	require.NoError(t, err)
	_, err = c.Run(context.Background())
	require.Error(t, err)
	var rerr *RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "eval", rerr.Stage())
}

func TestCompileFailureKeepsPreviousPlan(t *testing.T) {
	c := newClosure(t, KindUnit, 0)
	_, err := c.Run(context.Background())
	require.NoError(t, err)

	// An unbound head variable fails compilation; the earlier plan and
	// declarations must survive.
	require.NoError(t, c.AddRule(`rel broken(x, y) = edge(x, _)`))
	require.Error(t, c.Compile())

	ok, err := c.Contains("path", int64(1), int64(4))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestImportProgramErrorLeavesStateUntouched(t *testing.T) {
	c, err := New(KindUnit, 0)
	require.NoError(t, err)
	require.NoError(t, c.ImportProgram(`rel edge = {(1, 2)}`))

	// Redeclaring edge with another schema must fail and change nothing.
	err = c.ImportProgram(`
rel edge = {("a", "b", "c")}
rel extra = {1}`)
	require.Error(t, err)
	assert.False(t, c.RelationExists("extra"))
	assert.Equal(t, []string{"edge"}, c.ListRelations(false))
}

func TestDeterministicRuns(t *testing.T) {
	src := `
rel edge = {0.9::(1, 2), 0.8::(2, 3), 0.7::(1, 3), 0.6::(3, 1)}
rel path(x, y) = edge(x, y)
rel path(x, z) = path(x, y), edge(y, z)`

	snapshot := func() []Item {
		c, err := New(KindTopKProofs, 3)
		require.NoError(t, err)
		require.NoError(t, c.ImportProgram(src))
		require.NoError(t, c.Compile())
		_, err = c.Run(context.Background())
		require.NoError(t, err)
		col, err := c.Relation("path")
		require.NoError(t, err)
		return col.Items()
	}

	a, b := snapshot(), snapshot()
	require.Equal(t, len(a), len(b))
	tuples := func(items []Item) []value.Tuple {
		out := make([]value.Tuple, len(items))
		for i, it := range items {
			out[i] = it.Tuple
		}
		return out
	}
	if diff := cmp.Diff(tuples(a), tuples(b)); diff != "" {
		t.Errorf("runs disagree on tuples (-first +second):\n%s", diff)
	}
	for i := range a {
		assert.InDelta(t, a[i].Weight, b[i].Weight, 1e-9)
	}
}

func TestRepeatedRunsAreIdempotent(t *testing.T) {
	c := newClosure(t, KindMinMaxProb, 0)
	_, err := c.Run(context.Background())
	require.NoError(t, err)
	first, err := c.Relation("path")
	require.NoError(t, err)

	// Recompiling an unchanged context is a no-op for results too.
	require.NoError(t, c.Compile())
	_, err = c.Run(context.Background())
	require.NoError(t, err)
	second, err := c.Relation("path")
	require.NoError(t, err)

	require.Equal(t, first.Len(), second.Len())
	for i := 0; i < first.Len(); i++ {
		assert.Equal(t, first.At(i).Tuple, second.At(i).Tuple)
		assert.InDelta(t, first.At(i).Weight, second.At(i).Weight, 1e-9)
	}
}

// The expression evaluator: spans of the input string parse bottom-up into
// numbers, terms and expressions, with division binding tighter than
// addition.
const exprSrc = `
type digit(string, float)
rel digit = {("0", 0.0), ("1", 1.0), ("2", 2.0), ("3", 3.0), ("4", 4.0),
             ("5", 5.0), ("6", 6.0), ("7", 7.0), ("8", 8.0), ("9", 9.0)}

rel input("123/24+1")
rel len(n) = input(s), n == $string_length(s)
rel idx(0)
rel idx(i + 1) = idx(i), len(n), i + 1 < n
rel char(i, c) = idx(i), input(s), c == $string_char_at(s, i)

rel num(i, i + 1, v) = char(i, c), digit(c, v)
rel num(i, j + 1, v * 10.0 + d) = num(i, j, v), char(j, c), digit(c, d)

rel term(i, j, v) = num(i, j, v)
rel term(i, k, a * b) = term(i, j, a), char(j, "*"), num(j + 1, k, b)
rel term(i, k, a / b) = term(i, j, a), char(j, "/"), num(j + 1, k, b)

rel expr(i, j, v) = term(i, j, v)
rel expr(i, k, a + b) = expr(i, j, a), char(j, "+"), term(j + 1, k, b)
rel expr(i, k, a - b) = expr(i, j, a), char(j, "-"), term(j + 1, k, b)

rel result(v) = len(n), expr(0, n, v)
query result`

func TestExpressionEvaluator(t *testing.T) {
	c, err := New(KindUnit, 0)
	require.NoError(t, err)
	require.NoError(t, c.ImportProgram(exprSrc))
	require.NoError(t, c.Compile())

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Converged)

	ok, err := c.Contains("result", 6.125)
	require.NoError(t, err)
	assert.True(t, ok, "123/24+1 should evaluate to 6.125")
}

func TestTopKTruncationKeepsKProofs(t *testing.T) {
	// Five parallel routes derive the same goal; k=2 keeps the two
	// heaviest proofs.
	c, err := New(KindTopKProofs, 2)
	require.NoError(t, err)
	require.NoError(t, c.ImportProgram(`
rel route = {0.9::("r1"), 0.7::("r2"), 0.5::("r3"), 0.3::("r4"), 0.1::("r5")}
rel ok(r) = route(r)
rel goal("done") = ok(_)`))
	require.NoError(t, c.Compile())
	_, err = c.Run(context.Background())
	require.NoError(t, err)

	col, err := c.Relation("goal")
	require.NoError(t, err)
	require.Equal(t, 1, col.Len())

	ps, ok := col.At(0).Tag.(provenance.ProofSet)
	require.True(t, ok)
	assert.Len(t, ps.Proofs, 2)
	// noisy-or of the two best routes: 1 - (1-0.9)(1-0.7).
	assert.InDelta(t, 0.97, col.At(0).Weight, 1e-9)
}

func TestBoundedIterationMatchesUnbounded(t *testing.T) {
	unbounded := newClosure(t, KindUnit, 0)
	_, err := unbounded.Run(context.Background())
	require.NoError(t, err)

	bounded := newClosure(t, KindUnit, 0)
	require.NoError(t, bounded.SetIterationLimit(50))
	res, err := bounded.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Converged)

	a, err := unbounded.Relation("path")
	require.NoError(t, err)
	b, err := bounded.Relation("path")
	require.NoError(t, err)
	require.Equal(t, a.Len(), b.Len())
	for i := 0; i < a.Len(); i++ {
		assert.Equal(t, a.At(i).Tuple, b.At(i).Tuple)
	}
}

func TestIterationLimitValidation(t *testing.T) {
	c := newClosure(t, KindUnit, 0)
	require.Error(t, c.SetIterationLimit(0))
	require.NoError(t, c.SetIterationLimit(3))
	c.ClearIterationLimit()
}

func TestEarlyDiscardTransparent(t *testing.T) {
	run := func(early bool) *Collection {
		c := newClosure(t, KindMinMaxProb, 0)
		c.SetEarlyDiscard(early)
		_, err := c.Run(context.Background())
		require.NoError(t, err)
		col, err := c.Relation("path")
		require.NoError(t, err)
		return col
	}
	a, b := run(false), run(true)
	require.Equal(t, a.Len(), b.Len())
	for i := 0; i < a.Len(); i++ {
		assert.Equal(t, a.At(i).Tuple, b.At(i).Tuple)
		assert.InDelta(t, a.At(i).Weight, b.At(i).Weight, 1e-9)
	}
}

func TestIncrementalRun(t *testing.T) {
	c := newClosure(t, KindUnit, 0)
	c.SetIncremental(true)
	_, err := c.Run(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.AddFact("edge", int64(4), int64(5)))
	_, err = c.Run(context.Background())
	require.NoError(t, err)

	ok, err := c.Contains("path", int64(1), int64(5))
	require.NoError(t, err)
	assert.True(t, ok)

	// The incremental result matches a fresh full run.
	fresh := newClosure(t, KindUnit, 0)
	require.NoError(t, fresh.AddFact("edge", int64(4), int64(5)))
	_, err = fresh.Run(context.Background())
	require.NoError(t, err)
	want, err := fresh.RelationCount("path")
	require.NoError(t, err)
	got, err := c.RelationCount("path")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestIncrementalRerunKeepsTags(t *testing.T) {
	// Re-running without new facts must not combine a derived tuple's tag
	// with its previous value. addmultprob would show that as a growing
	// weight.
	c, err := New(KindAddMultProb, 0)
	require.NoError(t, err)
	require.NoError(t, c.ImportProgram(`
rel edge = {0.3::(1, 2)}
rel path(x, y) = edge(x, y)`))
	require.NoError(t, c.Compile())
	c.SetIncremental(true)

	weight := func() float64 {
		t.Helper()
		col, err := c.Relation("path")
		require.NoError(t, err)
		require.Equal(t, 1, col.Len())
		return col.At(0).Weight
	}

	_, err = c.Run(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.3, weight(), 1e-9)

	_, err = c.Run(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.3, weight(), 1e-9)

	// A genuinely new derivation still combines.
	require.NoError(t, c.AddRule("rel path(x, y) = edge(y, x), edge(x, y)"))
	require.NoError(t, c.Compile())
	c.SetIncremental(true)
	require.NoError(t, c.AddFact("edge", int64(2), int64(1)))
	_, err = c.Run(context.Background())
	require.NoError(t, err)
	col, err := c.Relation("path")
	require.NoError(t, err)
	assert.Equal(t, 2, col.Len())
}

func TestCloneIsIndependent(t *testing.T) {
	c := newClosure(t, KindUnit, 0)
	clone, err := c.Clone()
	require.NoError(t, err)

	require.NoError(t, clone.AddFact("edge", int64(4), int64(5)))
	_, err = clone.Run(context.Background())
	require.NoError(t, err)
	_, err = c.Run(context.Background())
	require.NoError(t, err)

	n, err := c.RelationCount("path")
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	m, err := clone.RelationCount("path")
	require.NoError(t, err)
	assert.Equal(t, 10, m)
}

func TestCloneWithProvenance(t *testing.T) {
	c, err := New(KindUnit, 0)
	require.NoError(t, err)
	require.NoError(t, c.ImportProgram(`
rel edge = {0.5::(1, 2), 0.4::(2, 3)}
rel path(x, y) = edge(x, y)
rel path(x, z) = path(x, y), edge(y, z)`))
	require.NoError(t, c.Compile())

	p, err := c.CloneWithProvenance(KindMinMaxProb, 0)
	require.NoError(t, err)
	assert.Equal(t, KindMinMaxProb, p.Provenance())
	_, err = p.Run(context.Background())
	require.NoError(t, err)

	col, err := p.Relation("path")
	require.NoError(t, err)
	for _, it := range col.Items() {
		if it.Tuple.Equal(value.Tuple{value.Int(1), value.Int(3)}) {
			assert.InDelta(t, 0.4, it.Weight, 1e-9)
		}
	}
}

func TestAddDemand(t *testing.T) {
	c, err := New(KindUnit, 0)
	require.NoError(t, err)
	require.NoError(t, c.ImportProgram(`
rel base = {(0, 0), (1, 1)}
rel fib(x, y) = base(x, y)
@demand("bf")
rel fib(x, y) = x > 1, fib(x - 1, a), fib(x - 2, b), y == a + b`))
	require.NoError(t, c.Compile())

	// Demand must reference an annotated relation.
	require.Error(t, c.AddDemand("base", int64(1)))

	require.NoError(t, c.AddDemand("fib", int64(9)))
	_, err = c.Run(context.Background())
	require.NoError(t, err)

	ok, err := c.Contains("fib", int64(9), int64(34))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.Contains("fib", int64(30), int64(832040))
	require.NoError(t, err)
	assert.False(t, ok)

	// Hidden demand relations stay out of the listing.
	assert.NotContains(t, c.ListRelations(false), "demand$fib")
}

func TestRegisterForeignFunction(t *testing.T) {
	c, err := New(KindUnit, 0)
	require.NoError(t, err)

	double := ForeignFunc{
		Name: "double", MinArgs: 1, MaxArgs: 1,
		Ret: func(args []value.Kind) (value.Kind, bool) { return value.KindInt, true },
		Call: func(args []value.Value) (value.Value, error) {
			return value.Int(args[0].Int * 2), nil
		},
	}
	require.NoError(t, c.RegisterForeignFunction(double))
	require.NoError(t, c.ImportProgram(`
rel n = {1, 2, 3}
rel twice(x, $double(x)) = n(x)`))
	require.NoError(t, c.Compile())
	_, err = c.Run(context.Background())
	require.NoError(t, err)

	ok, err := c.Contains("twice", int64(3), int64(6))
	require.NoError(t, err)
	assert.True(t, ok)

	// Registration after compile is rejected.
	require.Error(t, c.RegisterForeignFunction(ff.Func{Name: "late", MinArgs: 0, MaxArgs: 0,
		Call: func([]value.Value) (value.Value, error) { return value.Int(0), nil }}))
}

func TestRunTagged(t *testing.T) {
	c := newClosure(t, KindUnit, 0)
	tag, res, err := c.RunTagged(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, res.Converged)
	_, err = uuid.Parse(tag)
	assert.NoError(t, err)

	tag, _, err = c.RunTagged(context.Background(), "nightly-42")
	require.NoError(t, err)
	assert.Equal(t, "nightly-42", tag)
}

// countProofs is the counting semiring: a tag is the number of distinct
// derivations of its tuple.
type countProofs struct{}

func (countProofs) Name() string { return "countproofs" }
func (countProofs) Zero() Tag { return 0 }
func (countProofs) One() Tag { return 1 }
func (countProofs) Combine(a, b Tag) Tag { return a.(int) + b.(int) }
func (countProofs) Extend(a, b Tag) Tag { return a.(int) * b.(int) }
func (countProofs) IsZero(t Tag) bool { return t.(int) == 0 }
func (countProofs) Equal(a, b Tag) bool { return a.(int) == b.(int) }
func (countProofs) TagInput(*float64) (Tag, error) { return 1, nil }
func (countProofs) Weight(t Tag) float64 { return float64(t.(int)) }
func (countProofs) Clone() Strategy { return countProofs{} }

func TestNewWithStrategy(t *testing.T) {
	c, err := NewWithStrategy(countProofs{})
	require.NoError(t, err)
	assert.Equal(t, Kind("countproofs"), c.Provenance())

	require.NoError(t, c.ImportProgram(`
rel edge = {(1, 2), (2, 3), (1, 3)}
rel path(x, y) = edge(x, y)
rel path(x, z) = path(x, y), edge(y, z)`))
	require.NoError(t, c.Compile())
	_, err = c.Run(context.Background())
	require.NoError(t, err)

	// (1, 3) has two derivations: the direct edge and via 2.
	col, err := c.Relation("path")
	require.NoError(t, err)
	for _, item := range col.Items() {
		if item.Tuple.Equal(value.Tuple{value.Int(1), value.Int(3)}) {
			assert.Equal(t, 2.0, item.Weight)
		}
	}

	// Clones keep the custom strategy.
	cl, err := c.Clone()
	require.NoError(t, err)
	_, err = cl.Run(context.Background())
	require.NoError(t, err)
	n, err := cl.RelationCount("path")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = NewWithStrategy(nil)
	require.Error(t, err)
}

func TestRunBatch(t *testing.T) {
	c := newClosure(t, KindUnit, 0)
	worlds := []World{
		{Name: "short", Facts: []WorldFact{
			{Relation: "edge", Tuple: value.Tuple{value.Int(1), value.Int(2)}, ExternalID: -1},
		}},
		{Name: "inherit"},
	}
	results, err := c.RunBatch(context.Background(), worlds, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Store.Count("path"))
	assert.Equal(t, 6, results[1].Store.Count("path"))
}

func TestDumpPlan(t *testing.T) {
	c := newClosure(t, KindUnit, 0)
	dump, err := c.DumpPlan()
	require.NoError(t, err)
	assert.Contains(t, dump, "path")

	empty, err := New(KindUnit, 0)
	require.NoError(t, err)
	_, err = empty.DumpPlan()
	require.Error(t, err)
}

func TestWeightedFacts(t *testing.T) {
	c, err := New(KindMinMaxProb, 0)
	require.NoError(t, err)
	require.NoError(t, c.DeclareRelation("signal", "string", "f64"))
	require.NoError(t, c.AddWeightedFact("signal", 0.25, "low", 1.0))
	require.NoError(t, c.AddRule(`rel seen(s) = signal(s, _)`))
	require.NoError(t, c.Compile())
	_, err = c.Run(context.Background())
	require.NoError(t, err)

	col, err := c.Relation("seen")
	require.NoError(t, err)
	require.Equal(t, 1, col.Len())
	assert.InDelta(t, 0.25, col.At(0).Weight, 1e-9)
}
